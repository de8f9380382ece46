// Package executor provides a reference implementation of
// reconcile.Executor. Real deployments supervise services through systemd
// units or Nix-built derivations, both explicitly out of scope (spec.md
// §1/§6); ShellExecutor exists so the repo runs end-to-end without either,
// by forking the service's exec_name as a plain child process and
// supervising it with os/exec — the same process-lifecycle pattern
// vjache-cie's cmd/cie/start.go uses to shell out to docker compose,
// generalized from a one-shot command to a long-lived supervised process.
package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mycomesh/myco/contrib"
	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/reconcile"
)

// managedProc tracks one child process started on behalf of a service.
type managedProc struct {
	cmd     *exec.Cmd
	version uint64
	done    chan struct{}
	exitErr error
}

// ShellExecutor runs each service's ExecName as a long-lived child process,
// restarting it whenever Apply is called with a newer version. It is
// goroutine-safe; concurrent Apply/Remove/Status calls on different
// service names do not block each other beyond the shared map lock.
type ShellExecutor struct {
	mu    sync.Mutex
	procs map[string]*managedProc
}

// NewShellExecutor constructs an empty ShellExecutor.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{procs: make(map[string]*managedProc)}
}

func init() {
	contrib.RegisterExecutor("shell", NewShellExecutor())
}

// Apply starts svc's process if not already running at svc.Version. A
// running process at an older version is killed and replaced. ExecName is
// split on whitespace into argv; it does not go through a shell, so
// pipes/redirects in exec_name are not supported — illustrative reference
// only.
func (e *ShellExecutor) Apply(ctx context.Context, svc catalog.Record) reconcile.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.procs[svc.Name]; ok {
		if existing.version == svc.Version && !procDone(existing) {
			return reconcile.Result{}
		}
		e.stopLocked(existing)
		delete(e.procs, svc.Name)
	}

	fields := strings.Fields(svc.ExecName)
	if len(fields) == 0 {
		return reconcile.Result{Err: fmt.Errorf("%w: empty exec_name for service %q", reconcile.ErrPermanent, svc.Name)}
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	if err := cmd.Start(); err != nil {
		return reconcile.Result{Err: fmt.Errorf("start %q: %w", svc.Name, err)}
	}

	mp := &managedProc{cmd: cmd, version: svc.Version, done: make(chan struct{})}
	e.procs[svc.Name] = mp
	go func(mp *managedProc) {
		mp.exitErr = mp.cmd.Wait()
		close(mp.done)
	}(mp)

	return reconcile.Result{}
}

// Remove kills name's process, if any, and forgets it.
func (e *ShellExecutor) Remove(ctx context.Context, name string) reconcile.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	mp, ok := e.procs[name]
	if !ok {
		return reconcile.Result{}
	}
	e.stopLocked(mp)
	delete(e.procs, name)
	return reconcile.Result{}
}

// Status reports name's last-known process state.
func (e *ShellExecutor) Status(ctx context.Context, name string) (reconcile.ExecStatus, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mp, ok := e.procs[name]
	if !ok {
		return reconcile.ExecStopped, "not started", nil
	}
	if procDone(mp) {
		if mp.exitErr != nil {
			return reconcile.ExecFailed, mp.exitErr.Error(), nil
		}
		return reconcile.ExecStopped, "exited", nil
	}
	return reconcile.ExecRunning, fmt.Sprintf("pid %d", mp.cmd.Process.Pid), nil
}

// stopLocked kills mp's process and waits up to 2s for Wait to observe the
// exit, so a subsequent Apply of the same name never races a still-exiting
// predecessor. Caller holds e.mu.
func (e *ShellExecutor) stopLocked(mp *managedProc) {
	if mp.cmd.Process == nil {
		return
	}
	_ = mp.cmd.Process.Kill()
	select {
	case <-mp.done:
	case <-time.After(2 * time.Second):
	}
}

func procDone(mp *managedProc) bool {
	select {
	case <-mp.done:
		return true
	default:
		return false
	}
}
