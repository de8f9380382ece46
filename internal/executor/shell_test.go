package executor

import (
	"context"
	"testing"
	"time"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/reconcile"
)

func waitForStatus(t *testing.T, e *ShellExecutor, name string, want reconcile.ExecStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, _, err := e.Status(context.Background(), name)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q to reach status %v", name, want)
}

func TestApplyStartsProcessAndReportsRunning(t *testing.T) {
	e := NewShellExecutor()
	result := e.Apply(context.Background(), catalog.Record{Name: "sleeper", Version: 1, ExecName: "sleep 5"})
	if result.Err != nil {
		t.Fatalf("Apply: %v", result.Err)
	}

	status, _, err := e.Status(context.Background(), "sleeper")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != reconcile.ExecRunning {
		t.Fatalf("expected ExecRunning immediately after Apply, got %v", status)
	}

	result = e.Remove(context.Background(), "sleeper")
	if result.Err != nil {
		t.Fatalf("Remove: %v", result.Err)
	}
}

func TestApplyWithEmptyExecNameIsPermanentFailure(t *testing.T) {
	e := NewShellExecutor()
	result := e.Apply(context.Background(), catalog.Record{Name: "broken", Version: 1, ExecName: ""})
	if result.Err == nil {
		t.Fatalf("expected an error for empty exec_name")
	}
}

func TestApplySameVersionIsNoOp(t *testing.T) {
	e := NewShellExecutor()
	rec := catalog.Record{Name: "sleeper", Version: 1, ExecName: "sleep 5"}
	if result := e.Apply(context.Background(), rec); result.Err != nil {
		t.Fatalf("first Apply: %v", result.Err)
	}
	status1, detail1, _ := e.Status(context.Background(), "sleeper")

	if result := e.Apply(context.Background(), rec); result.Err != nil {
		t.Fatalf("second Apply: %v", result.Err)
	}
	status2, detail2, _ := e.Status(context.Background(), "sleeper")

	if status1 != reconcile.ExecRunning || status2 != reconcile.ExecRunning {
		t.Fatalf("expected both status checks to report running, got %v then %v", status1, status2)
	}
	if detail1 != detail2 {
		t.Fatalf("expected the same pid before and after a same-version reapply, got %q then %q", detail1, detail2)
	}

	_ = e.Remove(context.Background(), "sleeper")
}

func TestStatusUnstartedServiceIsStopped(t *testing.T) {
	e := NewShellExecutor()
	status, _, err := e.Status(context.Background(), "never-started")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != reconcile.ExecStopped {
		t.Fatalf("expected ExecStopped for an unknown service, got %v", status)
	}
}

func TestProcessExitIsObservedAsStopped(t *testing.T) {
	e := NewShellExecutor()
	result := e.Apply(context.Background(), catalog.Record{Name: "quick", Version: 1, ExecName: "true"})
	if result.Err != nil {
		t.Fatalf("Apply: %v", result.Err)
	}
	waitForStatus(t, e, "quick", reconcile.ExecStopped)
}
