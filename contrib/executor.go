// Package contrib — executor.go
//
// Plugin registry for custom reconcile.Executor implementations.
//
// Myco treats the executor boundary as external (spec.md §1/§6): the
// systemd/Nix integrations that actually supervise services in production
// are explicitly out of scope for this repository. contrib is the
// extension point — an out-of-tree package registers its Executor here and
// a node selects it by name with cmd/myco's -executor flag.
//
// Plugin registration:
//   Plugins register themselves in an init() function using
//   RegisterExecutor(). The node selects the active executor by flag:
//
//     myco -executor shell      # built-in reference implementation
//     # myco -executor systemd  # a community/out-of-tree plugin
//
//   Built-in: "shell" (internal/executor.ShellExecutor).
//
// Plugin contract:
//   - Apply/Remove must return promptly; long-running work (starting a
//     service) happens in a background goroutine the executor itself owns.
//   - Status must not block on the service's own I/O.
//   - All three methods must be goroutine-safe — the reconciler may call
//     them concurrently for different service names.
//
// Example plugin (contrib/executors/systemd/systemd.go):
//
//   package systemd
//
//   import "github.com/mycomesh/myco/contrib"
//
//   func init() {
//     contrib.RegisterExecutor("systemd", &SystemdExecutor{})
//   }
package contrib

import (
	"fmt"
	"sync"

	"github.com/mycomesh/myco/internal/reconcile"
)

var (
	registryMu    sync.RWMutex
	executorSlots = make(map[string]reconcile.Executor)
)

// RegisterExecutor registers a named Executor implementation. Panics if the
// name is already registered. Call from an init() function in the plugin
// package.
func RegisterExecutor(name string, e reconcile.Executor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := executorSlots[name]; exists {
		panic(fmt.Sprintf("contrib: executor %q already registered", name))
	}
	executorSlots[name] = e
}

// GetExecutor returns the registered Executor with the given name.
func GetExecutor(name string) (reconcile.Executor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := executorSlots[name]
	if !ok {
		return nil, fmt.Errorf("contrib: executor %q not registered (available: %v)", name, listExecutorNames())
	}
	return e, nil
}

// ListExecutors returns the names of all registered executors.
func ListExecutors() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return listExecutorNames()
}

func listExecutorNames() []string {
	names := make([]string, 0, len(executorSlots))
	for k := range executorSlots {
		names = append(names, k)
	}
	return names
}
