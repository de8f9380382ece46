// Package noalloc — noalloc.go
//
// Frozen allocator / no-alloc guard (spec.md §4.11). During initialization,
// components allocate pools from the general heap; once Freeze() is called,
// any further request to grow a pool is a bug — panicked in strict (test)
// mode, counted and logged in production. Grounded on
// internal/governance/constitutional.go's handleViolation: a bool "strict"
// switch deciding panic-vs-log-and-count for the same kind of "this should
// be structurally impossible, but verify it anyway" invariant.
package noalloc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Guard is a process-wide flag consulted from hot paths (spec.md §4.11):
// before freeze, pools may grow; after, growth is a violation.
type Guard struct {
	strict   bool
	log      *zap.Logger
	frozen   atomic.Bool
	violated atomic.Uint64
}

// NewGuard constructs a Guard. strict should be true in tests and false in
// production builds, mirroring the constitutional kernel's strict flag.
func NewGuard(strict bool, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{strict: strict, log: log}
}

// Freeze forbids any further pool growth guarded by this Guard.
func (g *Guard) Freeze() {
	g.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (g *Guard) Frozen() bool {
	return g.frozen.Load()
}

// Violations returns the lifetime count of post-freeze growth attempts
// (always 0 in strict mode, since those panic instead of being counted).
func (g *Guard) Violations() uint64 {
	return g.violated.Load()
}

// checkGrowth is called by Pool whenever it is about to grow past its
// pre-sized capacity. It panics in strict mode; otherwise it logs and
// counts, and the caller proceeds (degraded but not crashed) — the same
// split ConstitutionalKernel.handleViolation makes.
func (g *Guard) checkGrowth(poolName string) {
	if !g.frozen.Load() {
		return
	}
	if g.strict {
		panic(fmt.Sprintf("noalloc: allocation after freeze in pool %q (strict mode)", poolName))
	}
	g.violated.Add(1)
	g.log.Error("allocation after freeze", zap.String("pool", poolName))
}

// Pool is a fixed-capacity arena of pre-allocated T values, handed out by
// Get and returned by Put. Before Freeze, Get transparently grows the
// backing slice; after, growth is a guard violation (spec.md §4.11's "hot
// loop holds only stack buffers and references into pre-sized,
// pre-allocated pools").
type Pool[T any] struct {
	mu    sync.Mutex
	name  string
	guard *Guard
	free  []*T
	new_  func() *T
}

// NewPool pre-allocates capacity items of T via newFn, ready for use before
// guard.Freeze() is called.
func NewPool[T any](name string, capacity int, guard *Guard, newFn func() *T) *Pool[T] {
	p := &Pool[T]{name: name, guard: guard, new_: newFn}
	p.free = make([]*T, 0, capacity)
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, newFn())
	}
	return p
}

// Get returns an item from the pool, growing the pool (and tripping the
// guard if frozen) if none are free.
func (p *Pool[T]) Get() *T {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		p.guard.checkGrowth(p.name)
		return p.new_()
	}
	item := p.free[n-1]
	p.free = p.free[:n-1]
	return item
}

// Put returns an item to the pool for reuse.
func (p *Pool[T]) Put(item *T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, item)
}

// Len returns the number of items currently free in the pool.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
