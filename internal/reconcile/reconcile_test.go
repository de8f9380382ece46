package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/mycomesh/myco/internal/catalog"
)

type fakeExecutor struct {
	applyErr  func(name string) error
	removeErr func(name string) error
	applied   []string
	removed   []string
}

func (f *fakeExecutor) Apply(ctx context.Context, svc catalog.Record) Result {
	f.applied = append(f.applied, svc.Name)
	var err error
	if f.applyErr != nil {
		err = f.applyErr(svc.Name)
	}
	return Result{Err: err}
}

func (f *fakeExecutor) Remove(ctx context.Context, name string) Result {
	f.removed = append(f.removed, name)
	var err error
	if f.removeErr != nil {
		err = f.removeErr(name)
	}
	return Result{Err: err}
}

func (f *fakeExecutor) Status(ctx context.Context, name string) (ExecStatus, string, error) {
	return ExecRunning, "ok", nil
}

func TestReconcileAppliesNewVersion(t *testing.T) {
	exec := &fakeExecutor{}
	r := New(exec, rand.New(rand.NewSource(1)))
	rec := catalog.Record{Name: "redis", Version: 1}
	r.ReconcileDirty(context.Background(), []catalog.Record{rec}, time.Now())

	if len(exec.applied) != 1 || exec.applied[0] != "redis" {
		t.Fatalf("expected apply to be called once for redis, got %v", exec.applied)
	}
	if r.State("redis").Current() != StatusRunning {
		t.Fatalf("expected StatusRunning, got %s", r.State("redis").Current())
	}
	if r.State("redis").LastAppliedVersion() != 1 {
		t.Fatalf("expected last applied version 1, got %d", r.State("redis").LastAppliedVersion())
	}
}

func TestReconcileSkipsAlreadyAppliedVersion(t *testing.T) {
	exec := &fakeExecutor{}
	r := New(exec, rand.New(rand.NewSource(1)))
	rec := catalog.Record{Name: "redis", Version: 1}
	now := time.Now()
	r.ReconcileDirty(context.Background(), []catalog.Record{rec}, now)
	r.ReconcileDirty(context.Background(), []catalog.Record{rec}, now)

	if len(exec.applied) != 1 {
		t.Fatalf("expected apply called exactly once despite two reconcile passes, got %d", len(exec.applied))
	}
}

func TestReconcileTombstoneCallsRemove(t *testing.T) {
	exec := &fakeExecutor{}
	r := New(exec, rand.New(rand.NewSource(1)))
	rec := catalog.Record{Name: "redis", Version: 2, Tombstone: true}
	r.ReconcileDirty(context.Background(), []catalog.Record{rec}, time.Now())

	if len(exec.removed) != 1 || exec.removed[0] != "redis" {
		t.Fatalf("expected remove called once for redis, got %v", exec.removed)
	}
	if r.State("redis").Current() != StatusStopped {
		t.Fatalf("expected StatusStopped, got %s", r.State("redis").Current())
	}
}

func TestReconcileTransientFailureEntersBackoff(t *testing.T) {
	exec := &fakeExecutor{applyErr: func(string) error { return errors.New("connection refused") }}
	r := New(exec, rand.New(rand.NewSource(1)))
	rec := catalog.Record{Name: "redis", Version: 1}
	now := time.Now()
	r.ReconcileDirty(context.Background(), []catalog.Record{rec}, now)

	if r.State("redis").Current() != StatusBackoff {
		t.Fatalf("expected StatusBackoff after transient failure, got %s", r.State("redis").Current())
	}

	// A second pass immediately after should not retry yet (still backing off).
	r.ReconcileDirty(context.Background(), []catalog.Record{rec}, now.Add(time.Millisecond))
	if len(exec.applied) != 1 {
		t.Fatalf("expected no retry before backoff deadline, got %d calls", len(exec.applied))
	}

	// After the backoff window, a retry should occur.
	r.ReconcileDirty(context.Background(), []catalog.Record{rec}, now.Add(DefaultBackoff.Max))
	if len(exec.applied) < 2 {
		t.Fatalf("expected a retry after the backoff deadline elapsed, got %d calls", len(exec.applied))
	}
}

func TestReconcilePermanentFailureDoesNotRetryUntilNewVersion(t *testing.T) {
	exec := &fakeExecutor{applyErr: func(string) error { return fmt.Errorf("bad unit file: %w", ErrPermanent) }}
	r := New(exec, rand.New(rand.NewSource(1)))
	rec := catalog.Record{Name: "redis", Version: 1}
	now := time.Now()
	r.ReconcileDirty(context.Background(), []catalog.Record{rec}, now)

	if r.State("redis").Current() != StatusFailed {
		t.Fatalf("expected StatusFailed for a permanent error, got %s", r.State("redis").Current())
	}

	// Same version, later time: must not retry (permanent, no backoff timer set).
	r.ReconcileDirty(context.Background(), []catalog.Record{rec}, now.Add(time.Hour))
	if len(exec.applied) != 1 {
		t.Fatalf("expected no retry of a permanent failure at the same version, got %d calls", len(exec.applied))
	}

	// A new version must be retried even though the service is Failed.
	rec2 := catalog.Record{Name: "redis", Version: 2}
	exec.applyErr = nil
	r.ReconcileDirty(context.Background(), []catalog.Record{rec2}, now.Add(time.Hour))
	if len(exec.applied) != 2 {
		t.Fatalf("expected a retry at the new version, got %d calls", len(exec.applied))
	}
	if r.State("redis").Current() != StatusRunning {
		t.Fatalf("expected StatusRunning after the new version succeeds, got %s", r.State("redis").Current())
	}
}

func TestDefaultClassifier(t *testing.T) {
	if DefaultClassifier(errors.New("timeout")) != Transient {
		t.Fatalf("expected a plain error to classify as Transient")
	}
	if DefaultClassifier(fmt.Errorf("wrapped: %w", ErrPermanent)) != Permanent {
		t.Fatalf("expected an ErrPermanent-wrapping error to classify as Permanent")
	}
}

func TestBackoffDelayCapsAndGrows(t *testing.T) {
	cfg := BackoffConfig{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0}
	rng := rand.New(rand.NewSource(1))
	d1 := cfg.Delay(1, rng)
	d2 := cfg.Delay(2, rng)
	d10 := cfg.Delay(10, rng)
	if d1 != 100*time.Millisecond {
		t.Fatalf("expected attempt 1 delay = base, got %s", d1)
	}
	if d2 <= d1 {
		t.Fatalf("expected attempt 2 delay to grow past attempt 1, got %s vs %s", d2, d1)
	}
	if d10 != time.Second {
		t.Fatalf("expected attempt 10 delay capped at Max, got %s", d10)
	}
}
