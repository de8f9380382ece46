// Package reconcile — reconcile.go
//
// Translates accepted catalog records into executor calls (spec.md §4.10).
// The executor boundary itself (apply/remove/status) is an external
// collaborator per spec.md §1/§6 — out of scope here beyond its interface —
// but the dispatch loop, backoff, and failure classification are this
// package's job. Capped exponential backoff with jitter follows the same
// math/rand-based jitter approach the rest of this codebase's simulation
// tooling uses, rather than a library.
package reconcile

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mycomesh/myco/internal/catalog"
)

// Result is the outcome of one executor call.
type Result struct {
	Err error
}

// FailureKind classifies an executor failure (spec.md §4.10): transient
// failures are retried with backoff; permanent failures are surfaced via
// Status and not retried until a newer catalog version arrives.
type FailureKind uint8

const (
	Transient FailureKind = iota
	Permanent
)

// ExecStatus mirrors the three states the executor itself reports,
// distinct from this package's richer Status enum (which also tracks
// Pending/Backoff bookkeeping states the executor doesn't know about).
type ExecStatus uint8

const (
	ExecRunning ExecStatus = iota
	ExecStopped
	ExecFailed
)

// Executor is the narrow external collaborator boundary (spec.md §4.10).
// Implementations (systemd, Nix, shell) are out of this module's scope; see
// internal/executor for an illustrative reference implementation.
type Executor interface {
	Apply(ctx context.Context, svc catalog.Record) Result
	Remove(ctx context.Context, name string) Result
	Status(ctx context.Context, name string) (ExecStatus, string, error)
}

// Classifier decides whether an executor error is Transient or Permanent.
// The default classifier (DefaultClassifier) treats every error as
// transient except those explicitly wrapping ErrPermanent, since most
// executors (shell commands, systemd units) fail in ways that are worth
// retrying (resource contention, a dependency not yet up) rather than
// fatal (a malformed unit file is the clearest permanent case).
type Classifier func(err error) FailureKind

// ErrPermanent should be wrapped (fmt.Errorf("...: %w", reconcile.ErrPermanent))
// by an Executor implementation to mark a failure as non-retryable.
var ErrPermanent = fmt.Errorf("reconcile: permanent executor failure")

// DefaultClassifier implements the policy described on Classifier.
func DefaultClassifier(err error) FailureKind {
	if err == nil {
		return Transient
	}
	for e := err; e != nil; e = unwrap(e) {
		if e == ErrPermanent {
			return Permanent
		}
	}
	return Transient
}

func unwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// BackoffConfig bounds the capped exponential backoff with jitter applied
// between retry attempts on a transient failure.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the computed delay to randomize, e.g. 0.2
}

// DefaultBackoff matches spec.md §4.10's "exponential with jitter, capped".
var DefaultBackoff = BackoffConfig{Base: 500 * time.Millisecond, Max: 60 * time.Second, Jitter: 0.2}

// Delay returns the backoff duration for the given attempt (1-indexed),
// capped at cfg.Max and jittered by +/- cfg.Jitter fraction using rng.
func (cfg BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.Max {
			d = cfg.Max
			break
		}
	}
	if d > cfg.Max {
		d = cfg.Max
	}
	if cfg.Jitter <= 0 {
		return d
	}
	spread := float64(d) * cfg.Jitter
	delta := (rng.Float64()*2 - 1) * spread // uniform in [-spread, +spread]
	out := time.Duration(float64(d) + delta)
	if out < 0 {
		out = 0
	}
	return out
}

// Reconciler drives the executor from catalog state (spec.md §4.10).
type Reconciler struct {
	mu         sync.Mutex
	executor   Executor
	classifier Classifier
	backoff    BackoffConfig
	rng        *rand.Rand

	states        map[string]*ServiceState
	nextRetry     map[string]time.Time
	failedVersion map[string]uint64 // version that last failed permanently
}

// New constructs a Reconciler. rng is injected so cmd/myco-sim's runs are
// reproducible given a fixed seed.
func New(executor Executor, rng *rand.Rand) *Reconciler {
	return &Reconciler{
		executor:      executor,
		classifier:    DefaultClassifier,
		backoff:       DefaultBackoff,
		rng:           rng,
		states:        make(map[string]*ServiceState),
		nextRetry:     make(map[string]time.Time),
		failedVersion: make(map[string]uint64),
	}
}

// WithClassifier overrides the default failure classifier.
func (r *Reconciler) WithClassifier(c Classifier) *Reconciler {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier = c
	return r
}

// WithBackoff overrides the default backoff configuration.
func (r *Reconciler) WithBackoff(cfg BackoffConfig) *Reconciler {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backoff = cfg
	return r
}

// State returns the bookkeeping for name, creating it in StatusPending if
// this is the first time name has been seen.
func (r *Reconciler) State(name string) *ServiceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked(name)
}

func (r *Reconciler) stateLocked(name string) *ServiceState {
	s, ok := r.states[name]
	if !ok {
		s = NewServiceState(name)
		r.states[name] = s
	}
	return s
}

// ReconcileDirty is called once per scheduler tick (spec.md §4.9 step 5)
// with the set of catalog records whose accepted version may differ from
// what was last applied, as resolved by the caller from catalog.DirtySince
// plus a Get lookup. now is the scheduler's current tick time (real or
// virtual), used to honor backoff deadlines without this package owning a
// clock of its own.
func (r *Reconciler) ReconcileDirty(ctx context.Context, records []catalog.Record, now time.Time) {
	for _, rec := range records {
		r.reconcileOne(ctx, rec, now)
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, rec catalog.Record, now time.Time) {
	r.mu.Lock()
	state := r.stateLocked(rec.Name)
	if until, scheduled := r.nextRetry[rec.Name]; scheduled && now.Before(until) {
		r.mu.Unlock()
		return // still serving backoff for a prior transient failure
	}
	if v, failed := r.failedVersion[rec.Name]; failed && v == rec.Version {
		r.mu.Unlock()
		return // this version failed permanently; wait for a newer one
	}
	classifier := r.classifier
	backoff := r.backoff
	r.mu.Unlock()

	if state.LastAppliedVersion() == rec.Version && state.Current() != StatusBackoff {
		return // already applied, nothing to do
	}

	var result Result
	if rec.Tombstone {
		result = r.executor.Remove(ctx, rec.Name)
	} else {
		result = r.executor.Apply(ctx, rec)
	}

	if result.Err == nil {
		if rec.Tombstone {
			state.MarkRemoved()
		} else {
			state.MarkApplied(rec.Version)
		}
		r.mu.Lock()
		delete(r.nextRetry, rec.Name)
		delete(r.failedVersion, rec.Name)
		r.mu.Unlock()
		return
	}

	kind := classifier(result.Err)
	state.MarkFailed(kind, result.Err)
	if kind == Transient {
		delay := backoff.Delay(state.Attempt(), r.rng)
		r.mu.Lock()
		r.nextRetry[rec.Name] = now.Add(delay)
		r.mu.Unlock()
	} else {
		r.mu.Lock()
		r.failedVersion[rec.Name] = rec.Version
		r.mu.Unlock()
	}
}

// PollStatus queries executor.Status for name directly, independent of the
// catalog-driven apply/remove path, and maps the result to a Status. It
// does not update the reconciler's bookkeeping; the admin surface reports
// State(name).Current() rather than calling PollStatus.
func (r *Reconciler) PollStatus(ctx context.Context, name string) (Status, string, error) {
	execStatus, detail, err := r.executor.Status(ctx, name)
	if err != nil {
		return StatusFailed, "", err
	}
	switch execStatus {
	case ExecRunning:
		return StatusRunning, detail, nil
	case ExecStopped:
		return StatusStopped, detail, nil
	default:
		return StatusFailed, detail, nil
	}
}
