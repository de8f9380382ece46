// Package reconcile — status.go
//
// Per-service executor status state machine (spec.md §4.10). Adapted from
// internal/escalation/state_machine.go's mutex-guarded ProcessState: the
// same "typed enum + String() + enteredAt timestamp + atomic transition
// method" shape, retargeted from a six-level isolation ladder to the
// executor's three-state Running|Stopped|Failed triple plus the two
// bookkeeping states (Pending, Backoff) the reconciler itself needs between
// executor calls.
package reconcile

import (
	"fmt"
	"sync"
	"time"
)

// Status is the reconciler's view of one service's executor state.
type Status uint8

const (
	StatusPending Status = iota
	StatusRunning
	StatusStopped
	StatusFailed
	StatusBackoff
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusStopped:
		return "STOPPED"
	case StatusFailed:
		return "FAILED"
	case StatusBackoff:
		return "BACKOFF"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// ServiceState tracks one service's reconciliation bookkeeping: the last
// catalog version actually applied, the executor's last reported status,
// and retry backoff state. All fields are protected by mu.
type ServiceState struct {
	mu sync.Mutex

	name               string
	lastAppliedVersion uint64
	current            Status
	enteredAt          time.Time
	lastError          string
	failureKind        FailureKind
	attempt            int
}

// NewServiceState creates bookkeeping for name in StatusPending.
func NewServiceState(name string) *ServiceState {
	return &ServiceState{name: name, current: StatusPending, enteredAt: time.Now()}
}

// Name returns the service name this state tracks.
func (s *ServiceState) Name() string { return s.name }

// Current returns the last-known executor status.
func (s *ServiceState) Current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// LastAppliedVersion returns the catalog version last successfully applied.
func (s *ServiceState) LastAppliedVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAppliedVersion
}

// MarkApplied records a successful apply at version and transitions to
// Running, resetting backoff.
func (s *ServiceState) MarkApplied(version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAppliedVersion = version
	s.current = StatusRunning
	s.enteredAt = time.Now()
	s.attempt = 0
	s.lastError = ""
}

// MarkRemoved transitions to Stopped after a successful remove.
func (s *ServiceState) MarkRemoved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = StatusStopped
	s.enteredAt = time.Now()
	s.attempt = 0
	s.lastError = ""
}

// MarkFailed records an executor failure. Transient failures move to
// Backoff (retried); permanent failures move to Failed (surfaced, not
// retried until a newer catalog version arrives).
func (s *ServiceState) MarkFailed(kind FailureKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureKind = kind
	if err != nil {
		s.lastError = err.Error()
	}
	if kind == Permanent {
		s.current = StatusFailed
		s.attempt = 0
	} else {
		s.current = StatusBackoff
		s.attempt++
	}
	s.enteredAt = time.Now()
}

// Attempt returns the current retry attempt count (0 after a success or a
// permanent failure, incremented on each transient failure).
func (s *ServiceState) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// LastError returns the most recently recorded executor error string.
func (s *ServiceState) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// TimeInState returns how long the service has held its current Status.
func (s *ServiceState) TimeInState() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.enteredAt)
}
