// Package scheduler — commands.go
//
// Local command queue (spec.md §4.9 step 2, §6's admin surface). The admin
// socket handler (C12) and cmd/myco-sim both produce Commands and call
// Enqueue; only the tick goroutine ever drains or acts on them, keeping the
// single-writer discipline spec.md §5 requires.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/peerbook"
	"github.com/mycomesh/myco/internal/wal"
)

// CommandKind enumerates the local operations the admin surface exposes
// (spec.md §6).
type CommandKind uint8

const (
	CmdDeploy CommandKind = iota
	CmdPeerAdd
	CmdPeerRemove
)

// DeploySpec is the payload of a CmdDeploy command.
type DeploySpec struct {
	Name      string
	FlakeURI  string
	ExecName  string
	Version   uint64 // 0 means "assign the next version for this name"
	Tombstone bool
}

// Command is one local mutation request, submitted via Enqueue. Result, if
// non-nil, receives exactly one value once the command has been applied
// (or failed) — the admin surface blocks on it to answer synchronously;
// cmd/myco-sim may leave it nil and fire-and-forget.
type Command struct {
	Kind CommandKind

	Deploy DeploySpec

	PeerAlias   string
	PeerAddress string
	PeerPubKey  [32]byte

	Result chan<- error
}

func (s *Scheduler) applyCommand(ctx context.Context, cmd Command, now time.Time) {
	var err error
	switch cmd.Kind {
	case CmdDeploy:
		err = s.applyDeploy(cmd.Deploy, now)
	case CmdPeerAdd:
		err = s.applyPeerAdd(cmd.PeerAlias, cmd.PeerAddress, cmd.PeerPubKey, now)
	case CmdPeerRemove:
		err = s.applyPeerRemove(cmd.PeerAlias)
	default:
		err = fmt.Errorf("scheduler: unknown command kind %d", cmd.Kind)
	}
	if cmd.Result != nil {
		cmd.Result <- err
	}
	_ = ctx
}

// applyDeploy mints a fresh HLC timestamp, merges the resulting record
// into the catalog, and journals the outcome before returning — a Deploy
// only acknowledges once durably recorded (spec.md §4.7's fsync-before-ack
// contract, §4.10's "accepted version" input to the reconciler).
func (s *Scheduler) applyDeploy(spec DeploySpec, now time.Time) error {
	version := spec.Version
	if version == 0 {
		if existing, ok := s.cat.Get(spec.Name); ok {
			version = existing.Version + 1
		} else {
			version = 1
		}
	}
	rec := catalog.Record{
		Name:      spec.Name,
		Version:   version,
		HLC:       s.hlc.Now(),
		FlakeURI:  spec.FlakeURI,
		ExecName:  spec.ExecName,
		Tombstone: spec.Tombstone,
	}
	outcome, err := s.cat.Merge(rec)
	if err != nil {
		return fmt.Errorf("scheduler: deploy %q rejected: %w", spec.Name, err)
	}
	if outcome != catalog.Accepted {
		return fmt.Errorf("scheduler: deploy %q not accepted (%s)", spec.Name, outcome)
	}

	entry := wal.Entry{Type: wal.Upsert, Service: rec}
	if rec.Tombstone {
		entry.Type = wal.TombstoneOp
	}
	if err := s.journal.Append(entry); err != nil {
		return fmt.Errorf("scheduler: wal append for %q failed: %w", spec.Name, err)
	}
	// Upsert/Tombstone entries are fsynced by Append itself (spec.md §4.7);
	// nothing left for the deadline-based flush in Tick step 6.
	return nil
}

func (s *Scheduler) applyPeerAdd(alias, address string, pubkey [32]byte, now time.Time) error {
	if err := s.book.Add(alias, address, pubkey); err != nil {
		return fmt.Errorf("scheduler: peer add %q: %w", alias, err)
	}
	entry := wal.Entry{Type: wal.PeerAdd, Peer: peerbook.Peer{Alias: alias, Address: address, PubKey: pubkey}}
	if err := s.journal.Append(entry); err != nil {
		s.log.Warn("wal append for peer add failed", zap.String("alias", alias), zap.Error(err))
	} else {
		// PeerAdd is not auto-fsynced by Append; let step 6's deadline
		// flush pick it up rather than fsyncing on every peer add.
		s.walPending = true
		s.walDirtySince = now
	}
	if err := s.book.Save(); err != nil {
		return fmt.Errorf("scheduler: peer book save: %w", err)
	}
	return nil
}

func (s *Scheduler) applyPeerRemove(alias string) error {
	if err := s.book.Remove(alias); err != nil {
		return fmt.Errorf("scheduler: peer remove %q: %w", alias, err)
	}
	if err := s.book.Save(); err != nil {
		return fmt.Errorf("scheduler: peer book save: %w", err)
	}
	return nil
}
