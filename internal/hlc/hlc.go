// Package hlc — hlc.go
//
// Hybrid logical clock for Myco.
//
// A Clock issues timestamps of the form (wall_ms, logical, node_id) with a
// total order: lexicographic on (wall_ms, logical, node_id). Timestamps
// issued by the same Clock strictly increase; observing a remote timestamp
// never moves the local clock backwards.
//
// This mirrors the EWMA accumulator in internal/escalation/pressure.go in
// shape — a small mutex-guarded struct with one update method per input —
// but the arithmetic is HLC merge instead of exponential smoothing.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// NodeID is the 32-byte public-key identity used as the tie-breaker
// component of a Timestamp.
type NodeID [32]byte

func (n NodeID) String() string {
	return fmt.Sprintf("%x", n[:4])
}

// Timestamp is the (wall_ms, logical, node_id) triple described in
// spec.md §3. The zero value is the minimum possible timestamp.
type Timestamp struct {
	WallMS  uint64
	Logical uint32
	Node    NodeID
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than
// other, using lexicographic order on (WallMS, Logical, Node).
func (t Timestamp) Compare(other Timestamp) int {
	if t.WallMS != other.WallMS {
		if t.WallMS < other.WallMS {
			return -1
		}
		return 1
	}
	if t.Logical != other.Logical {
		if t.Logical < other.Logical {
			return -1
		}
		return 1
	}
	for i := range t.Node {
		if t.Node[i] != other.Node[i] {
			if t.Node[i] < other.Node[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether t sorts strictly before other.
func (t Timestamp) Less(other Timestamp) bool { return t.Compare(other) < 0 }

// String renders the timestamp for logs and test failure messages.
func (t Timestamp) String() string {
	return fmt.Sprintf("(%d,%d,%s)", t.WallMS, t.Logical, t.Node)
}

// WallClock is the real-time source a Clock reads from. Satisfied by
// time.Now in production and by github.com/benbjohnson/clock.Clock.Now in
// tests and the simulation harness, so the scheduler and this package share
// one time abstraction (see internal/scheduler).
type WallClock interface {
	Now() time.Time
}

type systemWallClock struct{}

func (systemWallClock) Now() time.Time { return time.Now() }

// Clock is a monotone hybrid logical clock for one node.
type Clock struct {
	mu   sync.Mutex
	wall WallClock
	node NodeID
	last Timestamp
}

// New creates a Clock for the given node identity. If wall is nil, the
// system clock is used.
func New(node NodeID, wall WallClock) *Clock {
	if wall == nil {
		wall = systemWallClock{}
	}
	return &Clock{wall: wall, node: node}
}

// Now returns the next local timestamp, obeying the monotonicity
// invariant: it is always strictly greater than every timestamp this Clock
// has previously issued or observed.
//
// If the logical component would overflow uint32 at an unchanged wall_ms,
// wall_ms is bumped by one millisecond and logical resets to 0 (see
// DESIGN.md's Open Question decision) rather than returning an error —
// callers on the merge/deploy hot path cannot all tolerate a clock error.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallMS := uint64(c.wall.Now().UnixMilli())
	if wallMS <= c.last.WallMS {
		if c.last.Logical == ^uint32(0) {
			c.last.WallMS++
			c.last.Logical = 0
		} else {
			c.last.Logical++
		}
	} else {
		c.last.WallMS = wallMS
		c.last.Logical = 0
	}
	c.last.Node = c.node
	return c.last
}

// Observe merges a remote timestamp into the local clock state and returns
// a locally issued timestamp that strictly supersedes both the previous
// local timestamp and remote. wall_ms never regresses; if remote.WallMS
// exceeds both the wall clock and the previous local wall_ms, logical
// absorbs the apparent skew by resetting to 0 and then advancing past
// remote.Logical.
func (c *Clock) Observe(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallMS := uint64(c.wall.Now().UnixMilli())
	maxWall := wallMS
	if c.last.WallMS > maxWall {
		maxWall = c.last.WallMS
	}
	if remote.WallMS > maxWall {
		maxWall = remote.WallMS
	}

	switch {
	case maxWall == c.last.WallMS && maxWall == remote.WallMS:
		l := c.last.Logical
		if remote.Logical > l {
			l = remote.Logical
		}
		c.last.Logical = bumpLogical(l)
	case maxWall == c.last.WallMS:
		c.last.Logical = bumpLogical(c.last.Logical)
	case maxWall == remote.WallMS:
		c.last.Logical = bumpLogical(remote.Logical)
	default:
		c.last.WallMS = maxWall
		c.last.Logical = 0
		c.last.Node = c.node
		return c.last
	}
	if c.last.Logical == 0 {
		// bumpLogical wrapped; carry into wall_ms as Now does.
		maxWall++
	}
	c.last.WallMS = maxWall
	c.last.Node = c.node
	return c.last
}

func bumpLogical(l uint32) uint32 {
	if l == ^uint32(0) {
		return 0
	}
	return l + 1
}
