package hlc

import (
	"testing"
	"time"
)

type fixedWall struct{ t time.Time }

func (f fixedWall) Now() time.Time { return f.t }

func nodeA() NodeID { var n NodeID; n[0] = 0x01; for i := 1; i < 32; i++ { n[i] = 0x01 }; return n }
func nodeB() NodeID { var n NodeID; for i := 0; i < 32; i++ { n[i] = 0x02 }; return n }

func TestMonotoneNow(t *testing.T) {
	w := fixedWall{t: time.UnixMilli(1000)}
	c := New(nodeA(), w)

	var prev Timestamp
	for i := 0; i < 5; i++ {
		ts := c.Now()
		if !prev.Less(ts) && i > 0 {
			t.Fatalf("timestamp %d (%s) did not strictly increase past %s", i, ts, prev)
		}
		prev = ts
	}
	if prev.WallMS != 1000 || prev.Logical != 4 {
		t.Fatalf("expected wall=1000 logical=4, got %s", prev)
	}
}

func TestLogicalOverflowBumpsWall(t *testing.T) {
	w := fixedWall{t: time.UnixMilli(1000)}
	c := New(nodeA(), w)
	c.last = Timestamp{WallMS: 1000, Logical: ^uint32(0), Node: nodeA()}

	ts := c.Now()
	if ts.WallMS != 1001 || ts.Logical != 0 {
		t.Fatalf("expected wall bump to 1001/logical 0, got %s", ts)
	}
}

func TestObserveNeverRegresses(t *testing.T) {
	w := fixedWall{t: time.UnixMilli(1000)}
	c := New(nodeB(), w)

	remote := Timestamp{WallMS: 1000, Logical: 0, Node: nodeA()}
	// H_A = (1000, 0, A); H_B should come out ahead after observing H_A.
	out := c.Observe(remote)
	if !remote.Less(out) {
		t.Fatalf("observed timestamp %s must be strictly greater than remote %s", out, remote)
	}
	if out.WallMS != 1000 || out.Logical != 1 {
		t.Fatalf("expected (1000,1,B), got %s", out)
	}
	if out.Node != nodeB() {
		t.Fatalf("observe must stamp the local node id")
	}
}

func TestScenario2LiteralTimestamps(t *testing.T) {
	// Concrete literals from spec.md §8 scenario 2.
	a := nodeA()
	b := nodeB()
	hA := Timestamp{WallMS: 1000, Logical: 0, Node: a}
	hB := Timestamp{WallMS: 1000, Logical: 1, Node: b}
	if !hA.Less(hB) {
		t.Fatalf("H_A (%s) must be less than H_B (%s) by logical component", hA, hB)
	}
}

func TestCompareTiesOnNodeID(t *testing.T) {
	a := nodeA()
	b := nodeB()
	t1 := Timestamp{WallMS: 5, Logical: 5, Node: a}
	t2 := Timestamp{WallMS: 5, Logical: 5, Node: b}
	if t1.Compare(t2) >= 0 {
		t.Fatalf("expected t1 < t2 by node id tie-break")
	}
}

func TestWallClockAdvancePastLocal(t *testing.T) {
	w := &mutableWall{t: time.UnixMilli(1000)}
	c := New(nodeA(), w)
	_ = c.Now()
	w.t = time.UnixMilli(2000)
	ts := c.Now()
	if ts.WallMS != 2000 || ts.Logical != 0 {
		t.Fatalf("expected fresh wall time to reset logical, got %s", ts)
	}
}

type mutableWall struct{ t time.Time }

func (m *mutableWall) Now() time.Time { return m.t }
