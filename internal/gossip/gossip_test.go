package gossip

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/hlc"
	"github.com/mycomesh/myco/internal/peerbook"
	"github.com/mycomesh/myco/internal/wire"
)

func versionsOf(m map[string]uint64) VersionLookup {
	return func(name string) (uint64, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestBuildSummaryWrapsRoundRobin(t *testing.T) {
	e := NewEngine(clock.NewMock())
	names := []string{"a", "b", "c"}
	versions := versionsOf(map[string]uint64{"a": 1, "b": 1, "c": 1})

	first := e.BuildSummary(names, versions)
	if len(first) != 3 {
		t.Fatalf("expected all 3 names in first build, got %d", len(first))
	}

	// A second call should resume from the wrapped cursor, i.e. back at the
	// start, since all 3 already fit under MaxGossipSummary.
	second := e.BuildSummary(names, versions)
	if len(second) != 3 || second[0].Name != "a" {
		t.Fatalf("expected cursor to wrap back to 'a', got %+v", second)
	}
}

func TestBuildSummaryBoundedByMax(t *testing.T) {
	e := NewEngine(clock.NewMock())
	names := make([]string, MaxGossipSummary+10)
	versions := map[string]uint64{}
	for i := range names {
		name := string(rune('a' + i%26))
		names[i] = name + string(rune('0'+i/26))
		versions[names[i]] = 1
	}
	out := e.BuildSummary(names, versionsOf(versions))
	if len(out) != MaxGossipSummary {
		t.Fatalf("expected exactly MaxGossipSummary entries, got %d", len(out))
	}
}

func TestBuildSummaryBoundedByPayloadCapacity(t *testing.T) {
	e := NewEngine(clock.NewMock())
	// MaxNameLen (64) names: MaxGossipSummary (32) of these would encode to
	// roughly 2400B, well past PayloadCapacity (942B) — BuildSummary must
	// stop well short of 32 entries.
	names := make([]string, MaxGossipSummary)
	versions := map[string]uint64{}
	for i := range names {
		suffix := strconv.Itoa(i)
		padding := make([]byte, 64-len(suffix))
		for j := range padding {
			padding[j] = 'x'
		}
		name := string(padding) + suffix
		names[i] = name
		versions[name] = 1
	}
	out := e.BuildSummary(names, versionsOf(versions))
	if len(out) >= MaxGossipSummary {
		t.Fatalf("expected fewer than MaxGossipSummary entries with max-length names, got %d", len(out))
	}
	total := 0
	for _, entry := range out {
		total += summaryEntryWireSize(entry)
	}
	if total > wire.PayloadCapacity {
		t.Fatalf("encoded summary size %d exceeds PayloadCapacity %d", total, wire.PayloadCapacity)
	}

	// The entries that didn't fit must still be reachable: repeated calls
	// eventually advertise every name rather than skipping the overflow.
	seen := map[string]bool{}
	for i := 0; i < MaxGossipSummary*2; i++ {
		for _, entry := range e.BuildSummary(names, versionsOf(versions)) {
			seen[entry.Name] = true
		}
		if len(seen) == len(names) {
			break
		}
	}
	if len(seen) != len(names) {
		t.Fatalf("expected every name to be advertised eventually, got %d/%d", len(seen), len(names))
	}
}

func TestCompareDetectsNewerAndUnknown(t *testing.T) {
	e := NewEngine(clock.NewMock())
	local := map[string]uint64{"redis": 1}
	remote := []SummaryEntry{
		{Name: "redis", Version: 2}, // newer
		{Name: "redis", Version: 1}, // same, not needed
		{Name: "nginx", Version: 1}, // unknown locally
	}
	needed := e.Compare("peer-a", remote, versionsOf(local))
	if len(needed) != 2 {
		t.Fatalf("expected 2 needed names (deduped), got %v", needed)
	}
}

func TestCompareSuppressesRepeatWithinRecallWindow(t *testing.T) {
	mockClock := clock.NewMock()
	e := NewEngine(mockClock)
	remote := []SummaryEntry{{Name: "redis", Version: 2}}
	local := versionsOf(map[string]uint64{})

	first := e.Compare("peer-a", remote, local)
	if len(first) != 1 {
		t.Fatalf("expected 1 needed name on first compare, got %v", first)
	}
	second := e.Compare("peer-a", remote, local)
	if len(second) != 0 {
		t.Fatalf("expected recall window to suppress an immediate repeat, got %v", second)
	}

	mockClock.Add(pullRecallWindow + 1)
	third := e.Compare("peer-a", remote, local)
	if len(third) != 1 {
		t.Fatalf("expected request to resume after the recall window elapses, got %v", third)
	}
}

func TestForgetPullAllowsImmediateRerequest(t *testing.T) {
	e := NewEngine(clock.NewMock())
	remote := []SummaryEntry{{Name: "redis", Version: 2}}
	local := versionsOf(map[string]uint64{})

	e.Compare("peer-a", remote, local)
	e.ForgetPull("peer-a", "redis")
	again := e.Compare("peer-a", remote, local)
	if len(again) != 1 {
		t.Fatalf("expected ForgetPull to clear the recall entry, got %v", again)
	}
}

func TestFanoutSizeBounded(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{0, 0}, {1, 1}, {4, 2}, {9, 3}, {100, MaxFanout}, {2, 1},
	}
	for _, c := range cases {
		if got := FanoutSize(c.n); got != c.want {
			t.Fatalf("FanoutSize(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestSelectFanoutNoDuplicatesAndWithinBound(t *testing.T) {
	peers := make([]peerbook.Peer, 10)
	for i := range peers {
		peers[i] = peerbook.Peer{Alias: string(rune('a' + i))}
	}
	rng := rand.New(rand.NewSource(1))
	sel := SelectFanout(peers, 3, rng)
	if len(sel) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(sel))
	}
	seen := map[string]bool{}
	for _, p := range sel {
		if seen[p.Alias] {
			t.Fatalf("duplicate peer in fanout selection: %s", p.Alias)
		}
		seen[p.Alias] = true
	}
}

func TestSelectFanoutKGreaterThanLenReturnsAll(t *testing.T) {
	peers := []peerbook.Peer{{Alias: "a"}, {Alias: "b"}}
	rng := rand.New(rand.NewSource(1))
	sel := SelectFanout(peers, 5, rng)
	if len(sel) != 2 {
		t.Fatalf("expected all peers returned when k > n, got %d", len(sel))
	}
}

func TestSummaryEntryRoundTrip(t *testing.T) {
	e := SummaryEntry{Name: "redis", Version: 42}
	got, err := DecodeSummaryEntry(EncodeSummaryEntry(e))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, e)
	}
}

func TestPullRequestRoundTrip(t *testing.T) {
	got, err := DecodePullRequest(EncodePullRequest("nginx"))
	if err != nil || got != "nginx" {
		t.Fatalf("round trip mismatch: got %q err=%v", got, err)
	}
}

func TestPullResponseFoundRoundTrip(t *testing.T) {
	var node hlc.NodeID
	node[0] = 7
	rec := catalog.Record{
		Name:     "redis",
		Version:  3,
		HLC:      hlc.Timestamp{WallMS: 100, Logical: 1, Node: node},
		FlakeURI: "github:example/redis",
		ExecName: "redis-server",
	}
	name, got, err := DecodePullResponse(EncodePullResponse("redis", &rec))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if name != "redis" || got == nil || *got != rec {
		t.Fatalf("round trip mismatch: name=%q got=%+v", name, got)
	}
}

func TestPullResponseNotFoundRoundTrip(t *testing.T) {
	name, got, err := DecodePullResponse(EncodePullResponse("ghost", nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if name != "ghost" || got != nil {
		t.Fatalf("expected not-found response, got name=%q rec=%+v", name, got)
	}
}

func TestPeerAdRoundTrip(t *testing.T) {
	var pk [32]byte
	pk[0] = 0xAB
	ad := PeerAd{Alias: "node-b", Address: "10.0.0.2:7777", PubKey: pk}
	got, err := DecodePeerAd(EncodePeerAd(ad))
	if err != nil || got != ad {
		t.Fatalf("round trip mismatch: got %+v err=%v", got, err)
	}
}

func TestApplyPeerExchangeIgnoresSelfAndDuplicates(t *testing.T) {
	book := peerbook.New("")
	var self, other [32]byte
	self[0] = 1
	other[0] = 2
	ads := []PeerAd{
		{Alias: "self", Address: "x", PubKey: self},
		{Alias: "node-b", Address: "10.0.0.2:7777", PubKey: other},
		{Alias: "node-b-dup", Address: "10.0.0.3:7777", PubKey: other},
	}
	added := ApplyPeerExchange(book, self, ads)
	if added != 1 {
		t.Fatalf("expected exactly 1 peer added, got %d", added)
	}
	if book.Len() != 1 {
		t.Fatalf("expected 1 peer in book, got %d", book.Len())
	}
}

func TestBuildPeerExchangeExcludesRecipient(t *testing.T) {
	peers := []peerbook.Peer{{Alias: "a"}, {Alias: "b"}, {Alias: "c"}}
	ads := BuildPeerExchange(peers, "b")
	for _, ad := range ads {
		if ad.Alias == "b" {
			t.Fatalf("expected recipient 'b' to be excluded from its own peer exchange offer")
		}
	}
	if len(ads) != 2 {
		t.Fatalf("expected 2 offered peers, got %d", len(ads))
	}
}
