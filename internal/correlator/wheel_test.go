package correlator

import (
	"testing"
	"time"

	"github.com/scrop/scrop-capture/internal/wire"
)

func baseTime() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func eventAt(size uint32) wire.PacketEvent {
	return wire.PacketEvent{
		SrcAddr:  0xC0A80001, // 192.168.0.1
		DstAddr:  0x0A000001, // 10.0.0.1
		SrcPort:  12345,
		DstPort:  443,
		Protocol: 6,
		PktLen:   size,
		Action:   wire.ActionXDPPass,
	}
}

func keyFor(size uint32) FlowSizeKey {
	return KeyFromEvent(eventAt(size))
}

func ms(n int) time.Time {
	return baseTime().Add(time.Duration(n) * time.Millisecond)
}

// S1 — Basic pass.
func TestScenarioS1BasicPass(t *testing.T) {
	c := New(baseTime())
	c.RegisterPass(eventAt(128), 0, ms(1))

	delivered := c.DrainExpired(ms(100))
	if len(delivered) != 1 {
		t.Fatalf("delivered count = %d, want 1", len(delivered))
	}
	if delivered[0].Counter != 0 {
		t.Errorf("delivered counter = %d, want 0", delivered[0].Counter)
	}
}

// S2 — Size-mismatch safety.
func TestScenarioS2SizeMismatch(t *testing.T) {
	c := New(baseTime())
	c.RegisterPass(eventAt(128), 0, ms(1))

	if _, ok := c.MatchKfree(keyFor(256), ms(2)); ok {
		t.Fatal("expected no match for mismatched size")
	}
	if got := c.PendingCount(); got != 1 {
		t.Fatalf("pending count = %d, want 1", got)
	}

	delivered := c.DrainExpired(ms(100))
	if len(delivered) != 1 {
		t.Fatalf("delivered count = %d, want 1", len(delivered))
	}
}

// S3 — Duplicate same flow.
func TestScenarioS3DuplicateFlow(t *testing.T) {
	c := New(baseTime())
	c.RegisterPass(eventAt(128), 1, ms(1))
	c.RegisterPass(eventAt(128), 2, ms(2))
	c.RegisterPass(eventAt(128), 3, ms(3))

	p, ok := c.MatchKfree(keyFor(128), ms(4))
	if !ok {
		t.Fatal("expected match")
	}
	if p.Counter != 3 {
		t.Errorf("matched counter = %d, want 3", p.Counter)
	}
	if got := c.PendingCount(); got != 2 {
		t.Errorf("pending count = %d, want 2", got)
	}
}

// S4 — Cross-bucket match.
func TestScenarioS4CrossBucket(t *testing.T) {
	c := New(baseTime())
	c.RegisterPass(eventAt(128), 0, ms(4)) // bucket 0

	p, ok := c.MatchKfree(keyFor(128), ms(6)) // bucket 1
	if !ok {
		t.Fatal("expected cross-bucket match")
	}
	if p.Counter != 0 {
		t.Errorf("matched counter = %d, want 0", p.Counter)
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("pending count = %d, want 0", got)
	}
}

// S5 — Expiry then stale kfree.
func TestScenarioS5ExpiryThenStale(t *testing.T) {
	c := New(baseTime())
	c.RegisterPass(eventAt(128), 0, ms(1))

	delivered := c.DrainExpired(ms(60))
	if len(delivered) != 1 {
		t.Fatalf("delivered count = %d, want 1", len(delivered))
	}

	if _, ok := c.MatchKfree(keyFor(128), ms(61)); ok {
		t.Fatal("expected no match for stale orphan kfree")
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("pending count = %d, want 0", got)
	}
}

// S6 — Tie-break.
func TestScenarioS6TieBreak(t *testing.T) {
	c := New(baseTime())
	c.RegisterPass(eventAt(128), 1, ms(10))
	c.RegisterPass(eventAt(128), 2, ms(10))
	c.RegisterPass(eventAt(128), 3, ms(14))

	p, ok := c.MatchKfree(keyFor(128), ms(13))
	if !ok || p.Counter != 3 {
		t.Fatalf("match at t=13: got (%+v, %v), want counter=3", p, ok)
	}

	p, ok = c.MatchKfree(keyFor(128), ms(15))
	if !ok || p.Counter != 1 {
		t.Fatalf("match at t=15: got (%+v, %v), want counter=1 (FIFO tie-break)", p, ok)
	}

	p, ok = c.MatchKfree(keyFor(128), ms(12))
	if !ok || p.Counter != 2 {
		t.Fatalf("match at t=12: got (%+v, %v), want counter=2", p, ok)
	}

	if got := c.PendingCount(); got != 0 {
		t.Errorf("pending count after S6 = %d, want 0", got)
	}
}

// Invariant 4: counter sequence emitted is a subsequence of 0,1,2,... —
// no counter value is emitted twice, even across repeated matches and
// drains on overlapping keys.
func TestInvariantNoDuplicateCounters(t *testing.T) {
	c := New(baseTime())
	for i := uint64(0); i < 20; i++ {
		c.RegisterPass(eventAt(128), i, ms(int(i)))
	}

	seen := make(map[uint64]bool)
	for t2 := 20; t2 < 30; t2++ {
		if p, ok := c.MatchKfree(keyFor(128), ms(t2)); ok {
			if seen[p.Counter] {
				t.Fatalf("counter %d emitted twice", p.Counter)
			}
			seen[p.Counter] = true
		}
	}
	for _, p := range c.DrainExpired(ms(1000)) {
		if seen[p.Counter] {
			t.Fatalf("counter %d emitted twice (drain)", p.Counter)
		}
		seen[p.Counter] = true
	}
	if len(seen) != 20 {
		t.Fatalf("emitted %d distinct counters, want 20", len(seen))
	}
}

// Invariant 5: pending is empty after drain_expired(now+100ms) from
// quiesced input.
func TestInvariantDrainEmptiesWheel(t *testing.T) {
	c := New(baseTime())
	for i := uint64(0); i < 5; i++ {
		c.RegisterPass(eventAt(128), i, ms(int(i)))
	}
	c.DrainExpired(ms(1 + 100))
	if got := c.PendingCount(); got != 0 {
		t.Fatalf("pending count = %d, want 0 after full drain", got)
	}
}
