// Package correlator implements the XDP ↔ kfree_skb correlation engine:
// a fixed-size timing wheel that matches an earlier XDP-observed packet
// against a later kfree_skb drop event, keyed on flow + packet length.
//
// There is no timing-wheel precedent in the original Scrop implementation
// (its correlation task used a flat map keyed on five-tuple alone, with
// no bucket index, no length in the key, and no tie-break rule) — this
// wheel is authored from the algorithm in the specification, carrying
// over that original's naming and single-task-ownership idiom.
//
// A Correlator has a single owner (the correlation goroutine); it is not
// safe for concurrent use from multiple goroutines.
package correlator

import (
	"time"

	"github.com/scrop/scrop-capture/internal/wire"
)

const (
	// WheelSlots is the fixed ring size.
	WheelSlots = 64
	// BucketMS is the width of one wheel bucket in milliseconds.
	BucketMS = 5
	// SearchBucketRadius is how many neighbour buckets on each side are
	// considered when matching a kfree_skb event.
	SearchBucketRadius = 1
	// CorrelationTimeoutMS is the horizon after which a pending XDP
	// event is reported Delivered rather than matched.
	CorrelationTimeoutMS = 50
	// CorrelationTimeoutBuckets is CorrelationTimeoutMS expressed in
	// bucket units.
	CorrelationTimeoutBuckets = CorrelationTimeoutMS / BucketMS
)

// FlowSizeKey is the correlation fingerprint: a five-tuple extended with
// packet length. Length is load-bearing — collapsing it out of the key
// would let a retransmit on the same five-tuple silently steal another
// in-flight packet's match.
type FlowSizeKey struct {
	SrcAddr uint32
	DstAddr uint32
	SrcPort uint16
	DstPort uint16
	Proto   uint8
	Length  uint32
}

// KeyFromEvent derives a FlowSizeKey from a decoded PacketEvent.
func KeyFromEvent(e wire.PacketEvent) FlowSizeKey {
	return FlowSizeKey{
		SrcAddr: e.SrcAddr,
		DstAddr: e.DstAddr,
		SrcPort: e.SrcPort,
		DstPort: e.DstPort,
		Proto:   e.Protocol,
		Length:  e.PktLen,
	}
}

// PendingPacket is an XDP event awaiting either a matching kfree_skb or
// expiry.
type PendingPacket struct {
	Event      wire.PacketEvent
	Counter    uint64
	ReceivedAt time.Time
}

// bucketSlot holds the pending packets that arrived during one wheel
// revolution's worth of a given bucket position. valid+epoch together
// implement the generational reset: a slot whose stored epoch doesn't
// match the target epoch is stale and is cleared on next touch rather
// than scanned entry-by-entry.
type bucketSlot struct {
	epoch  int64
	valid  bool
	queues map[FlowSizeKey][]PendingPacket
}

// Correlator is the timing-wheel index described in spec §4.4.
type Correlator struct {
	base  time.Time
	slots [WheelSlots]bucketSlot
}

// New creates a Correlator whose epoch 0 begins at base.
func New(base time.Time) *Correlator {
	return &Correlator{base: base}
}

// bucketEpoch returns the epoch number for instant t: how many
// BucketMS-wide windows have elapsed since base.
func (c *Correlator) bucketEpoch(t time.Time) int64 {
	elapsed := t.Sub(c.base)
	return int64(elapsed / (BucketMS * time.Millisecond))
}

func slotIndex(epoch int64) int {
	m := epoch % WheelSlots
	if m < 0 {
		m += WheelSlots
	}
	return int(m)
}

// slotFor returns the slot for epoch, resetting it first if it currently
// represents a different (stale) epoch.
func (c *Correlator) slotFor(epoch int64) *bucketSlot {
	s := &c.slots[slotIndex(epoch)]
	if !s.valid || s.epoch != epoch {
		s.epoch = epoch
		s.valid = true
		s.queues = make(map[FlowSizeKey][]PendingPacket)
	}
	return s
}

// RegisterPass records an XDP-observed packet in the wheel.
func (c *Correlator) RegisterPass(event wire.PacketEvent, counter uint64, now time.Time) {
	key := KeyFromEvent(event)
	epoch := c.bucketEpoch(now)
	slot := c.slotFor(epoch)
	slot.queues[key] = append(slot.queues[key], PendingPacket{
		Event:      event,
		Counter:    counter,
		ReceivedAt: now,
	})
}

// candidateOffsets lists bucket offsets in tie-break priority order:
// the current bucket first, then progressively wider neighbours,
// preferring the earlier (negative) side on equal distance — spec §4.4
// step 3: "centre, then −1, then +1".
func candidateOffsets() []int64 {
	offsets := make([]int64, 0, 2*SearchBucketRadius+1)
	offsets = append(offsets, 0)
	for r := int64(1); r <= SearchBucketRadius; r++ {
		offsets = append(offsets, -r, r)
	}
	return offsets
}

// MatchKfree attempts to find the most plausible prior XDP observation
// for a kfree_skb event with fingerprint key at instant now. Returns the
// matched PendingPacket and true, or the zero value and false if no
// candidate exists (an orphan kfree_skb, silently discarded per policy).
func (c *Correlator) MatchKfree(key FlowSizeKey, now time.Time) (PendingPacket, bool) {
	nowEpoch := c.bucketEpoch(now)

	var (
		haveWinner bool
		winnerSlot *bucketSlot
		winnerDist time.Duration
	)

	for _, offset := range candidateOffsets() {
		epoch := nowEpoch + offset
		s := &c.slots[slotIndex(epoch)]
		if !s.valid || s.epoch != epoch {
			continue
		}
		queue, ok := s.queues[key]
		if !ok || len(queue) == 0 {
			continue
		}
		tail := queue[len(queue)-1]
		dist := absDuration(now.Sub(tail.ReceivedAt))
		if !haveWinner || dist < winnerDist {
			haveWinner = true
			winnerSlot = s
			winnerDist = dist
		}
	}

	if !haveWinner {
		return PendingPacket{}, false
	}

	queue := winnerSlot.queues[key]
	popIdx := tieBreakIndex(queue)
	popped := queue[popIdx]
	queue = append(queue[:popIdx], queue[popIdx+1:]...)
	if len(queue) == 0 {
		delete(winnerSlot.queues, key)
	} else {
		winnerSlot.queues[key] = queue
	}
	return popped, true
}

// tieBreakIndex implements spec §4.4 step 4: if the tail alone holds the
// latest ReceivedAt, its index is returned (O(1) pop). Otherwise the
// tail is part of a group of entries sharing that instant, and the
// earliest member of that group is returned (FIFO among true ties).
func tieBreakIndex(queue []PendingPacket) int {
	n := len(queue)
	tailTime := queue[n-1].ReceivedAt
	groupStart := n - 1
	for groupStart > 0 && queue[groupStart-1].ReceivedAt.Equal(tailTime) {
		groupStart--
	}
	return groupStart
}

// DrainExpired removes every PendingPacket older than
// CorrelationTimeoutMS as of now and reports it (the caller labels these
// Delivered). Slots that are drained have their epoch marker zeroed so
// the next RegisterPass/MatchKfree at that wheel position resets them
// for free.
func (c *Correlator) DrainExpired(now time.Time) []PendingPacket {
	nowEpoch := c.bucketEpoch(now)
	threshold := nowEpoch - CorrelationTimeoutBuckets

	var expired []PendingPacket
	for i := range c.slots {
		s := &c.slots[i]
		if !s.valid || s.epoch >= threshold {
			continue
		}
		for _, q := range s.queues {
			expired = append(expired, q...)
		}
		s.queues = nil
		s.valid = false
		s.epoch = 0
	}
	return expired
}

// PendingCount returns the total number of packets awaiting a match or
// expiry, across all live slots. Used for the bounded-memory invariant
// and for metrics.
func (c *Correlator) PendingCount() int {
	total := 0
	for i := range c.slots {
		s := &c.slots[i]
		if !s.valid {
			continue
		}
		for _, q := range s.queues {
			total += len(q)
		}
	}
	return total
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
