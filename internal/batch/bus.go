package batch

import (
	"sync"

	"github.com/scrop/scrop-capture/internal/observability"
	"github.com/scrop/scrop-capture/internal/wire"
)

// Bus is a lag-tolerant broadcast of PacketBatchEnvelope values to an
// arbitrary number of subscribers. Go has no tokio::sync::broadcast
// equivalent, so this hand-rolls the same behaviour the original
// source relies on: a slow subscriber observes dropped envelopes
// rather than blocking the batcher that publishes them.
//
// Grounded on original_source/scrop-capture/src/ebpf.rs's
// broadcast::Sender<CapturedPacketEnvelope> usage, and on
// Itz-Agasta-nerrf/tracker's per-client buffered-channel fan-out
// (send-or-drop instead of blocking a shared producer loop).
type Bus struct {
	mu         sync.Mutex
	subs       map[uint64]chan wire.PacketBatchEnvelope
	nextID     uint64
	bufferSize int
	metrics    *observability.Metrics
}

// NewBus creates a broadcast bus where each subscriber gets a buffered
// channel of the given size.
func NewBus(bufferSize int, metrics *observability.Metrics) *Bus {
	return &Bus{
		subs:       make(map[uint64]chan wire.PacketBatchEnvelope),
		bufferSize: bufferSize,
		metrics:    metrics,
	}
}

// Subscribe registers a new subscriber and returns its ID and receive
// channel. Call Unsubscribe(id) when done to release the channel.
func (b *Bus) Subscribe() (uint64, <-chan wire.PacketBatchEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan wire.PacketBatchEnvelope, b.bufferSize)
	b.subs[id] = ch
	if b.metrics != nil {
		b.metrics.BroadcastSubscribersGauge.Set(float64(len(b.subs)))
	}
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	if b.metrics != nil {
		b.metrics.BroadcastSubscribersGauge.Set(float64(len(b.subs)))
	}
}

// Publish fans env out to every subscriber. A subscriber whose buffer
// is full has its oldest buffered envelope discarded to make room for
// the new one — this keeps every subscriber converging on "current"
// rather than permanently falling behind, at the cost of a gap in its
// stream. The lag event is counted, never logged per-envelope (would
// be as noisy as the traffic itself).
func (b *Bus) Publish(env wire.PacketBatchEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			select {
			case <-ch:
				if b.metrics != nil {
					b.metrics.BroadcastLaggedTotal.Inc()
				}
			default:
			}
			select {
			case ch <- env:
			default:
				// Subscriber channel is being drained concurrently and
				// filled again right under us; drop this envelope for
				// this subscriber rather than spin.
			}
		}
	}
}

// SubscriberCount returns the current number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
