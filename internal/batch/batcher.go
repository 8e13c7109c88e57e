package batch

import (
	"time"

	"go.uber.org/zap"

	"github.com/scrop/scrop-capture/internal/observability"
	"github.com/scrop/scrop-capture/internal/wire"
)

// Batcher accumulates CapturedPacket values and flushes them as a
// PacketBatchEnvelope when either MaxSize is reached or FlushInterval
// elapses since the last flush, whichever comes first.
//
// Grounded on original_source/scrop-capture/src/ebpf.rs's out_batch
// accumulation loop and flush_captured_batch.
type Batcher struct {
	maxSize       int
	flushInterval time.Duration
	offsetCache   *EpochOffsetCache
	bus           *Bus
	metrics       *observability.Metrics
	log           *zap.Logger

	buf []wire.CapturedPacket
}

// NewBatcher constructs a Batcher. offsetCache and bus must be non-nil.
func NewBatcher(maxSize int, flushInterval time.Duration, offsetCache *EpochOffsetCache, bus *Bus, metrics *observability.Metrics, log *zap.Logger) *Batcher {
	return &Batcher{
		maxSize:       maxSize,
		flushInterval: flushInterval,
		offsetCache:   offsetCache,
		bus:           bus,
		metrics:       metrics,
		log:           log,
		buf:           make([]wire.CapturedPacket, 0, maxSize),
	}
}

// Run consumes in until it closes, flushing on size or interval
// triggers, plus a final flush of whatever remains buffered on exit.
//
// Run's only exit signal is in closing, deliberately not a context:
// on shutdown, the correlator session force-drains every still-pending
// packet onto in before closing it (spec §5), and the batcher must
// outlive that drain rather than race it on a shared cancellation
// signal, or a forced-expiry packet sent after the batcher had already
// exited on ctx.Done() would never reach the bus.
func (b *Batcher) Run(in <-chan wire.CapturedPacket) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				b.flush("shutdown")
				return
			}
			b.buf = append(b.buf, pkt)
			if len(b.buf) >= b.maxSize {
				b.flush("size")
			}
		case <-ticker.C:
			b.flush("interval")
		}
	}
}

func (b *Batcher) flush(trigger string) {
	if len(b.buf) == 0 {
		return
	}
	env := wire.PacketBatchEnvelope{
		SchemaVersion: wire.SchemaVersion,
		EpochOffsetMS: b.offsetCache.CurrentOffsetMS(),
		Packets:       b.buf,
	}
	b.buf = make([]wire.CapturedPacket, 0, b.maxSize)

	b.bus.Publish(env)

	if b.metrics != nil {
		b.metrics.BatchSizeHistogram.Observe(float64(len(env.Packets)))
		b.metrics.BatchFlushesTotal.WithLabelValues(trigger).Inc()
	}
	if b.log != nil {
		b.log.Debug("flushed batch", zap.String("trigger", trigger), zap.Int("size", len(env.Packets)))
	}
}
