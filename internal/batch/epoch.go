// Package batch implements the output batcher: a size/time-triggered
// flush of correlated packets into PacketBatchEnvelope values, stamped
// with the current monotonic-to-realtime offset, and fanned out to
// subscribers over a lag-tolerant broadcast bus.
package batch

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// EpochOffsetCache holds the realtime-minus-monotonic offset (in
// milliseconds) so that individual packets don't need their own
// clock_gettime(CLOCK_REALTIME) call — only the monotonic capture
// timestamp is cheap enough to take per packet.
//
// Grounded on original_source/scrop-capture/src/ebpf.rs's
// EpochOffsetCache/calculate_epoch_offset_ms.
type EpochOffsetCache struct {
	mu           sync.Mutex
	offsetMS     float64
	lastRefresh  time.Time
	refreshEvery time.Duration
	log          *zap.Logger
}

// NewEpochOffsetCache computes the initial offset and returns a cache
// that recomputes it every refreshEvery.
func NewEpochOffsetCache(refreshEvery time.Duration, log *zap.Logger) (*EpochOffsetCache, error) {
	offset, err := calculateEpochOffsetMS()
	if err != nil {
		return nil, err
	}
	return &EpochOffsetCache{
		offsetMS:     offset,
		lastRefresh:  time.Now(),
		refreshEvery: refreshEvery,
		log:          log,
	}, nil
}

// CurrentOffsetMS returns the cached offset, refreshing it first if
// refreshEvery has elapsed since the last refresh. A failed refresh
// logs a warning and reuses the previous value rather than propagating
// an error into the batch flush path.
func (c *EpochOffsetCache) CurrentOffsetMS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastRefresh) >= c.refreshEvery {
		if offset, err := calculateEpochOffsetMS(); err != nil {
			if c.log != nil {
				c.log.Warn("failed to refresh epoch offset, reusing previous value", zap.Error(err))
			}
		} else {
			c.offsetMS = offset
		}
		c.lastRefresh = time.Now()
	}
	return c.offsetMS
}

func calculateEpochOffsetMS() (float64, error) {
	var realtime, monotonic unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &realtime); err != nil {
		return 0, err
	}
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &monotonic); err != nil {
		return 0, err
	}
	realtimeNS := realtime.Sec*1e9 + int64(realtime.Nsec)
	monotonicNS := monotonic.Sec*1e9 + int64(monotonic.Nsec)
	return float64(realtimeNS-monotonicNS) / 1e6, nil
}
