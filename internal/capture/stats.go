package capture

import (
	"sync"

	"github.com/scrop/scrop-capture/internal/wire"
)

// statsTracker guards a wire.CaptureStats with a mutex held only for the
// O(1) increment, per spec §5's shared-state rule for `stats`.
type statsTracker struct {
	mu sync.Mutex
	s  wire.CaptureStats
}

func (t *statsTracker) record(result wire.PacketResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.TotalPackets++
	switch result {
	case wire.ResultDelivered:
		t.s.Delivered++
	case wire.ResultNicDrop:
		t.s.NicDropped++
	case wire.ResultFwDrop:
		t.s.FwDropped++
	}
}

func (t *statsTracker) setTransportDropped(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.TransportDropped = n
}

func (t *statsTracker) snapshot() wire.CaptureStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

func (t *statsTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s = wire.CaptureStats{}
}
