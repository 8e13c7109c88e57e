package capture

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/scrop/scrop-capture/internal/correlator"
	"github.com/scrop/scrop-capture/internal/dropreason"
	"github.com/scrop/scrop-capture/internal/observability"
	"github.com/scrop/scrop-capture/internal/transport"
	"github.com/scrop/scrop-capture/internal/wire"
)

// session owns the correlator task for one Running period: it consumes
// transport.Event values, feeds the timing wheel, converts matches and
// expiries into CapturedPacket values, and forwards them to the batcher.
//
// Grounded on original_source/scrop-capture/src/ebpf.rs's
// run_ebpf_capture loop (event classification by action, convert_event,
// update_stats) generalized onto the wheel-based correlator instead of
// that source's flat five-tuple map.
type session struct {
	sessionID  string
	resolver   *dropreason.Resolver
	wheel      *correlator.Correlator
	expiryTick time.Duration
	out        chan<- wire.CapturedPacket
	stats      *statsTracker
	metrics    *observability.Metrics
	log        *zap.Logger
}

func newSession(sessionID string, resolver *dropreason.Resolver, expiryTick time.Duration, out chan<- wire.CapturedPacket, stats *statsTracker, metrics *observability.Metrics, log *zap.Logger) *session {
	return &session{
		sessionID:  sessionID,
		resolver:   resolver,
		wheel:      correlator.New(time.Now()),
		expiryTick: expiryTick,
		out:        out,
		stats:      stats,
		metrics:    metrics,
		log:        log,
	}
}

// run consumes in until it closes, sweeping for expired entries every
// expiryTick. It returns once in is closed AND the wheel has drained,
// matching spec §5's shutdown guarantee that no pending packet is lost.
func (s *session) run(ctx context.Context, in <-chan transport.Event) {
	ticker := time.NewTicker(s.expiryTick)
	defer ticker.Stop()

	closed := false
	for {
		if closed && s.wheel.PendingCount() == 0 {
			return
		}

		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				closed = true
				continue
			}
			s.handleEvent(ev)
		case <-ticker.C:
			s.sweepExpired(time.Now())
		case <-ctx.Done():
			// Drain whatever remains in the channel (if it hasn't already
			// closed on its own) and force-expire the wheel before
			// exiting, so a cancelled context still honours the
			// no-lost-packet guarantee for anything already registered.
			if in != nil {
				s.drainOnShutdown(in)
			} else {
				s.sweepExpired(time.Now().Add((correlator.CorrelationTimeoutMS + correlator.BucketMS) * time.Millisecond))
			}
			return
		}

		if s.metrics != nil {
			s.metrics.CorrelatorPendingGauge.Set(float64(s.wheel.PendingCount()))
		}
	}
}

func (s *session) drainOnShutdown(in <-chan transport.Event) {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				s.sweepExpired(time.Now().Add((correlator.CorrelationTimeoutMS + correlator.BucketMS) * time.Millisecond))
				return
			}
			s.handleEvent(ev)
		default:
			s.sweepExpired(time.Now().Add((correlator.CorrelationTimeoutMS + correlator.BucketMS) * time.Millisecond))
			return
		}
	}
}

func (s *session) handleEvent(ev transport.Event) {
	switch ev.Packet.Action {
	case wire.ActionXDPPass:
		s.wheel.RegisterPass(ev.Packet, ev.Counter, ev.ReceivedAt)
	case wire.ActionKfreeSKB:
		key := correlator.KeyFromEvent(ev.Packet)
		pending, ok := s.wheel.MatchKfree(key, ev.ReceivedAt)
		if !ok {
			return // orphan kfree_skb, silently discarded per spec policy
		}
		class := s.resolver.Classify(uint32(ev.Packet.DropReason))
		result := wire.ResultNicDrop
		if class == dropreason.ClassificationFwDrop {
			result = wire.ResultFwDrop
		}
		reason := s.resolver.FormatReason(uint32(ev.Packet.DropReason), class)
		s.emit(pending, result, &reason)
		if s.metrics != nil {
			s.metrics.CorrelatorMatchedTotal.Inc()
			s.metrics.CorrelatorMatchLatency.Observe(ev.ReceivedAt.Sub(pending.ReceivedAt).Seconds())
		}
	}
}

func (s *session) sweepExpired(now time.Time) {
	expired := s.wheel.DrainExpired(now)
	for _, p := range expired {
		s.emit(p, wire.ResultDelivered, nil)
	}
	if len(expired) > 0 && s.metrics != nil {
		s.metrics.CorrelatorExpiredTotal.Add(float64(len(expired)))
	}
}

func (s *session) emit(p correlator.PendingPacket, result wire.PacketResult, reason *string) {
	cp := convertPacket(p, s.sessionID, result, reason)
	s.stats.record(result)
	select {
	case s.out <- cp:
	default:
		// Batcher is momentarily behind; block briefly rather than drop a
		// classified packet outright (unlike the reader->correlator edge,
		// there is no kernel-side fallback counter for this one).
		s.out <- cp
	}
}

func convertPacket(p correlator.PendingPacket, sessionID string, result wire.PacketResult, reason *string) wire.CapturedPacket {
	e := p.Event
	id := buildPacketID(sessionID, p.Counter)

	return wire.CapturedPacket{
		Packet: wire.AnimatingPacket{
			ID:            id,
			Protocol:      wire.ProtocolFromIPProto(e.Protocol),
			Size:          e.PktLen,
			Source:        ipv4String(e.SrcAddr),
			SrcPort:       uint32(e.SrcPort),
			Destination:   ipv4String(e.DstAddr),
			DestPort:      uint32(e.DstPort),
			TargetPort:    nil,
			CaptureMonoNS: e.KtimeNS,
			Reason:        reason,
		},
		Result: result,
	}
}

// ipv4String renders a PacketEvent address field as a dotted-quad string.
// DecodePacketEvent reads src_addr/dst_addr with binary.LittleEndian, so
// the dotted-quad bytes are recovered least-significant-byte first
// (the inverse of that same little-endian read), not via the usual
// network-byte-order ntohl convention.
func ipv4String(addr uint32) string {
	return net.IPv4(byte(addr), byte(addr>>8), byte(addr>>16), byte(addr>>24)).String()
}
