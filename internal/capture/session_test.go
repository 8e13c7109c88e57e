package capture

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scrop/scrop-capture/internal/correlator"
	"github.com/scrop/scrop-capture/internal/dropreason"
	"github.com/scrop/scrop-capture/internal/transport"
	"github.com/scrop/scrop-capture/internal/wire"
)

// makeTestResolver builds a synthetic BTF blob with two skb_drop_reason
// variants (NOT_SPECIFIED and NETFILTER_DROP) and resolves it, mirroring
// the BTF fixture shape used by internal/dropreason's own tests.
func makeTestResolver(t *testing.T) *dropreason.Resolver {
	t.Helper()

	strBuf := []byte{0}
	strOff := func(s string) uint32 {
		off := uint32(len(strBuf))
		strBuf = append(strBuf, []byte(s)...)
		strBuf = append(strBuf, 0)
		return off
	}
	enumNameOff := strOff("skb_drop_reason")
	variants := []struct {
		name string
		val  uint32
	}{
		{"NOT_SPECIFIED", 0},
		{"NETFILTER_DROP", 1},
	}

	var typeBuf []byte
	appendU32 := func(v uint32) {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		typeBuf = append(typeBuf, b...)
	}
	const kindEnum = 6
	info := uint32(kindEnum)<<24 | uint32(len(variants))
	appendU32(enumNameOff)
	appendU32(info)
	appendU32(4)
	for _, v := range variants {
		appendU32(strOff("SKB_DROP_REASON_" + v.name))
		appendU32(v.val)
	}

	hdr := make([]byte, 24)
	binary.LittleEndian.PutUint16(hdr[0:2], 0xeb9f)
	hdr[2] = 1
	hdr[3] = 0
	binary.LittleEndian.PutUint32(hdr[4:8], 24)
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(typeBuf)))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(typeBuf)))
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(strBuf)))

	blob := append(append([]byte{}, hdr...), typeBuf...)
	blob = append(blob, strBuf...)

	r, err := dropreason.ResolverFromBTFBytes(blob)
	if err != nil {
		t.Fatalf("ResolverFromBTFBytes: %v", err)
	}
	return r
}

func testEvent(action wire.Action, dropReason uint16) wire.PacketEvent {
	return wire.PacketEvent{
		SrcAddr:    0x0100007f,
		DstAddr:    0x0200007f,
		SrcPort:    12345,
		DstPort:    443,
		Protocol:   6,
		PktLen:     128,
		Action:     action,
		DropReason: dropReason,
	}
}

func newTestSession(t *testing.T) (*session, chan wire.CapturedPacket) {
	t.Helper()
	out := make(chan wire.CapturedPacket, 16)
	s := newSession("tst001", makeTestResolver(t), 5*time.Millisecond, out, &statsTracker{}, nil, zap.NewNop())
	return s, out
}

func TestSessionMatchClassifiesFwDrop(t *testing.T) {
	s, out := newTestSession(t)
	now := time.Now()

	pass := testEvent(wire.ActionXDPPass, 0)
	s.handleEvent(transport.Event{Packet: pass, Counter: 0, ReceivedAt: now})

	kfree := testEvent(wire.ActionKfreeSKB, 1) // NETFILTER_DROP -> FwDrop
	s.handleEvent(transport.Event{Packet: kfree, Counter: 1, ReceivedAt: now.Add(time.Millisecond)})

	select {
	case cp := <-out:
		if cp.Result != wire.ResultFwDrop {
			t.Fatalf("Result = %v, want FwDrop", cp.Result)
		}
	default:
		t.Fatal("expected an emitted CapturedPacket, got none")
	}
}

func TestSessionMatchClassifiesNicDropOnZeroReason(t *testing.T) {
	s, out := newTestSession(t)
	now := time.Now()

	pass := testEvent(wire.ActionXDPPass, 0)
	s.handleEvent(transport.Event{Packet: pass, Counter: 0, ReceivedAt: now})

	kfree := testEvent(wire.ActionKfreeSKB, 0) // NOT_SPECIFIED -> NicDrop, not a synthetic "unknown"
	s.handleEvent(transport.Event{Packet: kfree, Counter: 1, ReceivedAt: now.Add(time.Millisecond)})

	select {
	case cp := <-out:
		if cp.Result != wire.ResultNicDrop {
			t.Fatalf("Result = %v, want NicDrop", cp.Result)
		}
	default:
		t.Fatal("expected an emitted CapturedPacket, got none")
	}
}

func TestSessionOrphanKfreeDiscarded(t *testing.T) {
	s, out := newTestSession(t)
	now := time.Now()

	kfree := testEvent(wire.ActionKfreeSKB, 0)
	s.handleEvent(transport.Event{Packet: kfree, Counter: 0, ReceivedAt: now})

	select {
	case cp := <-out:
		t.Fatalf("expected no emission for an orphan kfree_skb, got %+v", cp)
	default:
	}
}

func TestSessionSweepExpiredEmitsDelivered(t *testing.T) {
	s, out := newTestSession(t)
	now := time.Now()

	pass := testEvent(wire.ActionXDPPass, 0)
	s.handleEvent(transport.Event{Packet: pass, Counter: 5, ReceivedAt: now})

	s.sweepExpired(now.Add((correlator.CorrelationTimeoutMS + correlator.BucketMS) * time.Millisecond))

	select {
	case cp := <-out:
		if cp.Result != wire.ResultDelivered {
			t.Fatalf("Result = %v, want Delivered", cp.Result)
		}
		if cp.Packet.ID != buildPacketID("tst001", 5) {
			t.Fatalf("Packet.ID = %q, want pkt-tst001-5", cp.Packet.ID)
		}
	default:
		t.Fatal("expected a Delivered emission on expiry, got none")
	}
}

func TestSessionRunDrainsOnShutdownAsDelivered(t *testing.T) {
	s, out := newTestSession(t)
	in := make(chan transport.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())

	in <- transport.Event{Packet: testEvent(wire.ActionXDPPass, 0), Counter: 1, ReceivedAt: time.Now()}
	close(in)

	done := make(chan struct{})
	go func() {
		s.run(ctx, in)
		close(done)
	}()

	cancel()
	<-done

	select {
	case cp := <-out:
		if cp.Result != wire.ResultDelivered {
			t.Fatalf("Result = %v, want Delivered on shutdown drain", cp.Result)
		}
	default:
		t.Fatal("expected a Delivered emission on shutdown drain, got none")
	}
}

func TestIpv4StringLittleEndianInversion(t *testing.T) {
	// 0x0100a8c0 decodes (per DecodePacketEvent's little-endian read) from
	// the wire bytes c0 a8 00 01 -> 192.168.0.1.
	if got, want := ipv4String(0x0100a8c0), "192.168.0.1"; got != want {
		t.Fatalf("ipv4String(0x0100a8c0) = %q, want %q", got, want)
	}
}
