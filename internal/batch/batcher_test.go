package batch

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scrop/scrop-capture/internal/wire"
)

func testPacket(id string) wire.CapturedPacket {
	return wire.CapturedPacket{
		Packet: wire.AnimatingPacket{ID: id, Protocol: wire.ProtocolTCP, Source: "10.0.0.1", Destination: "10.0.0.2"},
		Result: wire.ResultDelivered,
	}
}

func TestBatcherFlushesOnSize(t *testing.T) {
	offsetCache := &EpochOffsetCache{offsetMS: 0, lastRefresh: time.Now(), refreshEvery: time.Hour}
	bus := NewBus(4, nil)
	subID, ch := bus.Subscribe()
	defer bus.Unsubscribe(subID)

	b := NewBatcher(2, time.Hour, offsetCache, bus, nil, zap.NewNop())
	in := make(chan wire.CapturedPacket)
	go b.Run(in)

	in <- testPacket("a")
	in <- testPacket("b")

	select {
	case env := <-ch:
		if len(env.Packets) != 2 {
			t.Fatalf("expected batch of 2, got %d", len(env.Packets))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for size-triggered flush")
	}
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	offsetCache := &EpochOffsetCache{offsetMS: 0, lastRefresh: time.Now(), refreshEvery: time.Hour}
	bus := NewBus(4, nil)
	subID, ch := bus.Subscribe()
	defer bus.Unsubscribe(subID)

	b := NewBatcher(100, 20*time.Millisecond, offsetCache, bus, nil, zap.NewNop())
	in := make(chan wire.CapturedPacket)
	go b.Run(in)

	in <- testPacket("a")

	select {
	case env := <-ch:
		if len(env.Packets) != 1 {
			t.Fatalf("expected batch of 1, got %d", len(env.Packets))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for interval-triggered flush")
	}
}

func TestBatcherFlushesRemainderOnShutdown(t *testing.T) {
	offsetCache := &EpochOffsetCache{offsetMS: 0, lastRefresh: time.Now(), refreshEvery: time.Hour}
	bus := NewBus(4, nil)
	subID, ch := bus.Subscribe()
	defer bus.Unsubscribe(subID)

	b := NewBatcher(100, time.Hour, offsetCache, bus, nil, zap.NewNop())
	in := make(chan wire.CapturedPacket)
	go b.Run(in)

	in <- testPacket("a")
	close(in)

	select {
	case env := <-ch:
		if len(env.Packets) != 1 {
			t.Fatalf("expected shutdown flush of 1, got %d", len(env.Packets))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown flush")
	}
}

func TestBusDropsOldestOnLaggedSubscriber(t *testing.T) {
	bus := NewBus(1, nil)
	_, ch := bus.Subscribe()

	bus.Publish(wire.PacketBatchEnvelope{Packets: []wire.CapturedPacket{testPacket("first")}})
	bus.Publish(wire.PacketBatchEnvelope{Packets: []wire.CapturedPacket{testPacket("second")}})

	select {
	case env := <-ch:
		if len(env.Packets) != 1 || env.Packets[0].Packet.ID != "second" {
			t.Fatalf("expected the newer envelope to survive, got %+v", env)
		}
	default:
		t.Fatal("expected an envelope to be available")
	}
}

func TestBusSubscriberCount(t *testing.T) {
	bus := NewBus(1, nil)
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
	id, _ := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}
	bus.Unsubscribe(id)
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", bus.SubscriberCount())
	}
}
