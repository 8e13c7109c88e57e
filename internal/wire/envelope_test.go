package wire

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	reason := "Dropped by firewall (NETFILTER_DROP)"
	targetPort := uint32(443)

	env := PacketBatchEnvelope{
		SchemaVersion: SchemaVersion,
		EpochOffsetMS: 1234.5678,
		Packets: []CapturedPacket{
			{
				Result: ResultDelivered,
				Packet: AnimatingPacket{
					ID:            "pkt-abc123-0",
					Protocol:      ProtocolTCP,
					Size:          128,
					Source:        "192.168.0.1",
					SrcPort:       12345,
					Destination:   "10.0.0.1",
					DestPort:      443,
					TargetPort:    nil,
					CaptureMonoNS: 1000,
					Reason:        nil,
				},
			},
			{
				Result: ResultFwDrop,
				Packet: AnimatingPacket{
					ID:            "pkt-abc123-1",
					Protocol:      ProtocolUDP,
					Size:          256,
					Source:        "192.168.0.2",
					SrcPort:       53,
					Destination:   "10.0.0.2",
					DestPort:      53,
					TargetPort:    &targetPort,
					CaptureMonoNS: 2000,
					Reason:        &reason,
				},
			},
		},
	}

	var buf bytes.Buffer
	if err := EncodeEnvelope(&buf, env); err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}

	got, err := DecodeEnvelope(&buf)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}

	if got.SchemaVersion != env.SchemaVersion {
		t.Errorf("schema version = %d, want %d", got.SchemaVersion, env.SchemaVersion)
	}
	if got.EpochOffsetMS != env.EpochOffsetMS {
		t.Errorf("epoch offset = %v, want %v", got.EpochOffsetMS, env.EpochOffsetMS)
	}
	if len(got.Packets) != len(env.Packets) {
		t.Fatalf("packet count = %d, want %d", len(got.Packets), len(env.Packets))
	}
	for i := range env.Packets {
		want := env.Packets[i]
		have := got.Packets[i]
		if have.Result != want.Result {
			t.Errorf("packet %d result = %v, want %v", i, have.Result, want.Result)
		}
		if have.Packet.ID != want.Packet.ID {
			t.Errorf("packet %d id = %q, want %q", i, have.Packet.ID, want.Packet.ID)
		}
		if have.Packet.Protocol != want.Packet.Protocol {
			t.Errorf("packet %d protocol = %v, want %v", i, have.Packet.Protocol, want.Packet.Protocol)
		}
		if (have.Packet.TargetPort == nil) != (want.Packet.TargetPort == nil) {
			t.Errorf("packet %d target port presence mismatch", i)
		} else if want.Packet.TargetPort != nil && *have.Packet.TargetPort != *want.Packet.TargetPort {
			t.Errorf("packet %d target port = %d, want %d", i, *have.Packet.TargetPort, *want.Packet.TargetPort)
		}
		if (have.Packet.Reason == nil) != (want.Packet.Reason == nil) {
			t.Errorf("packet %d reason presence mismatch", i)
		} else if want.Packet.Reason != nil && *have.Packet.Reason != *want.Packet.Reason {
			t.Errorf("packet %d reason = %q, want %q", i, *have.Packet.Reason, *want.Packet.Reason)
		}
	}
}

func TestDecodePacketEventRejectsShortRecord(t *testing.T) {
	_, err := DecodePacketEvent(make([]byte, 10))
	if err == nil {
		t.Fatal("expected error for short record")
	}
}

func TestDecodePacketEventFieldOrder(t *testing.T) {
	raw := make([]byte, expectedEventSize)
	// src_addr = 0x01020304 (network order bytes as stored little-endian in this slice representation)
	raw[0], raw[1], raw[2], raw[3] = 4, 3, 2, 1
	raw[8], raw[9] = 0x39, 0x30   // src_port = 0x3039 = 12345
	raw[10], raw[11] = 0xBB, 0x01 // dst_port = 0x01BB = 443
	raw[12] = 6                   // protocol = TCP
	raw[20], raw[21] = 2, 0       // action = ActionXDPPass
	raw[22], raw[23] = 0, 0       // drop_reason = 0

	ev, err := DecodePacketEvent(raw)
	if err != nil {
		t.Fatalf("DecodePacketEvent: %v", err)
	}
	if ev.SrcPort != 12345 {
		t.Errorf("src port = %d, want 12345", ev.SrcPort)
	}
	if ev.DstPort != 443 {
		t.Errorf("dst port = %d, want 443", ev.DstPort)
	}
	if ev.Protocol != 6 {
		t.Errorf("protocol = %d, want 6", ev.Protocol)
	}
	if ev.Action != ActionXDPPass {
		t.Errorf("action = %v, want ActionXDPPass", ev.Action)
	}
	if ev.DropReason != 0 {
		t.Errorf("drop reason = %d, want 0", ev.DropReason)
	}
}
