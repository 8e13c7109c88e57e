// Package wire — event.go
//
// PacketEvent mirrors struct packet_event defined in
// internal/bpf/bpfobj/capture.bpf.c. The Go struct has the same field
// offsets as the C struct; DecodePacketEvent reads each field from the
// ring buffer record at those offsets.
//
// C layout (32 bytes, 8-byte aligned):
//
//	[0..3]   src_addr     u32 (network byte order)
//	[4..7]   dst_addr     u32 (network byte order)
//	[8..9]   src_port     u16 (host byte order)
//	[10..11] dst_port     u16 (host byte order)
//	[12]     protocol     u8
//	[13..15] _pad         u8[3]
//	[16..19] pkt_len      u32
//	[20..21] action       u16
//	[22..23] drop_reason  u16
//	[24..31] ktime_ns     u64 (kernel monotonic nanoseconds)
//
// The action/drop_reason fields are narrowed to u16 (ample range for the
// small enum values the kernel emits) so that ktime_ns lands on an 8-byte
// boundary without trailing compiler padding — the whole point of the
// fixed 32-byte layout.
//
// Go struct uses explicit padding fields to match this layout exactly.
// unsafe.Sizeof(PacketEvent{}) must equal 32.
package wire

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Action mirrors the packet_action enum emitted by the kernel probes.
type Action uint16

const (
	ActionXDPPass  Action = 2
	ActionKfreeSKB Action = 100
)

// String returns a human-readable action name.
func (a Action) String() string {
	switch a {
	case ActionXDPPass:
		return "xdp_pass"
	case ActionKfreeSKB:
		return "kfree_skb"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(a))
	}
}

// PacketEvent is the Go representation of struct packet_event.
// Layout must match the C struct exactly (verified by init() below).
type PacketEvent struct {
	SrcAddr    uint32   // [0..3]  network byte order
	DstAddr    uint32   // [4..7]  network byte order
	SrcPort    uint16   // [8..9]  host byte order
	DstPort    uint16   // [10..11] host byte order
	Protocol   uint8    // [12]
	_pad       [3]uint8 // [13..15]
	PktLen     uint32   // [16..19]
	Action     Action   // [20..21]
	DropReason uint16   // [22..23] 0 when Action == ActionXDPPass
	KtimeNS    uint64   // [24..31] kernel monotonic nanoseconds
}

// expectedEventSize is the expected size of PacketEvent in bytes.
// Must match sizeof(struct packet_event) in the BPF C source.
const expectedEventSize = 32

func init() {
	if sz := unsafe.Sizeof(PacketEvent{}); sz != expectedEventSize {
		panic(fmt.Sprintf(
			"PacketEvent size mismatch: Go=%d bytes, expected=%d bytes. "+
				"Check struct padding against the BPF object's packet_event layout.",
			sz, expectedEventSize,
		))
	}
}

// DecodePacketEvent deserialises a raw ring buffer record into a PacketEvent.
// The record must be at least expectedEventSize bytes; unaligned reads are
// permitted since the ring buffer gives no alignment guarantee.
//
// Byte order: little-endian (x86_64/arm64 kernel, matching userspace).
func DecodePacketEvent(raw []byte) (PacketEvent, error) {
	if len(raw) < expectedEventSize {
		return PacketEvent{}, fmt.Errorf(
			"packet event record too short: got %d bytes, expected %d",
			len(raw), expectedEventSize,
		)
	}

	var e PacketEvent
	e.SrcAddr = binary.LittleEndian.Uint32(raw[0:4])
	e.DstAddr = binary.LittleEndian.Uint32(raw[4:8])
	e.SrcPort = binary.LittleEndian.Uint16(raw[8:10])
	e.DstPort = binary.LittleEndian.Uint16(raw[10:12])
	e.Protocol = raw[12]
	// raw[13..15] are padding — skip.
	e.PktLen = binary.LittleEndian.Uint32(raw[16:20])
	e.Action = Action(binary.LittleEndian.Uint16(raw[20:22]))
	e.DropReason = binary.LittleEndian.Uint16(raw[22:24])
	e.KtimeNS = binary.LittleEndian.Uint64(raw[24:32])
	return e, nil
}
