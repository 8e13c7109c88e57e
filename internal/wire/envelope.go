// Package wire — envelope.go
//
// The consumer-facing wire schema (spec'd as a stable ABI independent of
// the kernel PacketEvent layout in event.go): PacketBatchEnvelope wraps a
// batch of CapturedPacket values plus the monotonic-to-realtime offset
// needed to render wall-clock times without a per-packet syscall.
//
// Encoding is a small hand-rolled binary codec over encoding/binary,
// mirroring the style of PacketEvent's own decode function — there is no
// protobuf/grpc collaborator in this module's scope to hand the schema to
// (see DESIGN.md), so the codec is the wire contract itself.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SchemaVersion is the current PacketBatchEnvelope wire version.
const SchemaVersion uint32 = 1

// Protocol is the L4 protocol carried on the wire.
type Protocol uint8

const (
	ProtocolTCP Protocol = 0
	ProtocolUDP Protocol = 1
)

// ProtocolFromIPProto maps an IP protocol number to the wire Protocol.
// 6 -> TCP, 17 -> UDP, anything else defaults to TCP (implementation
// note from spec §6: not user-configurable).
func ProtocolFromIPProto(proto uint8) Protocol {
	if proto == 17 {
		return ProtocolUDP
	}
	return ProtocolTCP
}

func (p Protocol) String() string {
	if p == ProtocolUDP {
		return "UDP"
	}
	return "TCP"
}

// PacketResult is the correlation outcome label for a captured packet.
type PacketResult uint8

const (
	ResultDelivered PacketResult = 0
	ResultNicDrop   PacketResult = 1
	ResultFwDrop    PacketResult = 2
)

func (r PacketResult) String() string {
	switch r {
	case ResultDelivered:
		return "DELIVERED"
	case ResultNicDrop:
		return "NIC_DROP"
	case ResultFwDrop:
		return "FW_DROP"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// AnimatingPacket is the user-facing projection of a PacketEvent: string
// addresses, numeric ports, and an optional human-readable drop reason.
type AnimatingPacket struct {
	ID            string
	Protocol      Protocol
	Size          uint32
	Source        string
	SrcPort       uint32
	Destination   string
	DestPort      uint32
	TargetPort    *uint32 // nil when not applicable
	CaptureMonoNS uint64
	Reason        *string // nil when Result == ResultDelivered
}

// CapturedPacket pairs an AnimatingPacket with its correlation result.
type CapturedPacket struct {
	Packet AnimatingPacket
	Result PacketResult
}

// PacketBatchEnvelope is one flush of the output batcher.
type PacketBatchEnvelope struct {
	SchemaVersion uint32
	EpochOffsetMS float64
	Packets       []CapturedPacket
}

// EncodeEnvelope serialises an envelope to its wire form.
func EncodeEnvelope(w io.Writer, env PacketBatchEnvelope) error {
	if err := binary.Write(w, binary.LittleEndian, env.SchemaVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, env.EpochOffsetMS); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(env.Packets))); err != nil {
		return err
	}
	for i := range env.Packets {
		if err := encodeCapturedPacket(w, env.Packets[i]); err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
	}
	return nil
}

func encodeCapturedPacket(w io.Writer, cp CapturedPacket) error {
	if err := binary.Write(w, binary.LittleEndian, uint8(cp.Result)); err != nil {
		return err
	}
	p := cp.Packet
	if err := writeString(w, p.ID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(p.Protocol)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, p.Size); err != nil {
		return err
	}
	if err := writeString(w, p.Source); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, p.SrcPort); err != nil {
		return err
	}
	if err := writeString(w, p.Destination); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, p.DestPort); err != nil {
		return err
	}
	if err := writeOptionalUint32(w, p.TargetPort); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, p.CaptureMonoNS); err != nil {
		return err
	}
	if err := writeOptionalString(w, p.Reason); err != nil {
		return err
	}
	return nil
}

// DecodeEnvelope deserialises an envelope from its wire form.
func DecodeEnvelope(r io.Reader) (PacketBatchEnvelope, error) {
	var env PacketBatchEnvelope
	if err := binary.Read(r, binary.LittleEndian, &env.SchemaVersion); err != nil {
		return env, err
	}
	if err := binary.Read(r, binary.LittleEndian, &env.EpochOffsetMS); err != nil {
		return env, err
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return env, err
	}
	env.Packets = make([]CapturedPacket, n)
	for i := uint32(0); i < n; i++ {
		cp, err := decodeCapturedPacket(r)
		if err != nil {
			return env, fmt.Errorf("packet %d: %w", i, err)
		}
		env.Packets[i] = cp
	}
	return env, nil
}

func decodeCapturedPacket(r io.Reader) (CapturedPacket, error) {
	var cp CapturedPacket
	var result uint8
	if err := binary.Read(r, binary.LittleEndian, &result); err != nil {
		return cp, err
	}
	cp.Result = PacketResult(result)

	p := &cp.Packet
	var err error
	if p.ID, err = readString(r); err != nil {
		return cp, err
	}
	var proto uint8
	if err = binary.Read(r, binary.LittleEndian, &proto); err != nil {
		return cp, err
	}
	p.Protocol = Protocol(proto)
	if err = binary.Read(r, binary.LittleEndian, &p.Size); err != nil {
		return cp, err
	}
	if p.Source, err = readString(r); err != nil {
		return cp, err
	}
	if err = binary.Read(r, binary.LittleEndian, &p.SrcPort); err != nil {
		return cp, err
	}
	if p.Destination, err = readString(r); err != nil {
		return cp, err
	}
	if err = binary.Read(r, binary.LittleEndian, &p.DestPort); err != nil {
		return cp, err
	}
	if p.TargetPort, err = readOptionalUint32(r); err != nil {
		return cp, err
	}
	if err = binary.Read(r, binary.LittleEndian, &p.CaptureMonoNS); err != nil {
		return cp, err
	}
	if p.Reason, err = readOptionalString(r); err != nil {
		return cp, err
	}
	return cp, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeOptionalUint32(w io.Writer, v *uint32) error {
	present := v != nil
	if err := binary.Write(w, binary.LittleEndian, present); err != nil {
		return err
	}
	if !present {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, *v)
}

func readOptionalUint32(r io.Reader) (*uint32, error) {
	var present bool
	if err := binary.Read(r, binary.LittleEndian, &present); err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func writeOptionalString(w io.Writer, v *string) error {
	present := v != nil
	if err := binary.Write(w, binary.LittleEndian, present); err != nil {
		return err
	}
	if !present {
		return nil
	}
	return writeString(w, *v)
}

func readOptionalString(r io.Reader) (*string, error) {
	var present bool
	if err := binary.Read(r, binary.LittleEndian, &present); err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	s, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CaptureStats aggregates process-wide counters. Mutex-guarded copy lives
// in internal/capture; this is the plain value type moved across that
// boundary and reported to collaborators.
type CaptureStats struct {
	TotalPackets     uint64
	Delivered        uint64
	NicDropped       uint64
	FwDropped        uint64
	TransportDropped uint64
}
