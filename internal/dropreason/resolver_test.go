package dropreason

import (
	"encoding/binary"
	"testing"
)

// makeTestBTF builds a minimal synthetic BTF blob containing a single
// ENUM type named "skb_drop_reason" with the given (name, value) pairs.
// Mirrors the make_test_btf helper from the original implementation's
// test suite.
func makeTestBTF(t *testing.T, variants []struct {
	name string
	val  uint32
}) []byte {
	t.Helper()

	// String section: offset 0 is always the empty string.
	strBuf := []byte{0}
	strOff := func(s string) uint32 {
		off := uint32(len(strBuf))
		strBuf = append(strBuf, []byte(s)...)
		strBuf = append(strBuf, 0)
		return off
	}

	enumNameOff := strOff("skb_drop_reason")
	type varOff struct {
		name uint32
		val  uint32
	}
	varOffs := make([]varOff, len(variants))
	for i, v := range variants {
		varOffs[i] = varOff{name: strOff("SKB_DROP_REASON_" + v.name), val: v.val}
	}

	// Type section: one ENUM btf_type record followed by vlen (name,val) pairs.
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
	appendU32(4) // size_or_type: size=4 bytes for enum
	for _, vo := range varOffs {
		appendU32(vo.name)
		appendU32(vo.val)
	}

	const hdrLen = btfHeaderSize
	typeOff := uint32(0)
	typeLen := uint32(len(typeBuf))
	strSecOff := typeOff + typeLen
	strLen := uint32(len(strBuf))

	hdr := make([]byte, hdrLen)
	binary.LittleEndian.PutUint16(hdr[0:2], btfMagic)
	hdr[2] = 1 // version
	hdr[3] = 0 // flags
	binary.LittleEndian.PutUint32(hdr[4:8], hdrLen)
	binary.LittleEndian.PutUint32(hdr[8:12], typeOff)
	binary.LittleEndian.PutUint32(hdr[12:16], typeLen)
	binary.LittleEndian.PutUint32(hdr[16:20], strSecOff)
	binary.LittleEndian.PutUint32(hdr[20:24], strLen)

	out := append([]byte{}, hdr...)
	out = append(out, typeBuf...)
	out = append(out, strBuf...)
	return out
}

func testVariants() []struct {
	name string
	val  uint32
} {
	return []struct {
		name string
		val  uint32
	}{
		{"NOT_SPECIFIED", 0},
		{"NO_SOCKET", 2},
		{"NETFILTER_DROP", 3},
		{"IPTABLES_EGRESS_DROP", 17},
		{"TCP_INVALID_SEQUENCE", 42},
	}
}

func TestParseDropReasons(t *testing.T) {
	blob := makeTestBTF(t, testVariants())
	r, err := ResolverFromBTFBytes(blob)
	if err != nil {
		t.Fatalf("ResolverFromBTFBytes: %v", err)
	}

	if got := r.names[0]; got != "NOT_SPECIFIED" {
		t.Errorf("names[0] = %q, want NOT_SPECIFIED", got)
	}
	if got := r.names[3]; got != "NETFILTER_DROP" {
		t.Errorf("names[3] = %q, want NETFILTER_DROP", got)
	}
	if _, ok := r.fwReasons[3]; !ok {
		t.Error("reason 3 (NETFILTER_DROP) should be classified firewall")
	}
	if _, ok := r.fwReasons[17]; !ok {
		t.Error("reason 17 (IPTABLES_EGRESS_DROP) should be classified firewall")
	}
	if _, ok := r.fwReasons[42]; ok {
		t.Error("reason 42 (TCP_INVALID_SEQUENCE) should not be classified firewall")
	}
}

func TestClassifyDrop(t *testing.T) {
	blob := makeTestBTF(t, testVariants())
	r, err := ResolverFromBTFBytes(blob)
	if err != nil {
		t.Fatalf("ResolverFromBTFBytes: %v", err)
	}

	if c := r.Classify(3); c != ClassificationFwDrop {
		t.Errorf("Classify(3) = %v, want FwDrop", c)
	}
	if c := r.Classify(42); c != ClassificationNicDrop {
		t.Errorf("Classify(42) = %v, want NicDrop", c)
	}
	// Open-question behaviour: drop_reason 0 classifies via the resolver
	// like any other ID, yielding NicDrop — no synthetic "unknown" result.
	if c := r.Classify(0); c != ClassificationNicDrop {
		t.Errorf("Classify(0) = %v, want NicDrop", c)
	}
}

func TestDropReasonString(t *testing.T) {
	blob := makeTestBTF(t, testVariants())
	r, err := ResolverFromBTFBytes(blob)
	if err != nil {
		t.Fatalf("ResolverFromBTFBytes: %v", err)
	}

	if got := r.FormatReason(3, ClassificationFwDrop); got != "Dropped by firewall (NETFILTER_DROP)" {
		t.Errorf("FormatReason(3) = %q", got)
	}
	if got := r.FormatReason(42, ClassificationNicDrop); got != "Dropped in network stack (TCP_INVALID_SEQUENCE)" {
		t.Errorf("FormatReason(42) = %q", got)
	}
	if got := r.FormatReason(999, ClassificationNicDrop); got != "Dropped in network stack (unknown reason 999)" {
		t.Errorf("FormatReason(999) = %q", got)
	}
}

func TestInvalidBTF(t *testing.T) {
	if _, err := ResolverFromBTFBytes([]byte{0x00, 0x01, 0x02}); err == nil {
		t.Fatal("expected error for truncated btf")
	}
	bad := make([]byte, btfHeaderSize)
	binary.LittleEndian.PutUint16(bad[0:2], 0xffff) // wrong magic
	if _, err := ResolverFromBTFBytes(bad); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestFindEnumMissing(t *testing.T) {
	blob := makeTestBTF(t, nil)
	// Pass an empty type section, so no enum of any name can be found.
	_, _, err := findAndParseEnum(blob[btfHeaderSize:btfHeaderSize], blob[btfHeaderSize:], "skb_drop_reason")
	if err == nil {
		t.Fatal("expected enum-not-found error when type section is empty")
	}
}
