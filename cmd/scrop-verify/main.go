// Package main — cmd/scrop-verify/main.go
//
// Deterministic scenario/invariant runner.
//
// Replays scenarios S1-S6 and the wire round-trip invariant directly
// against a live correlator.Correlator and the internal/wire codec,
// using the literal timings and expectations given in the
// specification's TESTABLE PROPERTIES section. Each scenario reports
// PASS/FAIL to stdout; the process exits non-zero if any scenario
// fails.
//
// Grounded on cmd/octoreflex-sim/main.go's flag-driven
// simulate-then-report-dominance shape, retargeted from a stochastic
// mutation-rate simulation onto a deterministic correlator replay.
package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/scrop/scrop-capture/internal/correlator"
	"github.com/scrop/scrop-capture/internal/wire"
)

type result struct {
	name   string
	pass   bool
	detail string
}

func main() {
	scenarios := []func() result{
		scenarioS1BasicPass,
		scenarioS2SizeMismatchSafety,
		scenarioS3DuplicateSameFlow,
		scenarioS4CrossBucketMatch,
		scenarioS5ExpiryThenStaleKfree,
		scenarioS6TieBreak,
		invariantWireRoundTrip,
	}

	failures := 0
	for _, s := range scenarios {
		r := s()
		status := "PASS"
		if !r.pass {
			status = "FAIL"
			failures++
		}
		fmt.Printf("[%s] %-32s %s\n", status, r.name, r.detail)
	}

	fmt.Printf("\n%d/%d scenarios passed\n", len(scenarios)-failures, len(scenarios))
	if failures > 0 {
		os.Exit(1)
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func mkEvent(srcPort, dstPort uint16, size uint32) wire.PacketEvent {
	return wire.PacketEvent{
		SrcAddr:  0x0100a8c0, // 192.168.0.1
		DstAddr:  0x0100000a, // 10.0.0.1
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Protocol: 6,
		PktLen:   size,
		Action:   wire.ActionXDPPass,
	}
}

// S1 — Basic pass.
func scenarioS1BasicPass() result {
	base := time.Now()
	c := correlator.New(base)

	c.RegisterPass(mkEvent(12345, 443, 128), 0, base.Add(ms(1)))
	expired := c.DrainExpired(base.Add(ms(100)))

	if len(expired) != 1 || expired[0].Counter != 0 {
		return result{"S1 basic pass", false, fmt.Sprintf("got %d expired entries", len(expired))}
	}
	return result{"S1 basic pass", true, "counter=0 delivered at drain"}
}

// S2 — Size-mismatch safety.
func scenarioS2SizeMismatchSafety() result {
	base := time.Now()
	c := correlator.New(base)

	e1 := mkEvent(12345, 443, 128)
	c.RegisterPass(e1, 0, base.Add(ms(1)))

	mismatchKey := correlator.KeyFromEvent(mkEvent(12345, 443, 256))
	if _, matched := c.MatchKfree(mismatchKey, base.Add(ms(2))); matched {
		return result{"S2 size-mismatch safety", false, "size=256 incorrectly matched size=128 entry"}
	}
	if c.PendingCount() != 1 {
		return result{"S2 size-mismatch safety", false, fmt.Sprintf("pending=%d, want 1", c.PendingCount())}
	}

	expired := c.DrainExpired(base.Add(ms(100)))
	if len(expired) != 1 {
		return result{"S2 size-mismatch safety", false, fmt.Sprintf("got %d expired entries, want 1", len(expired))}
	}
	return result{"S2 size-mismatch safety", true, "no false match; delivered on drain"}
}

// S3 — Duplicate same flow.
func scenarioS3DuplicateSameFlow() result {
	base := time.Now()
	c := correlator.New(base)

	e := mkEvent(12345, 443, 128)
	c.RegisterPass(e, 1, base.Add(ms(1)))
	c.RegisterPass(e, 2, base.Add(ms(2)))
	c.RegisterPass(e, 3, base.Add(ms(3)))

	key := correlator.KeyFromEvent(e)
	pending, matched := c.MatchKfree(key, base.Add(ms(4)))
	if !matched || pending.Counter != 3 {
		return result{"S3 duplicate same flow", false, fmt.Sprintf("matched=%v counter=%d, want counter=3", matched, pending.Counter)}
	}
	if c.PendingCount() != 2 {
		return result{"S3 duplicate same flow", false, fmt.Sprintf("pending=%d, want 2", c.PendingCount())}
	}
	return result{"S3 duplicate same flow", true, "counter=3 returned, 2 remain pending"}
}

// S4 — Cross-bucket match.
func scenarioS4CrossBucketMatch() result {
	base := time.Now()
	c := correlator.New(base)

	e := mkEvent(12345, 443, 128)
	c.RegisterPass(e, 7, base.Add(ms(4)))

	key := correlator.KeyFromEvent(e)
	_, matched := c.MatchKfree(key, base.Add(ms(6)))
	if !matched {
		return result{"S4 cross-bucket match", false, "expected match across bucket boundary"}
	}
	if c.PendingCount() != 0 {
		return result{"S4 cross-bucket match", false, fmt.Sprintf("pending=%d, want 0", c.PendingCount())}
	}
	return result{"S4 cross-bucket match", true, "matched across bucket 0/1 boundary"}
}

// S5 — Expiry then stale kfree.
func scenarioS5ExpiryThenStaleKfree() result {
	base := time.Now()
	c := correlator.New(base)

	e := mkEvent(12345, 443, 128)
	c.RegisterPass(e, 9, base.Add(ms(1)))

	expired := c.DrainExpired(base.Add(ms(60)))
	if len(expired) != 1 {
		return result{"S5 expiry then stale kfree", false, fmt.Sprintf("got %d expired at t=60ms, want 1", len(expired))}
	}

	key := correlator.KeyFromEvent(e)
	if _, matched := c.MatchKfree(key, base.Add(ms(61))); matched {
		return result{"S5 expiry then stale kfree", false, "stale kfree incorrectly matched after expiry"}
	}
	return result{"S5 expiry then stale kfree", true, "orphan kfree after expiry correctly discarded"}
}

// S6 — Tie-break.
func scenarioS6TieBreak() result {
	base := time.Now()
	c := correlator.New(base)

	e := mkEvent(12345, 443, 128)
	c.RegisterPass(e, 1, base.Add(ms(10)))
	c.RegisterPass(e, 2, base.Add(ms(10)))
	c.RegisterPass(e, 3, base.Add(ms(14)))

	key := correlator.KeyFromEvent(e)

	p, matched := c.MatchKfree(key, base.Add(ms(13)))
	if !matched || p.Counter != 3 {
		return result{"S6 tie-break", false, fmt.Sprintf("t=13ms: matched=%v counter=%d, want counter=3", matched, p.Counter)}
	}

	p, matched = c.MatchKfree(key, base.Add(ms(15)))
	if !matched || p.Counter != 1 {
		return result{"S6 tie-break", false, fmt.Sprintf("t=15ms: matched=%v counter=%d, want counter=1 (FIFO)", matched, p.Counter)}
	}

	p, matched = c.MatchKfree(key, base.Add(ms(12)))
	if !matched || p.Counter != 2 {
		return result{"S6 tie-break", false, fmt.Sprintf("t=12ms: matched=%v counter=%d, want counter=2", matched, p.Counter)}
	}

	if c.PendingCount() != 0 {
		return result{"S6 tie-break", false, fmt.Sprintf("pending=%d, want 0", c.PendingCount())}
	}
	return result{"S6 tie-break", true, "nearest-then-FIFO tie-break order confirmed"}
}

// invariant 6 — wire round trip.
func invariantWireRoundTrip() result {
	reasonStr := "Dropped by firewall (FwDrop)"
	target := uint32(443)
	env := wire.PacketBatchEnvelope{
		SchemaVersion: wire.SchemaVersion,
		EpochOffsetMS: 1234.5,
		Packets: []wire.CapturedPacket{
			{
				Packet: wire.AnimatingPacket{
					ID:            "pkt-abc123-0",
					Protocol:      wire.ProtocolTCP,
					Size:          128,
					Source:        "192.168.0.1",
					SrcPort:       12345,
					Destination:   "10.0.0.1",
					DestPort:      443,
					TargetPort:    &target,
					CaptureMonoNS: 987654321,
					Reason:        &reasonStr,
				},
				Result: wire.ResultFwDrop,
			},
		},
	}

	var buf bytes.Buffer
	if err := wire.EncodeEnvelope(&buf, env); err != nil {
		return result{"invariant: wire round trip", false, fmt.Sprintf("encode error: %v", err)}
	}
	decoded, err := wire.DecodeEnvelope(&buf)
	if err != nil {
		return result{"invariant: wire round trip", false, fmt.Sprintf("decode error: %v", err)}
	}

	if decoded.SchemaVersion != env.SchemaVersion || decoded.EpochOffsetMS != env.EpochOffsetMS ||
		len(decoded.Packets) != 1 || decoded.Packets[0].Packet.ID != env.Packets[0].Packet.ID ||
		decoded.Packets[0].Result != env.Packets[0].Result {
		return result{"invariant: wire round trip", false, "decode(encode(envelope)) != envelope"}
	}
	return result{"invariant: wire round trip", true, "decode(encode(envelope)) == envelope"}
}
