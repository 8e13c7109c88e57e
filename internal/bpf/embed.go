package bpf

import _ "embed"

// bpfObjectBytes is the compiled CO-RE ELF object built from
// bpfobj/capture.bpf.c by the project's clang/bpf2go build step — not by
// `go build`, which only embeds the bytes.
//
//go:embed bpfobj/capture.bpf.o
var bpfObjectBytes []byte
