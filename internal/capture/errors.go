// Package capture wires the transport reader, correlator, and output
// batcher into one capture session behind the Idle/Running control
// interface (spec §4.6/§4.7/§6).
package capture

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a CaptureError the way the control interface's
// collaborators expect (spec §7 error taxonomy).
type ErrorKind int

const (
	ErrPermissionDenied ErrorKind = iota
	ErrInterfaceNotFound
	ErrInvalidState
	ErrEbpfLoadFailed
	ErrOther
)

func (k ErrorKind) String() string {
	switch k {
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrInterfaceNotFound:
		return "InterfaceNotFound"
	case ErrInvalidState:
		return "InvalidState"
	case ErrEbpfLoadFailed:
		return "EbpfLoadFailed"
	default:
		return "Other"
	}
}

// CaptureError is the control interface's error type. It carries a
// closed-set Kind so collaborators can branch on failure category
// without string matching, plus the underlying message.
type CaptureError struct {
	Kind ErrorKind
	Msg  string
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newError(kind ErrorKind, format string, args ...any) *CaptureError {
	return &CaptureError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// classifyAttachError maps an unsentineled attach/detach error from the
// bpf loader into a CaptureError by substring heuristic, mirroring
// original_source/scrop-capture/src/ebpf.rs's classify_ebpf_error: the
// loader's own errors aren't typed as CaptureError (it has no reason to
// know about the control interface's taxonomy), so the boundary between
// the two packages classifies by message content.
func classifyAttachError(err error) *CaptureError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		return newError(ErrInterfaceNotFound, "%s", msg)
	case strings.Contains(msg, "not attached"):
		return newError(ErrInvalidState, "%s", msg)
	default:
		return newError(ErrOther, "%s", msg)
	}
}
