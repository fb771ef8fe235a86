// Package momonga is a client library for Japan's Route B low-voltage
// smart electric energy meter service. It drives a Wi-SUN "SK module"
// over a serial line, authenticates a PANA session against the meter's
// PAN, exchanges ECHONET Lite request/response pairs over UDP, and
// exposes a meter-oriented façade through the momonga/meter package.
package momonga

import "fmt"

// Kind classifies the user-visible error conditions this module can
// surface.
type Kind int

const (
	// KindScanFailure means no PAN was discovered after the scan
	// escalation ladder was exhausted. Recoverable by retrying open(),
	// possibly at a different location.
	KindScanFailure Kind = iota
	// KindJoinFailure means PANA authentication was rejected or timed
	// out. Recoverable by retrying open(), possibly with corrected
	// credentials.
	KindJoinFailure
	// KindNeedToReopen means the session was lost: a serial stall, a
	// gate wait that exceeded its deadline, or any other condition that
	// leaves the session unusable until a fresh Open.
	KindNeedToReopen
	// KindResponsePossibleFailure means the meter rejected one or more
	// EPCs in a Get/SetC aggregate request.
	KindResponsePossibleFailure
)

func (k Kind) String() string {
	switch k {
	case KindScanFailure:
		return "ScanFailure"
	case KindJoinFailure:
		return "JoinFailure"
	case KindNeedToReopen:
		return "NeedToReopen"
	case KindResponsePossibleFailure:
		return "ResponsePossibleFailure"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type returned for every Kind above. It
// carries enough structured context to let a caller decide whether to
// retry, reopen, or drop offending EPCs, without needing to parse a
// message string.
type Error struct {
	Kind Kind
	// Msg is a short human-readable description of what happened.
	Msg string
	// EPCs holds the EPCs the meter rejected, only set for
	// KindResponsePossibleFailure.
	EPCs []byte
	// Err wraps the underlying cause, if any (serial I/O error, context
	// deadline, etc).
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("momonga: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("momonga: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so callers
// can use errors.Is(err, momonga.ErrNeedToReopen) style checks against
// the sentinels below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Sentinels usable with errors.Is. Only Kind is compared.
var (
	ErrScanFailure             = &Error{Kind: KindScanFailure}
	ErrJoinFailure             = &Error{Kind: KindJoinFailure}
	ErrNeedToReopen            = &Error{Kind: KindNeedToReopen}
	ErrResponsePossibleFailure = &Error{Kind: KindResponsePossibleFailure}
)

// NewScanFailure builds a KindScanFailure error.
func NewScanFailure(msg string, err error) error {
	return &Error{Kind: KindScanFailure, Msg: msg, Err: err}
}

// NewJoinFailure builds a KindJoinFailure error.
func NewJoinFailure(msg string, err error) error {
	return &Error{Kind: KindJoinFailure, Msg: msg, Err: err}
}

// NewNeedToReopen builds a KindNeedToReopen error.
func NewNeedToReopen(msg string, err error) error {
	return &Error{Kind: KindNeedToReopen, Msg: msg, Err: err}
}

// NewResponsePossibleFailure builds a KindResponsePossibleFailure error
// naming the EPCs the meter rejected.
func NewResponsePossibleFailure(epcs []byte) error {
	return &Error{
		Kind: KindResponsePossibleFailure,
		Msg:  fmt.Sprintf("meter rejected %d EPC(s)", len(epcs)),
		EPCs: epcs,
	}
}
