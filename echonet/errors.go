package echonet

import (
	"errors"
	"fmt"
)

// ErrNeedToReopen is returned when a request's deadline expires before
// a matching response arrives. A dropped response is observationally
// indistinguishable from a dead radio, so this is treated the same as
// a session-level failure rather than a per-call timeout the caller
// can simply retry.
var ErrNeedToReopen = errors.New("echonet: response deadline exceeded")

// ResponsePossibleFailure is returned when the meter answers a Get/SetC
// with a negative ESV (0x52/0x51), naming the EPCs it rejected. The
// whole aggregate fails even when only one property was refused.
type ResponsePossibleFailure struct {
	EPCs []byte
}

func (e *ResponsePossibleFailure) Error() string {
	return fmt.Sprintf("echonet: meter rejected %d EPC(s): % X", len(e.EPCs), e.EPCs)
}
