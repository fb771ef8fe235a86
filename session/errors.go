package session

import "errors"

// ErrScanFailure is returned by Open when no PAN descriptor was observed
// after the scan escalation ladder ran to its configured maximum.
var ErrScanFailure = errors.New("session: no PAN found after scan escalation")

// ErrJoinFailure is returned by Open when PANA authentication is
// rejected (EVENT 24) or times out. A rejection after Open has returned
// latches the session into the failed state instead, and gate waiters
// get ErrNeedToReopen.
var ErrJoinFailure = errors.New("session: PANA join rejected or timed out")

// ErrNeedToReopen is returned once the session has latched into the
// failed state, or when a gate wait is abandoned because Close was
// called. It is sticky: only a fresh Open on a new Session recovers.
var ErrNeedToReopen = errors.New("session: session lost, reopen required")

// ErrGateTimeout is returned by Send when the caller's deadline elapses
// while the transmission gate is closed.
var ErrGateTimeout = errors.New("session: transmission gate wait timed out")

// ErrNotOpen is returned by Send when the session is in the closed
// state: before Open has started, or after Close.
var ErrNotOpen = errors.New("session: session not open")
