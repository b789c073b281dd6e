package arlo

import "errors"

var (
	// ErrCommandRejected means the notify endpoint did not report success for
	// a sent command; no acknowledgement will ever arrive for it.
	ErrCommandRejected = errors.New("arlo: command rejected")
	// ErrCommandTimeout means no acknowledgement with the command's
	// transaction id arrived before the configured deadline.
	ErrCommandTimeout = errors.New("arlo: command timed out")
	// ErrStreamClosed means the event stream went away while the command was
	// still pending.
	ErrStreamClosed = errors.New("arlo: stream closed")
	// ErrStreamUnavailable means the event stream could not be opened, so the
	// command was never sent.
	ErrStreamUnavailable = errors.New("arlo: stream unavailable")
	// ErrNotAuthenticated means no session is held; call Login first.
	ErrNotAuthenticated = errors.New("arlo: not authenticated")
	// ErrUnknownBasestation means a command target's owning basestation is
	// not in the device registry.
	ErrUnknownBasestation = errors.New("arlo: unknown basestation")
)
