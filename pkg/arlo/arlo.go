// Package arlo provides a public facade re-exporting core types
// for external consumers of this module.
package arlo

import (
	"github.com/trymwestin/arlo/internal/core/arlo"
	"github.com/trymwestin/arlo/internal/core/auth"
	"github.com/trymwestin/arlo/internal/core/state"
	"github.com/trymwestin/arlo/internal/core/stream"
)

// Re-export core types for external use.
type (
	// Session is the authenticated identity context.
	Session = auth.Session
	// Credentials are the login inputs.
	Credentials = auth.Credentials
	// TwoFactorType selects the MFA delivery channel.
	TwoFactorType = auth.TwoFactorType
	// CodeProvider supplies the one-time code during the MFA flow.
	CodeProvider = auth.CodeProvider
	// AuthClient drives the login flow.
	AuthClient = auth.Client
	// AuthError is a fatal authentication failure.
	AuthError = auth.Error
	// Device is a snapshot of a device record.
	Device = state.Device
	// DeviceType identifies a device kind.
	DeviceType = state.DeviceType
	// Event represents a device or stream state change.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Client sends device commands and resolves their acknowledgements.
	Client = arlo.Client
	// Command is the notify payload for a device command.
	Command = arlo.Command
	// DeviceFilter narrows a device listing.
	DeviceFilter = arlo.DeviceFilter
	// StreamMessage is a parsed event stream payload.
	StreamMessage = stream.Message
)

// Two-factor type constants.
const (
	TwoFactorNone  = auth.TwoFactorNone
	TwoFactorSMS   = auth.TwoFactorSMS
	TwoFactorEmail = auth.TwoFactorEmail
)

// Device type constants.
const (
	DeviceBasestation = state.DeviceBasestation
	DeviceCamera      = state.DeviceCamera
	DeviceDoorbell    = state.DeviceDoorbell
)

// Event type constants.
const (
	EventDeviceUpdate   = state.EventDeviceUpdate
	EventDeviceRenamed  = state.EventDeviceRenamed
	EventPropertyUpdate = state.EventPropertyUpdate
	EventStreamOpened   = state.EventStreamOpened
	EventStreamClosed   = state.EventStreamClosed
	EventStreamError    = state.EventStreamError
)

// Sentinel command errors.
var (
	ErrCommandRejected    = arlo.ErrCommandRejected
	ErrCommandTimeout     = arlo.ErrCommandTimeout
	ErrStreamClosed       = arlo.ErrStreamClosed
	ErrStreamUnavailable  = arlo.ErrStreamUnavailable
	ErrNotAuthenticated   = arlo.ErrNotAuthenticated
	ErrUnknownBasestation = arlo.ErrUnknownBasestation
)
