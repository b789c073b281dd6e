package auth

import "fmt"

// Reason classifies why a login attempt failed.
type Reason string

const (
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonServerRejected     Reason = "server_rejected"
	ReasonNoPrimaryFactor    Reason = "no_primary_factor"
	ReasonMissingOTP         Reason = "missing_otp"
	ReasonTimeout            Reason = "timeout"
)

// Error is a fatal authentication failure. Login never retries: any failed
// step surfaces immediately as an Error and the session stays cleared.
type Error struct {
	Reason Reason
	Step   string // "login", "get_factors", "start_auth", "finish_auth"
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s (%s): %v", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth: %s (%s)", e.Step, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}
