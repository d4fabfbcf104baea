package types

import (
	"errors"
	"fmt"
	"time"
)

// Reason classifies an expected, caller-recoverable failure.
type Reason string

const (
	ReasonMalformedToken  Reason = "malformed_token"
	ReasonTamperedToken   Reason = "tampered_token"
	ReasonExpiredToken    Reason = "expired_token"
	ReasonUnknownRole     Reason = "unknown_role"
	ReasonPinRequired     Reason = "pin_required"
	ReasonPinInvalid      Reason = "pin_invalid"
	ReasonPinLocked       Reason = "pin_locked"
	ReasonRoleUnavailable Reason = "role_unavailable"
	ReasonSessionNotFound Reason = "session_not_found"
	ReasonAlreadyMigrated Reason = "already_migrated"
)

// Rejection is the error value returned for every expected failure mode of
// the token, invitation and session layers. Only storage faults are returned
// as other error types.
type Rejection struct {
	Reason Reason
	// LockedUntil is set for ReasonPinLocked.
	LockedUntil time.Time
}

func (r *Rejection) Error() string {
	if !r.LockedUntil.IsZero() {
		return fmt.Sprintf("%s until %s", r.Reason, r.LockedUntil.UTC().Format(time.RFC3339))
	}

	return string(r.Reason)
}

// Is matches any *Rejection carrying the same reason, so errors.Is works
// against the sentinels below regardless of LockedUntil.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

var (
	ErrMalformedToken  = &Rejection{Reason: ReasonMalformedToken}
	ErrTamperedToken   = &Rejection{Reason: ReasonTamperedToken}
	ErrExpiredToken    = &Rejection{Reason: ReasonExpiredToken}
	ErrUnknownRole     = &Rejection{Reason: ReasonUnknownRole}
	ErrPinRequired     = &Rejection{Reason: ReasonPinRequired}
	ErrPinInvalid      = &Rejection{Reason: ReasonPinInvalid}
	ErrPinLocked       = &Rejection{Reason: ReasonPinLocked}
	ErrRoleUnavailable = &Rejection{Reason: ReasonRoleUnavailable}
	ErrSessionNotFound = &Rejection{Reason: ReasonSessionNotFound}
	ErrAlreadyMigrated = &Rejection{Reason: ReasonAlreadyMigrated}
)

// NewPinLocked returns a PinLocked rejection carrying the unlock time.
func NewPinLocked(until time.Time) *Rejection {
	return &Rejection{Reason: ReasonPinLocked, LockedUntil: until}
}

// ReasonOf extracts the rejection reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason, true
	}

	return "", false
}

// IsLinkFailure reports whether err must be presented to the user as a
// dead link without saying which check failed.
func IsLinkFailure(err error) bool {
	reason, ok := ReasonOf(err)
	if !ok {
		return false
	}

	switch reason {
	case ReasonMalformedToken, ReasonTamperedToken, ReasonExpiredToken,
		ReasonUnknownRole, ReasonRoleUnavailable:
		return true
	}

	return false
}
