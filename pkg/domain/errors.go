package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is by callers and transport adapters.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInstallationInFlight = errors.New("installation in flight")
	ErrInvalidInput         = errors.New("invalid input")
	ErrForbidden            = errors.New("forbidden")
)

// NotFoundError reports a missing record addressed by id.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is matches ErrNotFound.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidTransitionError is returned when a status change is not permitted from the
// record's current state, including compare-and-set mismatches.
type InvalidTransitionError struct {
	ID     string
	From   InstallationStatus
	To     InstallationStatus
	Reason string
}

func (e InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("installation %s cannot move from %s to %s", e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is matches ErrInvalidTransition.
func (e InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// InstallationInFlightError rejects a submission while the installer still has an
// actionable installation outstanding.
type InstallationInFlightError struct {
	InstallerID    string
	InstallationID string
}

func (e InstallationInFlightError) Error() string {
	return fmt.Sprintf("installer %s already has installation %s awaiting verification", e.InstallerID, e.InstallationID)
}

// Is matches ErrInstallationInFlight.
func (e InstallationInFlightError) Is(target error) bool { return target == ErrInstallationInFlight }

// ImportRowError describes a malformed or unresolvable row of a bulk batch. Row is
// the 1-based row number in the uploaded table, header included.
type ImportRowError struct {
	Row    int    `json:"row"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

func (e ImportRowError) Error() string {
	return fmt.Sprintf("row %d (%q): %s", e.Row, e.Key, e.Reason)
}

// SubscriptionError reports a failed change feed. Scope narrows the feed, for
// example the team id of a member sub-collection.
type SubscriptionError struct {
	Entity EntityType
	Scope  string
	Err    error
}

func (e SubscriptionError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("subscription %s/%s: %v", e.Entity, e.Scope, e.Err)
	}
	return fmt.Sprintf("subscription %s: %v", e.Entity, e.Err)
}

func (e SubscriptionError) Unwrap() error { return e.Err }

// InvalidInput wraps a validation message so it matches ErrInvalidInput.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Forbidden wraps an authorization message so it matches ErrForbidden.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}
