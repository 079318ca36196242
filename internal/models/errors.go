package models

import (
	"errors"
	"fmt"
)

var (
	// ErrProfileLocked is returned when another run holds the profile guard
	ErrProfileLocked = errors.New("profile is locked by another run")
	// ErrInvalidRecord is the sentinel behind every MalformedRecordError
	ErrInvalidRecord = errors.New("invalid record")
)

// TransientSourceError is a retryable snapshot fetch failure that persisted after the
// source's own retries. The runner treats it as a skipped (or truncated) source.
type TransientSourceError struct {
	Source Platform
	Err    error
}

func (e *TransientSourceError) Error() string {
	return fmt.Sprintf("transient %s source error: %v", e.Source, e.Err)
}

// Unwrap returns the underlying error
func (e *TransientSourceError) Unwrap() error {
	return e.Err
}

// MalformedRecordError describes a raw record that cannot be normalized.
// It is always recovered into a skip and never propagated.
type MalformedRecordError struct {
	Reason string
	Record string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %s: %s", e.Record, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidRecord) match
func (e *MalformedRecordError) Is(target error) bool {
	return target == ErrInvalidRecord
}

// TransientDestinationError is a network/timeout/server-side failure of a destination write
type TransientDestinationError struct {
	StatusCode int
	Err        error
}

func (e *TransientDestinationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient destination error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient destination error: %v", e.Err)
}

// Unwrap returns the underlying error
func (e *TransientDestinationError) Unwrap() error {
	return e.Err
}

// AuthenticationError means credentials for a source or the destination were rejected.
// It is fatal for the profile.
type AuthenticationError struct {
	Service string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication with %s failed: %v", e.Service, e.Err)
}

// Unwrap returns the underlying error
func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// StateCorruptionError means persisted state could not be read or parsed.
// It is fatal for the profile and must never trigger an automatic reset.
type StateCorruptionError struct {
	Profile string
	Path    string
	Err     error
}

func (e *StateCorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sync state for profile %q is corrupt (%s): %v", e.Profile, e.Path, e.Err)
	}
	return fmt.Sprintf("sync state for profile %q is corrupt: %v", e.Profile, e.Err)
}

// Unwrap returns the underlying error
func (e *StateCorruptionError) Unwrap() error {
	return e.Err
}

// IsTransientDestination reports whether err is a retryable destination failure
func IsTransientDestination(err error) bool {
	var te *TransientDestinationError
	return errors.As(err, &te)
}

// IsTransientSource reports whether err is a source failure that outlived the source's retries
func IsTransientSource(err error) bool {
	var te *TransientSourceError
	return errors.As(err, &te)
}

// IsAuthentication reports whether err is an authentication failure
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsStateCorruption reports whether err is a state corruption failure
func IsStateCorruption(err error) bool {
	var se *StateCorruptionError
	return errors.As(err, &se)
}

// IsTransient reports whether err is worth retrying later, from either side
func IsTransient(err error) bool {
	return IsTransientDestination(err) || IsTransientSource(err)
}

// IsFatal reports whether err must stop the profile's run
func IsFatal(err error) bool {
	return IsAuthentication(err) || IsStateCorruption(err) || errors.Is(err, ErrProfileLocked)
}
