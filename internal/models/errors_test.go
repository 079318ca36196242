package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	transient := fmt.Errorf("writing: %w", &TransientDestinationError{StatusCode: 503, Err: base})
	assert.True(t, IsTransientDestination(transient))
	assert.False(t, IsAuthentication(transient))
	assert.ErrorIs(t, transient, base)
	assert.Contains(t, transient.Error(), "status 503")

	auth := fmt.Errorf("run: %w", &AuthenticationError{Service: "hardcover", Err: base})
	assert.True(t, IsAuthentication(auth))
	assert.False(t, IsTransientDestination(auth))

	corrupt := &StateCorruptionError{Profile: "alice", Path: "/tmp/state.json", Err: base}
	assert.True(t, IsStateCorruption(fmt.Errorf("wrapped: %w", corrupt)))
	assert.Contains(t, corrupt.Error(), "/tmp/state.json")

	src := &TransientSourceError{Source: PlatformAudiobookshelf, Err: base}
	assert.True(t, IsTransientSource(src))
	assert.ErrorIs(t, src, base)

	malformed := &MalformedRecordError{Reason: "missing title or author", Record: "<untitled>"}
	assert.ErrorIs(t, malformed, ErrInvalidRecord)
}

func TestFatalAndTransientGroups(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsFatal(&AuthenticationError{Service: "destination", Err: base}))
	assert.True(t, IsFatal(&StateCorruptionError{Profile: "alice", Err: base}))
	assert.True(t, IsFatal(fmt.Errorf("%w: profile alice", ErrProfileLocked)))
	assert.False(t, IsFatal(&TransientDestinationError{Err: base}))
	assert.False(t, IsFatal(base))

	assert.True(t, IsTransient(&TransientDestinationError{Err: base}))
	assert.True(t, IsTransient(&TransientSourceError{Source: PlatformKindle, Err: base}))
	assert.False(t, IsTransient(&MalformedRecordError{Reason: "no title"}))
}
