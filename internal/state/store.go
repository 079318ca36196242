// Package state persists the last synchronized state of every book per profile,
// together with an append-only audit trail of every change.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

// ErrNotFound is returned by Reset for a book key without an entry
var ErrNotFound = errors.New("no sync state entry for book")

// Store is the durable per-profile mapping from book key to SyncState.
// Upsert is atomic: a concurrent reader sees either the previous or the new entry.
type Store interface {
	Get(ctx context.Context, profile models.Profile, bookKey string) (models.SyncState, bool, error)
	Upsert(ctx context.Context, profile models.Profile, bookKey string, next models.SyncState) error
	SnapshotAll(ctx context.Context, profile models.Profile) (map[string]models.SyncState, error)
	Close() error
}

// AuditReader exposes the audit trail of a store
type AuditReader interface {
	AuditTrail(ctx context.Context, profile models.Profile) ([]AuditEntry, error)
}

// AuditEntry records one upsert
type AuditEntry struct {
	Profile  string            `json:"profile"`
	BookKey  string            `json:"book_key"`
	Reason   string            `json:"reason,omitempty"`
	Previous *models.SyncState `json:"previous,omitempty"`
	Current  models.SyncState  `json:"current"`
	At       time.Time         `json:"at"`
}

type auditReasonKey struct{}

// WithAuditReason annotates upserts made with ctx, e.g. with the op kind that caused them
func WithAuditReason(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, auditReasonKey{}, reason)
}

func auditReason(ctx context.Context) string {
	reason, _ := ctx.Value(auditReasonKey{}).(string)
	return reason
}

// ReasonReset is the audit reason written by Reset
const ReasonReset = "reset"

// Reset is the explicit maintenance path that clears the seed flag of an entry and
// returns it to unstarted, so the book is planned again by the next run.
// It is the only way a finished entry can go back.
func Reset(ctx context.Context, store Store, profile models.Profile, bookKey string, now time.Time) (models.SyncState, error) {
	prev, ok, err := store.Get(ctx, profile, bookKey)
	if err != nil {
		return models.SyncState{}, err
	}
	if !ok {
		return models.SyncState{}, fmt.Errorf("%w: %s", ErrNotFound, bookKey)
	}

	next := models.SyncState{
		Status:      models.StatusUnstarted,
		Progress:    0,
		LastWriteAt: now.UTC(),
		Source:      prev.Source,
		Seeded:      false,
	}
	if err := store.Upsert(WithAuditReason(ctx, ReasonReset), profile, bookKey, next); err != nil {
		return models.SyncState{}, err
	}
	return next, nil
}

func corrupt(profile models.Profile, path string, err error) error {
	return &models.StateCorruptionError{Profile: profile.Name, Path: path, Err: err}
}
