// Package destination writes planned reading activity to the destination
// tracking platform.
package destination

import (
	"context"
	"errors"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

// ErrBookNotFound is a permanent failure: the destination has no book matching the op
var ErrBookNotFound = errors.New("book not found at destination")

// Destination performs the two destination writes a plan can contain.
// Implementations classify failures as *models.TransientDestinationError
// (retryable), *models.AuthenticationError (fatal for the profile) or any
// other error (permanent for the book).
type Destination interface {
	CreateRead(ctx context.Context, op models.WriteOp) error
	UpdateProgress(ctx context.Context, op models.WriteOp) error
}

// Hardcover user book statuses
const (
	StatusWantToRead       = 1
	StatusCurrentlyReading = 2
	StatusRead             = 3
)
