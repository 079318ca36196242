// Package normalize converts raw per-platform records into canonical activity records.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/logger"
	"github.com/drallgood/reading-activity-sync/internal/models"
	"github.com/drallgood/reading-activity-sync/internal/source"
)

// Skip reasons
const (
	ReasonMissingTitleOrAuthor = "missing title or author"
	ReasonFinishedWithoutDate  = "finished without finish date"
	ReasonProgressOutOfRange   = "progress out of range"
	ReasonNoReadingDates       = "no reading dates"
	ReasonUnparseableDate      = "unparseable date"
	ReasonMissingPayload       = "record has no payload for its platform"
)

// clampTolerance absorbs float noise around the [0,1] bounds
const clampTolerance = 1e-6

// SkippedRecord is a raw record that could not be normalized
type SkippedRecord struct {
	Reason string
	Title  string
	Raw    models.RawActivityRecord
}

// Outcome is one element of a normalized sequence: a record, a skip, or the
// error that truncated the sequence
type Outcome struct {
	Record  *models.NormalizedActivityRecord
	Skipped *SkippedRecord
	Err     error
}

// Options tunes normalization
type Options struct {
	// SnapshotAt overrides the snapshot's own capture time
	SnapshotAt time.Time
	Logger     *logger.Logger
}

// Normalize lazily converts every page of snapshot into outcomes. Malformed
// records become skips and never stop the sequence. A page error ends the
// sequence with a final Outcome carrying the error.
func Normalize(ctx context.Context, profile models.Profile, snapshot source.Snapshot, opts Options) iter.Seq[Outcome] {
	log := opts.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	snapshotAt := opts.SnapshotAt
	if snapshotAt.IsZero() {
		snapshotAt = snapshot.TakenAt()
	}

	return func(yield func(Outcome) bool) {
		pages := 0
		for {
			page, err := snapshot.NextPage(ctx)
			if err != nil {
				yield(Outcome{Err: fmt.Errorf("%s snapshot for profile %s truncated after %d pages: %w",
					snapshot.Platform(), profile, pages, err)})
				return
			}
			if len(page) == 0 {
				return
			}
			pages++

			for _, raw := range page {
				rec, err := Record(raw, snapshotAt)
				if err != nil {
					skip := &SkippedRecord{Reason: reasonOf(err), Title: raw.Describe(), Raw: raw}
					log.Debug("Skipping record", map[string]interface{}{
						"source": raw.Platform,
						"book":   skip.Title,
						"reason": skip.Reason,
					})
					if !yield(Outcome{Skipped: skip}) {
						return
					}
					continue
				}
				if !yield(Outcome{Record: &rec}) {
					return
				}
			}
		}
	}
}

func reasonOf(err error) string {
	var m *models.MalformedRecordError
	if errors.As(err, &m) {
		return m.Reason
	}
	return err.Error()
}

// Record normalizes a single raw record. Failures are *models.MalformedRecordError.
func Record(raw models.RawActivityRecord, snapshotAt time.Time) (models.NormalizedActivityRecord, error) {
	var (
		rec models.NormalizedActivityRecord
		err error
	)
	switch raw.Platform {
	case models.PlatformGoodreads:
		if raw.Goodreads == nil {
			return rec, malformed(raw, ReasonMissingPayload)
		}
		rec, err = fromGoodreads(raw.Goodreads)
	case models.PlatformAudible:
		if raw.Audible == nil {
			return rec, malformed(raw, ReasonMissingPayload)
		}
		rec, err = fromAudible(raw.Audible)
	case models.PlatformKindle:
		if raw.Kindle == nil {
			return rec, malformed(raw, ReasonMissingPayload)
		}
		rec, err = fromKindle(raw.Kindle)
	case models.PlatformAudiobookshelf:
		if raw.Audiobookshelf == nil {
			return rec, malformed(raw, ReasonMissingPayload)
		}
		rec, err = fromAudiobookshelf(raw.Audiobookshelf)
	default:
		return rec, malformed(raw, fmt.Sprintf("unknown platform %q", raw.Platform))
	}
	if err != nil {
		return rec, malformed(raw, err.Error())
	}

	rec.Source = raw.Platform
	rec.SnapshotAt = snapshotAt.UTC()

	if rec.BookKey == "" {
		return rec, malformed(raw, ReasonMissingTitleOrAuthor)
	}
	if rec.Status == models.StatusFinished && rec.FinishDate == nil && raw.Platform.ReportsDates() {
		return rec, malformed(raw, ReasonFinishedWithoutDate)
	}
	progress, ok := clamp(rec.Progress)
	if !ok {
		return rec, malformed(raw, ReasonProgressOutOfRange)
	}
	rec.Progress = progress
	return rec, nil
}

func malformed(raw models.RawActivityRecord, reason string) error {
	return &models.MalformedRecordError{Reason: reason, Record: raw.Describe()}
}

// clamp pulls values within clampTolerance of [0,1] onto the interval
func clamp(p float64) (float64, bool) {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return p, false
	}
	switch {
	case p < -clampTolerance || p > 1+clampTolerance:
		return p, false
	case p < 0:
		return 0, true
	case p > 1:
		return 1, true
	default:
		return p, true
	}
}

// reasonError carries a skip reason out of a platform converter
type reasonError string

func (e reasonError) Error() string { return string(e) }
