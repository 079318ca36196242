package source

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/config"
	"github.com/drallgood/reading-activity-sync/internal/logger"
	"github.com/drallgood/reading-activity-sync/internal/models"
)

// DefaultPageSize is used when neither the source nor the sync section sets one
const DefaultPageSize = 50

// Snapshot is a lazy, paginated listing of raw records from one platform for one profile.
// NextPage returns an empty page once the listing is exhausted; callers must not
// assume a known total length.
type Snapshot interface {
	Platform() models.Platform
	// TakenAt is when the underlying data was captured
	TakenAt() time.Time
	NextPage(ctx context.Context) ([]models.RawActivityRecord, error)
	Close() error
}

// Options carries what every concrete snapshot needs besides its own config
type Options struct {
	PageSize   int
	HTTPClient *http.Client
	Logger     *logger.Logger
}

func (o Options) pageSize(override int) int {
	switch {
	case override > 0:
		return override
	case o.PageSize > 0:
		return o.PageSize
	default:
		return DefaultPageSize
	}
}

func (o Options) logger() *logger.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logger.Get()
}

// Open builds the snapshot described by a profile's source entry
func Open(ctx context.Context, cfg config.SourceConfig, opts Options) (Snapshot, error) {
	platform, err := cfg.Platform()
	if err != nil {
		return nil, err
	}

	size := opts.pageSize(cfg.PageSize)
	switch platform {
	case models.PlatformAudible:
		return OpenAudibleExport(cfg.Path, size)
	case models.PlatformGoodreads, models.PlatformKindle:
		return OpenJSONExport(platform, cfg.Path, size)
	case models.PlatformAudiobookshelf:
		return NewAudiobookshelfSnapshot(AudiobookshelfConfig{
			BaseURL:    cfg.URL,
			Token:      cfg.Token,
			LibraryIDs: cfg.LibraryIDs,
			PageSize:   size,
			HTTPClient: opts.HTTPClient,
			Logger:     opts.logger(),
		}), nil
	default:
		return nil, fmt.Errorf("no snapshot implementation for platform %s", platform)
	}
}

// StaticSnapshot serves records already held in memory, one page at a time
type StaticSnapshot struct {
	platform models.Platform
	takenAt  time.Time
	pageSize int
	records  []models.RawActivityRecord
	cursor   int
}

// NewStaticSnapshot creates a snapshot over records
func NewStaticSnapshot(platform models.Platform, takenAt time.Time, pageSize int, records []models.RawActivityRecord) *StaticSnapshot {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &StaticSnapshot{platform: platform, takenAt: takenAt, pageSize: pageSize, records: records}
}

func (s *StaticSnapshot) Platform() models.Platform { return s.platform }
func (s *StaticSnapshot) TakenAt() time.Time        { return s.takenAt }
func (s *StaticSnapshot) Close() error              { return nil }

// NextPage returns the next page of records
func (s *StaticSnapshot) NextPage(ctx context.Context) ([]models.RawActivityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	end := min(s.cursor+s.pageSize, len(s.records))
	page := s.records[s.cursor:end]
	s.cursor = end
	return page, nil
}

// Rewind restarts the listing from the first page
func (s *StaticSnapshot) Rewind() {
	s.cursor = 0
}

// fileTakenAt uses the export's modification time as its capture time
func fileTakenAt(f *os.File) time.Time {
	if info, err := f.Stat(); err == nil {
		return info.ModTime().UTC()
	}
	return time.Now().UTC()
}
