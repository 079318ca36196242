package models

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the layout used for all date-only values (start/finish dates, seed cutoffs)
const DateLayout = "2006-01-02"

// Profile identifies one source-account/destination-account pairing.
// It scopes all state and logs and is immutable for the duration of a run.
type Profile struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}

// String returns the profile name
func (p Profile) String() string {
	return p.Name
}

// Validate checks that the profile can be used as a state namespace
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required")
	}
	if strings.ContainsAny(p.Name, `/\:*?"<>|`) || strings.HasPrefix(p.Name, ".") {
		return fmt.Errorf("profile name %q contains characters that are not allowed", p.Name)
	}
	return nil
}

// Platform is the source platform tag of a record
type Platform string

const (
	// PlatformGoodreads is a library tracker: finished/started dates, no progress
	PlatformGoodreads Platform = "goodreads"
	// PlatformAudible is an audiobook service reporting percent complete
	PlatformAudible Platform = "audible"
	// PlatformKindle is an e-reader reporting percentage read
	PlatformKindle Platform = "kindle"
	// PlatformAudiobookshelf is a self-hosted audiobook server reporting progress and dates
	PlatformAudiobookshelf Platform = "audiobookshelf"
)

// TracksProgress reports whether the platform reports a progress fraction
func (p Platform) TracksProgress() bool {
	switch p {
	case PlatformAudible, PlatformKindle, PlatformAudiobookshelf:
		return true
	default:
		return false
	}
}

// ReportsDates reports whether the platform carries reading dates for finished books
func (p Platform) ReportsDates() bool {
	switch p {
	case PlatformGoodreads, PlatformAudiobookshelf:
		return true
	default:
		return false
	}
}

// ParsePlatform parses a platform tag
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformGoodreads, PlatformAudible, PlatformKindle, PlatformAudiobookshelf:
		return p, nil
	default:
		return "", fmt.Errorf("unknown source platform %q", s)
	}
}

// Status is the reading status of a book
type Status string

const (
	StatusUnstarted  Status = "unstarted"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
)

// Rank orders statuses so that later lifecycle stages compare greater
func (s Status) Rank() int {
	switch s {
	case StatusInProgress:
		return 1
	case StatusFinished:
		return 2
	default:
		return 0
	}
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusUnstarted, StatusInProgress, StatusFinished:
		return true
	default:
		return false
	}
}

// RawActivityRecord is one loosely structured book/item as emitted by a source snapshot.
// Exactly one payload matching Platform is expected to be set; any payload field may be absent.
type RawActivityRecord struct {
	Platform       Platform              `json:"platform"`
	Goodreads      *GoodreadsRecord      `json:"goodreads,omitempty"`
	Audible        *AudibleRecord        `json:"audible,omitempty"`
	Kindle         *KindleRecord         `json:"kindle,omitempty"`
	Audiobookshelf *AudiobookshelfRecord `json:"audiobookshelf,omitempty"`
}

// GoodreadsRecord is a row of the Goodreads "read" shelf with its review timeline
type GoodreadsRecord struct {
	ReviewID    string `json:"review_id,omitempty"`
	BookID      string `json:"book_id,omitempty"`
	Title       string `json:"title,omitempty"`
	Author      string `json:"author,omitempty"`
	ISBN        string `json:"isbn,omitempty"`
	DateStarted string `json:"date_started,omitempty"`
	DateRead    string `json:"date_read,omitempty"`
	Shelf       string `json:"shelf,omitempty"`
}

// AudibleRecord is a row of an `audible library export` TSV file
type AudibleRecord struct {
	ASIN            string   `json:"asin,omitempty"`
	Title           string   `json:"title,omitempty"`
	Authors         string   `json:"authors,omitempty"`
	ISBN            string   `json:"isbn,omitempty"`
	PercentComplete *float64 `json:"percent_complete,omitempty"`
	IsFinished      *bool    `json:"is_finished,omitempty"`
	DateAdded       string   `json:"date_added,omitempty"`
	RuntimeMinutes  *int     `json:"runtime_length_min,omitempty"`
}

// KindleRecord is one book captured from the Kindle library API
type KindleRecord struct {
	ASIN           string   `json:"asin,omitempty"`
	Title          string   `json:"title,omitempty"`
	Authors        []string `json:"authors,omitempty"`
	PercentageRead *float64 `json:"percentageRead,omitempty"`
	LastAccessed   string   `json:"lastAccessed,omitempty"`
}

// AudiobookshelfRecord is a library item with the user's media progress
type AudiobookshelfRecord struct {
	ItemID     string   `json:"item_id,omitempty"`
	Title      string   `json:"title,omitempty"`
	Author     string   `json:"author,omitempty"`
	ISBN       string   `json:"isbn,omitempty"`
	ASIN       string   `json:"asin,omitempty"`
	Progress   *float64 `json:"progress,omitempty"`
	IsFinished bool     `json:"is_finished,omitempty"`
	StartedAt  int64    `json:"started_at,omitempty"`  // unix millis
	FinishedAt int64    `json:"finished_at,omitempty"` // unix millis
}

// Describe returns a short human-readable label for logs and skip reports
func (r RawActivityRecord) Describe() string {
	switch {
	case r.Goodreads != nil:
		return describe(r.Goodreads.Title, r.Goodreads.Author)
	case r.Audible != nil:
		return describe(r.Audible.Title, r.Audible.Authors)
	case r.Kindle != nil:
		return describe(r.Kindle.Title, strings.Join(r.Kindle.Authors, ", "))
	case r.Audiobookshelf != nil:
		return describe(r.Audiobookshelf.Title, r.Audiobookshelf.Author)
	default:
		return "<empty " + string(r.Platform) + " record>"
	}
}

func describe(title, author string) string {
	title = strings.TrimSpace(title)
	author = strings.TrimSpace(author)
	switch {
	case title == "" && author == "":
		return "<untitled>"
	case author == "":
		return title
	default:
		return title + " by " + author
	}
}

// NormalizedActivityRecord is the canonical activity record produced by normalization
type NormalizedActivityRecord struct {
	BookKey    string     `json:"book_key"`
	Title      string     `json:"title"`
	Author     string     `json:"author"`
	ISBN       string     `json:"isbn,omitempty"`
	Status     Status     `json:"status"`
	Progress   float64    `json:"progress"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	FinishDate *time.Time `json:"finish_date,omitempty"`
	Source     Platform   `json:"source"`
	SnapshotAt time.Time  `json:"snapshot_at"`
}

// EffectiveFinishDate returns the finish date, falling back to the snapshot date
func (r NormalizedActivityRecord) EffectiveFinishDate() time.Time {
	if r.FinishDate != nil {
		return TruncateToDate(*r.FinishDate)
	}
	return TruncateToDate(r.SnapshotAt)
}

// TruncateToDate drops the time-of-day component, keeping the calendar date in UTC
func TruncateToDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

// FormatDate formats an optional date, returning "" for nil
func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(DateLayout)
}
