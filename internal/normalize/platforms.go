package normalize

import (
	"strings"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

// goodreadsDateLayouts are the date shapes seen in Goodreads exports and pages
var goodreadsDateLayouts = []string{
	models.DateLayout,
	"2006/01/02",
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2006",
}

func parseGoodreadsDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range goodreadsDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := models.TruncateToDate(t)
			return &d, nil
		}
	}
	return nil, reasonError(ReasonUnparseableDate)
}

func fromGoodreads(r *models.GoodreadsRecord) (models.NormalizedActivityRecord, error) {
	author := DisplayAuthor(r.Author)
	rec := models.NormalizedActivityRecord{
		BookKey: BookKey(r.Title, author, r.ISBN),
		Title:   strings.TrimSpace(r.Title),
		Author:  author,
		ISBN:    NormalizeISBN(r.ISBN),
	}

	started, err := parseGoodreadsDate(r.DateStarted)
	if err != nil {
		return rec, err
	}
	finished, err := parseGoodreadsDate(r.DateRead)
	if err != nil {
		return rec, err
	}
	rec.StartDate = started
	rec.FinishDate = finished

	shelf := strings.ToLower(strings.TrimSpace(r.Shelf))
	switch {
	case finished != nil || shelf == "read":
		rec.Status = models.StatusFinished
		rec.Progress = 1
	case started != nil || shelf == "currently-reading":
		rec.Status = models.StatusInProgress
	case shelf == "to-read":
		rec.Status = models.StatusUnstarted
	default:
		return rec, reasonError(ReasonNoReadingDates)
	}
	return rec, nil
}

func fromAudible(r *models.AudibleRecord) (models.NormalizedActivityRecord, error) {
	author := DisplayAuthor(FirstAuthor(r.Authors))
	rec := models.NormalizedActivityRecord{
		BookKey: BookKey(r.Title, author, r.ISBN),
		Title:   strings.TrimSpace(r.Title),
		Author:  author,
		ISBN:    NormalizeISBN(r.ISBN),
	}

	if r.PercentComplete != nil {
		rec.Progress = *r.PercentComplete / 100
	}
	switch {
	case r.IsFinished != nil && *r.IsFinished:
		rec.Status = models.StatusFinished
		rec.Progress = 1
	case rec.Progress != 0:
		rec.Status = models.StatusInProgress
	default:
		rec.Status = models.StatusUnstarted
	}
	return rec, nil
}

func fromKindle(r *models.KindleRecord) (models.NormalizedActivityRecord, error) {
	var first string
	if len(r.Authors) > 0 {
		first = r.Authors[0]
	}
	author := DisplayAuthor(first)
	rec := models.NormalizedActivityRecord{
		BookKey: BookKey(r.Title, author, ""),
		Title:   strings.TrimSpace(r.Title),
		Author:  author,
	}

	if r.PercentageRead != nil {
		rec.Progress = *r.PercentageRead / 100
	}
	switch {
	case rec.Progress >= 1 && rec.Progress <= 1+clampTolerance:
		rec.Status = models.StatusFinished
	case rec.Progress != 0:
		rec.Status = models.StatusInProgress
	default:
		rec.Status = models.StatusUnstarted
	}
	return rec, nil
}

func fromAudiobookshelf(r *models.AudiobookshelfRecord) (models.NormalizedActivityRecord, error) {
	author := DisplayAuthor(FirstAuthor(r.Author))
	rec := models.NormalizedActivityRecord{
		BookKey:    BookKey(r.Title, author, r.ISBN),
		Title:      strings.TrimSpace(r.Title),
		Author:     author,
		ISBN:       NormalizeISBN(r.ISBN),
		StartDate:  millisToDate(r.StartedAt),
		FinishDate: millisToDate(r.FinishedAt),
	}

	if r.Progress != nil {
		rec.Progress = *r.Progress
	}
	switch {
	case r.IsFinished:
		rec.Status = models.StatusFinished
		rec.Progress = 1
	case rec.Progress != 0:
		rec.Status = models.StatusInProgress
	default:
		rec.Status = models.StatusUnstarted
	}
	return rec, nil
}

func millisToDate(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	d := models.TruncateToDate(time.UnixMilli(ms))
	return &d
}
