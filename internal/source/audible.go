package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

// AudibleExportSnapshot streams the TSV written by `audible library export`
type AudibleExportSnapshot struct {
	file     *os.File
	reader   *csv.Reader
	columns  map[string]int
	takenAt  time.Time
	pageSize int
	done     bool
}

// OpenAudibleExport opens an Audible library export and reads its header
func OpenAudibleExport(path string, pageSize int) (*AudibleExportSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audible export: %w", err)
	}

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("audible export %s is empty", path)
		}
		return nil, fmt.Errorf("failed to read audible export header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, required := range []string{"title", "authors"} {
		if _, ok := columns[required]; !ok {
			f.Close()
			return nil, fmt.Errorf("audible export %s has no %q column", path, required)
		}
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &AudibleExportSnapshot{
		file:     f,
		reader:   r,
		columns:  columns,
		takenAt:  fileTakenAt(f),
		pageSize: pageSize,
	}, nil
}

func (s *AudibleExportSnapshot) Platform() models.Platform { return models.PlatformAudible }
func (s *AudibleExportSnapshot) TakenAt() time.Time        { return s.takenAt }

// Close closes the export file
func (s *AudibleExportSnapshot) Close() error {
	return s.file.Close()
}

// NextPage reads up to pageSize rows
func (s *AudibleExportSnapshot) NextPage(ctx context.Context) ([]models.RawActivityRecord, error) {
	if s.done {
		return nil, nil
	}
	page := make([]models.RawActivityRecord, 0, s.pageSize)
	for len(page) < s.pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read audible export: %w", err)
		}
		page = append(page, models.RawActivityRecord{
			Platform: models.PlatformAudible,
			Audible:  s.parseRow(row),
		})
	}
	return page, nil
}

func (s *AudibleExportSnapshot) field(row []string, name string) string {
	i, ok := s.columns[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (s *AudibleExportSnapshot) parseRow(row []string) *models.AudibleRecord {
	rec := &models.AudibleRecord{
		ASIN:      s.field(row, "asin"),
		Title:     s.field(row, "title"),
		Authors:   s.field(row, "authors"),
		ISBN:      s.field(row, "isbn"),
		DateAdded: s.field(row, "date_added"),
	}

	if v := s.field(row, "percent_complete"); v != "" {
		pct, err := strconv.ParseFloat(v, 64)
		if err != nil {
			// unreadable progress is rejected downstream as out of range
			pct = math.NaN()
		}
		rec.PercentComplete = &pct
	}
	if v := s.field(row, "is_finished"); v != "" {
		if finished, err := strconv.ParseBool(v); err == nil {
			rec.IsFinished = &finished
		}
	}
	if v := s.field(row, "runtime_length_min"); v != "" {
		if minutes, err := strconv.Atoi(v); err == nil {
			rec.RuntimeMinutes = &minutes
		}
	}
	return rec
}
