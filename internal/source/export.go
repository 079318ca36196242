package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

// JSONExportSnapshot streams records written by the Goodreads and Kindle scrapers.
// Both JSON Lines and a single top-level array are accepted.
type JSONExportSnapshot struct {
	platform models.Platform
	file     *os.File
	dec      *json.Decoder
	done     bool
	takenAt  time.Time
	pageSize int
}

// OpenJSONExport opens an export file for a platform
func OpenJSONExport(platform models.Platform, path string, pageSize int) (*JSONExportSnapshot, error) {
	switch platform {
	case models.PlatformGoodreads, models.PlatformKindle:
	default:
		return nil, fmt.Errorf("json exports are not supported for %s", platform)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s export: %w", platform, err)
	}

	br := bufio.NewReader(f)
	dec := json.NewDecoder(br)
	if firstByte(br) == '[' {
		if _, err := dec.Token(); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read %s export: %w", platform, err)
		}
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &JSONExportSnapshot{
		platform: platform,
		file:     f,
		dec:      dec,
		takenAt:  fileTakenAt(f),
		pageSize: pageSize,
	}, nil
}

// firstByte peeks at the first non-whitespace byte without consuming it
func firstByte(br *bufio.Reader) byte {
	for i := 1; ; i++ {
		b, err := br.Peek(i)
		if err != nil {
			return 0
		}
		switch c := b[i-1]; c {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return c
		}
	}
}

func (s *JSONExportSnapshot) Platform() models.Platform { return s.platform }
func (s *JSONExportSnapshot) TakenAt() time.Time        { return s.takenAt }

// Close closes the export file
func (s *JSONExportSnapshot) Close() error {
	return s.file.Close()
}

// NextPage decodes up to pageSize records. Values that are valid JSON but do not
// fit the record shape yield a record without payload, which normalization skips.
func (s *JSONExportSnapshot) NextPage(ctx context.Context) ([]models.RawActivityRecord, error) {
	if s.done {
		return nil, nil
	}

	page := make([]models.RawActivityRecord, 0, s.pageSize)
	for len(page) < s.pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.dec.More() {
			s.done = true
			break
		}
		var raw json.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				break
			}
			return nil, fmt.Errorf("failed to read %s export: %w", s.platform, err)
		}
		page = append(page, s.decodeRecord(raw))
	}
	return page, nil
}

func (s *JSONExportSnapshot) decodeRecord(raw json.RawMessage) models.RawActivityRecord {
	rec := models.RawActivityRecord{Platform: s.platform}
	switch s.platform {
	case models.PlatformGoodreads:
		var gr models.GoodreadsRecord
		if err := json.Unmarshal(raw, &gr); err == nil {
			rec.Goodreads = &gr
		}
	case models.PlatformKindle:
		var kr models.KindleRecord
		if err := json.Unmarshal(raw, &kr); err == nil {
			rec.Kindle = &kr
		}
	}
	return rec
}
