package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/logger"
	"github.com/drallgood/reading-activity-sync/internal/models"
)

const (
	apiPath = "/api"

	absMaxAttempts    = 3
	absInitialBackoff = 500 * time.Millisecond
)

// AudiobookshelfConfig configures an Audiobookshelf snapshot
type AudiobookshelfConfig struct {
	BaseURL    string
	Token      string
	LibraryIDs []string
	PageSize   int
	HTTPClient *http.Client
	Logger     *logger.Logger
	// InitialBackoff overrides the delay before the first retry
	InitialBackoff time.Duration
}

// AudiobookshelfSnapshot pages through the library items of an Audiobookshelf server
// and joins them with the user's media progress. Items the user never started are
// not emitted.
type AudiobookshelfSnapshot struct {
	baseURL  string
	token    string
	client   *http.Client
	logger   *logger.Logger
	pageSize int
	takenAt  time.Time
	backoff  time.Duration

	libraries []string
	libIndex  int
	page      int
	progress  map[string]absMediaProgress
	loaded    bool
}

type absLibrary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type absMediaProgress struct {
	LibraryItemID string  `json:"libraryItemId"`
	Progress      float64 `json:"progress"`
	IsFinished    bool    `json:"isFinished"`
	StartedAt     int64   `json:"startedAt"`
	FinishedAt    int64   `json:"finishedAt"`
}

type absLibraryItem struct {
	ID    string `json:"id"`
	Media struct {
		Metadata struct {
			Title      string `json:"title"`
			AuthorName string `json:"authorName"`
			ISBN       string `json:"isbn"`
			ASIN       string `json:"asin"`
		} `json:"metadata"`
	} `json:"media"`
}

type absItemsPage struct {
	Results []absLibraryItem `json:"results"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Page    int              `json:"page"`
}

// NewAudiobookshelfSnapshot creates a snapshot; nothing is fetched until the first page
func NewAudiobookshelfSnapshot(cfg AudiobookshelfConfig) *AudiobookshelfSnapshot {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = absInitialBackoff
	}
	return &AudiobookshelfSnapshot{
		backoff:   backoff,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		token:     cfg.Token,
		client:    client,
		logger:    log.WithFields(map[string]interface{}{"component": "audiobookshelf_source"}),
		pageSize:  pageSize,
		libraries: cfg.LibraryIDs,
		takenAt:   time.Now().UTC(),
	}
}

func (s *AudiobookshelfSnapshot) Platform() models.Platform { return models.PlatformAudiobookshelf }
func (s *AudiobookshelfSnapshot) TakenAt() time.Time        { return s.takenAt }
func (s *AudiobookshelfSnapshot) Close() error              { return nil }

// NextPage returns the next non-empty page of started items, or an empty page when
// every library is exhausted
func (s *AudiobookshelfSnapshot) NextPage(ctx context.Context) ([]models.RawActivityRecord, error) {
	if !s.loaded {
		if err := s.load(ctx); err != nil {
			return nil, err
		}
	}

	for s.libIndex < len(s.libraries) {
		libraryID := s.libraries[s.libIndex]
		items, err := s.fetchItems(ctx, libraryID, s.page)
		if err != nil {
			return nil, err
		}

		s.page++
		if len(items.Results) == 0 || s.page*s.pageSize >= items.Total {
			s.libIndex++
			s.page = 0
		}

		page := make([]models.RawActivityRecord, 0, len(items.Results))
		for _, item := range items.Results {
			mp, ok := s.progress[item.ID]
			if !ok {
				continue
			}
			page = append(page, toRawRecord(item, mp))
		}
		if len(page) > 0 {
			return page, nil
		}
	}
	return nil, nil
}

func toRawRecord(item absLibraryItem, mp absMediaProgress) models.RawActivityRecord {
	progress := mp.Progress
	return models.RawActivityRecord{
		Platform: models.PlatformAudiobookshelf,
		Audiobookshelf: &models.AudiobookshelfRecord{
			ItemID:     item.ID,
			Title:      item.Media.Metadata.Title,
			Author:     item.Media.Metadata.AuthorName,
			ISBN:       item.Media.Metadata.ISBN,
			ASIN:       item.Media.Metadata.ASIN,
			Progress:   &progress,
			IsFinished: mp.IsFinished,
			StartedAt:  mp.StartedAt,
			FinishedAt: mp.FinishedAt,
		},
	}
}

// load fetches the user's media progress and, if none were configured, the library list
func (s *AudiobookshelfSnapshot) load(ctx context.Context) error {
	var me struct {
		MediaProgress []absMediaProgress `json:"mediaProgress"`
	}
	if err := s.get(ctx, "/me", &me); err != nil {
		return err
	}
	s.progress = make(map[string]absMediaProgress, len(me.MediaProgress))
	for _, mp := range me.MediaProgress {
		s.progress[mp.LibraryItemID] = mp
	}

	if len(s.libraries) == 0 {
		var result struct {
			Libraries []absLibrary `json:"libraries"`
		}
		if err := s.get(ctx, "/libraries", &result); err != nil {
			return err
		}
		for _, lib := range result.Libraries {
			s.libraries = append(s.libraries, lib.ID)
		}
	}

	s.loaded = true
	s.logger.Debug("Loaded audiobookshelf progress", map[string]interface{}{
		"media_progress_count": len(s.progress),
		"library_count":        len(s.libraries),
	})
	return nil
}

func (s *AudiobookshelfSnapshot) fetchItems(ctx context.Context, libraryID string, page int) (*absItemsPage, error) {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("limit", fmt.Sprint(s.pageSize))
	q.Set("minified", "1")
	endpoint := "/libraries/" + url.PathEscape(libraryID) + "/items?" + q.Encode()

	var result absItemsPage
	if err := s.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// get performs an authenticated GET with retries on network and server errors
func (s *AudiobookshelfSnapshot) get(ctx context.Context, endpoint string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < absMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := s.backoff * time.Duration(1<<uint(attempt-1))
			s.logger.Debug("Retrying audiobookshelf request", map[string]interface{}{
				"endpoint":   endpoint,
				"attempt":    attempt + 1,
				"backoff_ms": backoff.Milliseconds(),
				"error":      lastErr.Error(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		retry, err := s.do(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}

	s.logger.Warn("Exhausted retries for audiobookshelf request", map[string]interface{}{
		"endpoint": endpoint,
		"error":    lastErr.Error(),
	})
	return &models.TransientSourceError{
		Source: models.PlatformAudiobookshelf,
		Err:    fmt.Errorf("failed after %d attempts: %w", absMaxAttempts, lastErr),
	}
}

// do performs one request; retry reports whether the failure is worth another attempt
func (s *AudiobookshelfSnapshot) do(ctx context.Context, endpoint string, out interface{}) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+apiPath+endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, &models.AuthenticationError{
			Service: "audiobookshelf",
			Err:     fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, endpoint)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return false, nil
}
