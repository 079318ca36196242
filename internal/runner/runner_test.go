package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/reading-activity-sync/internal/config"
	"github.com/drallgood/reading-activity-sync/internal/destination"
	"github.com/drallgood/reading-activity-sync/internal/logger"
	"github.com/drallgood/reading-activity-sync/internal/models"
	"github.com/drallgood/reading-activity-sync/internal/normalize"
	"github.com/drallgood/reading-activity-sync/internal/profilelock"
	"github.com/drallgood/reading-activity-sync/internal/source"
	"github.com/drallgood/reading-activity-sync/internal/state"
)

var takenAt = time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC)

type mockDestination struct {
	mock.Mock
}

func (m *mockDestination) CreateRead(ctx context.Context, op models.WriteOp) error {
	return m.Called(op.BookKey).Error(0)
}

func (m *mockDestination) UpdateProgress(ctx context.Context, op models.WriteOp) error {
	return m.Called(op.BookKey, op.Fraction).Error(0)
}

func percent(v float64) *float64 { return &v }

func goodreads(title, author, read string) models.RawActivityRecord {
	return models.RawActivityRecord{Platform: models.PlatformGoodreads, Goodreads: &models.GoodreadsRecord{
		Title: title, Author: author, DateRead: read, Shelf: "read",
	}}
}

func audible(title, author string, pct float64) models.RawActivityRecord {
	return models.RawActivityRecord{Platform: models.PlatformAudible, Audible: &models.AudibleRecord{
		Title: title, Authors: author, PercentComplete: percent(pct),
	}}
}

// harness wires a runner to in-memory sources keyed by source path
type harness struct {
	cfg     *config.Config
	store   state.Store
	dests   map[string]*mockDestination
	sources map[string]func() (source.Snapshot, error)
	mu      sync.Mutex
}

func newHarness(t *testing.T) *harness {
	cfg := config.Default()
	cfg.Sync.LockDir = t.TempDir()
	cfg.Sync.StateBackend = config.StateBackendMemory
	return &harness{
		cfg:     cfg,
		store:   state.NewMemoryStore(),
		dests:   map[string]*mockDestination{},
		sources: map[string]func() (source.Snapshot, error){},
	}
}

func (h *harness) addSource(path string, platform models.Platform, records ...models.RawActivityRecord) config.SourceConfig {
	h.sources[path] = func() (source.Snapshot, error) {
		return source.NewStaticSnapshot(platform, takenAt, 2, records), nil
	}
	return config.SourceConfig{Type: string(platform), Path: path}
}

func (h *harness) dest(profile string) *mockDestination {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.dests[profile]
	if !ok {
		d = &mockDestination{}
		h.dests[profile] = d
	}
	return d
}

func (h *harness) runner() *Runner {
	return New(h.cfg, h.store, logger.Nop(),
		WithSourceOpener(func(ctx context.Context, src config.SourceConfig) (source.Snapshot, error) {
			open, ok := h.sources[src.Path]
			if !ok {
				return nil, fmt.Errorf("open %s: %w", src.Path, os.ErrNotExist)
			}
			return open()
		}),
		WithDestinationFactory(func(p config.ProfileConfig) destination.Destination {
			return h.dest(p.Name)
		}),
	)
}

func TestDryRunIsAPurePreview(t *testing.T) {
	h := newHarness(t)
	src := h.addSource("goodreads.json", models.PlatformGoodreads, goodreads("Dune", "Frank Herbert", "2024-01-10"))
	profile := config.ProfileConfig{Name: "alice", Sources: []config.SourceConfig{src}}

	var out bytes.Buffer
	s, err := h.runner().Run(context.Background(), profile, Options{Output: &out})
	require.NoError(t, err)

	assert.NotEmpty(t, s.RunID)
	assert.Equal(t, ModeDryRun, s.Mode)
	assert.Equal(t, 1, s.Records)
	assert.Equal(t, 1, s.Created)
	assert.Contains(t, out.String(), "dune-herbert")
	assert.Contains(t, out.String(), "create_read")

	all, err := h.store.SnapshotAll(context.Background(), models.Profile{Name: "alice"})
	require.NoError(t, err)
	assert.Empty(t, all, "dry run never writes state")
	h.dest("alice").AssertNotCalled(t, "CreateRead", mock.Anything)
}

func TestApplyThenRerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	profile := config.ProfileConfig{Name: "alice", Sources: []config.SourceConfig{
		h.addSource("goodreads.json", models.PlatformGoodreads, goodreads("Dune", "Frank Herbert", "2024-01-10")),
		h.addSource("audible.tsv", models.PlatformAudible, audible("Piranesi", "Susanna Clarke", 55)),
	}}
	d := h.dest("alice")
	d.On("CreateRead", "dune-herbert").Return(nil).Once()
	d.On("UpdateProgress", "piranesi-clarke", 0.55).Return(nil).Once()

	r := h.runner()
	s, err := r.Run(context.Background(), profile, Options{Apply: true})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Created)
	assert.Equal(t, 1, s.Updated)

	s, err = r.Run(context.Background(), profile, Options{Apply: true})
	require.NoError(t, err)
	assert.Zero(t, s.Created+s.Updated)
	assert.Equal(t, 2, s.SkipReasons[models.ReasonNoMaterialChange])
	d.AssertExpectations(t)

	all, err := h.store.SnapshotAll(context.Background(), models.Profile{Name: "alice"})
	require.NoError(t, err)
	assert.Len(t, all, 2, "one entry per book key")
}

func TestFinishedWithoutDateNeverReachesThePlan(t *testing.T) {
	h := newHarness(t)
	profile := config.ProfileConfig{Name: "alice", Sources: []config.SourceConfig{
		h.addSource("goodreads.json", models.PlatformGoodreads, models.RawActivityRecord{
			Platform:  models.PlatformGoodreads,
			Goodreads: &models.GoodreadsRecord{Title: "Dune", Author: "Frank Herbert", Shelf: "read"},
		}),
	}}

	s, err := h.runner().Run(context.Background(), profile, Options{Apply: true})
	require.NoError(t, err)
	assert.Zero(t, s.Records)
	require.Len(t, s.NormalizationSkips, 1)
	assert.Equal(t, models.PlatformGoodreads, s.NormalizationSkips[0].Source)
	assert.Equal(t, normalize.ReasonFinishedWithoutDate, s.NormalizationSkips[0].Reason)
	h.dest("alice").AssertNotCalled(t, "CreateRead", mock.Anything)
}

func TestSeedRunMarksWithoutWriting(t *testing.T) {
	h := newHarness(t)
	profile := config.ProfileConfig{Name: "alice", Sources: []config.SourceConfig{
		h.addSource("goodreads.json", models.PlatformGoodreads,
			goodreads("Dune", "Frank Herbert", "2023-12-01"),
			goodreads("Kindred", "Octavia E. Butler", "2024-07-01"),
		),
	}}
	d := h.dest("alice")

	cutoff, _ := models.ParseDate("2024-06-01")
	s, err := h.runner().Run(context.Background(), profile, Options{Apply: true, SeedBefore: &cutoff})
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01", s.SeedBefore)
	assert.Equal(t, 1, s.Seeded)
	assert.Equal(t, 0, s.Created)
	assert.Equal(t, 1, s.SkipReasons[models.ReasonSeedRunOnly])
	d.AssertNotCalled(t, "CreateRead", mock.Anything)

	got, ok, err := h.store.Get(context.Background(), models.Profile{Name: "alice"}, "dune-herbert")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Seeded)
}

func TestLockedProfileFailsFast(t *testing.T) {
	h := newHarness(t)
	profile := config.ProfileConfig{Name: "alice", Sources: []config.SourceConfig{
		h.addSource("goodreads.json", models.PlatformGoodreads, goodreads("Dune", "Frank Herbert", "2024-01-10")),
	}}

	held, err := profilelock.Acquire(h.cfg.Sync.LockDir, profile.Profile())
	require.NoError(t, err)
	defer held.Release()

	s, err := h.runner().Run(context.Background(), profile, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrProfileLocked)
	assert.False(t, s.OK())
	assert.Equal(t, 1, ExitCode([]Summary{s}))
}

func TestRunAllIsolatesProfiles(t *testing.T) {
	h := newHarness(t)
	dune := h.addSource("goodreads.json", models.PlatformGoodreads, goodreads("Dune", "Frank Herbert", "2024-01-10"))
	profiles := []config.ProfileConfig{
		{Name: "alice", Sources: []config.SourceConfig{dune}},
		{Name: "bob", Sources: []config.SourceConfig{dune}},
	}
	h.dest("alice").On("CreateRead", "dune-herbert").Return(&models.AuthenticationError{Service: "destination", Err: errors.New("401")})
	h.dest("bob").On("CreateRead", "dune-herbert").Return(nil)

	summaries := h.runner().RunAll(context.Background(), profiles, Options{Apply: true})
	require.Len(t, summaries, 2)

	assert.Equal(t, "alice", summaries[0].Profile)
	assert.False(t, summaries[0].OK())
	assert.Contains(t, summaries[0].Fatal, "authentication")

	assert.Equal(t, "bob", summaries[1].Profile)
	assert.True(t, summaries[1].OK())
	assert.Equal(t, 1, summaries[1].Created)

	assert.Equal(t, 1, ExitCode(summaries))
	assert.Equal(t, 0, ExitCode(summaries[1:]))
}

func TestMissingSourceIsSkipped(t *testing.T) {
	h := newHarness(t)
	profile := config.ProfileConfig{Name: "alice", Sources: []config.SourceConfig{
		{Type: "kindle", Path: "missing.json"},
		h.addSource("goodreads.json", models.PlatformGoodreads, goodreads("Dune", "Frank Herbert", "2024-01-10")),
	}}

	s, err := h.runner().Run(context.Background(), profile, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Records)
	require.Len(t, s.SourceIssues, 1)
	assert.Equal(t, models.PlatformKindle, s.SourceIssues[0].Source)
	assert.False(t, s.SourceIssues[0].Truncated)
}

func TestNoSourceAcquiredIsFatal(t *testing.T) {
	h := newHarness(t)
	profile := config.ProfileConfig{Name: "alice", Sources: []config.SourceConfig{{Type: "kindle", Path: "missing.json"}}}

	s, err := h.runner().Run(context.Background(), profile, Options{})
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.NotEmpty(t, s.Fatal)
}

type brokenSnapshot struct {
	*source.StaticSnapshot
	calls int
}

func (b *brokenSnapshot) NextPage(ctx context.Context) ([]models.RawActivityRecord, error) {
	b.calls++
	if b.calls > 1 {
		return nil, &models.TransientSourceError{Source: models.PlatformAudible, Err: errors.New("connection reset")}
	}
	return b.StaticSnapshot.NextPage(ctx)
}

func TestTruncatedSourceKeepsReadPages(t *testing.T) {
	h := newHarness(t)
	h.sources["audible.tsv"] = func() (source.Snapshot, error) {
		return &brokenSnapshot{StaticSnapshot: source.NewStaticSnapshot(models.PlatformAudible, takenAt, 1, []models.RawActivityRecord{
			audible("Piranesi", "Susanna Clarke", 30),
			audible("Circe", "Madeline Miller", 60),
		})}, nil
	}
	profile := config.ProfileConfig{Name: "alice", Sources: []config.SourceConfig{{Type: "audible", Path: "audible.tsv"}}}

	s, err := h.runner().Run(context.Background(), profile, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Records)
	require.Len(t, s.SourceIssues, 1)
	assert.True(t, s.SourceIssues[0].Truncated)
}

func TestCorruptStateIsFatal(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "alice"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice", "state.json"), []byte("{oops"), 0644))
	store, err := state.NewFileStore(dir)
	require.NoError(t, err)
	h.store = store

	profile := config.ProfileConfig{Name: "alice", Sources: []config.SourceConfig{
		h.addSource("goodreads.json", models.PlatformGoodreads, goodreads("Dune", "Frank Herbert", "2024-01-10")),
	}}
	s, err := h.runner().Run(context.Background(), profile, Options{Apply: true})
	require.Error(t, err)
	assert.True(t, models.IsStateCorruption(err))
	assert.False(t, s.OK())
	h.dest("alice").AssertNotCalled(t, "CreateRead", mock.Anything)
}
