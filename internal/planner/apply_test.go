package planner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/reading-activity-sync/internal/config"
	"github.com/drallgood/reading-activity-sync/internal/models"
	"github.com/drallgood/reading-activity-sync/internal/reconcile"
	"github.com/drallgood/reading-activity-sync/internal/state"
)

type mockDestination struct {
	mock.Mock
}

func (m *mockDestination) CreateRead(ctx context.Context, op models.WriteOp) error {
	return m.Called(ctx, op).Error(0)
}

func (m *mockDestination) UpdateProgress(ctx context.Context, op models.WriteOp) error {
	return m.Called(ctx, op).Error(0)
}

var (
	alice   = models.Profile{Name: "alice"}
	snapped = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	fixed   = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
)

func day(s string) *time.Time {
	d, _ := models.ParseDate(s)
	return &d
}

func dune() models.NormalizedActivityRecord {
	return models.NormalizedActivityRecord{
		BookKey:    "dune-herbert",
		Title:      "Dune",
		Author:     "Frank Herbert",
		Status:     models.StatusFinished,
		Progress:   1,
		FinishDate: day("2024-01-10"),
		Source:     models.PlatformGoodreads,
		SnapshotAt: snapped,
	}
}

func piranesi(p float64) models.NormalizedActivityRecord {
	return models.NormalizedActivityRecord{
		BookKey:    "piranesi-clarke",
		Title:      "Piranesi",
		Author:     "Susanna Clarke",
		Status:     models.StatusInProgress,
		Progress:   p,
		Source:     models.PlatformAudible,
		SnapshotAt: snapped,
	}
}

func newApplier(dest *mockDestination, store state.Store) *Applier {
	return &Applier{
		Destination:  dest,
		Store:        store,
		Retry:        config.RetryConfig{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 15 * time.Millisecond},
		WriteTimeout: time.Second,
		now:          func() time.Time { return fixed },
		sleep:        func(context.Context, time.Duration) error { return nil },
	}
}

func plan(t *testing.T, store state.Store, opts reconcile.Options, recs ...models.NormalizedActivityRecord) models.WritePlan {
	current, err := store.SnapshotAll(context.Background(), alice)
	require.NoError(t, err)
	if opts.Epsilon == 0 {
		opts.Epsilon = reconcile.DefaultEpsilon
	}
	return reconcile.Reconcile(alice, recs, current, opts)
}

func TestApplyCreateReadThenIdempotent(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	dest := &mockDestination{}
	dest.On("CreateRead", mock.Anything, mock.MatchedBy(func(op models.WriteOp) bool { return op.BookKey == "dune-herbert" })).Return(nil).Once()

	a := newApplier(dest, store)
	res, err := a.Apply(ctx, plan(t, store, reconcile.Options{}, dune()))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	got, ok, err := store.Get(ctx, alice, "dune-herbert")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusFinished, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, "2024-01-10", models.FormatDate(got.FinishDate))
	assert.Equal(t, fixed, got.LastWriteAt)

	// second run with the same data writes nothing
	res, err = a.Apply(ctx, plan(t, store, reconcile.Options{}, dune()))
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, 1, res.SkipReasons[models.ReasonNoMaterialChange])
	dest.AssertExpectations(t)

	trail, err := store.AuditTrail(ctx, alice)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, string(models.OpCreateRead), trail[0].Reason)
}

func TestApplySamePlanTwiceWritesOnce(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	dest := &mockDestination{}
	dest.On("CreateRead", mock.Anything, mock.Anything).Return(nil).Once()
	dest.On("UpdateProgress", mock.Anything, mock.Anything).Return(nil).Once()
	a := newApplier(dest, store)

	p := plan(t, store, reconcile.Options{}, dune(), piranesi(0.5))
	require.Equal(t, 2, p.Writes())

	res, err := a.Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Updated)

	res, err = a.Apply(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Zero(t, res.Updated)
	assert.Equal(t, 2, res.SkipReasons[models.ReasonNoMaterialChange])
	dest.AssertNumberOfCalls(t, "CreateRead", 1)
	dest.AssertNumberOfCalls(t, "UpdateProgress", 1)

	trail, err := store.AuditTrail(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestApplyCreateReadKeepsEarlierStartDate(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, alice, "dune-herbert", models.SyncState{
		Status:    models.StatusInProgress,
		Progress:  0.6,
		StartDate: day("2023-12-20"),
	}))

	dest := &mockDestination{}
	dest.On("CreateRead", mock.Anything, mock.Anything).Return(nil).Once()
	a := newApplier(dest, store)

	rec := dune()
	rec.StartDate = nil
	res, err := a.Apply(ctx, plan(t, store, reconcile.Options{}, rec))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	got, _, err := store.Get(ctx, alice, "dune-herbert")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, got.Status)
	assert.Equal(t, "2023-12-20", models.FormatDate(got.StartDate))
	assert.Equal(t, "2024-01-10", models.FormatDate(got.FinishDate))
}

func TestApplyProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, alice, "piranesi-clarke", models.SyncState{Status: models.StatusInProgress, Progress: 0.40}))

	dest := &mockDestination{}
	dest.On("UpdateProgress", mock.Anything, mock.Anything).Return(nil)
	a := newApplier(dest, store)

	res, err := a.Apply(ctx, plan(t, store, reconcile.Options{}, piranesi(0.41)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	dest.AssertNotCalled(t, "UpdateProgress", mock.Anything, mock.Anything)

	res, err = a.Apply(ctx, plan(t, store, reconcile.Options{}, piranesi(0.55)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, _, err := store.Get(ctx, alice, "piranesi-clarke")
	require.NoError(t, err)
	assert.Equal(t, 0.55, got.Progress)

	// a hand-built op with a lower fraction is neither written nor stored
	op := models.NewUpdateProgress(alice, piranesi(0.3), 0.3)
	res, err = a.Apply(ctx, models.WritePlan{Profile: alice, Ops: []models.WriteOp{op}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkipReasons[models.ReasonNoMaterialChange])
	dest.AssertNumberOfCalls(t, "UpdateProgress", 1)
	got, _, _ = store.Get(ctx, alice, "piranesi-clarke")
	assert.Equal(t, 0.55, got.Progress)
}

func TestApplySeedMarkNeverCallsDestination(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	dest := &mockDestination{}
	a := newApplier(dest, store)

	rec := dune()
	rec.FinishDate = day("2023-12-01")
	opts := reconcile.Options{Mode: models.ModeSeed, SeedBefore: day("2024-06-01")}

	res, err := a.Apply(ctx, plan(t, store, opts, rec))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Seeded)
	dest.AssertNotCalled(t, "CreateRead", mock.Anything, mock.Anything)

	got, ok, err := store.Get(ctx, alice, "dune-herbert")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Seeded)

	// later runs keep skipping it, even in normal mode with a newer finish
	rec.FinishDate = day("2025-01-01")
	res, err = a.Apply(ctx, plan(t, store, reconcile.Options{}, rec))
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkipReasons[models.ReasonSeeded])
	dest.AssertNotCalled(t, "CreateRead", mock.Anything, mock.Anything)
}

func TestApplyRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	dest := &mockDestination{}
	transient := &models.TransientDestinationError{StatusCode: 503, Err: errors.New("unavailable")}
	dest.On("CreateRead", mock.Anything, mock.Anything).Return(transient).Twice()
	dest.On("CreateRead", mock.Anything, mock.Anything).Return(nil).Once()

	a := newApplier(dest, store)
	var waits []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	res, err := a.Apply(ctx, plan(t, store, reconcile.Options{}, dune()))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}, waits, "backoff doubles up to the cap")
	dest.AssertNumberOfCalls(t, "CreateRead", 3)
}

func TestApplyExhaustedRetriesFailTheBookOnly(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	dest := &mockDestination{}
	transient := &models.TransientDestinationError{Err: errors.New("connection reset")}
	dest.On("CreateRead", mock.Anything, mock.Anything).Return(transient)
	dest.On("UpdateProgress", mock.Anything, mock.Anything).Return(nil)

	a := newApplier(dest, store)
	res, err := a.Apply(ctx, plan(t, store, reconcile.Options{}, dune(), piranesi(0.5)))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Updated, "the next book still runs")
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "dune-herbert", res.Failures[0].BookKey)
	assert.Equal(t, 3, res.Failures[0].Attempts)
	assert.Contains(t, res.Failures[0].Reason, "connection reset")

	_, ok, err := store.Get(ctx, alice, "dune-herbert")
	require.NoError(t, err)
	assert.False(t, ok, "failed writes leave state untouched")
}

func TestApplyPermanentErrorIsNotRetried(t *testing.T) {
	store := state.NewMemoryStore()
	dest := &mockDestination{}
	dest.On("CreateRead", mock.Anything, mock.Anything).Return(errors.New("book not found at destination")).Once()

	res, err := newApplier(dest, store).Apply(context.Background(), plan(t, store, reconcile.Options{}, dune()))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Failures[0].Attempts)
	dest.AssertExpectations(t)
}

func TestApplyAuthenticationIsFatal(t *testing.T) {
	store := state.NewMemoryStore()
	dest := &mockDestination{}
	dest.On("CreateRead", mock.Anything, mock.Anything).Return(&models.AuthenticationError{Service: "destination", Err: errors.New("401")})

	res, err := newApplier(dest, store).Apply(context.Background(), plan(t, store, reconcile.Options{}, dune(), piranesi(0.5)))
	require.Error(t, err)
	assert.True(t, models.IsAuthentication(err))
	assert.Zero(t, res.Updated, "the plan stops at the fatal op")
	dest.AssertNotCalled(t, "UpdateProgress", mock.Anything, mock.Anything)
}

func TestApplyTimeoutIsRetried(t *testing.T) {
	store := state.NewMemoryStore()
	dest := &mockDestination{}
	dest.On("CreateRead", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.DeadlineExceeded).Once()
	dest.On("CreateRead", mock.Anything, mock.Anything).Return(nil).Once()

	a := newApplier(dest, store)
	a.WriteTimeout = 20 * time.Millisecond

	res, err := a.Apply(context.Background(), plan(t, store, reconcile.Options{}, dune()))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	dest.AssertExpectations(t)
}

type failingStore struct {
	*state.MemoryStore
}

func (failingStore) Upsert(context.Context, models.Profile, string, models.SyncState) error {
	return errors.New("disk full")
}

func TestApplyCommitFailureIsFatal(t *testing.T) {
	store := failingStore{state.NewMemoryStore()}
	dest := &mockDestination{}
	dest.On("CreateRead", mock.Anything, mock.Anything).Return(nil)

	_, err := newApplier(dest, store).Apply(context.Background(), plan(t, store, reconcile.Options{}, dune(), piranesi(0.5)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	dest.AssertNotCalled(t, "UpdateProgress", mock.Anything, mock.Anything)
}

func TestApplyStopsOnCancellation(t *testing.T) {
	store := state.NewMemoryStore()
	dest := &mockDestination{}
	ctx, cancel := context.WithCancel(context.Background())
	dest.On("CreateRead", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(nil)

	res, err := newApplier(dest, store).Apply(ctx, plan(t, store, reconcile.Options{}, dune(), piranesi(0.5)))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Created)

	// the confirmed write was committed before stopping
	_, ok, err := store.Get(context.Background(), alice, "dune-herbert")
	require.NoError(t, err)
	assert.True(t, ok)
	dest.AssertNotCalled(t, "UpdateProgress", mock.Anything, mock.Anything)
}

func TestRenderIsSideEffectFree(t *testing.T) {
	store := state.NewMemoryStore()
	p := plan(t, store, reconcile.Options{}, dune(), piranesi(0.5), piranesi(0.5))

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, p))

	out := buf.String()
	assert.Contains(t, out, "Plan for profile alice (normal, dry run)")
	assert.Contains(t, out, "dune-herbert")
	assert.Contains(t, out, "create_read")
	assert.Contains(t, out, "progress=50%")
	assert.Contains(t, out, "1 to create, 1 to update, 0 to seed, 0 skipped")

	all, err := store.SnapshotAll(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTally(t *testing.T) {
	p := models.WritePlan{Profile: alice, Ops: []models.WriteOp{
		models.NewSkip(alice, dune(), models.ReasonSeeded),
		models.NewSkip(alice, piranesi(0.1), models.ReasonNoMaterialChange),
		models.NewSeedMark(alice, dune(), *day("2023-01-01")),
	}}
	r := Tally(p)
	assert.Equal(t, 2, r.Skipped)
	assert.Equal(t, 1, r.Seeded)
	assert.Equal(t, map[string]int{models.ReasonSeeded: 1, models.ReasonNoMaterialChange: 1}, r.SkipReasons)
}
