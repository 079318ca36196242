// Package reconcile diffs a batch of normalized records against stored sync
// state and decides, per book key, what the destination needs. It never talks
// to the destination and never writes state, so a dry run is an exact preview.
package reconcile

import (
	"cmp"
	"slices"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

// DefaultEpsilon is the minimum progress gain worth a destination write
const DefaultEpsilon = 0.05

// Options controls one reconciliation
type Options struct {
	Mode models.Mode
	// SeedBefore limits seed marks to books finished strictly before this date.
	// Nil in seed mode seeds every finished book without stored state.
	SeedBefore *time.Time
	Epsilon    float64
}

// Reconcile returns one op per distinct book key in batch, sorted by book key.
// The result depends only on the set of records, not on their order.
func Reconcile(profile models.Profile, batch []models.NormalizedActivityRecord, current map[string]models.SyncState, opts Options) models.WritePlan {
	if opts.Mode == "" {
		opts.Mode = models.ModeNormal
	}
	if opts.Epsilon < 0 {
		opts.Epsilon = 0
	}

	winners := Dedup(batch)
	keys := make([]string, 0, len(winners))
	for key := range winners {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	plan := models.WritePlan{
		Profile:    profile,
		Mode:       opts.Mode,
		SeedBefore: opts.SeedBefore,
		Ops:        make([]models.WriteOp, 0, len(keys)),
	}
	for _, key := range keys {
		rec := winners[key]
		entry, ok := current[key]
		var op models.WriteOp
		if ok {
			op = decideExisting(profile, rec, entry, opts)
		} else {
			op = decideNew(profile, rec, opts)
		}
		// a seed run only records history; everything else waits for a normal run
		if opts.Mode == models.ModeSeed && op.IsWrite() {
			op = models.NewSkip(profile, rec, models.ReasonSeedRunOnly)
		}
		plan.Ops = append(plan.Ops, op)
	}
	return plan
}

func decideNew(profile models.Profile, rec models.NormalizedActivityRecord, opts Options) models.WriteOp {
	if rec.Status == models.StatusFinished {
		finish := rec.EffectiveFinishDate()
		if shouldSeed(finish, opts) {
			return models.NewSeedMark(profile, rec, finish)
		}
		return models.NewCreateRead(profile, rec, rec.StartDate, &finish)
	}
	if !rec.Source.TracksProgress() {
		return models.NewSkip(profile, rec, models.ReasonNotFinishedNotSeeded)
	}
	return progressOp(profile, rec, 0, opts.Epsilon)
}

func decideExisting(profile models.Profile, rec models.NormalizedActivityRecord, entry models.SyncState, opts Options) models.WriteOp {
	switch {
	case entry.Seeded:
		return models.NewSkip(profile, rec, models.ReasonSeeded)
	case entry.Status == models.StatusFinished && rec.Status != models.StatusFinished:
		return models.NewSkip(profile, rec, models.ReasonNoRegression)
	case entry.Status == models.StatusFinished:
		return models.NewSkip(profile, rec, models.ReasonNoMaterialChange)
	case rec.Status == models.StatusFinished:
		finish := rec.EffectiveFinishDate()
		return models.NewCreateRead(profile, rec, rec.StartDate, &finish)
	}
	return progressOp(profile, rec, entry.Progress, opts.Epsilon)
}

func progressOp(profile models.Profile, rec models.NormalizedActivityRecord, stored, epsilon float64) models.WriteOp {
	if rec.Progress-stored > epsilon {
		return models.NewUpdateProgress(profile, rec, rec.Progress)
	}
	return models.NewSkip(profile, rec, models.ReasonNoMaterialChange)
}

func shouldSeed(finish time.Time, opts Options) bool {
	if opts.Mode != models.ModeSeed {
		return false
	}
	if opts.SeedBefore == nil {
		return true
	}
	return finish.Before(models.TruncateToDate(*opts.SeedBefore))
}

// Dedup keeps one record per book key. The most recent snapshot wins; ties go
// to the later lifecycle status, then the higher progress, then a fixed order
// over the remaining fields so the choice never depends on batch order.
func Dedup(batch []models.NormalizedActivityRecord) map[string]models.NormalizedActivityRecord {
	out := make(map[string]models.NormalizedActivityRecord, len(batch))
	for _, rec := range batch {
		if rec.BookKey == "" {
			continue
		}
		prev, ok := out[rec.BookKey]
		if !ok || compare(rec, prev) > 0 {
			out[rec.BookKey] = rec
		}
	}
	return out
}

// compare orders two records for the same key; the greater one wins
func compare(a, b models.NormalizedActivityRecord) int {
	if c := a.SnapshotAt.Compare(b.SnapshotAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Status.Rank(), b.Status.Rank()); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Progress, b.Progress); c != 0 {
		return c
	}
	// lower source tag wins
	if c := cmp.Compare(b.Source, a.Source); c != 0 {
		return c
	}
	if c := compareDates(a.FinishDate, b.FinishDate); c != 0 {
		return c
	}
	if c := compareDates(a.StartDate, b.StartDate); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Title, a.Title); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Author, a.Author); c != 0 {
		return c
	}
	return cmp.Compare(b.ISBN, a.ISBN)
}

// compareDates treats a present date as greater than a missing one
func compareDates(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return a.Compare(*b)
	}
}
