package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/config"
	"github.com/drallgood/reading-activity-sync/internal/destination"
	"github.com/drallgood/reading-activity-sync/internal/logger"
	"github.com/drallgood/reading-activity-sync/internal/models"
	"github.com/drallgood/reading-activity-sync/internal/state"
)

// Failure is a book whose write did not go through. Its state is untouched,
// so the next run plans it again.
type Failure struct {
	BookKey  string        `json:"book_key"`
	Title    string        `json:"title"`
	Kind     models.OpKind `json:"kind"`
	Reason   string        `json:"reason"`
	Attempts int           `json:"attempts"`
}

// Result counts the outcome of a plan
type Result struct {
	Created     int            `json:"created"`
	Updated     int            `json:"updated"`
	Seeded      int            `json:"seeded"`
	Skipped     int            `json:"skipped"`
	Failed      int            `json:"failed"`
	SkipReasons map[string]int `json:"skip_reasons,omitempty"`
	Failures    []Failure      `json:"failures,omitempty"`
}

func newResult() Result {
	return Result{SkipReasons: make(map[string]int)}
}

func (r *Result) skip(reason string) {
	r.Skipped++
	r.SkipReasons[reason]++
}

func (r *Result) fail(op models.WriteOp, attempts int, err error) {
	r.Failed++
	r.Failures = append(r.Failures, Failure{
		BookKey:  op.BookKey,
		Title:    op.Book.Title,
		Kind:     op.Kind,
		Reason:   err.Error(),
		Attempts: attempts,
	})
}

// Applier executes a plan: every destination write is confirmed before the
// matching state entry is committed, one op at a time
type Applier struct {
	Destination  destination.Destination
	Store        state.Store
	Retry        config.RetryConfig
	WriteTimeout time.Duration
	Logger       *logger.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewApplier builds an Applier with the configured retry policy
func NewApplier(dest destination.Destination, store state.Store, cfg *config.Config, log *logger.Logger) *Applier {
	return &Applier{
		Destination:  dest,
		Store:        store,
		Retry:        cfg.Retry,
		WriteTimeout: cfg.Sync.WriteTimeout,
		Logger:       log,
	}
}

// Apply runs the plan in order. Per-book failures end up in the Result; the
// returned error is fatal for the profile (rejected credentials, a state
// write that failed after a confirmed destination write, or cancellation).
func (a *Applier) Apply(ctx context.Context, plan models.WritePlan) (Result, error) {
	log := a.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.ForProfile(plan.Profile.Name)

	res := newResult()
	for i, op := range plan.Ops {
		if err := ctx.Err(); err != nil {
			log.Warn("Run cancelled, remaining ops not applied", map[string]interface{}{
				"remaining": len(plan.Ops) - i,
			})
			return res, fmt.Errorf("run cancelled: %w", err)
		}

		opLog := log.With(map[string]interface{}{
			"book_key": op.BookKey,
			"action":   string(op.Kind),
		})

		if op.Kind != models.OpSkip {
			applied, err := a.alreadyApplied(ctx, plan.Profile, op)
			if err != nil {
				return res, err
			}
			if applied {
				res.skip(models.ReasonNoMaterialChange)
				opLog.Debug("State already reflects op, skipped")
				continue
			}
		}

		switch op.Kind {
		case models.OpSkip:
			res.skip(op.Reason)
			opLog.Debug("Skipped", map[string]interface{}{"reason": op.Reason})
			continue

		case models.OpSeedMark:
			if err := a.commit(ctx, plan.Profile, op); err != nil {
				return res, err
			}
			res.Seeded++
			opLog.Info("Seed-marked", map[string]interface{}{"finish_date": models.FormatDate(op.FinishDate)})
			continue

		case models.OpCreateRead, models.OpUpdateProgress:
		default:
			res.fail(op, 0, fmt.Errorf("unknown op kind %q", op.Kind))
			continue
		}

		attempts, err := a.write(ctx, op, opLog)
		if err != nil {
			if models.IsAuthentication(err) {
				opLog.Error("Destination rejected credentials", map[string]interface{}{"error": err.Error()})
				return res, err
			}
			if ctx.Err() != nil {
				return res, fmt.Errorf("run cancelled: %w", ctx.Err())
			}
			res.fail(op, attempts, err)
			opLog.Warn("Write failed, state left unchanged", map[string]interface{}{
				"error":    err.Error(),
				"attempts": attempts,
			})
			continue
		}

		// write confirmed: commit before touching the next book
		if err := a.commit(ctx, plan.Profile, op); err != nil {
			opLog.Error("Write confirmed but state commit failed", map[string]interface{}{"error": err.Error()})
			return res, err
		}
		if op.Kind == models.OpCreateRead {
			res.Created++
			opLog.Info("Created read", map[string]interface{}{
				"title":       op.Book.Title,
				"start_date":  models.FormatDate(op.StartDate),
				"finish_date": models.FormatDate(op.FinishDate),
			})
		} else {
			res.Updated++
			opLog.Info("Updated progress", map[string]interface{}{
				"title":    op.Book.Title,
				"progress": op.Fraction,
			})
		}
	}
	return res, nil
}

// alreadyApplied reports whether the stored entry already covers op, so a plan
// applied a second time makes no further destination writes
func (a *Applier) alreadyApplied(ctx context.Context, profile models.Profile, op models.WriteOp) (bool, error) {
	entry, ok, err := a.Store.Get(ctx, profile, op.BookKey)
	if err != nil {
		return false, fmt.Errorf("read state for %s: %w", op.BookKey, err)
	}
	if !ok {
		return false, nil
	}
	switch {
	case entry.Seeded:
		return true, nil
	case op.Kind == models.OpCreateRead:
		return entry.Status == models.StatusFinished, nil
	case op.Kind == models.OpUpdateProgress:
		return entry.Status == models.StatusFinished || entry.Progress >= op.Fraction, nil
	default:
		return false, nil
	}
}

// write performs one destination write with the retry policy. Transient
// errors and per-attempt timeouts are retried; anything else returns at once.
func (a *Applier) write(ctx context.Context, op models.WriteOp, log *logger.Logger) (int, error) {
	maxAttempts := max(a.Retry.MaxAttempts, 1)
	backoff := a.Retry.InitialBackoff

	for attempt := 1; ; attempt++ {
		err := a.attempt(ctx, op)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil || !models.IsTransientDestination(err) {
			return attempt, err
		}
		if attempt >= maxAttempts {
			return attempt, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		log.Warn("Transient destination error, retrying", map[string]interface{}{
			"attempt": attempt,
			"backoff": backoff.String(),
			"error":   err.Error(),
		})
		if err := a.wait(ctx, backoff); err != nil {
			return attempt, err
		}
		backoff *= 2
		if a.Retry.MaxBackoff > 0 && backoff > a.Retry.MaxBackoff {
			backoff = a.Retry.MaxBackoff
		}
	}
}

func (a *Applier) attempt(ctx context.Context, op models.WriteOp) error {
	opCtx := ctx
	if a.WriteTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, a.WriteTimeout)
		defer cancel()
	}

	var err error
	if op.Kind == models.OpCreateRead {
		err = a.Destination.CreateRead(opCtx, op)
	} else {
		err = a.Destination.UpdateProgress(opCtx, op)
	}

	if err != nil && ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) && !models.IsTransientDestination(err) {
		err = &models.TransientDestinationError{Err: fmt.Errorf("write timed out after %s: %w", a.WriteTimeout, err)}
	}
	return err
}

func (a *Applier) wait(ctx context.Context, d time.Duration) error {
	if a.sleep != nil {
		return a.sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *Applier) timeNow() time.Time {
	if a.now != nil {
		return a.now().UTC()
	}
	return time.Now().UTC()
}

// commit persists the state implied by a confirmed op
func (a *Applier) commit(ctx context.Context, profile models.Profile, op models.WriteOp) error {
	// the commit outlives a cancelled run so a confirmed write is never forgotten
	ctx = context.WithoutCancel(ctx)

	prev, _, err := a.Store.Get(ctx, profile, op.BookKey)
	if err != nil {
		return fmt.Errorf("read state for %s: %w", op.BookKey, err)
	}

	next := committedState(op, prev, a.timeNow())
	if err := a.Store.Upsert(state.WithAuditReason(ctx, string(op.Kind)), profile, op.BookKey, next); err != nil {
		return fmt.Errorf("commit state for %s: %w", op.BookKey, err)
	}
	return nil
}

// committedState is the entry stored after op succeeded; prev is the zero
// value when the book had no entry
func committedState(op models.WriteOp, prev models.SyncState, now time.Time) models.SyncState {
	rec := op.Record
	switch op.Kind {
	case models.OpCreateRead:
		start := op.StartDate
		if start == nil {
			start = prev.StartDate
		}
		return models.SyncState{
			Status:      models.StatusFinished,
			Progress:    1,
			StartDate:   start,
			FinishDate:  op.FinishDate,
			LastWriteAt: now,
			Source:      rec.Source,
		}
	case models.OpUpdateProgress:
		start := rec.StartDate
		if start == nil {
			start = prev.StartDate
		}
		return models.SyncState{
			Status:      models.StatusInProgress,
			Progress:    max(prev.Progress, op.Fraction),
			StartDate:   start,
			LastWriteAt: now,
			Source:      rec.Source,
		}
	default:
		status := rec.Status
		if !status.Valid() {
			status = models.StatusFinished
		}
		progress := rec.Progress
		if status == models.StatusFinished {
			progress = 1
		}
		return models.SyncState{
			Status:      status,
			Progress:    progress,
			StartDate:   rec.StartDate,
			FinishDate:  op.FinishDate,
			LastWriteAt: now,
			Source:      rec.Source,
			Seeded:      true,
		}
	}
}
