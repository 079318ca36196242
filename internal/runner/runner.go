// Package runner orchestrates sync runs: one profile at a time is snapshot,
// normalized, reconciled and then previewed or applied, and several profiles
// may run side by side.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/drallgood/reading-activity-sync/internal/config"
	"github.com/drallgood/reading-activity-sync/internal/destination"
	"github.com/drallgood/reading-activity-sync/internal/logger"
	"github.com/drallgood/reading-activity-sync/internal/models"
	"github.com/drallgood/reading-activity-sync/internal/normalize"
	"github.com/drallgood/reading-activity-sync/internal/planner"
	"github.com/drallgood/reading-activity-sync/internal/profilelock"
	"github.com/drallgood/reading-activity-sync/internal/reconcile"
	"github.com/drallgood/reading-activity-sync/internal/source"
	"github.com/drallgood/reading-activity-sync/internal/state"
	"github.com/drallgood/reading-activity-sync/internal/util"
)

// ErrNoSnapshot is fatal: none of a profile's sources could be opened
var ErrNoSnapshot = errors.New("no source snapshot could be acquired")

// SourceOpener opens one configured source
type SourceOpener func(ctx context.Context, cfg config.SourceConfig) (source.Snapshot, error)

// DestinationFactory builds the destination client for one profile
type DestinationFactory func(profile config.ProfileConfig) destination.Destination

// Options are the per-invocation run parameters
type Options struct {
	// Apply performs writes; without it the run is a dry run
	Apply bool
	// SeedBefore switches to seed mode for books finished before this date
	SeedBefore *time.Time
	// Output receives the dry-run plan
	Output io.Writer
}

func (o Options) mode() string {
	if o.Apply {
		return ModeApply
	}
	return ModeDryRun
}

// Runner runs profiles against one state store
type Runner struct {
	cfg            *config.Config
	store          state.Store
	log            *logger.Logger
	openSource     SourceOpener
	newDestination DestinationFactory
	now            func() time.Time

	outMu sync.Mutex
}

// Option customizes a Runner
type Option func(*Runner)

// WithSourceOpener replaces how sources are opened
func WithSourceOpener(open SourceOpener) Option {
	return func(r *Runner) { r.openSource = open }
}

// WithDestinationFactory replaces how destination clients are built
func WithDestinationFactory(f DestinationFactory) Option {
	return func(r *Runner) { r.newDestination = f }
}

// New creates a Runner. By default sources come from source.Open and every
// profile writes through a GraphQL client sharing one rate limiter.
func New(cfg *config.Config, store state.Store, log *logger.Logger, opts ...Option) *Runner {
	if log == nil {
		log = logger.Get()
	}
	r := &Runner{cfg: cfg, store: store, log: log, now: time.Now}

	httpClient := &http.Client{Timeout: cfg.Destination.Timeout}
	r.openSource = func(ctx context.Context, src config.SourceConfig) (source.Snapshot, error) {
		return source.Open(ctx, src, source.Options{
			PageSize:   cfg.Sync.PageSize,
			HTTPClient: httpClient,
			Logger:     log,
		})
	}

	limiter := util.NewRateLimiter(cfg.Destination.RateLimit, cfg.Destination.Burst, log)
	r.newDestination = func(p config.ProfileConfig) destination.Destination {
		return destination.NewGraphQLClient(destination.GraphQLConfig{
			URL:         cfg.Destination.URL,
			Token:       p.DestinationToken,
			RateLimiter: limiter,
			CacheTTL:    cfg.Destination.CacheTTL,
			HTTPClient:  httpClient,
			Logger:      log.ForProfile(p.Name),
		})
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunAll runs every profile, at most sync.max_concurrent_profiles at a time.
// A fatal error in one profile never stops the others; summaries come back
// in the order of profiles.
func (r *Runner) RunAll(ctx context.Context, profiles []config.ProfileConfig, opts Options) []Summary {
	summaries := make([]Summary, len(profiles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.Sync.MaxConcurrentProfiles, 1))
	for i, p := range profiles {
		g.Go(func() error {
			summaries[i], _ = r.Run(gctx, p, opts)
			return nil
		})
	}
	_ = g.Wait()
	return summaries
}

// Run performs one profile's run. The returned error is the profile's fatal
// error, also recorded in the summary.
func (r *Runner) Run(ctx context.Context, pc config.ProfileConfig, opts Options) (Summary, error) {
	profile := pc.Profile()
	s := Summary{
		RunID:     uuid.NewString(),
		Profile:   profile.Name,
		Mode:      opts.mode(),
		StartedAt: r.now().UTC(),
		Result:    planner.Result{SkipReasons: map[string]int{}},
	}
	if opts.SeedBefore != nil {
		s.SeedBefore = models.FormatDate(opts.SeedBefore)
	}

	log := r.log.ForProfile(profile.Name).With(map[string]interface{}{"run_id": s.RunID})
	log.Info("RUN START", map[string]interface{}{
		"mode":        s.Mode,
		"seed_before": s.SeedBefore,
		"sources":     len(pc.Sources),
	})

	err := r.run(logger.NewContext(ctx, log), pc, opts, &s, log)

	s.FinishedAt = r.now().UTC()
	s.Duration = s.FinishedAt.Sub(s.StartedAt)
	if err != nil {
		s.Err = err
		s.Fatal = err.Error()
		log.Error("Profile run failed", map[string]interface{}{"error": err.Error()})
	}
	log.Info("RUN END", s.logFields())
	return s, err
}

func (r *Runner) run(ctx context.Context, pc config.ProfileConfig, opts Options, s *Summary, log *logger.Logger) error {
	profile := pc.Profile()
	if err := profile.Validate(); err != nil {
		return err
	}

	lock, err := profilelock.Acquire(r.cfg.Sync.LockDir, profile)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("Failed to release profile lock", map[string]interface{}{"error": err.Error()})
		}
	}()

	batch, err := r.collect(ctx, pc, s, log)
	if err != nil {
		return err
	}
	s.Records = len(batch)

	current, err := r.store.SnapshotAll(ctx, profile)
	if err != nil {
		return err
	}

	mode := models.ModeNormal
	if opts.SeedBefore != nil {
		mode = models.ModeSeed
	}
	plan := reconcile.Reconcile(profile, batch, current, reconcile.Options{
		Mode:       mode,
		SeedBefore: opts.SeedBefore,
		Epsilon:    r.cfg.Sync.ProgressEpsilon,
	})
	log.Debug("Plan ready", map[string]interface{}{
		"ops":    len(plan.Ops),
		"writes": plan.Writes(),
	})

	if !opts.Apply {
		s.Result = planner.Tally(plan)
		return r.render(opts.Output, plan)
	}

	applier := planner.NewApplier(r.newDestination(pc), r.store, r.cfg, log)
	res, err := applier.Apply(ctx, plan)
	s.Result = res
	return err
}

// collect reads every source of the profile into one batch. A source that
// fails to open or breaks mid-way is reported and skipped; the run is fatal
// only on rejected credentials or when no source could be opened at all.
func (r *Runner) collect(ctx context.Context, pc config.ProfileConfig, s *Summary, log *logger.Logger) ([]models.NormalizedActivityRecord, error) {
	profile := pc.Profile()
	var batch []models.NormalizedActivityRecord
	opened := 0

	for _, src := range pc.Sources {
		platform, _ := src.Platform()
		srcLog := log.With(map[string]interface{}{"source": string(platform)})

		records, issue, err := r.readSource(ctx, profile, src, s, srcLog)
		if err != nil {
			return nil, err
		}
		if issue != nil {
			s.SourceIssues = append(s.SourceIssues, *issue)
			srcLog.Warn("Source incomplete", map[string]interface{}{
				"reason":    issue.Reason,
				"truncated": issue.Truncated,
			})
			if !issue.Truncated {
				continue
			}
		}
		opened++
		batch = append(batch, records...)
		srcLog.Info("Source read", map[string]interface{}{"records": len(records)})
	}

	if opened == 0 && len(pc.Sources) > 0 {
		return nil, ErrNoSnapshot
	}
	return batch, nil
}

func (r *Runner) readSource(ctx context.Context, profile models.Profile, src config.SourceConfig, s *Summary, log *logger.Logger) ([]models.NormalizedActivityRecord, *SourceIssue, error) {
	platform, _ := src.Platform()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Sync.SnapshotTimeout)
	defer cancel()

	snap, err := r.openSource(ctx, src)
	if err != nil {
		if models.IsAuthentication(err) {
			return nil, nil, err
		}
		return nil, &SourceIssue{Source: platform, Path: src.Path, Reason: err.Error()}, nil
	}
	defer snap.Close()

	var records []models.NormalizedActivityRecord
	var issue *SourceIssue
	seen := 0
	outcomes := normalize.Normalize(ctx, profile, snap, normalize.Options{
		SnapshotAt: snap.TakenAt(),
		Logger:     log,
	})
	for out := range outcomes {
		switch {
		case out.Err != nil:
			if models.IsAuthentication(out.Err) {
				return nil, nil, out.Err
			}
			issue = &SourceIssue{Source: platform, Path: src.Path, Reason: out.Err.Error(), Truncated: seen > 0}
		case out.Skipped != nil:
			seen++
			s.NormalizationSkips = append(s.NormalizationSkips, SkippedBook{
				Source: platform,
				Title:  out.Skipped.Title,
				Reason: out.Skipped.Reason,
			})
		case out.Record != nil:
			seen++
			records = append(records, *out.Record)
		}
	}
	// the run itself was cancelled, not just this source
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, nil, fmt.Errorf("run cancelled: %w", err)
	}
	return records, issue, nil
}

// render writes a dry-run plan in one piece so concurrent profiles don't interleave
func (r *Runner) render(w io.Writer, plan models.WritePlan) error {
	if w == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := planner.Render(&buf, plan); err != nil {
		return err
	}
	buf.WriteString("\n")

	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, err := w.Write(buf.Bytes())
	return err
}
