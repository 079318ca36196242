package runner

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/models"
	"github.com/drallgood/reading-activity-sync/internal/planner"
)

// Run modes as they appear in summaries and logs
const (
	ModeDryRun = "dry-run"
	ModeApply  = "apply"
)

// SkippedBook is a record dropped during normalization
type SkippedBook struct {
	Source models.Platform `json:"source"`
	Title  string          `json:"title"`
	Reason string          `json:"reason"`
}

// SourceIssue is a source that could not be read completely
type SourceIssue struct {
	Source models.Platform `json:"source"`
	Path   string          `json:"path,omitempty"`
	Reason string          `json:"reason"`
	// Truncated is set when some pages were read before the failure
	Truncated bool `json:"truncated"`
}

// Summary describes one profile run
type Summary struct {
	RunID      string        `json:"run_id"`
	Profile    string        `json:"profile"`
	Mode       string        `json:"mode"`
	SeedBefore string        `json:"seed_before,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`

	Records int `json:"records"`
	planner.Result

	NormalizationSkips []SkippedBook `json:"normalization_skips,omitempty"`
	SourceIssues       []SourceIssue `json:"source_issues,omitempty"`

	// Fatal is the reason the profile stopped early, if it did
	Fatal string `json:"fatal,omitempty"`
	Err   error  `json:"-"`
}

// OK reports whether the run finished without a fatal error.
// Skips and per-book failures still count as success.
func (s Summary) OK() bool {
	return s.Err == nil
}

func (s Summary) logFields() map[string]interface{} {
	fields := map[string]interface{}{
		"run_id":              s.RunID,
		"mode":                s.Mode,
		"records":             s.Records,
		"created":             s.Created,
		"updated":             s.Updated,
		"seeded":              s.Seeded,
		"skipped":             s.Skipped,
		"failed":              s.Failed,
		"normalization_skips": len(s.NormalizationSkips),
		"duration":            s.Duration.String(),
	}
	if s.SeedBefore != "" {
		fields["seed_before"] = s.SeedBefore
	}
	if len(s.SkipReasons) > 0 {
		fields["skip_reasons"] = s.SkipReasons
	}
	if len(s.SourceIssues) > 0 {
		fields["source_issues"] = s.SourceIssues
	}
	if s.Fatal != "" {
		fields["fatal"] = s.Fatal
	}
	return fields
}

// ExitCode maps run results to the process exit status: 1 if any profile
// hit a fatal condition, 0 otherwise
func ExitCode(summaries []Summary) int {
	for _, s := range summaries {
		if !s.OK() {
			return 1
		}
	}
	return 0
}

// Report writes a human-readable block per summary: counts, skip reasons,
// per-book failures, skipped sources and normalization skips
func Report(w io.Writer, summaries []Summary) error {
	for _, s := range summaries {
		if err := s.report(w); err != nil {
			return err
		}
	}
	return nil
}

func (s Summary) report(w io.Writer) error {
	header := fmt.Sprintf("Profile %s (%s", s.Profile, s.Mode)
	if s.SeedBefore != "" {
		header += ", seed before " + s.SeedBefore
	}
	header += ")"

	lines := []string{
		header,
		fmt.Sprintf("  run %s finished in %s", s.RunID, s.Duration.Round(time.Millisecond)),
		fmt.Sprintf("  %d records: %d created, %d updated, %d seeded, %d skipped, %d failed",
			s.Records, s.Created, s.Updated, s.Seeded, s.Skipped, s.Failed),
	}
	for _, reason := range slices.Sorted(maps.Keys(s.SkipReasons)) {
		lines = append(lines, fmt.Sprintf("  skipped (%s): %d", reason, s.SkipReasons[reason]))
	}
	for _, f := range s.Failures {
		lines = append(lines, fmt.Sprintf("  failed %s %q after %d attempt(s): %s", f.Kind, f.Title, f.Attempts, f.Reason))
	}
	for _, issue := range s.SourceIssues {
		outcome := "skipped"
		if issue.Truncated {
			outcome = "truncated"
		}
		lines = append(lines, fmt.Sprintf("  source %s %s: %s", issue.Source, outcome, issue.Reason))
	}
	for _, skip := range s.NormalizationSkips {
		lines = append(lines, fmt.Sprintf("  ignored %s record %q: %s", skip.Source, skip.Title, skip.Reason))
	}
	if s.Fatal != "" {
		lines = append(lines, "  FATAL: "+s.Fatal)
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}
