// Package planner turns a reconciled WritePlan into either a readable preview
// or destination writes followed by state commits.
package planner

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

// Render writes the plan as a table followed by per-action counts.
// It has no side effects beyond writing to w.
func Render(w io.Writer, plan models.WritePlan) error {
	mode := "normal"
	if plan.Mode == models.ModeSeed {
		mode = "seed"
		if plan.SeedBefore != nil {
			mode += " before " + models.FormatDate(plan.SeedBefore)
		}
	}
	if _, err := fmt.Fprintf(w, "Plan for profile %s (%s, dry run)\n\n", plan.Profile.Name, mode); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BOOK KEY\tACTION\tTITLE\tDETAIL")
	for _, op := range plan.Ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", op.BookKey, op.Kind, truncate(op.Book.Title, 40), op.Detail())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	t := Tally(plan)
	_, err := fmt.Fprintf(w, "\n%d to create, %d to update, %d to seed, %d skipped\n", t.Created, t.Updated, t.Seeded, t.Skipped)
	if err != nil {
		return err
	}
	for _, reason := range slices.Sorted(maps.Keys(t.SkipReasons)) {
		if _, err := fmt.Fprintf(w, "  skipped (%s): %d\n", reason, t.SkipReasons[reason]); err != nil {
			return err
		}
	}
	return nil
}

// Tally counts what the plan would do without doing it
func Tally(plan models.WritePlan) Result {
	r := newResult()
	for _, op := range plan.Ops {
		switch op.Kind {
		case models.OpCreateRead:
			r.Created++
		case models.OpUpdateProgress:
			r.Updated++
		case models.OpSeedMark:
			r.Seeded++
		case models.OpSkip:
			r.skip(op.Reason)
		}
	}
	return r
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
