package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/drallgood/reading-activity-sync/internal/config"
	"github.com/drallgood/reading-activity-sync/internal/logger"
	"github.com/drallgood/reading-activity-sync/internal/models"
	"github.com/drallgood/reading-activity-sync/internal/profilelock"
	"github.com/drallgood/reading-activity-sync/internal/runner"
	"github.com/drallgood/reading-activity-sync/internal/state"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

// run builds the app, runs it against args and maps the outcome to an exit code
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logger.Close()

	err := newApp(stdout, stderr).RunContext(ctx, args)
	if err == nil {
		return exitOK
	}

	code := exitUsage
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	if msg := err.Error(); msg != "" {
		fmt.Fprintln(stderr, "Error:", msg)
	}
	return code
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "reading-sync",
		Usage:     "Reconcile reading activity from several platforms into one tracker",
		Version:   fmt.Sprintf("%s (%s) %s", version, commit, date),
		Writer:    stdout,
		ErrWriter: stderr,
		// run maps errors to exit codes, so the app must never call os.Exit itself
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{config.EnvPrefix + "CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override logging.level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Override logging.format (json, console)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "Plan (and with --apply, perform) the sync for one or more profiles",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "profile",
						Aliases: []string{"p"},
						Usage:   "Profile to run; repeat for several (default: all configured profiles)",
					},
					&cli.BoolFlag{
						Name:  "apply",
						Usage: "Write to the destination; without it the run is a dry run",
					},
					&cli.StringFlag{
						Name:  "seed-before",
						Usage: "Seed books finished before `DATE` (YYYY-MM-DD) instead of writing them",
					},
				},
				Action: syncAction,
			},
			{
				Name:  "reset",
				Usage: "Return one book's state entry to unstarted so the next run plans it again",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "profile", Aliases: []string{"p"}, Required: true},
					&cli.StringFlag{Name: "book", Usage: "Book `KEY` as shown by the state command", Required: true},
					&cli.BoolFlag{Name: "apply", Usage: "Perform the reset; without it only the current entry is shown"},
				},
				Action: resetAction,
			},
			{
				Name:  "state",
				Usage: "Print the stored sync state of a profile",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "profile", Aliases: []string{"p"}, Required: true},
					&cli.BoolFlag{Name: "audit", Usage: "Print the audit trail instead of the current entries"},
				},
				Action: stateAction,
			},
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(c *cli.Context) error {
					_, err := fmt.Fprintf(c.App.Writer, "reading-sync %s\n", c.App.Version)
					return err
				},
			},
		},
	}
}

// setup loads the configuration and installs the global logger. Logs go to
// the app's error writer so stdout carries only plans and reports.
func setup(c *cli.Context) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitUsage)
	}
	if level := c.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := c.String("log-format"); format != "" {
		cfg.Logging.Format = format
	}

	logger.ForceSetup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     c.App.ErrWriter,
		TimeFormat: time.RFC3339,
		File:       cfg.Logging.File,
	})
	return cfg, logger.Get(), nil
}

func openStore(cfg *config.Config, log *logger.Logger) (state.Store, error) {
	store, err := state.Open(cfg, log)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("failed to open state store: %v", err), exitFatal)
	}
	return store, nil
}

func selectProfile(cfg *config.Config, name string) (config.ProfileConfig, error) {
	profiles, err := cfg.SelectProfiles([]string{name})
	if err != nil {
		return config.ProfileConfig{}, cli.Exit(err.Error(), exitUsage)
	}
	return profiles[0], nil
}

func syncAction(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}

	profiles, err := cfg.SelectProfiles(c.StringSlice("profile"))
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	opts := runner.Options{Apply: c.Bool("apply"), Output: c.App.Writer}
	if raw := c.String("seed-before"); raw != "" {
		seedBefore, err := models.ParseDate(raw)
		if err != nil {
			return cli.Exit(fmt.Sprintf("--seed-before: %v", err), exitUsage)
		}
		opts.SeedBefore = &seedBefore
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	summaries := runner.New(cfg, store, log).RunAll(c.Context, profiles, opts)
	if err := runner.Report(c.App.Writer, summaries); err != nil {
		return cli.Exit(fmt.Sprintf("failed to write summary: %v", err), exitFatal)
	}
	if code := runner.ExitCode(summaries); code != exitOK {
		return cli.Exit("", code)
	}
	return nil
}

func resetAction(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	pc, err := selectProfile(cfg, c.String("profile"))
	if err != nil {
		return err
	}
	profile := pc.Profile()
	bookKey := c.String("book")

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	current, ok, err := store.Get(c.Context, profile, bookKey)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	if !ok {
		return cli.Exit(fmt.Sprintf("%v: %s", state.ErrNotFound, bookKey), exitFatal)
	}

	w := c.App.Writer
	if !c.Bool("apply") {
		fmt.Fprintf(w, "Would reset %s in profile %s (currently %s, %.0f%%, seeded=%t). Re-run with --apply.\n",
			bookKey, profile.Name, current.Status, current.Progress*100, current.Seeded)
		return nil
	}

	// a sync must not commit over the reset halfway through
	lock, err := profilelock.Acquire(cfg.Sync.LockDir, profile)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	defer lock.Release()

	if _, err := state.Reset(c.Context, store, profile, bookKey, time.Now()); err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	log.ForProfile(profile.Name).Info("Reset sync state entry", map[string]interface{}{
		"book_key":        bookKey,
		"previous_status": current.Status,
		"was_seeded":      current.Seeded,
	})
	fmt.Fprintf(w, "Reset %s in profile %s; the next run will plan it again.\n", bookKey, profile.Name)
	return nil
}

func stateAction(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	pc, err := selectProfile(cfg, c.String("profile"))
	if err != nil {
		return err
	}
	profile := pc.Profile()

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if c.Bool("audit") {
		reader, ok := store.(state.AuditReader)
		if !ok {
			return cli.Exit(fmt.Sprintf("state backend %q keeps no audit trail", cfg.Sync.StateBackend), exitUsage)
		}
		entries, err := reader.AuditTrail(c.Context, profile)
		if err != nil {
			return cli.Exit(err.Error(), exitFatal)
		}
		return writeAudit(c.App.Writer, entries)
	}

	entries, err := store.SnapshotAll(c.Context, profile)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	return writeEntries(c.App.Writer, entries)
}

func writeEntries(w io.Writer, entries map[string]models.SyncState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BOOK KEY\tSTATUS\tPROGRESS\tSTART\tFINISH\tSOURCE\tSEEDED\tLAST WRITE")
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		e := entries[k]
		fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\t%s\t%s\t%t\t%s\n",
			k, e.Status, e.Progress*100, orDash(models.FormatDate(e.StartDate)), orDash(models.FormatDate(e.FinishDate)),
			e.Source, e.Seeded, e.LastWriteAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d entries\n", len(entries))
	return err
}

func writeAudit(w io.Writer, entries []state.AuditEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tBOOK KEY\tREASON\tFROM\tTO")
	for _, e := range entries {
		from := "-"
		if e.Previous != nil {
			from = describeState(*e.Previous)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.At.Format(time.RFC3339), e.BookKey, orDash(e.Reason), from, describeState(e.Current))
	}
	return tw.Flush()
}

func describeState(s models.SyncState) string {
	out := fmt.Sprintf("%s %.0f%%", s.Status, s.Progress*100)
	if s.Seeded {
		out += " (seeded)"
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
