package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/relaypanel/internal/collector"
	"github.com/rewired-gh/relaypanel/internal/config"
	"github.com/rewired-gh/relaypanel/internal/logger"
	"github.com/rewired-gh/relaypanel/internal/models"
	"github.com/rewired-gh/relaypanel/internal/panel"
	"github.com/rewired-gh/relaypanel/internal/retry"
	"github.com/rewired-gh/relaypanel/internal/storage"
	"github.com/rewired-gh/relaypanel/internal/telegram"
)

// Exit codes
const (
	exitOK       = 0
	exitFailure  = 1
	exitBadInput = 2
)

// exitError carries the process exit code for a failed run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

type options struct {
	configPath    string
	start         string
	end           string
	hour          int
	hourFallbacks []int
	out           string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintln(stderr, ee.err)
		return ee.code
	}
	// Flag parsing and missing required flags
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitBadInput
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "relaypanel",
		Short: "Build a daily advertised bandwidth panel from Tor consensuses",
		Long: `relaypanel downloads monthly consensus archives, picks one consensus per day
(trying the preferred hour, then each fallback hour in order), and writes a CSV
of relay bandwidths restricted to relays present on every day of the range.

Archives are cached on disk and reused on later runs without re-downloading.`,
		Example: `  relaypanel --start 2023-01-01 --end 2023-01-31
  relaypanel --start 2023-01-01 --end 2023-03-31 --hour 0 --hour-fallback 1 --hour-fallback 2 --out q1.csv`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPanel(cmd.Context(), opts, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Path to configuration file (optional)")
	f.StringVar(&opts.start, "start", "", "Start date (YYYY-MM-DD)")
	f.StringVar(&opts.end, "end", "", "End date (YYYY-MM-DD), inclusive")
	f.IntVar(&opts.hour, "hour", 0, "Preferred hour (0-23)")
	f.IntSliceVar(&opts.hourFallbacks, "hour-fallback", nil, "Fallback hour(s), can be repeated (e.g., --hour-fallback 2 --hour-fallback 4)")
	f.StringVar(&opts.out, "out", "daily_bw.csv", "Output CSV path")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}

func runPanel(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	hours := append([]int{opts.hour}, opts.hourFallbacks...)
	if err := panel.ValidateHours(hours); errors.Is(err, panel.ErrHourOutOfRange) {
		return &exitError{code: exitBadInput, err: fmt.Errorf("invalid hours: %w", err)}
	}

	start, err := models.ParseCalendarDay(opts.start)
	if err != nil {
		return &exitError{code: exitBadInput, err: fmt.Errorf("--start: %w", err)}
	}
	end, err := models.ParseCalendarDay(opts.end)
	if err != nil {
		return &exitError{code: exitBadInput, err: fmt.Errorf("--end: %w", err)}
	}

	// Load configuration
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to load config: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("invalid configuration: %w", err)}
	}

	// Setup logging with level support
	logger.Init(cfg.Logging.Level, cfg.Logging.Format, stderr)
	defer logger.Sync()
	if opts.configPath != "" {
		logger.Info("Configuration loaded from %s", opts.configPath)
	}

	record := &storage.Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		StartDay:  start.String(),
		EndDay:    end.String(),
		Hours:     hours,
		Output:    opts.out,
	}
	logger.Info("Starting pull %s: %s → %s @ hour %d (fallbacks: %v)", record.ID, start, end, opts.hour, opts.hourFallbacks)

	// Initialize ledger
	var ledger *storage.Storage
	if cfg.Storage.DBPath != "" {
		ledger, err = storage.New(cfg.Storage.DBPath)
		if err != nil {
			return &exitError{code: exitFailure, err: fmt.Errorf("failed to initialize storage: %w", err)}
		}
		defer func() {
			if err := ledger.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
		if err := ledger.StartRun(ctx, record); err != nil {
			logger.Warn("Failed to record run start: %v", err)
		}
	}

	// Initialize Telegram client
	var notifier *telegram.Client
	if cfg.Telegram.Enabled {
		notifier, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Warn("Failed to initialize Telegram client, notifications disabled: %v", err)
			notifier = nil
		}
	}

	clientCfg := collector.ClientConfig{
		UserAgent: cfg.Archive.UserAgent,
		Timeout:   cfg.Archive.Timeout,
		Retry:     retry.NewPolicy(cfg.Archive.MaxAttempts, cfg.Archive.RetryDelayBase, cfg.Archive.RetryMultiplier),
	}
	if ledger != nil {
		clientCfg.Recorder = ledger
	}
	archives := collector.NewClient(cfg.Archive.BaseURL, cfg.Cache.Dir, clientCfg)
	builder := panel.NewBuilder(panel.NewResolver(archives), hours)

	p, reports, buildErr := builder.Build(ctx, models.DayRange(start, end))

	var rows int
	var runErr error
	switch {
	case errors.Is(buildErr, panel.ErrNoDays):
		runErr = &exitError{code: exitFailure, err: errors.New("no days fetched; nothing to write")}
	case buildErr != nil:
		runErr = &exitError{code: exitFailure, err: buildErr}
	default:
		if p.Empty() {
			fmt.Fprintln(stderr, "Warning: no relays present on all days in the range. CSV will be empty.")
		}
		logger.Info("Writing CSV to %s (days=%d, common_relays=%d)", opts.out, len(p.Days()), len(p.Common()))
		rows, err = panel.WriteFile(opts.out, p)
		if err != nil {
			runErr = &exitError{code: exitFailure, err: fmt.Errorf("failed to write output: %w", err)}
		}
	}

	summary := telegram.Summary{
		RunID:     record.ID,
		Start:     start.String(),
		End:       end.String(),
		Hours:     hours,
		Output:    opts.out,
		Rows:      rows,
		Duration:  time.Since(record.StartedAt),
		Fallbacks: fallbackDays(reports, opts.hour),
		Err:       runErr,
	}
	record.FinishedAt = time.Now().UTC()
	record.Rows = rows
	record.Status = storage.StatusSucceeded
	if runErr != nil {
		record.Status = storage.StatusFailed
		record.Error = runErr.Error()
	} else {
		summary.Days = len(p.Days())
		summary.CommonRelays = len(p.Common())
		record.Days = summary.Days
		record.CommonRelays = summary.CommonRelays
		if p.Empty() {
			record.Status = storage.StatusEmpty
		}
	}

	if ledger != nil {
		if err := ledger.FinishRun(context.WithoutCancel(ctx), record); err != nil {
			logger.Warn("Failed to record run outcome: %v", err)
		}
		if len(reports) > 0 {
			if err := ledger.RecordRunDays(context.WithoutCancel(ctx), record.ID, runDays(reports)); err != nil {
				logger.Warn("Failed to record run days: %v", err)
			}
		}
	}
	if notifier != nil {
		if err := notifier.Send(context.WithoutCancel(ctx), summary); err != nil {
			logger.Warn("Failed to send Telegram notification: %v", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	fmt.Fprintf(stdout, "Wrote panel for %d day(s), common relays: %d → %s\n", summary.Days, summary.CommonRelays, opts.out)
	return nil
}

// fallbackDays lists the days that were resolved from an hour other than the
// preferred one, as "YYYY-MM-DD@HH".
func fallbackDays(reports []panel.DayReport, preferred int) []string {
	var out []string
	for _, r := range reports {
		if r.Hour != preferred {
			out = append(out, fmt.Sprintf("%s@%02d", r.Day, r.Hour))
		}
	}
	return out
}

func runDays(reports []panel.DayReport) []storage.RunDay {
	days := make([]storage.RunDay, len(reports))
	for i, r := range reports {
		days[i] = storage.RunDay{
			Day:       r.Day.String(),
			Hour:      r.Hour,
			Entry:     r.Entry,
			Relays:    r.Relays,
			Malformed: r.Stats.Malformed,
		}
	}
	return days
}
