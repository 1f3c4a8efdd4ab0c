package cli

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/attribution/internal/fetcher"
	"github.com/roach88/attribution/internal/flags"
	"github.com/roach88/attribution/internal/joblock"
	"github.com/roach88/attribution/internal/noise"
	"github.com/roach88/attribution/internal/runner"
	"github.com/roach88/attribution/internal/store"
)

// runOptions holds run-specific flags.
type runOptions struct {
	*RootOptions
	watch    bool
	interval time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the registration queue",
		Long: `Process queued registrations: fetch each registration over HTTPS,
validate the response header, apply privacy limits and persist the result.

A single pass is bounded by record_service_limit; use --watch to keep
processing until interrupted.

Example:
  attributiond run --db attribution.db --enrollment https://adtech.example=enrollment-a`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.watch, "watch", false, "keep processing until interrupted")
	cmd.Flags().DurationVar(&opts.interval, "interval", 30*time.Second, "delay between passes with --watch")

	return cmd
}

func runRun(cmd *cobra.Command, opts *runOptions) error {
	formatter := NewOutputFormatter(opts.RootOptions)

	f, err := flags.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading flags", err)
	}

	st, err := store.Open(opts.DBPath)
	if err != nil {
		return WrapExitError(ExitFailure, "opening datastore", err)
	}
	defer st.Close()

	r := buildRunner(st, f, opts.RootOptions)
	locks := joblock.NewRegistry()
	ctx := cmd.Context()

	for {
		var result runner.ProcessingResult
		ran, err := locks.RunWithLock(ctx, joblock.RegistrationQueue, func(ctx context.Context) error {
			var runErr error
			result, runErr = r.Run(ctx)
			return runErr
		})
		if err != nil {
			return WrapExitError(ExitFailure, "processing queue", err)
		}
		if !ran {
			formatter.VerboseLog("queue job already running, skipping pass")
		} else {
			formatter.VerboseLog("pass finished: %s", result)
		}

		if result == runner.ResultThreadInterrupted {
			return formatter.Success(result.String())
		}
		if !opts.watch && result != runner.ResultSuccessWithPendingRecords {
			return formatter.Success(result.String())
		}
		if result == runner.ResultSuccessWithPendingRecords {
			continue
		}

		select {
		case <-ctx.Done():
			return formatter.Success(runner.ResultThreadInterrupted.String())
		case <-time.After(opts.interval):
		}
	}
}

// buildRunner assembles the fetchers, noise handler and queue runner from
// the resolved flags.
func buildRunner(st *store.Store, f *flags.Flags, opts *RootOptions) *runner.Runner {
	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	var enrollment fetcher.EnrollmentResolver
	if len(opts.Enrollments) > 0 {
		enrollment = fetcher.NewSiteEnrollmentResolver(opts.Enrollments)
	} else {
		enrollment = fetcher.PassthroughEnrollmentResolver{}
	}

	client := fetcher.NewClient(
		time.Duration(f.FetchConnectTimeoutMS)*time.Millisecond,
		time.Duration(f.FetchReadTimeoutMS)*time.Millisecond,
	)
	clock := time.Now

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	return runner.New(runner.Config{
		Store:          st,
		Flags:          f,
		SourceFetcher:  fetcher.NewSourceFetcher(client, f, enrollment, logger, clock),
		TriggerFetcher: fetcher.NewTriggerFetcher(client, f, enrollment, logger, clock),
		Noise:          noise.NewHandler(f.PrivacyEpsilon, rnd),
		Logger:         logger,
		Clock:          clock,
	})
}
