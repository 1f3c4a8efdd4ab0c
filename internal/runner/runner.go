// Package runner drains the asynchronous registration queue: it fetches each
// queued registration over HTTPS, validates the response header, runs the
// admission gate and persists the result, all within one transaction per
// record. A single pass is bounded; callers reschedule while records remain.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/attribution/internal/debugreport"
	"github.com/roach88/attribution/internal/fetcher"
	"github.com/roach88/attribution/internal/flags"
	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/noise"
	"github.com/roach88/attribution/internal/store"
	"github.com/roach88/attribution/internal/web"
)

// ProcessingResult summarizes one queue pass.
type ProcessingResult int

const (
	// ResultSuccessAllRecordsProcessed means the queue drained.
	ResultSuccessAllRecordsProcessed ProcessingResult = iota
	// ResultSuccessWithPendingRecords means the iteration bound was reached
	// with records still queued; the caller should schedule another pass.
	ResultSuccessWithPendingRecords
	// ResultThreadInterrupted means the context was cancelled mid-pass.
	ResultThreadInterrupted
)

// String returns the metrics name of the processing result.
func (r ProcessingResult) String() string {
	switch r {
	case ResultSuccessAllRecordsProcessed:
		return "SUCCESS_ALL_RECORDS_PROCESSED"
	case ResultSuccessWithPendingRecords:
		return "SUCCESS_WITH_PENDING_RECORDS"
	case ResultThreadInterrupted:
		return "THREAD_INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// InstalledApps answers whether an android-app destination is currently
// installed, for the pre-install drop rule.
type InstalledApps interface {
	IsInstalled(uri string) bool
}

type noInstalledApps struct{}

func (noInstalledApps) IsInstalled(string) bool { return false }

// Runner processes the registration queue.
type Runner struct {
	store     *store.Store
	flags     *flags.Flags
	sources   *fetcher.SourceFetcher
	triggers  *fetcher.TriggerFetcher
	admission *Admission
	verbose   *debugreport.VerboseAPI
	aggDebug  *debugreport.AggregateAPI
	noise     *noise.Handler
	installed InstalledApps
	logger    *slog.Logger
	clock     func() time.Time
}

// Config wires a Runner.
type Config struct {
	Store          *store.Store
	Flags          *flags.Flags
	SourceFetcher  *fetcher.SourceFetcher
	TriggerFetcher *fetcher.TriggerFetcher
	Noise          *noise.Handler
	// Installed is optional; nil means no destination app is installed.
	Installed InstalledApps
	Logger    *slog.Logger
	Clock     func() time.Time
}

// New builds a Runner and its admission gate.
func New(cfg Config) *Runner {
	installed := cfg.Installed
	if installed == nil {
		installed = noInstalledApps{}
	}
	verbose := debugreport.NewVerboseAPI(cfg.Flags, cfg.Logger, cfg.Clock)
	aggDebug := debugreport.NewAggregateAPI(cfg.Flags, cfg.Logger, cfg.Clock)
	return &Runner{
		store:     cfg.Store,
		flags:     cfg.Flags,
		sources:   cfg.SourceFetcher,
		triggers:  cfg.TriggerFetcher,
		admission: NewAdmission(cfg.Flags, verbose, aggDebug, cfg.Logger, cfg.Clock),
		verbose:   verbose,
		aggDebug:  aggDebug,
		noise:     cfg.Noise,
		installed: installed,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
	}
}

// Run performs one bounded queue pass. Cancellation is observed between
// records only: a record in flight always reaches a terminal outcome.
func (r *Runner) Run(ctx context.Context) (ProcessingResult, error) {
	failedOrigins := make(map[string]struct{})

	for i := 0; i < r.flags.RecordServiceLimit; i++ {
		select {
		case <-ctx.Done():
			return ResultThreadInterrupted, nil
		default:
		}

		reg, err := r.store.DAO().FetchNextQueuedRegistration(
			ctx, r.flags.RegistrationRetryLimit, failedOrigins)
		if err != nil {
			return ResultThreadInterrupted, err
		}
		if reg == nil {
			return ResultSuccessAllRecordsProcessed, nil
		}
		r.processRecord(ctx, reg, failedOrigins)
	}

	pending, err := r.store.DAO().CountPendingRegistrations(ctx, r.flags.RegistrationRetryLimit)
	if err != nil {
		return ResultThreadInterrupted, err
	}
	if pending > 0 {
		return ResultSuccessWithPendingRecords, nil
	}
	return ResultSuccessAllRecordsProcessed, nil
}

// processRecord fetches one registration and persists the outcome. The fetch
// runs outside any transaction; everything the outcome writes commits
// atomically or not at all.
func (r *Runner) processRecord(ctx context.Context, reg *model.AsyncRegistration, failedOrigins map[string]struct{}) {
	var (
		redirects *model.AsyncRedirects
		status    *model.AsyncFetchStatus
		persist   func(ctx context.Context, dao *store.DAO) error
	)
	if reg.IsSourceRequest() {
		var source *model.Source
		source, redirects, status = r.sources.Fetch(ctx, reg)
		if source != nil {
			persist = func(ctx context.Context, dao *store.DAO) error {
				return r.insertSource(ctx, dao, source)
			}
		}
	} else {
		var trigger *model.Trigger
		trigger, redirects, status = r.triggers.Fetch(ctx, reg)
		if trigger != nil {
			persist = func(ctx context.Context, dao *store.DAO) error {
				return r.insertTrigger(ctx, dao, trigger)
			}
		}
	}

	if !status.IsRequestSuccess() {
		r.handleFetchFailure(ctx, reg, status, failedOrigins)
		return
	}

	err := r.store.RunInTransaction(ctx, func(ctx context.Context, dao *store.DAO) error {
		if persist != nil {
			if err := persist(ctx, dao); err != nil {
				return err
			}
		}
		if status.FailedHeaderName != "" {
			if err := r.scheduleHeaderError(ctx, dao, reg, status); err != nil {
				return err
			}
		}
		if err := r.enqueueRedirects(ctx, dao, reg, redirects, status); err != nil {
			return err
		}
		return dao.DeleteAsyncRegistration(ctx, reg.ID)
	})
	if err != nil {
		status.EntityStatus = model.EntityStatusStorageError
		r.logger.Error("registration persistence failed", "registration", reg.ID, "error", err)
		// The row stays queued for a later pass; the retry counter bounds how
		// often a record that cannot commit is reattempted, and the origin is
		// excluded for the rest of this pass.
		if base, berr := web.BaseURI(reg.RegistrationURI); berr == nil {
			failedOrigins[base] = struct{}{}
		}
		reg.RetryCount++
		if uerr := r.store.DAO().UpdateRetryCount(ctx, reg); uerr != nil {
			r.logger.Error("retry count update failed", "registration", reg.ID, "error", uerr)
		}
	}

	r.logger.Debug("processed registration",
		"registration", reg.ID,
		"type", reg.Type.String(),
		"response_status", status.ResponseStatus.String(),
		"entity_status", status.EntityStatus.String())
}

// handleFetchFailure retries transient transport failures up to the retry
// limit and drops everything else. A failing origin is excluded for the rest
// of the pass so one unreachable ad-tech cannot burn the iteration budget.
func (r *Runner) handleFetchFailure(
	ctx context.Context,
	reg *model.AsyncRegistration,
	status *model.AsyncFetchStatus,
	failedOrigins map[string]struct{},
) {
	if status.CanRetry() {
		if base, err := web.BaseURI(reg.RegistrationURI); err == nil {
			failedOrigins[base] = struct{}{}
		}
		reg.RetryCount++
		if err := r.store.DAO().UpdateRetryCount(ctx, reg); err != nil {
			r.logger.Error("retry count update failed", "registration", reg.ID, "error", err)
		}
		return
	}
	if err := r.store.DAO().DeleteAsyncRegistration(ctx, reg.ID); err != nil {
		r.logger.Error("failed to drop registration", "registration", reg.ID, "error", err)
	}
}

// enqueueRedirects fans discovered redirects out as new queue rows, bounded
// by the durable per-chain redirect budget. The budget counter lives in
// key-value storage so a crash between commit and the next pass cannot mint
// extra slots.
func (r *Runner) enqueueRedirects(
	ctx context.Context,
	dao *store.DAO,
	reg *model.AsyncRegistration,
	redirects *model.AsyncRedirects,
	status *model.AsyncFetchStatus,
) error {
	if redirects == nil || redirects.Empty() {
		return nil
	}

	kv, err := dao.GetKeyValueData(ctx, model.KeyValueDataTypeRegistrationRedirectCount, reg.RegistrationID)
	if err != nil {
		return err
	}
	count := kv.RegistrationRedirectCount()

	for _, redirect := range redirects.Redirects {
		if count >= r.flags.MaxRegistrationRedirects {
			status.RedirectError = true
			r.logger.Debug("redirect budget exhausted",
				"registration", reg.ID, "chain", reg.RegistrationID)
			break
		}
		count++
		next := &model.AsyncRegistration{
			ID:                  uuid.NewString(),
			RegistrationURI:     redirect.URI,
			Registrant:          reg.Registrant,
			TopOrigin:           reg.TopOrigin,
			Type:                reg.Type,
			SourceType:          reg.SourceType,
			VerifiedDestination: reg.VerifiedDestination,
			RequestTime:         r.clock().UnixMilli(),
			RedirectBehavior:    redirect.Behavior,
			AdIDPermission:      reg.AdIDPermission,
			DebugKeyAllowed:     reg.DebugKeyAllowed,
			RegistrationID:      reg.RegistrationID,
		}
		if err := dao.InsertAsyncRegistration(ctx, next); err != nil {
			return err
		}
	}

	kv.SetRegistrationRedirectCount(count)
	return dao.InsertOrUpdateKeyValueData(ctx, kv)
}

// scheduleHeaderError emits a header-parsing-error debug report for a
// response whose registration header failed to parse or validate. The opt-in
// signal travels on the request because the payload itself is unusable.
func (r *Runner) scheduleHeaderError(
	ctx context.Context,
	dao *store.DAO,
	reg *model.AsyncRegistration,
	status *model.AsyncFetchStatus,
) error {
	permitted := reg.AdIDPermission
	if reg.IsWebRequest() {
		permitted = reg.DebugKeyAllowed
	}
	if !permitted {
		return nil
	}
	enrollmentID, ok := r.sources.Enrollment().Resolve(reg.RegistrationURI)
	if !ok {
		return nil
	}
	return r.verbose.ScheduleHeaderErrorReport(
		ctx, dao, reg, enrollmentID, status.FailedHeaderName, status.FailedHeaderValue)
}
