package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/roach88/attribution/internal/debugreport"
	"github.com/roach88/attribution/internal/flags"
	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/noise"
	"github.com/roach88/attribution/internal/store"
	"github.com/roach88/attribution/internal/web"
)

// InsertSourcePermission is the three-valued outcome of the source admission
// gate.
type InsertSourcePermission int

const (
	// SourceNotAllowed rejects the source; no row is written.
	SourceNotAllowed InsertSourcePermission = iota
	// SourceAllowed admits the source without side effects.
	SourceAllowed
	// SourceAllowedFIFOSuccess admits the source after evicting a
	// destination group to make room.
	SourceAllowedFIFOSuccess
)

// Admission enforces the source and trigger insertion limits. Each check in
// the source gate short-circuits: the first violated limit decides the
// outcome and schedules its debug reports.
type Admission struct {
	flags    *flags.Flags
	verbose  *debugreport.VerboseAPI
	aggDebug *debugreport.AggregateAPI
	logger   *slog.Logger
	clock    func() time.Time
}

// NewAdmission wires the admission engine.
func NewAdmission(
	f *flags.Flags,
	verbose *debugreport.VerboseAPI,
	aggDebug *debugreport.AggregateAPI,
	logger *slog.Logger,
	clock func() time.Time,
) *Admission {
	return &Admission{flags: f, verbose: verbose, aggDebug: aggDebug, logger: logger, clock: clock}
}

// IsSourceAllowedToInsert runs the sequential admission gate over a
// validated source. The order of checks is fixed: earlier limits must fire
// before later ones regardless of how many are simultaneously violated.
func (a *Admission) IsSourceAllowedToInsert(ctx context.Context, dao *store.DAO, s *model.Source) (InsertSourcePermission, error) {
	now := a.clock().UnixMilli()

	if a.flags.EnableNavigationReportingOriginCheck && s.SourceType == model.SourceTypeNavigation {
		count, err := dao.CountNavigationSourcesPerReportingOriginXRegistration(ctx, s.RegistrationOrigin, s.RegistrationID)
		if err != nil {
			return SourceNotAllowed, err
		}
		if count > 0 {
			a.logger.Debug("duplicate navigation reporting origin", "source", s.ID)
			return SourceNotAllowed, nil
		}
	}

	publisher, err := web.TopPrivateDomainAndScheme(s.Publisher)
	if err != nil {
		a.logger.Debug("publisher did not resolve", "publisher", s.Publisher, "error", err)
		return SourceNotAllowed, nil
	}

	if a.flags.EnableDestinationRateLimit {
		ok, err := a.withinTimeBasedDestinationLimits(ctx, dao, s, publisher, now)
		if err != nil {
			return SourceNotAllowed, err
		}
		if !ok {
			return SourceNotAllowed, nil
		}
	}

	numSources, err := dao.NumSourcesPerPublisher(ctx, publisher, s.PublisherType)
	if err != nil {
		return SourceNotAllowed, err
	}
	if numSources >= a.flags.MaxSourcesPerPublisher {
		limit := a.flags.MaxSourcesPerPublisher
		if err := a.scheduleSourceFailure(ctx, dao, s, model.DebugTypeSourceStorageLimit, &limit); err != nil {
			return SourceNotAllowed, err
		}
		return SourceNotAllowed, nil
	}

	ok, err := a.isDestinationWithinBounds(ctx, dao, s, publisher, now)
	if err != nil {
		return SourceNotAllowed, err
	}
	if !ok {
		return SourceNotAllowed, nil
	}

	otherOrigins, err := dao.CountSourcesPerPublisherXEnrollmentExcludingRegOrigin(
		ctx, s.RegistrationOrigin, publisher, s.PublisherType, s.EnrollmentID,
		now, a.flags.MinReportingOriginUpdateWindowMS)
	if err != nil {
		return SourceNotAllowed, err
	}
	if otherOrigins >= a.flags.MaxReportingOriginsPerSourceReportingSite {
		if err := a.scheduleSourceFailure(ctx, dao, s, model.DebugTypeSourceReportingOriginLimit, nil); err != nil {
			return SourceNotAllowed, err
		}
		return SourceNotAllowed, nil
	}

	if ok, err := a.withinPrivacyBounds(ctx, dao, s); err != nil || !ok {
		return SourceNotAllowed, err
	}

	if s.DestinationLimitAlgorithm == model.DestinationLimitAlgorithmFIFO {
		return a.evictForFIFO(ctx, dao, s, publisher, now)
	}
	return SourceAllowed, nil
}

// withinTimeBasedDestinationLimits applies the two trailing-window
// destination rate limits per destination surface: the same-reporting-site
// limit scoped to the enrollment, then the global cross-site limit. The
// global limit rejects with a success-type debug report so the rejection is
// not distinguishable cross-site.
func (a *Admission) withinTimeBasedDestinationLimits(
	ctx context.Context,
	dao *store.DAO,
	s *model.Source,
	publisher string,
	now int64,
) (bool, error) {
	windowStart := now - a.flags.DestinationRateLimitWindowMS
	for _, surface := range []model.SurfaceType{model.SurfaceTypeApp, model.SurfaceTypeWeb} {
		dests := s.DestinationsForSurface(surface)
		if len(dests) == 0 {
			continue
		}

		perEnrollment, err := dao.CountDistinctDestPerPubXEnrollmentInSourceInWindow(
			ctx, publisher, s.PublisherType, s.EnrollmentID, surface, windowStart, now)
		if err != nil {
			return false, err
		}
		if perEnrollment+int64(len(dests)) > a.flags.MaxDestPerPublisherXEnrollmentPerRateLimitWindow {
			limit := a.flags.MaxDestPerPublisherXEnrollmentPerRateLimitWindow
			if err := a.scheduleSourceFailure(ctx, dao, s, model.DebugTypeSourceDestinationRateLimit, &limit); err != nil {
				return false, err
			}
			return false, nil
		}

		global, err := dao.CountDistinctDestinationsPerPublisherPerRateLimitWindow(
			ctx, publisher, s.PublisherType, surface, windowStart, now)
		if err != nil {
			return false, err
		}
		if global+int64(len(dests)) > a.flags.MaxDestinationsPerPublisherPerRateLimitWindow {
			if err := a.scheduleSourceFailure(ctx, dao, s, model.DebugTypeSourceSuccess, nil); err != nil {
				return false, err
			}
			return false, nil
		}
	}
	return true, nil
}

// isDestinationWithinBounds checks the distinct-destination cap (under the
// LIFO algorithm; FIFO defers to eviction) and the per-destination
// reporting-origin cap, per destination surface.
func (a *Admission) isDestinationWithinBounds(
	ctx context.Context,
	dao *store.DAO,
	s *model.Source,
	publisher string,
	now int64,
) (bool, error) {
	for _, surface := range []model.SurfaceType{model.SurfaceTypeApp, model.SurfaceTypeWeb} {
		dests := s.DestinationsForSurface(surface)
		if len(dests) == 0 {
			continue
		}

		if s.DestinationLimitAlgorithm == model.DestinationLimitAlgorithmLIFO {
			var count int64
			var err error
			if a.flags.EnableSourceDestinationLimitWindowedCount {
				windowStart := now - a.flags.RateLimitWindowMS
				count, err = dao.CountDistinctDestPerPubXEnrollmentInSourceInWindow(
					ctx, publisher, s.PublisherType, s.EnrollmentID, surface, windowStart, now)
			} else {
				count, err = dao.CountDistinctDestinationsPerPubXEnrollmentInUnexpiredSource(
					ctx, publisher, s.PublisherType, s.EnrollmentID, surface, dests, now)
			}
			if err != nil {
				return false, err
			}
			if count+int64(len(dests)) > a.flags.MaxDistinctDestinationsInActiveSource {
				limit := a.flags.MaxDistinctDestinationsInActiveSource
				if err := a.scheduleSourceFailure(ctx, dao, s, model.DebugTypeSourceDestinationLimit, &limit); err != nil {
					return false, err
				}
				return false, nil
			}
		}

		origins, err := dao.CountDistinctReportingOriginsPerPublisherXDestInSource(
			ctx, publisher, s.PublisherType, dests, s.RegistrationOrigin, now)
		if err != nil {
			return false, err
		}
		if origins >= a.flags.MaxDistinctRepOrigPerPublisherXDestInSource {
			if err := a.scheduleSourceFailure(ctx, dao, s, model.DebugTypeSourceReportingOriginPerSiteLimit, nil); err != nil {
				return false, err
			}
			return false, nil
		}
	}
	return true, nil
}

// withinPrivacyBounds validates the source's report-state space: the state
// count must be computable without overflow, stay under the configured state
// cap, and the channel capacity must not exceed the per-source-type bound.
func (a *Admission) withinPrivacyBounds(ctx context.Context, dao *store.DAO, s *model.Source) (bool, error) {
	eval, err := noise.Evaluate(sourceTopology(s, a.flags), a.flags.PrivacyEpsilon)
	if err != nil {
		a.logger.Debug("report state overflow", "source", s.ID, "error", err)
		if err := a.scheduleSourceFailure(ctx, dao, s, model.DebugTypeSourceMaxEventStatesLimit, nil); err != nil {
			return false, err
		}
		return false, nil
	}
	if eval.NumStates > a.flags.MaxReportStatesPerSourceRegistration {
		if err := a.scheduleSourceFailure(ctx, dao, s, model.DebugTypeSourceMaxEventStatesLimit, nil); err != nil {
			return false, err
		}
		return false, nil
	}
	if eval.InformationGain > a.flags.MaxInformationGain(string(s.SourceType)) {
		if err := a.scheduleSourceFailure(ctx, dao, s, model.DebugTypeSourceFlexibleEventValueError, nil); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// evictForFIFO makes room for the incoming source's destinations by marking
// the lowest-priority destination group deleted, repeatedly, until the cap
// fits. The incoming source only displaces groups whose priority does not
// exceed its own.
func (a *Admission) evictForFIFO(
	ctx context.Context,
	dao *store.DAO,
	s *model.Source,
	publisher string,
	now int64,
) (InsertSourcePermission, error) {
	evicted := false
	for _, surface := range []model.SurfaceType{model.SurfaceTypeApp, model.SurfaceTypeWeb} {
		dests := s.DestinationsForSurface(surface)
		if len(dests) == 0 {
			continue
		}
		for {
			count, err := dao.CountDistinctDestinationsPerPubXEnrollmentInUnexpiredSource(
				ctx, publisher, s.PublisherType, s.EnrollmentID, surface, dests, now)
			if err != nil {
				return SourceNotAllowed, err
			}
			if count+int64(len(dests)) <= a.flags.MaxDistinctDestinationsInActiveSource {
				break
			}

			destination, priority, sourceIDs, err := dao.LowestPriorityDestinationGroup(
				ctx, publisher, s.PublisherType, s.EnrollmentID, surface, now)
			if err != nil {
				return SourceNotAllowed, err
			}
			if len(sourceIDs) == 0 {
				return SourceNotAllowed, model.NewInvariantError(
					"eviction required but no candidate destination group for publisher %q", publisher)
			}
			if s.DestinationLimitPriority < priority {
				limit := a.flags.MaxDistinctDestinationsInActiveSource
				if err := a.scheduleSourceFailure(ctx, dao, s, model.DebugTypeSourceDestinationLimit, &limit); err != nil {
					return SourceNotAllowed, err
				}
				return SourceNotAllowed, nil
			}

			if err := dao.UpdateSourceStatus(ctx, sourceIDs, model.SourceStatusMarkedToDelete); err != nil {
				return SourceNotAllowed, err
			}
			if a.flags.DeleteAggregateReportsOnSourceEviction {
				if err := dao.DeletePendingAggregateReportsForSources(ctx, sourceIDs); err != nil {
					return SourceNotAllowed, err
				}
			}
			if err := dao.DeleteFutureFakeEventReportsForSources(ctx, sourceIDs, now); err != nil {
				return SourceNotAllowed, err
			}
			a.logger.Debug("evicted destination group",
				"destination", destination, "sources", len(sourceIDs), "priority", priority)
			evicted = true
		}
	}
	if evicted {
		return SourceAllowedFIFOSuccess, nil
	}
	return SourceAllowed, nil
}

// IsTriggerAllowedToInsert enforces the per-destination trigger cap. A read
// failure rejects rather than admitting blind.
func (a *Admission) IsTriggerAllowedToInsert(ctx context.Context, dao *store.DAO, t *model.Trigger) bool {
	count, err := dao.NumTriggersPerDestination(ctx, t.AttributionDestination, t.DestinationType)
	if err != nil {
		a.logger.Warn("trigger cap read failed, rejecting", "trigger", t.ID, "error", err)
		return false
	}
	return count < a.flags.MaxTriggersPerDestination
}

// scheduleSourceFailure emits the verbose and aggregate debug reports for a
// rejected source.
func (a *Admission) scheduleSourceFailure(
	ctx context.Context,
	dao *store.DAO,
	s *model.Source,
	reportType string,
	limit *int64,
) error {
	if err := a.verbose.ScheduleSourceReport(ctx, dao, debugreport.SourceReport{
		Type:   reportType,
		Source: s,
		Limit:  limit,
	}); err != nil {
		return err
	}
	return a.aggDebug.ScheduleSourceReport(ctx, dao, s, reportType)
}

// sourceTopology derives the noise report space of a validated source.
func sourceTopology(s *model.Source, f *flags.Flags) noise.Topology {
	return noise.Topology{
		MaxReports:             maxEventReports(s, f),
		WindowEnds:             reportWindowEnds(s, f),
		TriggerDataCardinality: triggerDataCardinality(s, f),
		AppDestinations:        s.AppDestinations,
		WebDestinations:        s.WebDestinations,
		CoarseDestinations:     s.CoarseEventReportDestinations,
	}
}

// triggerDataCardinality counts the distinct trigger data values a source can
// match. A declared trigger_specs schedule wins over the per-source-type
// default so a flex source is privacy-evaluated against the report space it
// actually declared.
func triggerDataCardinality(s *model.Source, f *flags.Flags) int {
	if s.TriggerSpecs != "" {
		var specs []struct {
			TriggerData []int64 `json:"trigger_data"`
		}
		if err := json.Unmarshal([]byte(s.TriggerSpecs), &specs); err == nil {
			seen := make(map[int64]struct{})
			for _, spec := range specs {
				for _, d := range spec.TriggerData {
					seen[d] = struct{}{}
				}
			}
			if len(seen) > 0 {
				return len(seen)
			}
		}
	}
	return f.TriggerDataCardinality(string(s.SourceType))
}

func maxEventReports(s *model.Source, f *flags.Flags) int {
	if s.MaxEventLevelReports > 0 {
		return s.MaxEventLevelReports
	}
	if s.SourceType == model.SourceTypeNavigation {
		return f.DefaultNavigationMaxReports
	}
	return f.DefaultEventMaxReports
}

// reportWindowEnds computes the event-report window end timestamps. An
// explicit event_report_windows schedule wins; otherwise navigation sources
// get the early two-day and seven-day windows when they fit before the
// report window, and event sources report once at the window end.
func reportWindowEnds(s *model.Source, f *flags.Flags) []int64 {
	const dayMS = int64(24 * time.Hour / time.Millisecond)

	if s.EventReportWindows != "" {
		if ends := declaredWindowEnds(s, f); len(ends) > 0 {
			return ends
		}
	}

	var ends []int64
	if s.SourceType == model.SourceTypeNavigation {
		for _, early := range []int64{2 * dayMS, 7 * dayMS} {
			end := s.EventTime + early
			if end < s.EventReportWindow {
				ends = append(ends, end)
			}
		}
	}
	return append(ends, s.EventReportWindow)
}

// declaredWindowEnds decodes the stored event_report_windows schedule. The
// fragment already passed header validation; end times are seconds relative
// to the source event, clamped to the configured floor and the expiry.
func declaredWindowEnds(s *model.Source, f *flags.Flags) []int64 {
	var schedule struct {
		EndTimes []int64 `json:"end_times"`
	}
	if err := json.Unmarshal([]byte(s.EventReportWindows), &schedule); err != nil {
		return nil
	}
	expirySeconds := (s.ExpiryTime - s.EventTime) / 1000
	ends := make([]int64, 0, len(schedule.EndTimes))
	prev := int64(0)
	for _, end := range schedule.EndTimes {
		if end < f.MinEventReportWindowSeconds {
			end = f.MinEventReportWindowSeconds
		}
		if end > expirySeconds {
			end = expirySeconds
		}
		if end <= prev {
			continue
		}
		ends = append(ends, s.EventTime+end*1000)
		prev = end
	}
	return ends
}
