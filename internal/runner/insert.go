package runner

import (
	"context"

	"github.com/google/uuid"

	"github.com/roach88/attribution/internal/debugreport"
	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/noise"
	"github.com/roach88/attribution/internal/store"
	"github.com/roach88/attribution/internal/web"
)

// insertSource runs the admission gate over a validated source and, when
// admitted, applies the noise policy and persists the source together with
// any fake reports and their rate-limit footprint.
func (r *Runner) insertSource(ctx context.Context, dao *store.DAO, s *model.Source) error {
	permission, err := r.admission.IsSourceAllowedToInsert(ctx, dao, s)
	if err != nil {
		return err
	}
	if permission == SourceNotAllowed {
		r.logger.Debug("source rejected", "source", s.ID, "origin", s.RegistrationOrigin)
		return nil
	}

	if r.flags.EnablePreinstallCheck && s.DropSourceIfInstalled && r.destinationInstalled(s) {
		s.Status = model.SourceStatusMarkedToDelete
	}

	topology := sourceTopology(s, r.flags)
	mode, fakes, err := r.noise.AssignAttributionMode(topology)
	if err != nil {
		return err
	}
	s.AttributionMode = mode

	if _, err := dao.InsertSource(ctx, s); err != nil {
		return err
	}

	if mode == model.AttributionModeFalsely {
		if err := r.insertFakeReports(ctx, dao, s, topology, fakes); err != nil {
			return err
		}
	}
	if mode != model.AttributionModeTruthfully {
		if err := r.insertFakeAttributions(ctx, dao, s); err != nil {
			return err
		}
	}

	reportType := model.DebugTypeSourceSuccess
	if mode != model.AttributionModeTruthfully {
		reportType = model.DebugTypeSourceNoised
	}
	if err := r.verbose.ScheduleSourceReport(ctx, dao, debugreport.SourceReport{Type: reportType, Source: s}); err != nil {
		return err
	}
	if err := r.aggDebug.ScheduleSourceReport(ctx, dao, s, reportType); err != nil {
		return err
	}

	r.logger.Debug("source inserted",
		"source", s.ID, "mode", int(mode), "fifo", permission == SourceAllowedFIFOSuccess)
	return nil
}

// insertFakeReports persists the fake event reports realizing the drawn
// noise state. Fake reports carry the source's own event data and the drawn
// trigger data so they are indistinguishable from real reports downstream.
func (r *Runner) insertFakeReports(
	ctx context.Context,
	dao *store.DAO,
	s *model.Source,
	topology noise.Topology,
	fakes []model.FakeReport,
) error {
	eval, err := noise.Evaluate(topology, r.flags.PrivacyEpsilon)
	if err != nil {
		return err
	}
	for _, fake := range fakes {
		report := &model.EventReport{
			ID:                      uuid.NewString(),
			SourceID:                s.ID,
			SourceEventID:           s.EventID,
			EnrollmentID:            s.EnrollmentID,
			AttributionDestinations: fake.Destinations,
			ReportTime:              fake.ReportingTime,
			TriggerData:             fake.TriggerData,
			TriggerTime:             s.EventTime,
			SourceType:              s.SourceType,
			Status:                  model.EventReportStatusPending,
			RandomizedTriggerRate:   eval.FlipProbability,
			RegistrationOrigin:      s.RegistrationOrigin,
			SourceDebugKey:          s.DebugKeyForNoisedReport(),
			IsFake:                  true,
		}
		if err := dao.InsertEventReport(ctx, report); err != nil {
			return err
		}
	}
	return nil
}

// insertFakeAttributions writes one sentinel rate-limit row per destination
// for a noised source, so a noised source consumes the same attribution
// budget a real attribution would.
func (r *Runner) insertFakeAttributions(ctx context.Context, dao *store.DAO, s *model.Source) error {
	sourceSite, err := web.TopPrivateDomainAndScheme(s.Publisher)
	if err != nil {
		return err
	}
	for _, destination := range s.AllDestinations() {
		attribution := &model.Attribution{
			ID:                 uuid.NewString(),
			Scope:              model.AttributionScopeEvent,
			SourceSite:         sourceSite,
			SourceOrigin:       s.Publisher,
			DestinationSite:    destination,
			DestinationOrigin:  destination,
			EnrollmentID:       s.EnrollmentID,
			TriggerTime:        s.EventTime,
			Registrant:         s.Registrant,
			SourceID:           s.ID,
			RegistrationOrigin: s.RegistrationOrigin,
			ReportID:           model.FakeReportID,
		}
		if err := dao.InsertAttribution(ctx, attribution); err != nil {
			return err
		}
	}
	return nil
}

// destinationInstalled reports whether any app destination of the source is
// already installed on the device.
func (r *Runner) destinationInstalled(s *model.Source) bool {
	for _, destination := range s.AppDestinations {
		if r.installed.IsInstalled(destination) {
			return true
		}
	}
	return false
}

// insertTrigger persists a validated trigger when the per-destination cap
// admits it. Rejected triggers vanish without a stored trace; the verbose
// debug report is the only signal.
func (r *Runner) insertTrigger(ctx context.Context, dao *store.DAO, t *model.Trigger) error {
	if !r.admission.IsTriggerAllowedToInsert(ctx, dao, t) {
		r.logger.Debug("trigger rejected", "trigger", t.ID, "destination", t.AttributionDestination)
		return nil
	}
	if _, err := dao.InsertTrigger(ctx, t); err != nil {
		return err
	}
	r.logger.Debug("trigger inserted", "trigger", t.ID)
	return nil
}
