// Package debugreport produces the two debug reporting surfaces: verbose
// debug reports delivered as standalone JSON payloads, and aggregate debug
// reports that ride the aggregate reporting pipeline under per-source
// budgets and per-site rate limits.
package debugreport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/attribution/internal/flags"
	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/store"
	"github.com/roach88/attribution/internal/web"
)

// VerboseAPI schedules verbose debug reports. Every producer call is a
// no-op unless the registration opted in via debug_reporting and the caller
// holds the debug permission for its surface.
type VerboseAPI struct {
	flags  *flags.Flags
	logger *slog.Logger
	clock  func() time.Time
}

// NewVerboseAPI wires the verbose debug report producer.
func NewVerboseAPI(f *flags.Flags, logger *slog.Logger, clock func() time.Time) *VerboseAPI {
	return &VerboseAPI{flags: f, logger: logger, clock: clock}
}

// SourceReport describes one source-category verbose report to schedule.
type SourceReport struct {
	Type   string
	Source *model.Source
	// Limit carries the violated bound for limit-type reports; nil omits it
	// from the body.
	Limit *int64
}

// ScheduleSourceReport inserts a verbose debug report row for a source
// registration outcome when the opt-in and permission gates pass.
func (a *VerboseAPI) ScheduleSourceReport(ctx context.Context, dao *store.DAO, r SourceReport) error {
	if !a.flags.EnableDebugReports || !a.flags.EnableSourceDebugReports {
		return nil
	}
	s := r.Source
	if !s.IsDebugReporting || !hasDebugPermission(s.PublisherType, s.AdIDPermission, s.ArDebugPermission) {
		return nil
	}

	body := map[string]any{
		"attribution_destination": destinationField(s.AppDestinations, s.WebDestinations),
		"source_event_id":         fmt.Sprintf("%d", s.EventID),
		"source_site":             s.Publisher,
	}
	if key := s.DebugKeyForNoisedReport(); key != nil {
		body["source_debug_key"] = fmt.Sprintf("%d", *key)
	}
	if r.Limit != nil {
		body["limit"] = fmt.Sprintf("%d", *r.Limit)
	}

	return a.insert(ctx, dao, r.Type, body, s.EnrollmentID, s.RegistrationOrigin, s.Registrant)
}

// ScheduleTriggerReport inserts a verbose debug report row for a trigger
// outcome when the opt-in and permission gates pass.
func (a *VerboseAPI) ScheduleTriggerReport(ctx context.Context, dao *store.DAO, reportType string, t *model.Trigger) error {
	if !a.flags.EnableDebugReports || !a.flags.EnableTriggerDebugReports {
		return nil
	}
	if !t.IsDebugReporting || !hasDebugPermission(t.DestinationType, t.AdIDPermission, t.ArDebugPermission) {
		return nil
	}

	body := map[string]any{
		"attribution_destination": t.AttributionDestination,
	}
	if t.DebugKey != nil {
		body["trigger_debug_key"] = fmt.Sprintf("%d", *t.DebugKey)
	}

	return a.insert(ctx, dao, reportType, body, t.EnrollmentID, t.RegistrationOrigin, t.Registrant)
}

// ScheduleHeaderErrorReport inserts a header-parsing-error report carrying
// the offending header verbatim. The opt-in signal arrives on the request
// rather than the (unparseable) payload, so the caller decides eligibility.
func (a *VerboseAPI) ScheduleHeaderErrorReport(
	ctx context.Context,
	dao *store.DAO,
	reg *model.AsyncRegistration,
	enrollmentID string,
	headerName string,
	headerValue string,
) error {
	if !a.flags.EnableDebugReports || !a.flags.EnableHeaderErrorDebugReports {
		return nil
	}
	registrationOrigin, err := web.OriginAndScheme(reg.RegistrationURI)
	if err != nil {
		return err
	}
	body := map[string]any{
		"context_site": reg.TopOrigin,
		"header":       headerName,
		"value":        headerValue,
	}
	return a.insert(ctx, dao, model.DebugTypeHeaderParsingError, body, enrollmentID, registrationOrigin, reg.Registrant)
}

func (a *VerboseAPI) insert(
	ctx context.Context,
	dao *store.DAO,
	reportType string,
	body map[string]any,
	enrollmentID string,
	registrationOrigin string,
	registrant string,
) error {
	encoded, err := model.MarshalCanonical(body)
	if err != nil {
		return fmt.Errorf("encode debug report body: %w", err)
	}
	report := &model.DebugReport{
		ID:                 uuid.NewString(),
		Type:               reportType,
		Body:               string(encoded),
		EnrollmentID:       enrollmentID,
		RegistrationOrigin: registrationOrigin,
		Registrant:         registrant,
		InsertionTime:      a.clock().UnixMilli(),
	}
	if err := dao.InsertDebugReport(ctx, report); err != nil {
		return err
	}
	a.logger.Debug("scheduled verbose debug report", "type", reportType, "origin", registrationOrigin)
	return nil
}

func hasDebugPermission(surface model.SurfaceType, adID, arDebug bool) bool {
	if surface == model.SurfaceTypeApp {
		return adID
	}
	return arDebug
}

// destinationField renders the attribution_destination body field: a single
// string when one destination exists, else a sorted list.
func destinationField(app, webDests []string) any {
	all := make([]string, 0, len(app)+len(webDests))
	all = append(all, app...)
	all = append(all, webDests...)
	if len(all) == 1 {
		return all[0]
	}
	return all
}
