package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/attribution/internal/model"
)

// InsertEventReport persists an event report, fake or real. Destinations are
// stored as a canonical JSON array.
func (d *DAO) InsertEventReport(ctx context.Context, r *model.EventReport) error {
	destinations, err := model.MarshalCanonical(r.AttributionDestinations)
	if err != nil {
		return fmt.Errorf("insert event report: %w", err)
	}
	_, err = d.q.ExecContext(ctx, `
		INSERT INTO event_report
		(id, source_id, source_event_id, attribution_destinations,
		 enrollment_id, registration_origin, trigger_data, trigger_priority,
		 trigger_dedup_key, report_time, trigger_time, status,
		 source_debug_key, trigger_debug_key, is_fake)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.SourceID,
		strconv.FormatUint(r.SourceEventID, 10),
		string(destinations),
		r.EnrollmentID,
		r.RegistrationOrigin,
		strconv.FormatUint(r.TriggerData, 10),
		r.TriggerPriority,
		nullableUint64(r.TriggerDedupKey),
		r.ReportTime,
		r.TriggerTime,
		int(r.Status),
		nullableUint64(r.SourceDebugKey),
		nullableUint64(r.TriggerDebugKey),
		r.IsFake,
	)
	if err != nil {
		return fmt.Errorf("insert event report: %w", err)
	}
	return nil
}

// ListEventReportsForSource loads the event reports anchored to a source,
// ordered by reporting time.
func (d *DAO) ListEventReportsForSource(ctx context.Context, sourceID string) ([]*model.EventReport, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, source_id, source_event_id, attribution_destinations,
		       enrollment_id, registration_origin, trigger_data,
		       trigger_priority, report_time, trigger_time, status, is_fake
		FROM event_report WHERE source_id = ? ORDER BY report_time
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list event reports: %w", err)
	}
	defer rows.Close()

	var reports []*model.EventReport
	for rows.Next() {
		var (
			r            model.EventReport
			eventID      string
			destinations string
			triggerData  string
			status       int
		)
		if err := rows.Scan(
			&r.ID, &r.SourceID, &eventID, &destinations,
			&r.EnrollmentID, &r.RegistrationOrigin, &triggerData,
			&r.TriggerPriority, &r.ReportTime, &r.TriggerTime, &status, &r.IsFake,
		); err != nil {
			return nil, fmt.Errorf("list event reports: %w", err)
		}
		if r.SourceEventID, err = strconv.ParseUint(eventID, 10, 64); err != nil {
			return nil, fmt.Errorf("list event reports: corrupt event id: %w", err)
		}
		if r.TriggerData, err = strconv.ParseUint(triggerData, 10, 64); err != nil {
			return nil, fmt.Errorf("list event reports: corrupt trigger data: %w", err)
		}
		if err := json.Unmarshal([]byte(destinations), &r.AttributionDestinations); err != nil {
			return nil, fmt.Errorf("list event reports: corrupt destinations: %w", err)
		}
		r.Status = model.EventReportStatus(status)
		reports = append(reports, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list event reports: %w", err)
	}
	return reports, nil
}

// DeleteFutureFakeEventReportsForSources removes fake event reports whose
// reporting time is still ahead, for sources being evicted.
func (d *DAO) DeleteFutureFakeEventReportsForSources(ctx context.Context, sourceIDs []string, now int64) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(sourceIDs)+1)
	args = append(args, now)
	for _, id := range sourceIDs {
		args = append(args, id)
	}
	query := `DELETE FROM event_report
		WHERE is_fake = 1 AND report_time > ?
		  AND source_id IN (?` + strings.Repeat(", ?", len(sourceIDs)-1) + `)`
	if _, err := d.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete future fake event reports: %w", err)
	}
	return nil
}

// InsertAggregateReport persists an aggregate report row.
func (d *DAO) InsertAggregateReport(ctx context.Context, r *model.AggregateReport) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO aggregate_report
		(id, publisher, attribution_destination, source_registration_time,
		 scheduled_report_time, enrollment_id, registration_origin,
		 debug_cleartext_payload, status, debug_report_status, api,
		 api_version, source_id, trigger_id, aggregation_coordinator_origin,
		 is_fake_report, trigger_context_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Publisher,
		r.AttributionDestination,
		r.SourceRegistrationTime,
		r.ScheduledReportTime,
		r.EnrollmentID,
		r.RegistrationOrigin,
		r.DebugCleartextPayload,
		int(r.Status),
		int(r.DebugReportStatus),
		r.API,
		r.APIVersion,
		nullableString(r.SourceID),
		nullableString(r.TriggerID),
		r.AggregationCoordinatorOrigin,
		r.IsFakeReport,
		r.TriggerContextID,
	)
	if err != nil {
		return fmt.Errorf("insert aggregate report: %w", err)
	}
	return nil
}

// DeletePendingAggregateReportsForSources removes not-yet-delivered
// aggregate reports attributed to evicted sources.
func (d *DAO) DeletePendingAggregateReportsForSources(ctx context.Context, sourceIDs []string) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(sourceIDs)+1)
	args = append(args, int(model.AggregateReportStatusPending))
	for _, id := range sourceIDs {
		args = append(args, id)
	}
	query := `DELETE FROM aggregate_report
		WHERE status = ?
		  AND source_id IN (?` + strings.Repeat(", ?", len(sourceIDs)-1) + `)`
	if _, err := d.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete pending aggregate reports: %w", err)
	}
	return nil
}

// CountAggregateReportsPerSource counts aggregate reports tagged with an api
// label for one source. The aggregate debug path uses it to bound null
// report volume per source.
func (d *DAO) CountAggregateReportsPerSource(ctx context.Context, sourceID, api string) (int64, error) {
	var count int64
	err := d.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM aggregate_report WHERE source_id = ? AND api = ?
	`, sourceID, api).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count aggregate reports per source: %w", err)
	}
	return count, nil
}

// ListAggregateReportsForSource returns all aggregate reports attached to a
// source, filtered by api label, oldest scheduled first.
func (d *DAO) ListAggregateReportsForSource(ctx context.Context, sourceID, api string) ([]*model.AggregateReport, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, publisher, attribution_destination, source_registration_time,
		       scheduled_report_time, enrollment_id, registration_origin,
		       debug_cleartext_payload, status, debug_report_status, api,
		       api_version, COALESCE(source_id, ''), COALESCE(trigger_id, ''),
		       aggregation_coordinator_origin, is_fake_report, trigger_context_id
		FROM aggregate_report
		WHERE source_id = ? AND api = ?
		ORDER BY scheduled_report_time ASC, rowid ASC
	`, sourceID, api)
	if err != nil {
		return nil, fmt.Errorf("list aggregate reports for source: %w", err)
	}
	defer rows.Close()

	var reports []*model.AggregateReport
	for rows.Next() {
		r := &model.AggregateReport{}
		var status, debugStatus int
		if err := rows.Scan(
			&r.ID, &r.Publisher, &r.AttributionDestination, &r.SourceRegistrationTime,
			&r.ScheduledReportTime, &r.EnrollmentID, &r.RegistrationOrigin,
			&r.DebugCleartextPayload, &status, &debugStatus, &r.API,
			&r.APIVersion, &r.SourceID, &r.TriggerID,
			&r.AggregationCoordinatorOrigin, &r.IsFakeReport, &r.TriggerContextID,
		); err != nil {
			return nil, fmt.Errorf("scan aggregate report: %w", err)
		}
		r.Status = model.AggregateReportStatus(status)
		r.DebugReportStatus = model.DebugReportStatus(debugStatus)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// InsertDebugReport persists a verbose debug report.
func (d *DAO) InsertDebugReport(ctx context.Context, r *model.DebugReport) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO debug_report
		(id, type, body, enrollment_id, registration_origin, registrant,
		 insertion_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Type,
		r.Body,
		r.EnrollmentID,
		r.RegistrationOrigin,
		r.Registrant,
		r.InsertionTime,
	)
	if err != nil {
		return fmt.Errorf("insert debug report: %w", err)
	}
	return nil
}

// ListDebugReports returns every verbose debug report, oldest first.
func (d *DAO) ListDebugReports(ctx context.Context) ([]*model.DebugReport, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, type, body, enrollment_id, registration_origin, registrant,
		       insertion_time
		FROM debug_report
		ORDER BY insertion_time ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list debug reports: %w", err)
	}
	defer rows.Close()

	var reports []*model.DebugReport
	for rows.Next() {
		r := &model.DebugReport{}
		if err := rows.Scan(
			&r.ID, &r.Type, &r.Body, &r.EnrollmentID, &r.RegistrationOrigin,
			&r.Registrant, &r.InsertionTime,
		); err != nil {
			return nil, fmt.Errorf("scan debug report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// InsertAttribution persists a rate-limit ledger row. Fake outcomes reserve
// budget with a sentinel report id.
func (d *DAO) InsertAttribution(ctx context.Context, a *model.Attribution) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO attribution
		(id, scope, source_site, source_origin, destination_site,
		 destination_origin, enrollment_id, trigger_time, registrant,
		 registration_origin, source_id, trigger_id, report_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		int(a.Scope),
		a.SourceSite,
		a.SourceOrigin,
		a.DestinationSite,
		a.DestinationOrigin,
		a.EnrollmentID,
		a.TriggerTime,
		a.Registrant,
		a.RegistrationOrigin,
		nullableString(a.SourceID),
		nullableString(a.TriggerID),
		a.ReportID,
	)
	if err != nil {
		return fmt.Errorf("insert attribution: %w", err)
	}
	return nil
}

// ListAttributionsForSource returns the rate-limit ledger rows charged to a
// source, oldest trigger time first.
func (d *DAO) ListAttributionsForSource(ctx context.Context, sourceID string) ([]*model.Attribution, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, scope, source_site, source_origin, destination_site,
		       destination_origin, enrollment_id, trigger_time, registrant,
		       registration_origin, COALESCE(source_id, ''),
		       COALESCE(trigger_id, ''), report_id
		FROM attribution
		WHERE source_id = ?
		ORDER BY trigger_time ASC, id ASC
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list attributions: %w", err)
	}
	defer rows.Close()

	var attributions []*model.Attribution
	for rows.Next() {
		a := &model.Attribution{}
		var scope int
		if err := rows.Scan(
			&a.ID, &scope, &a.SourceSite, &a.SourceOrigin, &a.DestinationSite,
			&a.DestinationOrigin, &a.EnrollmentID, &a.TriggerTime, &a.Registrant,
			&a.RegistrationOrigin, &a.SourceID, &a.TriggerID, &a.ReportID,
		); err != nil {
			return nil, fmt.Errorf("scan attribution: %w", err)
		}
		a.Scope = model.AttributionScope(scope)
		attributions = append(attributions, a)
	}
	return attributions, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
