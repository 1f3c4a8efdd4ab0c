package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/attribution/internal/model"
)

// SumAggregateDebugContributionsPerOriginXSite totals ledger contributions
// for a reporting origin on a top-level site inside the budget window.
func (d *DAO) SumAggregateDebugContributionsPerOriginXSite(
	ctx context.Context,
	reportingOrigin string,
	topLevelSite string,
	windowStart int64,
	now int64,
) (int64, error) {
	var sum int64
	err := d.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(contributions), 0)
		FROM aggregate_debug_report_budget
		WHERE registration_origin = ? AND top_level_site = ?
		  AND report_time > ? AND report_time <= ?
	`, reportingOrigin, topLevelSite, windowStart, now).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum adr contributions per origin and site: %w", err)
	}
	return sum, nil
}

// SumAggregateDebugContributionsPerSite totals ledger contributions on a
// top-level site inside the budget window, across all reporting origins.
func (d *DAO) SumAggregateDebugContributionsPerSite(
	ctx context.Context,
	topLevelSite string,
	windowStart int64,
	now int64,
) (int64, error) {
	var sum int64
	err := d.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(contributions), 0)
		FROM aggregate_debug_report_budget
		WHERE top_level_site = ? AND report_time > ? AND report_time <= ?
	`, topLevelSite, windowStart, now).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum adr contributions per site: %w", err)
	}
	return sum, nil
}

// InsertAggregateDebugReportRecord appends a budget-ledger row.
func (d *DAO) InsertAggregateDebugReportRecord(ctx context.Context, rec *model.AggregateDebugReportRecord) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO aggregate_debug_report_budget
		(id, registration_origin, top_level_site, top_level_site_type,
		 registrant_app, report_time, contributions, source_id, trigger_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(),
		rec.ReportingOrigin,
		rec.TopLevelSite,
		int(rec.TopLevelSiteType),
		rec.RegistrantApp,
		rec.ReportGenerationTime,
		rec.ContributionValue,
		rec.SourceID,
		rec.TriggerID,
	)
	if err != nil {
		return fmt.Errorf("insert adr budget record: %w", err)
	}
	return nil
}

// ListAggregateDebugReportRecords returns the ledger rows for a top-level
// site in report-time order.
func (d *DAO) ListAggregateDebugReportRecords(ctx context.Context, topLevelSite string) ([]*model.AggregateDebugReportRecord, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT registration_origin, top_level_site, top_level_site_type,
		       registrant_app, report_time, contributions, source_id, trigger_id
		FROM aggregate_debug_report_budget
		WHERE top_level_site = ?
		ORDER BY report_time ASC, id ASC
	`, topLevelSite)
	if err != nil {
		return nil, fmt.Errorf("list adr budget records: %w", err)
	}
	defer rows.Close()

	var records []*model.AggregateDebugReportRecord
	for rows.Next() {
		rec := &model.AggregateDebugReportRecord{}
		var siteType int
		if err := rows.Scan(
			&rec.ReportingOrigin, &rec.TopLevelSite, &siteType,
			&rec.RegistrantApp, &rec.ReportGenerationTime,
			&rec.ContributionValue, &rec.SourceID, &rec.TriggerID,
		); err != nil {
			return nil, fmt.Errorf("scan adr budget record: %w", err)
		}
		rec.TopLevelSiteType = model.SurfaceType(siteType)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list adr budget records: %w", err)
	}
	return records, nil
}
