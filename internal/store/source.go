package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/attribution/internal/model"
)

// InsertSource persists a source and one source_destination row per
// destination so destination-scoped limit queries can join instead of
// parsing lists.
func (d *DAO) InsertSource(ctx context.Context, s *model.Source) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO source
		(id, event_id, publisher, publisher_type, enrollment_id,
		 registration_origin, registrant, registration_id, source_type,
		 priority, event_time, expiry_time, event_report_window,
		 event_report_windows, aggregatable_report_window,
		 install_attribution_window, install_cooldown_window, filter_data,
		 aggregation_keys, trigger_specs, max_event_level_reports,
		 coarse_event_report_destinations, status, attribution_mode,
		 destination_limit_priority, destination_limit_algorithm,
		 drop_source_if_installed, debug_key, shared_debug_key,
		 debug_join_key, debug_ad_id, ad_id_permission, ar_debug_permission,
		 is_debug_reporting, aggregate_debug_reporting,
		 aggregate_debug_contributions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID,
		strconv.FormatUint(s.EventID, 10),
		s.Publisher,
		int(s.PublisherType),
		s.EnrollmentID,
		s.RegistrationOrigin,
		s.Registrant,
		s.RegistrationID,
		string(s.SourceType),
		s.Priority,
		s.EventTime,
		s.ExpiryTime,
		s.EventReportWindow,
		s.EventReportWindows,
		s.AggregatableReportWindow,
		s.InstallAttributionWindow,
		s.InstallCooldownWindow,
		s.FilterData,
		s.AggregationKeys,
		s.TriggerSpecs,
		s.MaxEventLevelReports,
		s.CoarseEventReportDestinations,
		int(s.Status),
		int(s.AttributionMode),
		s.DestinationLimitPriority,
		int(s.DestinationLimitAlgorithm),
		s.DropSourceIfInstalled,
		nullableUint64(s.DebugKey),
		nullableUint64(s.SharedDebugKey),
		s.DebugJoinKey,
		s.DebugAdID,
		s.AdIDPermission,
		s.ArDebugPermission,
		s.IsDebugReporting,
		s.AggregateDebugReporting,
		s.AggregateDebugReportContributions,
	)
	if err != nil {
		return "", fmt.Errorf("insert source: %w", err)
	}

	for _, dest := range s.AppDestinations {
		if err := d.insertSourceDestination(ctx, s.ID, model.SurfaceTypeApp, dest); err != nil {
			return "", err
		}
	}
	for _, dest := range s.WebDestinations {
		if err := d.insertSourceDestination(ctx, s.ID, model.SurfaceTypeWeb, dest); err != nil {
			return "", err
		}
	}
	return s.ID, nil
}

func (d *DAO) insertSourceDestination(ctx context.Context, sourceID string, destType model.SurfaceType, dest string) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO source_destination (source_id, destination_type, destination)
		VALUES (?, ?, ?)
	`, sourceID, int(destType), dest)
	if err != nil {
		return fmt.Errorf("insert source destination: %w", err)
	}
	return nil
}

// GetSource loads a source with its destinations. Returns nil when absent.
func (d *DAO) GetSource(ctx context.Context, id string) (*model.Source, error) {
	var (
		s         model.Source
		eventID   string
		pubType   int
		status    int
		mode      int
		algorithm int
		debugKey  sql.NullString
		sharedKey sql.NullString
	)
	err := d.q.QueryRowContext(ctx, `
		SELECT id, event_id, publisher, publisher_type, enrollment_id,
		       registration_origin, registrant, registration_id, source_type,
		       priority, event_time, expiry_time, event_report_window,
		       event_report_windows, aggregatable_report_window,
		       install_attribution_window, install_cooldown_window,
		       filter_data, aggregation_keys, trigger_specs,
		       max_event_level_reports, coarse_event_report_destinations,
		       status, attribution_mode, destination_limit_priority,
		       destination_limit_algorithm, drop_source_if_installed,
		       debug_key, shared_debug_key, debug_join_key, debug_ad_id,
		       ad_id_permission, ar_debug_permission, is_debug_reporting,
		       aggregate_debug_reporting, aggregate_debug_contributions
		FROM source WHERE id = ?
	`, id).Scan(
		&s.ID, &eventID, &s.Publisher, &pubType, &s.EnrollmentID,
		&s.RegistrationOrigin, &s.Registrant, &s.RegistrationID, &s.SourceType,
		&s.Priority, &s.EventTime, &s.ExpiryTime, &s.EventReportWindow,
		&s.EventReportWindows, &s.AggregatableReportWindow,
		&s.InstallAttributionWindow, &s.InstallCooldownWindow,
		&s.FilterData, &s.AggregationKeys, &s.TriggerSpecs,
		&s.MaxEventLevelReports, &s.CoarseEventReportDestinations,
		&status, &mode, &s.DestinationLimitPriority,
		&algorithm, &s.DropSourceIfInstalled,
		&debugKey, &sharedKey, &s.DebugJoinKey, &s.DebugAdID,
		&s.AdIDPermission, &s.ArDebugPermission, &s.IsDebugReporting,
		&s.AggregateDebugReporting, &s.AggregateDebugReportContributions,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}

	s.EventID, err = strconv.ParseUint(eventID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("get source: corrupt event id %q: %w", eventID, err)
	}
	s.PublisherType = model.SurfaceType(pubType)
	s.Status = model.SourceStatus(status)
	s.AttributionMode = model.AttributionMode(mode)
	s.DestinationLimitAlgorithm = model.DestinationLimitAlgorithm(algorithm)
	if debugKey.Valid {
		k, err := strconv.ParseUint(debugKey.String, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("get source: corrupt debug key: %w", err)
		}
		s.DebugKey = &k
	}
	if sharedKey.Valid {
		k, err := strconv.ParseUint(sharedKey.String, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("get source: corrupt shared debug key: %w", err)
		}
		s.SharedDebugKey = &k
	}

	rows, err := d.q.QueryContext(ctx, `
		SELECT destination_type, destination FROM source_destination WHERE source_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get source destinations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var destType int
		var dest string
		if err := rows.Scan(&destType, &dest); err != nil {
			return nil, fmt.Errorf("get source destinations: %w", err)
		}
		if model.SurfaceType(destType) == model.SurfaceTypeApp {
			s.AppDestinations = append(s.AppDestinations, dest)
		} else {
			s.WebDestinations = append(s.WebDestinations, dest)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get source destinations: %w", err)
	}
	return &s, nil
}

// ListSourceIDs returns every stored source id, oldest registration first.
func (d *DAO) ListSourceIDs(ctx context.Context) ([]string, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id FROM source ORDER BY event_time ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list source ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan source id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateSourceStatus moves a set of sources to a new status.
func (d *DAO) UpdateSourceStatus(ctx context.Context, sourceIDs []string, status model.SourceStatus) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(sourceIDs)+1)
	args = append(args, int(status))
	for _, id := range sourceIDs {
		args = append(args, id)
	}
	query := `UPDATE source SET status = ? WHERE id IN (?` +
		strings.Repeat(", ?", len(sourceIDs)-1) + `)`
	if _, err := d.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update source status: %w", err)
	}
	return nil
}

// UpdateSourceAggregateDebugContributions persists a source's running
// aggregate debug contribution counter.
func (d *DAO) UpdateSourceAggregateDebugContributions(ctx context.Context, sourceID string, contributions int) error {
	if _, err := d.q.ExecContext(ctx, `
		UPDATE source SET aggregate_debug_contributions = ? WHERE id = ?
	`, contributions, sourceID); err != nil {
		return fmt.Errorf("update source adr contributions: %w", err)
	}
	return nil
}

// NumSourcesPerPublisher counts sources registered by a publisher that have
// not been marked for deletion.
func (d *DAO) NumSourcesPerPublisher(ctx context.Context, publisher string, publisherType model.SurfaceType) (int64, error) {
	var count int64
	err := d.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM source
		WHERE publisher = ? AND publisher_type = ? AND status != ?
	`, publisher, int(publisherType), int(model.SourceStatusMarkedToDelete)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sources per publisher: %w", err)
	}
	return count, nil
}

// CountDistinctDestinationsPerPubXEnrollmentInUnexpiredSource counts the
// distinct destinations of a destination type across ACTIVE unexpired
// sources for the publisher and enrollment, excluding the destinations the
// incoming source is about to claim.
func (d *DAO) CountDistinctDestinationsPerPubXEnrollmentInUnexpiredSource(
	ctx context.Context,
	publisher string,
	publisherType model.SurfaceType,
	enrollmentID string,
	destinationType model.SurfaceType,
	excludedDestinations []string,
	now int64,
) (int64, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT COUNT(DISTINCT sd.destination)
		FROM source_destination sd
		JOIN source s ON s.id = sd.source_id
		WHERE s.publisher = ? AND s.publisher_type = ? AND s.enrollment_id = ?
		  AND sd.destination_type = ? AND s.status = ? AND s.expiry_time > ?
	`)
	args := []any{
		publisher, int(publisherType), enrollmentID,
		int(destinationType), int(model.SourceStatusActive), now,
	}
	for _, dest := range excludedDestinations {
		query.WriteString(" AND sd.destination != ?")
		args = append(args, dest)
	}

	var count int64
	if err := d.q.QueryRowContext(ctx, query.String(), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count distinct destinations in unexpired sources: %w", err)
	}
	return count, nil
}

// CountDistinctDestPerPubXEnrollmentInSourceInWindow counts distinct
// destinations for publisher x enrollment across sources registered inside
// the trailing rate-limit window, regardless of status.
func (d *DAO) CountDistinctDestPerPubXEnrollmentInSourceInWindow(
	ctx context.Context,
	publisher string,
	publisherType model.SurfaceType,
	enrollmentID string,
	destinationType model.SurfaceType,
	windowStart int64,
	now int64,
) (int64, error) {
	var count int64
	err := d.q.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT sd.destination)
		FROM source_destination sd
		JOIN source s ON s.id = sd.source_id
		WHERE s.publisher = ? AND s.publisher_type = ? AND s.enrollment_id = ?
		  AND sd.destination_type = ?
		  AND s.event_time > ? AND s.event_time <= ?
	`, publisher, int(publisherType), enrollmentID,
		int(destinationType), windowStart, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count distinct destinations in window: %w", err)
	}
	return count, nil
}

// CountDistinctDestinationsPerPublisherPerRateLimitWindow counts distinct
// destinations across all enrollments for the publisher in the trailing
// window. This is the global cross-site limit.
func (d *DAO) CountDistinctDestinationsPerPublisherPerRateLimitWindow(
	ctx context.Context,
	publisher string,
	publisherType model.SurfaceType,
	destinationType model.SurfaceType,
	windowStart int64,
	now int64,
) (int64, error) {
	var count int64
	err := d.q.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT sd.destination)
		FROM source_destination sd
		JOIN source s ON s.id = sd.source_id
		WHERE s.publisher = ? AND s.publisher_type = ?
		  AND sd.destination_type = ?
		  AND s.event_time > ? AND s.event_time <= ?
	`, publisher, int(publisherType),
		int(destinationType), windowStart, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count distinct destinations per publisher in window: %w", err)
	}
	return count, nil
}

// CountDistinctReportingOriginsPerPublisherXDestInSource counts distinct
// reporting origins across unexpired sources sharing the publisher and any
// of the given destinations.
func (d *DAO) CountDistinctReportingOriginsPerPublisherXDestInSource(
	ctx context.Context,
	publisher string,
	publisherType model.SurfaceType,
	destinations []string,
	excludedOrigin string,
	now int64,
) (int64, error) {
	if len(destinations) == 0 {
		return 0, nil
	}
	query := `
		SELECT COUNT(DISTINCT s.registration_origin)
		FROM source_destination sd
		JOIN source s ON s.id = sd.source_id
		WHERE s.publisher = ? AND s.publisher_type = ?
		  AND s.registration_origin != ?
		  AND s.expiry_time > ? AND s.status != ?
		  AND sd.destination IN (?` + strings.Repeat(", ?", len(destinations)-1) + `)`
	args := []any{
		publisher, int(publisherType), excludedOrigin,
		now, int(model.SourceStatusMarkedToDelete),
	}
	for _, dest := range destinations {
		args = append(args, dest)
	}

	var count int64
	if err := d.q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count distinct reporting origins per destination: %w", err)
	}
	return count, nil
}

// CountSourcesPerPublisherXEnrollmentExcludingRegOrigin counts sources for
// the publisher and enrollment registered by a different reporting origin
// inside the origin-update window. A nonzero count means another origin is
// already active for this pair.
func (d *DAO) CountSourcesPerPublisherXEnrollmentExcludingRegOrigin(
	ctx context.Context,
	registrationOrigin string,
	publisher string,
	publisherType model.SurfaceType,
	enrollmentID string,
	eventTime int64,
	windowMS int64,
) (int64, error) {
	var count int64
	err := d.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM source
		WHERE publisher = ? AND publisher_type = ? AND enrollment_id = ?
		  AND registration_origin != ?
		  AND event_time > ? AND event_time <= ?
	`, publisher, int(publisherType), enrollmentID,
		registrationOrigin, eventTime-windowMS, eventTime).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sources excluding registration origin: %w", err)
	}
	return count, nil
}

// CountNavigationSourcesPerReportingOriginXRegistration counts navigation
// sources already stored for the same registration id and reporting origin.
func (d *DAO) CountNavigationSourcesPerReportingOriginXRegistration(
	ctx context.Context,
	registrationOrigin string,
	registrationID string,
) (int64, error) {
	var count int64
	err := d.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM source
		WHERE registration_origin = ? AND registration_id = ? AND source_type = ?
	`, registrationOrigin, registrationID, string(model.SourceTypeNavigation)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count navigation sources per origin and registration: %w", err)
	}
	return count, nil
}

// LowestPriorityDestinationGroup identifies the next FIFO eviction victim for
// the publisher x enrollment x destination-type scope: the destination whose
// anchoring sources have the lowest destination-limit priority, oldest first,
// together with every ACTIVE source id anchored to it.
func (d *DAO) LowestPriorityDestinationGroup(
	ctx context.Context,
	publisher string,
	publisherType model.SurfaceType,
	enrollmentID string,
	destinationType model.SurfaceType,
	now int64,
) (destination string, priority int64, sourceIDs []string, err error) {
	err = d.q.QueryRowContext(ctx, `
		SELECT sd.destination, MAX(s.destination_limit_priority)
		FROM source_destination sd
		JOIN source s ON s.id = sd.source_id
		WHERE s.publisher = ? AND s.publisher_type = ? AND s.enrollment_id = ?
		  AND sd.destination_type = ? AND s.status = ? AND s.expiry_time > ?
		GROUP BY sd.destination
		ORDER BY MAX(s.destination_limit_priority) ASC, MAX(s.event_time) ASC
		LIMIT 1
	`, publisher, int(publisherType), enrollmentID,
		int(destinationType), int(model.SourceStatusActive), now,
	).Scan(&destination, &priority)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil, nil
	}
	if err != nil {
		return "", 0, nil, fmt.Errorf("find lowest priority destination: %w", err)
	}

	rows, err := d.q.QueryContext(ctx, `
		SELECT DISTINCT s.id
		FROM source_destination sd
		JOIN source s ON s.id = sd.source_id
		WHERE s.publisher = ? AND s.publisher_type = ? AND s.enrollment_id = ?
		  AND sd.destination_type = ? AND sd.destination = ?
		  AND s.status = ? AND s.expiry_time > ?
	`, publisher, int(publisherType), enrollmentID,
		int(destinationType), destination,
		int(model.SourceStatusActive), now)
	if err != nil {
		return "", 0, nil, fmt.Errorf("load eviction candidates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", 0, nil, fmt.Errorf("load eviction candidates: %w", err)
		}
		sourceIDs = append(sourceIDs, id)
	}
	if err := rows.Err(); err != nil {
		return "", 0, nil, fmt.Errorf("load eviction candidates: %w", err)
	}
	return destination, priority, sourceIDs, nil
}

func nullableUint64(v *uint64) any {
	if v == nil {
		return nil
	}
	return strconv.FormatUint(*v, 10)
}
