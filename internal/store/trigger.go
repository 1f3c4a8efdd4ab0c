package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/attribution/internal/model"
)

// InsertTrigger persists a validated trigger. Attribution scopes are stored
// as a canonical JSON array.
func (d *DAO) InsertTrigger(ctx context.Context, t *model.Trigger) (string, error) {
	scopes, err := model.MarshalCanonical(t.AttributionScopes)
	if err != nil {
		return "", fmt.Errorf("insert trigger: %w", err)
	}
	_, err = d.q.ExecContext(ctx, `
		INSERT INTO trigger_registration
		(id, attribution_destination, destination_type, enrollment_id,
		 registration_origin, registrant, trigger_time, event_triggers,
		 aggregate_trigger_data, aggregate_values, aggregate_dedup_keys,
		 filters, not_filters, attribution_scopes, trigger_context_id,
		 status, debug_key, debug_join_key, debug_ad_id, ad_id_permission,
		 ar_debug_permission, is_debug_reporting,
		 aggregation_coordinator_origin, aggregate_debug_reporting)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		t.AttributionDestination,
		int(t.DestinationType),
		t.EnrollmentID,
		t.RegistrationOrigin,
		t.Registrant,
		t.TriggerTime,
		t.EventTriggers,
		t.AggregateTriggerData,
		t.AggregateValues,
		t.AggregateDedupKeys,
		t.Filters,
		t.NotFilters,
		string(scopes),
		t.TriggerContextID,
		int(t.Status),
		nullableUint64(t.DebugKey),
		t.DebugJoinKey,
		t.DebugAdID,
		t.AdIDPermission,
		t.ArDebugPermission,
		t.IsDebugReporting,
		t.AggregationCoordinatorOrigin,
		t.AggregateDebugReporting,
	)
	if err != nil {
		return "", fmt.Errorf("insert trigger: %w", err)
	}
	return t.ID, nil
}

// GetTrigger loads a trigger by id. Returns nil when absent.
func (d *DAO) GetTrigger(ctx context.Context, id string) (*model.Trigger, error) {
	var (
		t        model.Trigger
		destType int
		status   int
		scopes   string
		debugKey sql.NullString
	)
	err := d.q.QueryRowContext(ctx, `
		SELECT id, attribution_destination, destination_type, enrollment_id,
		       registration_origin, registrant, trigger_time, event_triggers,
		       aggregate_trigger_data, aggregate_values, aggregate_dedup_keys,
		       filters, not_filters, attribution_scopes, trigger_context_id,
		       status, debug_key, debug_join_key, debug_ad_id,
		       ad_id_permission, ar_debug_permission, is_debug_reporting,
		       aggregation_coordinator_origin, aggregate_debug_reporting
		FROM trigger_registration WHERE id = ?
	`, id).Scan(
		&t.ID, &t.AttributionDestination, &destType, &t.EnrollmentID,
		&t.RegistrationOrigin, &t.Registrant, &t.TriggerTime, &t.EventTriggers,
		&t.AggregateTriggerData, &t.AggregateValues, &t.AggregateDedupKeys,
		&t.Filters, &t.NotFilters, &scopes, &t.TriggerContextID,
		&status, &debugKey, &t.DebugJoinKey, &t.DebugAdID,
		&t.AdIDPermission, &t.ArDebugPermission, &t.IsDebugReporting,
		&t.AggregationCoordinatorOrigin, &t.AggregateDebugReporting,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	t.DestinationType = model.SurfaceType(destType)
	t.Status = model.TriggerStatus(status)
	if scopes != "" && scopes != "[]" {
		if err := json.Unmarshal([]byte(scopes), &t.AttributionScopes); err != nil {
			return nil, fmt.Errorf("get trigger: corrupt attribution scopes: %w", err)
		}
	}
	if debugKey.Valid {
		k, err := strconv.ParseUint(debugKey.String, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("get trigger: corrupt debug key: %w", err)
		}
		t.DebugKey = &k
	}
	return &t, nil
}

// NumTriggersPerDestination counts stored triggers for a destination.
func (d *DAO) NumTriggersPerDestination(ctx context.Context, destination string, destinationType model.SurfaceType) (int64, error) {
	var count int64
	err := d.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trigger_registration
		WHERE attribution_destination = ? AND destination_type = ?
	`, destination, int(destinationType)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count triggers per destination: %w", err)
	}
	return count, nil
}
