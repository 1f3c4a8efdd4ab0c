package store

import (
	"context"
	"fmt"

	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/web"
)

// InsertAsyncRegistration enqueues a registration for processing. Duplicate
// IDs are silently ignored so redirect fan-out retried after a crash stays
// idempotent.
func (d *DAO) InsertAsyncRegistration(ctx context.Context, reg *model.AsyncRegistration) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO async_registration
		(id, registration_uri, registrant, top_origin, type, source_type,
		 os_destination, web_destination, verified_destination, request_time,
		 retry_count, redirect_behavior, ad_id_permission, debug_key_allowed,
		 registration_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		reg.ID,
		reg.RegistrationURI,
		reg.Registrant,
		reg.TopOrigin,
		int(reg.Type),
		string(reg.SourceType),
		reg.OSDestination,
		reg.WebDestination,
		reg.VerifiedDestination,
		reg.RequestTime,
		reg.RetryCount,
		string(reg.RedirectBehavior),
		reg.AdIDPermission,
		reg.DebugKeyAllowed,
		reg.RegistrationID,
	)
	if err != nil {
		return fmt.Errorf("insert async registration: %w", err)
	}
	return nil
}

// FetchNextQueuedRegistration returns the oldest registration whose retry
// count is under retryLimit and whose URI is not under any of the origins
// that already failed in this run. Origins are compared by parsed base URI,
// not string prefix, so https://a.com does not shadow https://a.common.
// Returns nil when the queue is drained.
func (d *DAO) FetchNextQueuedRegistration(
	ctx context.Context,
	retryLimit int,
	failedOrigins map[string]struct{},
) (*model.AsyncRegistration, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, registration_uri, registrant, top_origin, type, source_type,
		       os_destination, web_destination, verified_destination,
		       request_time, retry_count, redirect_behavior, ad_id_permission,
		       debug_key_allowed, registration_id
		FROM async_registration
		WHERE retry_count < ?
		ORDER BY request_time
	`, retryLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch next registration: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			reg        model.AsyncRegistration
			regType    int
			sourceType string
			behavior   string
		)
		if err := rows.Scan(
			&reg.ID,
			&reg.RegistrationURI,
			&reg.Registrant,
			&reg.TopOrigin,
			&regType,
			&sourceType,
			&reg.OSDestination,
			&reg.WebDestination,
			&reg.VerifiedDestination,
			&reg.RequestTime,
			&reg.RetryCount,
			&behavior,
			&reg.AdIDPermission,
			&reg.DebugKeyAllowed,
			&reg.RegistrationID,
		); err != nil {
			return nil, fmt.Errorf("fetch next registration: %w", err)
		}
		if len(failedOrigins) > 0 {
			if base, err := web.BaseURI(reg.RegistrationURI); err == nil {
				if _, failed := failedOrigins[base]; failed {
					continue
				}
			}
		}
		reg.Type = model.RegistrationType(regType)
		reg.SourceType = model.SourceType(sourceType)
		reg.RedirectBehavior = model.RedirectBehavior(behavior)
		return &reg, nil
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch next registration: %w", err)
	}
	return nil, nil
}

// UpdateRetryCount bumps the retry counter after a retryable failure.
func (d *DAO) UpdateRetryCount(ctx context.Context, reg *model.AsyncRegistration) error {
	res, err := d.q.ExecContext(ctx, `
		UPDATE async_registration SET retry_count = ? WHERE id = ?
	`, reg.RetryCount, reg.ID)
	if err != nil {
		return fmt.Errorf("update retry count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update retry count: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update retry count: registration %s not found", reg.ID)
	}
	return nil
}

// DeleteAsyncRegistration removes a processed or terminally failed row.
func (d *DAO) DeleteAsyncRegistration(ctx context.Context, id string) error {
	if _, err := d.q.ExecContext(ctx, `DELETE FROM async_registration WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete async registration: %w", err)
	}
	return nil
}

// CountPendingRegistrations reports how many queue rows remain under the
// retry limit.
func (d *DAO) CountPendingRegistrations(ctx context.Context, retryLimit int) (int64, error) {
	var count int64
	err := d.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM async_registration WHERE retry_count < ?
	`, retryLimit).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending registrations: %w", err)
	}
	return count, nil
}
