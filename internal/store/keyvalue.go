package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/attribution/internal/model"
)

// GetKeyValueData loads a durable counter. An absent row yields a record
// with an empty value, matching the semantics of a counter that has never
// been written.
func (d *DAO) GetKeyValueData(ctx context.Context, dataType model.KeyValueDataType, key string) (*model.KeyValueData, error) {
	kv := &model.KeyValueData{DataType: dataType, Key: key}
	err := d.q.QueryRowContext(ctx, `
		SELECT value FROM key_value_data WHERE data_type = ? AND key = ?
	`, string(dataType), key).Scan(&kv.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return kv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key value data: %w", err)
	}
	return kv, nil
}

// InsertOrUpdateKeyValueData upserts a durable counter.
func (d *DAO) InsertOrUpdateKeyValueData(ctx context.Context, kv *model.KeyValueData) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO key_value_data (data_type, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(data_type, key) DO UPDATE SET value = excluded.value
	`, string(kv.DataType), kv.Key, kv.Value)
	if err != nil {
		return fmt.Errorf("upsert key value data: %w", err)
	}
	return nil
}
