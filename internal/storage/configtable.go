package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// SetConfig upserts one oak_conf flag (e.g. "<base>_search").
func (b *Backend) SetConfig(ctx context.Context, key, value string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO oak_conf (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

// GetConfig reads one oak_conf flag. ok is false when the key is unset.
func (b *Backend) GetConfig(ctx context.Context, key string) (value string, ok bool, err error) {
	err = b.db.QueryRowContext(ctx, `SELECT value FROM oak_conf WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// DeleteConfig removes one oak_conf flag, if present.
func (b *Backend) DeleteConfig(ctx context.Context, key string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM oak_conf WHERE key = ?`, key)
		return err
	})
}

// Configs returns the full oak_conf table as a map, for diagnostics
// (Oak.Configs in the public API).
func (b *Backend) Configs(ctx context.Context) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM oak_conf`)
	if err != nil {
		return nil, fmt.Errorf("storage: list configs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
