// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/membergate/internal/guard"
	"github.com/holomush/membergate/internal/settings"
)

// SettingsRepository stores the single policy settings row. It implements
// settings.Fetcher.
type SettingsRepository struct {
	pool poolIface
}

// NewSettingsRepository creates a SettingsRepository.
func NewSettingsRepository(pool poolIface) *SettingsRepository {
	return &SettingsRepository{pool: pool}
}

// GetSettings implements settings.Fetcher. Keys missing from the stored
// payload keep their defaults.
func (s *SettingsRepository) GetSettings(ctx context.Context) (settings.Record, bool, error) {
	return getSettings(ctx, s.pool, false)
}

func getSettings(ctx context.Context, q querier, forUpdate bool) (settings.Record, bool, error) {
	sql := `SELECT payload, last_updated_by, last_updated_at FROM policy_settings WHERE id = 1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var (
		payload   []byte
		updatedBy string
		updatedAt time.Time
	)
	err := q.QueryRow(ctx, sql).Scan(&payload, &updatedBy, &updatedAt)
	if isNoRows(err) {
		return settings.DefaultRecord(), false, nil
	}
	if err != nil {
		return settings.Record{}, false, oops.In("store").Code(CodeQueryFailed).With("operation", "get settings").Wrap(err)
	}

	var values map[string]any
	if err := json.Unmarshal(payload, &values); err != nil {
		return settings.Record{}, false, oops.In("store").Code(CodeQueryFailed).With("operation", "decode settings").Wrap(err)
	}
	rec, err := settings.DefaultRecord().Apply(values)
	if err != nil {
		return settings.Record{}, false, oops.In("store").Code(CodeQueryFailed).With("operation", "decode settings").Wrap(err)
	}
	rec.LastUpdatedBy = updatedBy
	rec.LastUpdatedAt = updatedAt
	return rec, true, nil
}

// SaveSettings writes rec as the current settings.
func (s *SettingsRepository) SaveSettings(ctx context.Context, rec settings.Record, updatedBy string) error {
	return saveSettings(ctx, s.pool, rec, updatedBy)
}

func saveSettings(ctx context.Context, q querier, rec settings.Record, updatedBy string) error {
	payload, err := json.Marshal(rec.Values())
	if err != nil {
		return oops.In("store").Code(CodeQueryFailed).With("operation", "encode settings").Wrap(err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO policy_settings (id, payload, last_updated_by, last_updated_at)
		VALUES (1, $1, $2, now())
		ON CONFLICT (id) DO UPDATE
		SET payload = EXCLUDED.payload,
		    last_updated_by = EXCLUDED.last_updated_by,
		    last_updated_at = EXCLUDED.last_updated_at
	`, payload, updatedBy); err != nil {
		return oops.In("store").Code(CodeQueryFailed).With("operation", "save settings").Wrap(err)
	}
	return nil
}

// PersistSettings returns the guard.PersistFunc for a settings mutation by
// actorID. The stored row is locked while the changes are applied.
func (s *SettingsRepository) PersistSettings(actorID string) guard.PersistFunc {
	return func(ctx context.Context, changes []guard.FieldChange) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return oops.In("store").Code(CodeQueryFailed).With("operation", "begin settings write").Wrap(err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		current, _, err := getSettings(ctx, tx, true)
		if err != nil {
			return err
		}
		values := make(map[string]any, len(changes))
		for _, c := range changes {
			values[c.Field()] = c.New
		}
		next, err := current.Apply(values)
		if err != nil {
			return err
		}
		if err := saveSettings(ctx, tx, next, actorID); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return oops.In("store").Code(CodeQueryFailed).With("operation", "commit settings write").Wrap(err)
		}
		return nil
	}
}
