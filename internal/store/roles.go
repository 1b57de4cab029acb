// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/membergate/internal/guard"
	"github.com/holomush/membergate/internal/quota"
	"github.com/holomush/membergate/internal/role"
)

// querier is satisfied by both the pool and a pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const roleColumns = `id, name, color, rank, locked, superuser_tier, daily_quota, permissions`

// RoleRepository stores the rank hierarchy. It implements role.Lister.
type RoleRepository struct {
	pool poolIface
}

// NewRoleRepository creates a RoleRepository.
func NewRoleRepository(pool poolIface) *RoleRepository {
	return &RoleRepository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (role.Role, error) {
	var (
		r         role.Role
		quotaJSON []byte
		permsJSON []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Color, &r.Rank, &r.Locked, &r.SuperuserTier, &quotaJSON, &permsJSON); err != nil {
		return role.Role{}, err
	}
	if len(quotaJSON) > 0 {
		var c quota.Ceilings
		if err := json.Unmarshal(quotaJSON, &c); err != nil {
			return role.Role{}, oops.In("store").With("column", "daily_quota").With("id", r.ID).Wrap(err)
		}
		if len(c) > 0 {
			r.DailyQuota = c
		}
	}
	if len(permsJSON) > 0 {
		var p map[string]int
		if err := json.Unmarshal(permsJSON, &p); err != nil {
			return role.Role{}, oops.In("store").With("column", "permissions").With("id", r.ID).Wrap(err)
		}
		if len(p) > 0 {
			r.Permissions = p
		}
	}
	return r, nil
}

func roleArgs(r role.Role) ([]any, error) {
	quotaJSON, err := jsonObject(r.DailyQuota)
	if err != nil {
		return nil, oops.In("store").With("column", "daily_quota").With("id", r.ID).Wrap(err)
	}
	permsJSON, err := jsonObject(r.Permissions)
	if err != nil {
		return nil, oops.In("store").With("column", "permissions").With("id", r.ID).Wrap(err)
	}
	color := r.Color
	if color == "" {
		color = role.DefaultColor
	}
	return []any{r.ID, r.Name, color, r.Rank, r.Locked, r.SuperuserTier, quotaJSON, permsJSON}, nil
}

// jsonObject encodes a map, writing nil maps as {}.
func jsonObject[M ~map[K]V, K comparable, V any](m M) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// roleWriteError maps constraint violations to validation errors.
func roleWriteError(err error, r role.Role, op string) error {
	if constraint, ok := uniqueViolation(err); ok {
		switch constraint {
		case "roles_name_unique", "roles_name_fold_unique":
			return guard.ErrValidation("name", "a role with this name already exists")
		case "roles_single_superuser":
			return guard.ErrValidation("superuser_tier", "only one role may be the superuser tier")
		}
		return oops.In("store").Code(CodeDuplicate).With("id", r.ID).With("constraint", constraint).Wrap(err)
	}
	return oops.In("store").Code(CodeQueryFailed).With("operation", op).With("id", r.ID).Wrap(err)
}

// ListRoles implements role.Lister.
func (s *RoleRepository) ListRoles(ctx context.Context) ([]role.Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY rank, name`)
	if err != nil {
		return nil, oops.In("store").Code(CodeQueryFailed).With("operation", "list roles").Wrap(err)
	}
	defer rows.Close()

	var out []role.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, oops.In("store").Code(CodeQueryFailed).With("operation", "scan role").Wrap(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("store").Code(CodeQueryFailed).With("operation", "list roles").Wrap(err)
	}
	return out, nil
}

// GetRole fetches one role by id.
func (s *RoleRepository) GetRole(ctx context.Context, id string) (role.Role, error) {
	return getRole(ctx, s.pool, id, false)
}

func getRole(ctx context.Context, q querier, id string, forUpdate bool) (role.Role, error) {
	sql := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	r, err := scanRole(q.QueryRow(ctx, sql, id))
	if isNoRows(err) {
		return role.Role{}, oops.In("store").Code(CodeNotFound).With("id", id).Wrap(ErrNotFound)
	}
	if err != nil {
		return role.Role{}, oops.In("store").Code(CodeQueryFailed).With("operation", "get role").With("id", id).Wrap(err)
	}
	return r, nil
}

// CreateRole inserts r, assigning a ULID when r.ID is empty. It returns the
// stored id.
func (s *RoleRepository) CreateRole(ctx context.Context, r role.Role) (string, error) {
	return createRole(ctx, s.pool, r)
}

func createRole(ctx context.Context, q querier, r role.Role) (string, error) {
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	args, err := roleArgs(r)
	if err != nil {
		return "", err
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO roles (`+roleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, args...); err != nil {
		return "", roleWriteError(err, r, "create role")
	}
	return r.ID, nil
}

func updateRole(ctx context.Context, q querier, r role.Role) error {
	args, err := roleArgs(r)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE roles
		SET name = $2, color = $3, rank = $4, locked = $5, superuser_tier = $6,
		    daily_quota = $7, permissions = $8, updated_at = now()
		WHERE id = $1
	`, args...)
	if err != nil {
		return roleWriteError(err, r, "update role")
	}
	if tag.RowsAffected() == 0 {
		return oops.In("store").Code(CodeNotFound).With("id", r.ID).Wrap(ErrNotFound)
	}
	return nil
}

// DeleteRole removes the role with id.
func (s *RoleRepository) DeleteRole(ctx context.Context, id string) error {
	return deleteRole(ctx, s.pool, id)
}

func deleteRole(ctx context.Context, q querier, id string) error {
	tag, err := q.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return oops.In("store").Code(CodeQueryFailed).With("operation", "delete role").With("id", id).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.In("store").Code(CodeNotFound).With("id", id).Wrap(ErrNotFound)
	}
	return nil
}

// UpsertRoles writes roles in one transaction, keyed by id. It is used by
// role import and does not go through the guard.
func (s *RoleRepository) UpsertRoles(ctx context.Context, roles []role.Role) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return oops.In("store").Code(CodeQueryFailed).With("operation", "begin role import").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for _, r := range roles {
		args, err := roleArgs(r)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO roles (`+roleColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, color = EXCLUDED.color, rank = EXCLUDED.rank,
			    locked = EXCLUDED.locked, superuser_tier = EXCLUDED.superuser_tier,
			    daily_quota = EXCLUDED.daily_quota, permissions = EXCLUDED.permissions,
			    updated_at = now()
		`, args...); err != nil {
			return roleWriteError(err, r, "import role")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.In("store").Code(CodeQueryFailed).With("operation", "commit role import").With("count", len(roles)).Wrap(err)
	}
	return nil
}

// PersistRole returns the guard.PersistFunc for a mutation of target. A
// create stores the new id in *createdID when createdID is non-nil.
func (s *RoleRepository) PersistRole(target guard.Target, createdID *string) guard.PersistFunc {
	return func(ctx context.Context, changes []guard.FieldChange) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return oops.In("store").Code(CodeQueryFailed).With("operation", "begin role write").Wrap(err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		if err := applyRoleChanges(ctx, tx, target, changes, createdID); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return oops.In("store").Code(CodeQueryFailed).With("operation", "commit role write").With("id", target.ID).Wrap(err)
		}
		return nil
	}
}

func applyRoleChanges(ctx context.Context, q querier, target guard.Target, changes []guard.FieldChange, createdID *string) error {
	updates := map[string]any{}
	for _, c := range changes {
		switch c.Op {
		case guard.OpDelete:
			return deleteRole(ctx, q, target.ID)
		case guard.OpCreate:
			values, _ := c.New.(map[string]any)
			r, err := guard.ApplyRoleValues(role.Role{ID: target.ID}, values)
			if err != nil {
				return err
			}
			id, err := createRole(ctx, q, r)
			if err != nil {
				return err
			}
			if createdID != nil {
				*createdID = id
			}
			return nil
		default:
			updates[c.Field()] = c.New
		}
	}

	current, err := getRole(ctx, q, target.ID, true)
	if err != nil {
		return err
	}
	next, err := guard.ApplyRoleValues(current, updates)
	if err != nil {
		return err
	}
	return updateRole(ctx, q, next)
}
