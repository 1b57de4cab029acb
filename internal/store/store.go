// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package store persists roles, members and policy settings in PostgreSQL
// and applies the schema migrations.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// Error codes.
const (
	CodeNotFound      = "NOT_FOUND"
	CodeDuplicate     = "DUPLICATE"
	CodeQueryFailed   = "QUERY_FAILED"
	CodeConnectFailed = "CONNECT_FAILED"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// poolIface is the subset of pgxpool.Pool the repositories use, so that
// pgxmock can stand in during tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store bundles the repositories over one pool.
type Store struct {
	Roles    *RoleRepository
	Members  *MemberRepository
	Settings *SettingsRepository
}

// New wraps an existing pool.
func New(pool poolIface) *Store {
	return &Store{
		Roles:    NewRoleRepository(pool),
		Members:  NewMemberRepository(pool),
		Settings: NewSettingsRepository(pool),
	}
}

// Connect opens a pgx pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, oops.In("store").Code(CodeConnectFailed).Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.In("store").Code(CodeConnectFailed).With("operation", "ping").Wrap(err)
	}
	return pool, nil
}

// uniqueViolation reports the violated constraint when err is a unique
// violation.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
