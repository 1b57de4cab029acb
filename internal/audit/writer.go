// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package audit

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

// MemoryWriter keeps entries in memory. It is used for tests and single-node
// development.
type MemoryWriter struct {
	mu      sync.Mutex
	entries []Entry
	failing error
}

// NewMemoryWriter creates an empty MemoryWriter.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

// Write implements Writer.
func (w *MemoryWriter) Write(_ context.Context, entries ...Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failing != nil {
		return w.failing
	}
	w.entries = append(w.entries, entries...)
	return nil
}

// FailWith makes subsequent writes return err. A nil err restores writes.
func (w *MemoryWriter) FailWith(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failing = err
}

// Entries returns a copy of everything written.
func (w *MemoryWriter) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Len returns the number of entries written.
func (w *MemoryWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Close implements Writer.
func (w *MemoryWriter) Close() error { return nil }

// poolIface is the subset of pgxpool.Pool used by PostgresWriter, so that
// pgxmock can stand in during tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

const insertEntrySQL = `
	INSERT INTO server_audit (
		id, actor_id, actor_username, action, entity, entity_id, field, outcome, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

// PostgresWriter appends entries to the server_audit table.
type PostgresWriter struct {
	pool poolIface
}

// NewPostgresWriter creates a PostgresWriter.
func NewPostgresWriter(pool poolIface) *PostgresWriter {
	return &PostgresWriter{pool: pool}
}

func entryArgs(e Entry) []any {
	return []any{
		e.ID.String(), e.ActorID, e.ActorUsername, e.Action,
		e.Entity, e.EntityID, e.Field, string(e.Outcome), e.Timestamp,
	}
}

// Write implements Writer. Multiple entries are inserted in one transaction.
func (w *PostgresWriter) Write(ctx context.Context, entries ...Entry) error {
	switch len(entries) {
	case 0:
		return nil
	case 1:
		if _, err := w.pool.Exec(ctx, insertEntrySQL, entryArgs(entries[0])...); err != nil {
			return oops.In("audit").With("operation", "insert audit entry").With("id", entries[0].ID.String()).Wrap(err)
		}
		return nil
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return oops.In("audit").With("operation", "begin audit batch").Wrap(err)
	}
	defer func() {
		//nolint:errcheck // rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	for _, e := range entries {
		if _, err := tx.Exec(ctx, insertEntrySQL, entryArgs(e)...); err != nil {
			return oops.In("audit").With("operation", "insert audit entry").With("id", e.ID.String()).Wrap(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.In("audit").With("operation", "commit audit batch").With("count", len(entries)).Wrap(err)
	}
	return nil
}

// Close implements Writer. The pool is owned by the caller.
func (w *PostgresWriter) Close() error { return nil }

var (
	_ Writer = (*MemoryWriter)(nil)
	_ Writer = (*PostgresWriter)(nil)
)
