// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/membergate/internal/guard"
	"github.com/holomush/membergate/internal/store"
	"github.com/holomush/membergate/pkg/errutil"
)

func TestMemberRepository_GetMember(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM members WHERE id = \$1`).WithArgs("m1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "username", "password_hash", "role", "status"}).
			AddRow("m1", "alice", "$argon2id$x", "Helper", "inactive"))
	mock.ExpectQuery(`FROM members WHERE id = \$1`).WithArgs("m2").WillReturnError(pgx.ErrNoRows)

	repo := store.NewMemberRepository(mock)
	m, err := repo.GetMember(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.Member{ID: "m1", Username: "alice", PasswordHash: "$argon2id$x", Role: "Helper",
		Status: guard.StatusInactive}, m)
	assert.Equal(t, guard.Target{Kind: guard.EntityMember, ID: "m1", Name: "alice", Role: "Helper"}, m.Target())
	assert.False(t, m.Actor().Active())

	_, err = repo.GetMember(context.Background(), "m2")
	errutil.AssertErrorCode(t, err, store.CodeNotFound)
}

func TestMemberRepository_CreateMember(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`INSERT INTO members`).WithArgs("m1", "alice", "", "Member", "active").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO members`).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "members_username_unique"})

	repo := store.NewMemberRepository(mock)
	require.NoError(t, repo.CreateMember(context.Background(), store.Member{ID: "m1", Username: "alice", Role: "Member"}))

	err := repo.CreateMember(context.Background(), store.Member{ID: "m2", Username: "alice", Role: "Member"})
	errutil.AssertErrorCode(t, err, guard.CodeValidation)
}

func TestMemberRepository_CountMembersWithRole(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM members WHERE role = \$1`).WithArgs("Helper").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery(`SELECT count\(\*\) FROM members`).WithArgs("Admin").
		WillReturnError(errors.New("timeout"))

	repo := store.NewMemberRepository(mock)
	n, err := repo.CountMembersWithRole(context.Background(), "Helper")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = repo.CountMembersWithRole(context.Background(), "Admin")
	errutil.AssertErrorCode(t, err, store.CodeQueryFailed)
}

func TestMemberRepository_PersistMember(t *testing.T) {
	current := store.Member{ID: "m1", Username: "alice", Role: "Member", Status: guard.StatusActive}

	t.Run("single statement update", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE members SET role = \$2, status = \$3, updated_at = now\(\) WHERE id = \$1`).
			WithArgs("m1", "Helper", "suspended").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		changes, err := guard.PlanChange(guard.MemberSchema, current.Values(),
			map[string]any{"status": "suspended", "role": "Helper", "username": "alice"})
		require.NoError(t, err)
		require.Len(t, changes, 2)
		require.NoError(t, store.NewMemberRepository(mock).PersistMember("m1")(context.Background(), changes))
	})

	t.Run("taken username", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE members SET username = \$2`).WithArgs("m1", "bob").
			WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "members_username_unique"})

		changes, err := guard.PlanChange(guard.MemberSchema, current.Values(), map[string]any{"username": "bob"})
		require.NoError(t, err)
		err = store.NewMemberRepository(mock).PersistMember("m1")(context.Background(), changes)
		errutil.AssertErrorCode(t, err, guard.CodeValidation)
	})

	t.Run("missing account", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE members`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		changes, err := guard.PlanChange(guard.MemberSchema, current.Values(), map[string]any{"status": "inactive"})
		require.NoError(t, err)
		err = store.NewMemberRepository(mock).PersistMember("m1")(context.Background(), changes)
		errutil.AssertErrorCode(t, err, store.CodeNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`DELETE FROM members WHERE id = \$1`).WithArgs("m1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		err := store.NewMemberRepository(mock).PersistMember("m1")(context.Background(), guard.DeleteChange(guard.MemberSchema))
		require.NoError(t, err)
	})
}
