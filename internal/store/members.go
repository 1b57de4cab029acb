// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/membergate/internal/guard"
)

// Member is a stored account.
type Member struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	Status       guard.Status
}

// Target describes m for guard mutations.
func (m Member) Target() guard.Target {
	return guard.Target{Kind: guard.EntityMember, ID: m.ID, Name: m.Username, Role: m.Role}
}

// Values returns m keyed by MemberSchema field names.
func (m Member) Values() map[string]any {
	return map[string]any{
		"username":      m.Username,
		"password_hash": m.PasswordHash,
		"role":          m.Role,
		"status":        string(m.Status),
	}
}

// Actor describes m as the acting account.
func (m Member) Actor() guard.Actor {
	return guard.Actor{ID: m.ID, Username: m.Username, Role: m.Role, Status: m.Status}
}

// memberColumns maps MemberSchema fields to columns.
var memberColumns = map[string]string{
	"username":      "username",
	"password_hash": "password_hash",
	"role":          "role",
	"status":        "status",
}

// MemberRepository stores accounts. It implements guard.ReferenceChecker.
type MemberRepository struct {
	pool poolIface
}

// NewMemberRepository creates a MemberRepository.
func NewMemberRepository(pool poolIface) *MemberRepository {
	return &MemberRepository{pool: pool}
}

// GetMember fetches one account by id.
func (s *MemberRepository) GetMember(ctx context.Context, id string) (Member, error) {
	var (
		m      Member
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, role, status FROM members WHERE id = $1
	`, id).Scan(&m.ID, &m.Username, &m.PasswordHash, &m.Role, &status)
	if isNoRows(err) {
		return Member{}, oops.In("store").Code(CodeNotFound).With("id", id).Wrap(ErrNotFound)
	}
	if err != nil {
		return Member{}, oops.In("store").Code(CodeQueryFailed).With("operation", "get member").With("id", id).Wrap(err)
	}
	m.Status = guard.Status(status)
	return m, nil
}

// CreateMember inserts m.
func (s *MemberRepository) CreateMember(ctx context.Context, m Member) error {
	status := m.Status
	if status == "" {
		status = guard.StatusActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO members (id, username, password_hash, role, status)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.Username, m.PasswordHash, m.Role, string(status))
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == "members_username_unique" {
			return guard.ErrValidation("username", "username is taken")
		}
		return oops.In("store").Code(CodeQueryFailed).With("operation", "create member").With("id", m.ID).Wrap(err)
	}
	return nil
}

// CountMembersWithRole implements guard.ReferenceChecker.
func (s *MemberRepository) CountMembersWithRole(ctx context.Context, roleName string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM members WHERE role = $1`, roleName).Scan(&n); err != nil {
		return 0, oops.In("store").Code(CodeQueryFailed).With("operation", "count role members").With("role", roleName).Wrap(err)
	}
	return n, nil
}

// PersistMember returns the guard.PersistFunc for a mutation of the account
// with id. Updates land in a single statement.
func (s *MemberRepository) PersistMember(id string) guard.PersistFunc {
	return func(ctx context.Context, changes []guard.FieldChange) error {
		for _, c := range changes {
			if c.Op == guard.OpDelete {
				return s.deleteMember(ctx, id)
			}
		}
		return s.updateMember(ctx, id, changes)
	}
}

func (s *MemberRepository) deleteMember(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return oops.In("store").Code(CodeQueryFailed).With("operation", "delete member").With("id", id).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.In("store").Code(CodeNotFound).With("id", id).Wrap(ErrNotFound)
	}
	return nil
}

func (s *MemberRepository) updateMember(ctx context.Context, id string, changes []guard.FieldChange) error {
	sets := make([]string, 0, len(changes)+1)
	args := []any{id}
	fields := make([]string, 0, len(changes))
	for _, c := range changes {
		fields = append(fields, c.Field())
	}
	slices.Sort(fields)

	values := make(map[string]any, len(changes))
	for _, c := range changes {
		values[c.Field()] = c.New
	}
	for _, f := range fields {
		col, ok := memberColumns[f]
		if !ok {
			return guard.ErrUnknownField(guard.EntityMember, f)
		}
		args = append(args, values[f])
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	sets = append(sets, "updated_at = now()")

	tag, err := s.pool.Exec(ctx,
		`UPDATE members SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == "members_username_unique" {
			return guard.ErrValidation("username", "username is taken")
		}
		return oops.In("store").Code(CodeQueryFailed).With("operation", "update member").With("id", id).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.In("store").Code(CodeNotFound).With("id", id).Wrap(ErrNotFound)
	}
	return nil
}
