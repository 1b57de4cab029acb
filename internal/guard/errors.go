// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package guard

import (
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/membergate/internal/access"
	"github.com/holomush/membergate/internal/quota"
	"github.com/holomush/membergate/pkg/errutil"
)

// Error codes returned by the guard.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeRankNotAllowed  = "RANK_NOT_ALLOWED"
	CodeThrottled       = quota.CodeThrottled
	CodeConflict        = "CONFLICT"
	CodeValidation      = "VALIDATION"
	CodeFeatureDisabled = "FEATURE_DISABLED"
	CodePersistFailed   = "PERSIST_FAILED"
	CodeAuditDegraded   = "AUDIT_DEGRADED"
	CodeInternal        = "INTERNAL"
	CodeUnknownField    = "UNKNOWN_FIELD"
	CodeCancelled       = "CANCELLED"
)

// ErrUnauthorized creates an error for a denied decision.
func ErrUnauthorized(d access.Decision) error {
	return oops.In("guard").Code(CodeUnauthorized).
		With("capability", d.Capability.String()).
		With("reason", d.Reason.String()).
		Errorf("not authorized to %s", d.Capability)
}

// ErrRankNotAllowed creates an error for an assigned rank the actor may not grant.
func ErrRankNotAllowed(d access.Decision, assigned int) error {
	return oops.In("guard").Code(CodeRankNotAllowed).
		With("capability", d.Capability.String()).
		With("reason", d.Reason.String()).
		With("rank", assigned).
		Errorf("rank %d cannot be assigned", assigned)
}

// ErrConflict creates an error for a role that is still referenced.
func ErrConflict(roleName string, referencedBy []string) error {
	return oops.In("guard").Code(CodeConflict).
		With("role", roleName).
		With("referenced_by", strings.Join(referencedBy, ",")).
		Errorf("role %q is still in use", roleName)
}

// ErrValidation creates an error for a malformed requested value.
func ErrValidation(field, msg string) error {
	return oops.In("guard").Code(CodeValidation).
		With("field", field).
		Errorf("%s", msg)
}

// ErrFeatureDisabled creates an error for a submission toggle that is off.
func ErrFeatureDisabled(feature string) error {
	return oops.In("guard").Code(CodeFeatureDisabled).
		With("feature", feature).
		Errorf("%s is disabled", feature)
}

// ErrUnknownField creates an error for a requested field the entity lacks.
func ErrUnknownField(entity EntityKind, field string) error {
	return oops.In("guard").Code(CodeUnknownField).
		With("entity", string(entity)).
		With("field", field).
		Errorf("unknown %s field %q", entity, field)
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(operation string, cause error) error {
	return oops.In("guard").Code(CodeInternal).
		With("operation", operation).
		Wrap(cause)
}

// errPersistFailed and errAuditDegraded start a fresh chain so the outer code
// is the one reported; the cause survives as context.
func errPersistFailed(entity EntityKind, entityID string, cause error) error {
	return oops.In("guard").Code(CodePersistFailed).
		With("entity", string(entity)).
		With("entity_id", entityID).
		With("cause", cause.Error()).
		With("cause_code", errutil.Code(cause)).
		Errorf("persist %s: %s", entity, cause.Error())
}

func errAuditDegraded(entity EntityKind, entityID string, cause error) error {
	return oops.In("guard").Code(CodeAuditDegraded).
		With("entity", string(entity)).
		With("entity_id", entityID).
		With("degraded", true).
		With("cause", cause.Error()).
		Errorf("mutation committed without audit: %s", cause.Error())
}

func errCancelled(cause error) error {
	return oops.In("guard").Code(CodeCancelled).Wrap(cause)
}

// UserMessage extracts a user-facing message from an error. Thresholds and
// ranks are never included.
func UserMessage(err error) string {
	if err == nil {
		return "Something went wrong. Try again."
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return "Something went wrong. Try again."
	}

	switch oopsErr.Code() {
	case CodeUnauthorized:
		return "You are not authorized to do that."
	case CodeRankNotAllowed:
		return "You cannot assign a rank equal to or higher than your own."
	case CodeThrottled:
		if kind, ok := oopsErr.Context()["kind"].(string); ok && kind != "" {
			return "You have reached your daily limit for " + strings.ReplaceAll(kind, "_", " ") + "s."
		}
		return "You have reached your daily limit for this action."
	case CodeConflict:
		return "This role is still in use."
	case CodeValidation, CodeUnknownField:
		if field, ok := oopsErr.Context()["field"].(string); ok && field != "" {
			return "Invalid value for " + field + "."
		}
		return "Invalid request."
	case CodeFeatureDisabled:
		return "This feature is currently disabled."
	case CodePersistFailed:
		return "The change could not be saved. Try again."
	case CodeAuditDegraded:
		return "The change was saved."
	case CodeCancelled:
		return "The request was cancelled."
	default:
		return "Something went wrong. Try again."
	}
}
