// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package guard

import (
	"fmt"

	"github.com/holomush/membergate/internal/audit"
)

func (t Target) label() string {
	var noun string
	switch t.Kind {
	case EntityMember:
		noun = t.Name
	case EntitySettings:
		return "the settings"
	default:
		noun = "the " + string(t.Kind) + " " + t.Name
	}
	if t.ID == "" {
		return noun
	}
	return fmt.Sprintf("%s (id: %s)", noun, t.ID)
}

func createdName(c FieldChange) string {
	if values, ok := c.New.(map[string]any); ok {
		if name, ok := values["name"].(string); ok {
			return name
		}
	}
	return ""
}

// describe renders the audit text of a committed change.
func describe(actor Actor, target Target, c FieldChange) string {
	switch c.Op {
	case OpDelete:
		return fmt.Sprintf("%s deleted %s.", actor.Username, target.label())
	case OpCreate:
		return fmt.Sprintf("%s created the %s %s.", actor.Username, target.Kind, createdName(c))
	}

	if target.Kind == EntitySettings {
		return fmt.Sprintf("%s updated %s to %v.", actor.Username, c.Spec.Label, c.New)
	}
	if c.Spec.Secret {
		return fmt.Sprintf("%s updated %s for %s.", actor.Username, c.Spec.Label, target.label())
	}
	return fmt.Sprintf("%s updated %s for %s to %v.", actor.Username, c.Spec.Label, target.label(), c.New)
}

// describeDenied renders the audit text of a denied attempt.
func describeDenied(actor Actor, target Target, c FieldChange) string {
	who := "User " + actor.Username
	if !actor.Active() {
		who = "Inactive user " + actor.Username
	}

	switch c.Op {
	case OpDelete:
		if target.Kind == EntityMember && target.ID == actor.ID {
			return who + " tried to delete their own account."
		}
		return fmt.Sprintf("%s tried to delete %s.", who, target.label())
	case OpCreate:
		return fmt.Sprintf("%s tried to create the %s %s.", who, target.Kind, createdName(c))
	}

	if c.Spec.Name == "" {
		return fmt.Sprintf("%s tried to %s on %s.", who, c.Spec.Capability, target.label())
	}
	return fmt.Sprintf("%s tried to update %s of %s.", who, c.Spec.Label, target.label())
}

func entryFor(actor Actor, target Target, c FieldChange, action string, outcome audit.Outcome) audit.Entry {
	return audit.Entry{
		ActorID:       actor.ID,
		ActorUsername: actor.Username,
		Action:        action,
		Entity:        string(target.Kind),
		EntityID:      target.ID,
		Field:         c.Spec.Name,
		Outcome:       outcome,
	}
}
