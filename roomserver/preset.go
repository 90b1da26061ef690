// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomserver

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/chancery/event"
)

// Preset bundles the creation-time defaults of a room: the join rule,
// an optional display name, and power level adjustments layered over
// the standard defaults. Presets are authored as JSONC files (JSON
// with // comments and trailing commas) or picked from the built-ins.
type Preset struct {
	// JoinRule for the room's join rules event. Defaults to invite.
	JoinRule event.JoinRule `json:"join_rule"`

	// Name, when non-empty, adds a room name event to the creation
	// chain.
	Name string `json:"name,omitempty"`

	// PowerLevels adjusts the default power level assignments. Nil
	// keeps the defaults unchanged.
	PowerLevels *PowerLevelOverrides `json:"power_levels,omitempty"`
}

// PowerLevelOverrides is a partial power levels payload: only fields
// present in the source override the defaults. Pointer fields
// distinguish "absent" from an explicit zero.
type PowerLevelOverrides struct {
	Users         map[string]int64 `json:"users,omitempty"`
	UsersDefault  *int64           `json:"users_default,omitempty"`
	Events        map[string]int64 `json:"events,omitempty"`
	EventsDefault *int64           `json:"events_default,omitempty"`
	StateDefault  *int64           `json:"state_default,omitempty"`
	Invite        *int64           `json:"invite,omitempty"`
	Kick          *int64           `json:"kick,omitempty"`
	Ban           *int64           `json:"ban,omitempty"`
}

// PresetPrivate is the default preset: invite-only, no name.
var PresetPrivate = Preset{JoinRule: event.JoinRuleInvite}

// PresetPublic allows any user to join without an invitation.
var PresetPublic = Preset{JoinRule: event.JoinRulePublic}

// ParsePreset strips JSONC comments and trailing commas from data and
// unmarshals the result.
func ParsePreset(data []byte) (Preset, error) {
	stripped := jsonc.ToJSON(data)

	var preset Preset
	if err := json.Unmarshal(stripped, &preset); err != nil {
		return Preset{}, fmt.Errorf("roomserver: parsing preset: %w", err)
	}
	if preset.JoinRule == "" {
		preset.JoinRule = event.JoinRuleInvite
	}
	switch preset.JoinRule {
	case event.JoinRulePublic, event.JoinRuleInvite:
	default:
		return Preset{}, fmt.Errorf("roomserver: preset join rule %q is not recognized", preset.JoinRule)
	}
	return preset, nil
}

// ReadPresetFile reads a JSONC preset from disk.
func ReadPresetFile(path string) (Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Preset{}, fmt.Errorf("roomserver: reading preset %s: %w", path, err)
	}
	preset, err := ParsePreset(data)
	if err != nil {
		return Preset{}, fmt.Errorf("%s: %w", path, err)
	}
	return preset, nil
}

// powerLevels produces the room's initial power levels: the standard
// defaults for the creator, with the preset's overrides applied.
func (p Preset) powerLevels(creator event.CreateContent) event.PowerLevelsContent {
	levels := event.DefaultPowerLevels(creator.Creator)
	overrides := p.PowerLevels
	if overrides == nil {
		return levels
	}
	for user, level := range overrides.Users {
		levels.Users[user] = level
	}
	if overrides.UsersDefault != nil {
		levels.UsersDefault = *overrides.UsersDefault
	}
	if len(overrides.Events) > 0 {
		if levels.Events == nil {
			levels.Events = make(map[string]int64, len(overrides.Events))
		}
		for eventType, level := range overrides.Events {
			levels.Events[eventType] = level
		}
	}
	if overrides.EventsDefault != nil {
		levels.EventsDefault = *overrides.EventsDefault
	}
	if overrides.StateDefault != nil {
		levels.StateDefault = *overrides.StateDefault
	}
	if overrides.Invite != nil {
		levels.Invite = *overrides.Invite
	}
	if overrides.Kick != nil {
		levels.Kick = *overrides.Kick
	}
	if overrides.Ban != nil {
		levels.Ban = *overrides.Ban
	}
	return levels
}
