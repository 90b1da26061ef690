// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"

	"github.com/bureau-foundation/chancery/lib/codec"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// Event types the authorization rules interpret. Everything else is
// opaque payload.
const (
	// TypeCreate is the root of a room's graph. State key "".
	TypeCreate ref.EventType = "m.room.create"

	// TypeMember records a user's membership. State key is the
	// affected user's ID (which may differ from the sender for
	// invites, kicks, and bans).
	TypeMember ref.EventType = "m.room.member"

	// TypePowerLevels assigns the numeric levels that gate state
	// writes and membership changes. State key "".
	TypePowerLevels ref.EventType = "m.room.power_levels"

	// TypeJoinRules controls whether a room can be joined freely or
	// by invitation only. State key "".
	TypeJoinRules ref.EventType = "m.room.join_rules"

	// TypeName sets the room's display name. State key "".
	TypeName ref.EventType = "m.room.name"

	// TypeMessage is the ordinary timeline message type. No state
	// key; the rules only require the sender to be joined.
	TypeMessage ref.EventType = "m.room.message"
)

// Membership is the value of a member event's "membership" field.
type Membership string

// Membership states. Knock is reserved: the value round-trips through
// encoding but no rule currently admits it.
const (
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipInvite Membership = "invite"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

// KnownMembership reports whether m is one of the defined membership
// states.
func KnownMembership(m Membership) bool {
	switch m {
	case MembershipJoin, MembershipLeave, MembershipInvite, MembershipBan, MembershipKnock:
		return true
	}
	return false
}

// JoinRule is the value of a join rules event's "join_rule" field.
type JoinRule string

const (
	// JoinRulePublic lets any user join without an invitation.
	JoinRulePublic JoinRule = "public"

	// JoinRuleInvite requires a pending invite to join.
	JoinRuleInvite JoinRule = "invite"
)

// CreateContent is the payload of an m.room.create event.
type CreateContent struct {
	// Creator is the user that created the room. The creator holds
	// implicit authority until the first power levels event.
	Creator ref.UserID `json:"creator"`

	// RoomVersion selects the rule set and resolution ordering for
	// the room's entire lifetime.
	RoomVersion Version `json:"room_version"`
}

// MemberContent is the payload of an m.room.member event.
type MemberContent struct {
	Membership Membership `json:"membership"`

	// Reason is an optional human-readable annotation (kick and ban
	// reasons). Not interpreted by the rules.
	Reason string `json:"reason,omitempty"`
}

// PowerLevelsContent is the payload of an m.room.power_levels event.
//
// Map keys are plain strings (user ID strings, event type strings)
// because they are serialization map keys; use the accessor methods
// for typed lookups.
type PowerLevelsContent struct {
	// Users maps user ID -> level for users with explicit levels.
	Users map[string]int64 `json:"users,omitempty"`

	// UsersDefault is the level of any user not listed in Users.
	UsersDefault int64 `json:"users_default"`

	// Events maps event type -> level required to send it, overriding
	// the defaults below.
	Events map[string]int64 `json:"events,omitempty"`

	// EventsDefault is the level required to send a timeline event
	// whose type is not listed in Events.
	EventsDefault int64 `json:"events_default"`

	// StateDefault is the level required to send a state event whose
	// type is not listed in Events.
	StateDefault int64 `json:"state_default"`

	// Invite, Kick, and Ban are the levels required for the
	// corresponding membership operations on other users.
	Invite int64 `json:"invite"`
	Kick   int64 `json:"kick"`
	Ban    int64 `json:"ban"`
}

// JoinRulesContent is the payload of an m.room.join_rules event.
type JoinRulesContent struct {
	JoinRule JoinRule `json:"join_rule"`
}

// NameContent is the payload of an m.room.name event.
type NameContent struct {
	Name string `json:"name"`
}

// Power level constants. CreatorLevel is the implicit level of the
// room creator before any power levels event exists.
const (
	CreatorLevel       int64 = 100
	DefaultUserLevel   int64 = 0
	DefaultStateLevel  int64 = 50
	DefaultEventsLevel int64 = 0
)

// DefaultPowerLevels returns the power level assignments a room starts
// with: the creator at 100, everyone else at 0, state writes at 50,
// membership operations at 50.
func DefaultPowerLevels(creator ref.UserID) PowerLevelsContent {
	return PowerLevelsContent{
		Users:         map[string]int64{creator.String(): CreatorLevel},
		UsersDefault:  DefaultUserLevel,
		EventsDefault: DefaultEventsLevel,
		StateDefault:  DefaultStateLevel,
		Invite:        DefaultStateLevel,
		Kick:          DefaultStateLevel,
		Ban:           DefaultStateLevel,
	}
}

// UserLevel returns the effective level of the given user: the
// explicit entry if present, UsersDefault otherwise.
func (p *PowerLevelsContent) UserLevel(user ref.UserID) int64 {
	if level, ok := p.Users[user.String()]; ok {
		return level
	}
	return p.UsersDefault
}

// RequiredLevel returns the level required to send an event of the
// given type: the explicit entry if present, StateDefault for state
// events, EventsDefault for timeline events.
func (p *PowerLevelsContent) RequiredLevel(eventType ref.EventType, isState bool) int64 {
	if level, ok := p.Events[eventType.String()]; ok {
		return level
	}
	if isState {
		return p.StateDefault
	}
	return p.EventsDefault
}

// MarshalContent encodes a typed content payload as deterministic
// CBOR, ready to place in Event.Content.
func MarshalContent(v any) (codec.RawMessage, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("event: encoding content: %w", err)
	}
	return codec.RawMessage(data), nil
}

// ParseCreateContent decodes an m.room.create payload.
func ParseCreateContent(raw codec.RawMessage) (CreateContent, error) {
	var content CreateContent
	if err := codec.Unmarshal(raw, &content); err != nil {
		return CreateContent{}, fmt.Errorf("event: decoding create content: %w", err)
	}
	if content.Creator.IsZero() {
		return CreateContent{}, fmt.Errorf("event: create content missing creator")
	}
	if content.RoomVersion == "" {
		return CreateContent{}, fmt.Errorf("event: create content missing room_version")
	}
	return content, nil
}

// ParseMemberContent decodes an m.room.member payload.
func ParseMemberContent(raw codec.RawMessage) (MemberContent, error) {
	var content MemberContent
	if err := codec.Unmarshal(raw, &content); err != nil {
		return MemberContent{}, fmt.Errorf("event: decoding member content: %w", err)
	}
	if content.Membership == "" {
		return MemberContent{}, fmt.Errorf("event: member content missing membership")
	}
	if !KnownMembership(content.Membership) {
		return MemberContent{}, fmt.Errorf("event: unknown membership %q", content.Membership)
	}
	return content, nil
}

// ParsePowerLevelsContent decodes an m.room.power_levels payload. Map
// keys in Users must be valid user IDs.
func ParsePowerLevelsContent(raw codec.RawMessage) (PowerLevelsContent, error) {
	var content PowerLevelsContent
	if err := codec.Unmarshal(raw, &content); err != nil {
		return PowerLevelsContent{}, fmt.Errorf("event: decoding power levels content: %w", err)
	}
	for rawUser := range content.Users {
		if _, err := ref.ParseUserID(rawUser); err != nil {
			return PowerLevelsContent{}, fmt.Errorf("event: power levels user entry: %w", err)
		}
	}
	return content, nil
}

// ParseJoinRulesContent decodes an m.room.join_rules payload.
func ParseJoinRulesContent(raw codec.RawMessage) (JoinRulesContent, error) {
	var content JoinRulesContent
	if err := codec.Unmarshal(raw, &content); err != nil {
		return JoinRulesContent{}, fmt.Errorf("event: decoding join rules content: %w", err)
	}
	switch content.JoinRule {
	case JoinRulePublic, JoinRuleInvite:
		return content, nil
	default:
		return JoinRulesContent{}, fmt.Errorf("event: unknown join rule %q", content.JoinRule)
	}
}

// ParseNameContent decodes an m.room.name payload.
func ParseNameContent(raw codec.RawMessage) (NameContent, error) {
	var content NameContent
	if err := codec.Unmarshal(raw, &content); err != nil {
		return NameContent{}, fmt.Errorf("event: decoding name content: %w", err)
	}
	return content, nil
}
