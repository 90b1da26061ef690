// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authorization

import (
	"fmt"

	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// StateProvider supplies the state events a rule check reads: the
// create event, memberships, power levels, join rules. Absence is
// meaningful (no membership means "never joined"), so lookups return
// a presence flag rather than an error.
//
// Implementations: StateMap (a plain map, used for an event's own
// auth events) and the resolver's accumulating state.
type StateProvider interface {
	StateEvent(tuple event.StateTuple) (*event.Event, bool)
}

// StateMap is a StateProvider backed by a map. The zero value is not
// usable; construct with make or BuildStateMap.
type StateMap map[event.StateTuple]*event.Event

// StateEvent implements StateProvider.
func (m StateMap) StateEvent(tuple event.StateTuple) (*event.Event, bool) {
	e, ok := m[tuple]
	return e, ok
}

// BuildStateMap assembles a StateMap from a candidate's auth events,
// validating that each one is a state event of the given room. Later
// duplicates of a tuple are rejected — a candidate naming two power
// level events is ambiguous, not resolvable.
func BuildStateMap(roomID ref.RoomID, authEvents []*event.Event) (StateMap, error) {
	stateMap := make(StateMap, len(authEvents))
	for _, authEvent := range authEvents {
		if authEvent.RoomID != roomID {
			return nil, fmt.Errorf("authorization: auth event from room %s, want %s", authEvent.RoomID, roomID)
		}
		tuple, isState := authEvent.StateTuple()
		if !isState {
			return nil, fmt.Errorf("authorization: auth event of type %s is not a state event", authEvent.Type)
		}
		if _, dup := stateMap[tuple]; dup {
			return nil, fmt.Errorf("authorization: duplicate auth event for %s", tuple)
		}
		stateMap[tuple] = authEvent
	}
	return stateMap, nil
}

// membership returns the user's membership in the provided state, or
// "" if the user has no member event.
func membership(auth StateProvider, user ref.UserID) event.Membership {
	memberEvent, ok := auth.StateEvent(event.MemberTuple(user))
	if !ok {
		return ""
	}
	content, err := event.ParseMemberContent(memberEvent.Content)
	if err != nil {
		// A member event with unparseable content was itself
		// rejected at ingest; treating it as "no membership" keeps
		// the rules total.
		return ""
	}
	return content.Membership
}

// effectiveLevels returns the power levels in force under the
// provided state: the power levels event's content if present,
// otherwise the creation defaults (creator at CreatorLevel, state
// writes gated at DefaultStateLevel).
func effectiveLevels(auth StateProvider) (event.PowerLevelsContent, error) {
	if levelsEvent, ok := auth.StateEvent(event.TuplePowerLevels); ok {
		levels, err := event.ParsePowerLevelsContent(levelsEvent.Content)
		if err != nil {
			return event.PowerLevelsContent{}, err
		}
		return levels, nil
	}

	createEvent, ok := auth.StateEvent(event.TupleCreate)
	if !ok {
		return event.PowerLevelsContent{}, fmt.Errorf("authorization: no create event for power level fallback")
	}
	createContent, err := event.ParseCreateContent(createEvent.Content)
	if err != nil {
		return event.PowerLevelsContent{}, err
	}
	return event.DefaultPowerLevels(createContent.Creator), nil
}

// SenderLevel returns the sender's effective power level under the
// provided state. Used by the rules here and by the resolution
// ordering, which ranks conflicting events by the authority of their
// senders. Returns DefaultUserLevel when the state carries neither
// power levels nor a readable create event.
func SenderLevel(sender ref.UserID, auth StateProvider) int64 {
	levels, err := effectiveLevels(auth)
	if err != nil {
		return event.DefaultUserLevel
	}
	return levels.UserLevel(sender)
}

// joinRule returns the room's join rule in the provided state, or
// JoinRuleInvite when no join rules event exists (the restrictive
// default).
func joinRule(auth StateProvider) event.JoinRule {
	rulesEvent, ok := auth.StateEvent(event.TupleJoinRules)
	if !ok {
		return event.JoinRuleInvite
	}
	content, err := event.ParseJoinRulesContent(rulesEvent.Content)
	if err != nil {
		return event.JoinRuleInvite
	}
	return content.JoinRule
}
