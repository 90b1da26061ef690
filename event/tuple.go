// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import "github.com/bureau-foundation/chancery/lib/ref"

// StateTuple is the key of one entry in a room's state map: the pair
// of event type and state key. Two state events with the same tuple
// compete for the same entry; resolution decides which one holds it.
type StateTuple struct {
	Type     ref.EventType
	StateKey string
}

// String returns "type/state_key" for logs and rejection details.
func (t StateTuple) String() string {
	if t.StateKey == "" {
		return t.Type.String()
	}
	return t.Type.String() + "/" + t.StateKey
}

// StateTuple returns the state map key this event writes, and whether
// the event is a state event at all.
func (e *Event) StateTuple() (StateTuple, bool) {
	if e.StateKey == nil {
		return StateTuple{}, false
	}
	return StateTuple{Type: e.Type, StateKey: *e.StateKey}, true
}

// TupleCreate is the state tuple of the room create event.
var TupleCreate = StateTuple{Type: TypeCreate}

// TuplePowerLevels is the state tuple of the power levels event.
var TuplePowerLevels = StateTuple{Type: TypePowerLevels}

// TupleJoinRules is the state tuple of the join rules event.
var TupleJoinRules = StateTuple{Type: TypeJoinRules}

// MemberTuple returns the state tuple of the given user's membership.
func MemberTuple(user ref.UserID) StateTuple {
	return StateTuple{Type: TypeMember, StateKey: user.String()}
}
