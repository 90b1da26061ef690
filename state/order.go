// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// ConflictEntry is one event in the conflict set, annotated with the
// inputs the ordering ranks by. SenderLevel is the sender's effective
// power level derived from the event's own auth chain — not from the
// branch it arrived on, which would differ between servers.
type ConflictEntry struct {
	ID             ref.EventID
	SenderLevel    int64
	OriginServerTS int64
	Depth          int64
}

// OrderPolicy ranks the conflict set. The order must be strict and
// total: no two distinct events may compare equal, or two servers
// could replay conflicts in different orders and diverge. The policy
// is selected by room version — the ranking rule can evolve with new
// versions, the strictness requirement cannot.
type OrderPolicy interface {
	// Less reports whether a sorts before b. Events earlier in the
	// order are replayed first, so later events win ties at the same
	// state tuple.
	Less(a, b ConflictEntry) bool
}

// orderPolicies maps each supported room version to its ordering.
// Registered here, never mutated.
var orderPolicies = map[event.Version]OrderPolicy{
	event.V1: orderV1{},
}

// orderPolicyFor selects the ordering for a room version.
func orderPolicyFor(version event.Version) (OrderPolicy, bool) {
	policy, ok := orderPolicies[version]
	return policy, ok
}

// orderV1 ranks by sender power level descending, then
// origin_server_ts ascending, then event ID ascending. The ID
// tiebreak makes the order total: event IDs are content hashes, so
// two distinct events never share one.
type orderV1 struct{}

func (orderV1) Less(a, b ConflictEntry) bool {
	if a.SenderLevel != b.SenderLevel {
		return a.SenderLevel > b.SenderLevel
	}
	if a.OriginServerTS != b.OriginServerTS {
		return a.OriginServerTS < b.OriginServerTS
	}
	return a.ID.String() < b.ID.String()
}
