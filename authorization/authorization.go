// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authorization decides whether an event is admitted into a
// room's history.
//
// A check runs in a fixed order: structural well-formedness, origin
// signature, auth-event presence, then the room-version rule set
// (membership transitions, power-level gates). The first failing
// stage rejects the event; rejection is a normal outcome carried in
// the Result, never a Go error. Rejected events still enter the store
// for graph connectivity — they just never contribute to state.
//
// Checks are reproducible by construction: an event is evaluated
// against the state its own auth events describe, not against
// whatever the room's state happens to be when the event arrives.
// Every server that holds the same auth events reaches the same
// verdict, whatever order events arrived in.
package authorization

import "github.com/bureau-foundation/chancery/event"

// Decision is the outcome of an authorization check.
type Decision int

const (
	// Reject means the event is denied and excluded from state.
	Reject Decision = iota

	// Accept means the event is admitted.
	Accept
)

// String returns "accept" or "reject".
func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// RejectReason describes why an event was rejected.
type RejectReason int

const (
	// ReasonNone is the zero reason, present on accepted results.
	ReasonNone RejectReason = iota

	// ReasonMalformed means the event failed structural validation.
	ReasonMalformed

	// ReasonUnsupportedVersion means the room's version is not
	// implemented by this build.
	ReasonUnsupportedVersion

	// ReasonUnknownSigner means no signing key is held for the
	// sender's server, so the signature could not be checked.
	ReasonUnknownSigner

	// ReasonBadSignature means the signature failed against the
	// sender's server key.
	ReasonBadSignature

	// ReasonNoCreate means the auth events name no create event for
	// the room.
	ReasonNoCreate

	// ReasonForeignAuthEvent means a referenced auth event belongs to
	// a different room or is not a state event.
	ReasonForeignAuthEvent

	// ReasonSenderNotJoined means the rule set requires the sender to
	// be a joined member and they are not.
	ReasonSenderNotJoined

	// ReasonInsufficientLevel means the sender's power level is below
	// what the operation requires.
	ReasonInsufficientLevel

	// ReasonMembershipForbidden means the membership transition is
	// not permitted (wrong prior state, join rule, or actor).
	ReasonMembershipForbidden

	// ReasonTargetBanned means the operation targets a banned user
	// without the authority to lift the ban.
	ReasonTargetBanned

	// ReasonBadContent means the content payload of a rule-bearing
	// event type did not parse.
	ReasonBadContent
)

// String returns a human-readable reason.
func (r RejectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonMalformed:
		return "malformed event"
	case ReasonUnsupportedVersion:
		return "unsupported room version"
	case ReasonUnknownSigner:
		return "no key for origin server"
	case ReasonBadSignature:
		return "invalid signature"
	case ReasonNoCreate:
		return "no create event in auth events"
	case ReasonForeignAuthEvent:
		return "auth event from another room"
	case ReasonSenderNotJoined:
		return "sender not joined"
	case ReasonInsufficientLevel:
		return "insufficient power level"
	case ReasonMembershipForbidden:
		return "membership transition forbidden"
	case ReasonTargetBanned:
		return "target is banned"
	case ReasonBadContent:
		return "malformed content"
	default:
		return "unknown"
	}
}

// Result describes the outcome of an authorization check, including
// the evaluation trace. The trace supports rejection logging and the
// admin explain tooling.
type Result struct {
	// Decision is Accept or Reject.
	Decision Decision

	// Reason describes why the check rejected. Only meaningful when
	// Decision is Reject.
	Reason RejectReason

	// Detail is a human-readable elaboration of the reason: which
	// tuple was missing, which level fell short.
	Detail string

	// SenderLevel is the sender's effective power level at evaluation
	// time. Set whenever the rule set consulted power levels.
	SenderLevel int64

	// RequiredLevel is the level the operation demanded. Set when
	// Reason is ReasonInsufficientLevel.
	RequiredLevel int64

	// SenderMembership is the sender's membership at evaluation time
	// ("" when the sender has none).
	SenderMembership event.Membership
}

// accept returns an accepting result carrying the trace fields.
func accept(senderLevel int64, senderMembership event.Membership) Result {
	return Result{
		Decision:         Accept,
		SenderLevel:      senderLevel,
		SenderMembership: senderMembership,
	}
}

// reject returns a rejecting result with reason and detail.
func reject(reason RejectReason, detail string) Result {
	return Result{Decision: Reject, Reason: reason, Detail: detail}
}
