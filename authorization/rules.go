// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authorization

import (
	"fmt"
	"sort"

	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// ruleSet is the per-room-version authorization predicate. A room's
// version is fixed at creation; the rule set selected by it decides
// every event in that room for the room's entire lifetime.
type ruleSet interface {
	// allowed evaluates the candidate against the given state. The
	// candidate has already passed structural validation; auth holds
	// the state events the decision may read.
	allowed(candidate *event.Event, auth StateProvider) Result
}

// ruleSets maps each supported room version to its rule set. Entries
// are registered at init and never mutated.
var ruleSets = map[event.Version]ruleSet{
	event.V1: rulesV1{},
}

// ruleSetFor selects the rule set for a room version.
func ruleSetFor(version event.Version) (ruleSet, bool) {
	rules, ok := ruleSets[version]
	return rules, ok
}

// RequiredAuthTuples returns the state tuples an event of this shape
// must cite as auth events, in citation order: the create event, the
// sender's membership, the power levels, and — for membership events —
// the join rules and the target's membership. Tuples with no entry in
// the room's current state are skipped by the event builder; the
// checker enforces presence of the ones the rules cannot do without.
func RequiredAuthTuples(candidate *event.Event) []event.StateTuple {
	if candidate.IsCreate() {
		return nil
	}
	tuples := []event.StateTuple{
		event.TupleCreate,
		event.MemberTuple(candidate.Sender),
		event.TuplePowerLevels,
	}
	if candidate.Type == event.TypeMember && candidate.StateKey != nil {
		tuples = append(tuples, event.TupleJoinRules)
		if target, err := ref.ParseUserID(*candidate.StateKey); err == nil && target != candidate.Sender {
			tuples = append(tuples, event.MemberTuple(target))
		}
	}
	return tuples
}

// rulesV1 is the chancery.1 rule set.
type rulesV1 struct{}

func (rulesV1) allowed(candidate *event.Event, auth StateProvider) Result {
	if candidate.IsCreate() {
		return checkCreateV1(candidate)
	}

	// Every non-create event needs the room's create event for
	// version and creator context.
	createEvent, ok := auth.StateEvent(event.TupleCreate)
	if !ok {
		return reject(ReasonNoCreate, "no create event in auth state")
	}
	if createEvent.RoomID != candidate.RoomID {
		return reject(ReasonForeignAuthEvent,
			fmt.Sprintf("create event belongs to %s", createEvent.RoomID))
	}

	levels, err := effectiveLevels(auth)
	if err != nil {
		return reject(ReasonBadContent, err.Error())
	}
	senderLevel := levels.UserLevel(candidate.Sender)
	senderMembership := membership(auth, candidate.Sender)

	if candidate.Type == event.TypeMember && candidate.StateKey != nil {
		return checkMemberV1(candidate, auth, levels, senderLevel, senderMembership)
	}

	// Everything below requires a joined sender.
	if senderMembership != event.MembershipJoin {
		result := reject(ReasonSenderNotJoined,
			fmt.Sprintf("sender membership is %q", senderMembership))
		result.SenderMembership = senderMembership
		return result
	}

	if candidate.Type == event.TypePowerLevels && candidate.IsState() {
		return checkPowerLevelsV1(candidate, auth, levels, senderLevel, senderMembership)
	}

	// Generic gate: the sender's level must meet the level required
	// for the event type.
	required := levels.RequiredLevel(candidate.Type, candidate.IsState())
	if senderLevel < required {
		return Result{
			Decision:         Reject,
			Reason:           ReasonInsufficientLevel,
			Detail:           fmt.Sprintf("sending %s requires level %d", candidate.Type, required),
			SenderLevel:      senderLevel,
			RequiredLevel:    required,
			SenderMembership: senderMembership,
		}
	}

	return accept(senderLevel, senderMembership)
}

// checkCreateV1 validates a room create event. Structure (depth 0, no
// parents, no auth events) is already checked; the rules add identity
// constraints: the room ID must be minted by the sender's server, and
// the declared creator must be the sender.
func checkCreateV1(candidate *event.Event) Result {
	content, err := event.ParseCreateContent(candidate.Content)
	if err != nil {
		return reject(ReasonBadContent, err.Error())
	}
	if err := event.CheckVersion(content.RoomVersion); err != nil {
		return reject(ReasonUnsupportedVersion, err.Error())
	}

	if candidate.RoomID.Server() != candidate.Sender.Server() {
		return reject(ReasonMembershipForbidden,
			fmt.Sprintf("room %s not minted by sender's server %s", candidate.RoomID, candidate.Sender.Server()))
	}
	if content.Creator != candidate.Sender {
		return reject(ReasonMembershipForbidden,
			fmt.Sprintf("creator %s is not the sender %s", content.Creator, candidate.Sender))
	}
	return accept(event.CreatorLevel, "")
}

// checkMemberV1 validates a membership transition. The state key
// names the target user; the sender may differ (invites, kicks,
// bans).
func checkMemberV1(candidate *event.Event, auth StateProvider, levels event.PowerLevelsContent, senderLevel int64, senderMembership event.Membership) Result {
	target, err := ref.ParseUserID(*candidate.StateKey)
	if err != nil {
		return reject(ReasonBadContent, fmt.Sprintf("member state key: %v", err))
	}
	content, err := event.ParseMemberContent(candidate.Content)
	if err != nil {
		return reject(ReasonBadContent, err.Error())
	}

	currentMembership := membership(auth, target)
	targetLevel := levels.UserLevel(target)

	res := func(r Result) Result {
		r.SenderLevel = senderLevel
		r.SenderMembership = senderMembership
		return r
	}

	switch content.Membership {
	case event.MembershipJoin:
		if target != candidate.Sender {
			return res(reject(ReasonMembershipForbidden, "cannot join on behalf of another user"))
		}
		if currentMembership == event.MembershipBan {
			return res(reject(ReasonTargetBanned, "sender is banned"))
		}
		// The creator's first join: no prior membership, sender is
		// the room creator.
		if currentMembership == "" && senderIsCreator(candidate.Sender, auth) {
			return accept(senderLevel, senderMembership)
		}
		// Rejoining from an invite, or already joined (idempotent).
		if currentMembership == event.MembershipInvite || currentMembership == event.MembershipJoin {
			return accept(senderLevel, senderMembership)
		}
		if joinRule(auth) == event.JoinRulePublic {
			return accept(senderLevel, senderMembership)
		}
		return res(reject(ReasonMembershipForbidden,
			fmt.Sprintf("join rule %q requires an invite", joinRule(auth))))

	case event.MembershipInvite:
		if senderMembership != event.MembershipJoin {
			return res(reject(ReasonSenderNotJoined, "inviter is not joined"))
		}
		if currentMembership == event.MembershipBan {
			return res(reject(ReasonTargetBanned, "cannot invite a banned user"))
		}
		if currentMembership == event.MembershipJoin {
			return res(reject(ReasonMembershipForbidden, "target is already joined"))
		}
		if senderLevel < levels.Invite {
			return res(Result{
				Decision:      Reject,
				Reason:        ReasonInsufficientLevel,
				Detail:        "invite",
				RequiredLevel: levels.Invite,
			})
		}
		return accept(senderLevel, senderMembership)

	case event.MembershipLeave:
		if target == candidate.Sender {
			// Leaving, or declining an invite. A banned user cannot
			// clear their own ban.
			switch currentMembership {
			case event.MembershipJoin, event.MembershipInvite, event.MembershipKnock:
				return accept(senderLevel, senderMembership)
			case event.MembershipBan:
				return res(reject(ReasonTargetBanned, "cannot lift own ban"))
			default:
				return res(reject(ReasonMembershipForbidden,
					fmt.Sprintf("cannot leave from membership %q", currentMembership)))
			}
		}
		// Kick or unban.
		if senderMembership != event.MembershipJoin {
			return res(reject(ReasonSenderNotJoined, "kicker is not joined"))
		}
		if currentMembership == event.MembershipBan {
			// Unban needs ban authority.
			if senderLevel < levels.Ban || senderLevel <= targetLevel {
				return res(Result{
					Decision:      Reject,
					Reason:        ReasonInsufficientLevel,
					Detail:        "unban",
					RequiredLevel: levels.Ban,
				})
			}
			return accept(senderLevel, senderMembership)
		}
		if currentMembership != event.MembershipJoin && currentMembership != event.MembershipInvite && currentMembership != event.MembershipKnock {
			return res(reject(ReasonMembershipForbidden,
				fmt.Sprintf("cannot kick from membership %q", currentMembership)))
		}
		if senderLevel < levels.Kick || senderLevel <= targetLevel {
			return res(Result{
				Decision:      Reject,
				Reason:        ReasonInsufficientLevel,
				Detail:        "kick",
				RequiredLevel: levels.Kick,
			})
		}
		return accept(senderLevel, senderMembership)

	case event.MembershipBan:
		if senderMembership != event.MembershipJoin {
			return res(reject(ReasonSenderNotJoined, "banner is not joined"))
		}
		if senderLevel < levels.Ban || senderLevel <= targetLevel {
			return res(Result{
				Decision:      Reject,
				Reason:        ReasonInsufficientLevel,
				Detail:        "ban",
				RequiredLevel: levels.Ban,
			})
		}
		return accept(senderLevel, senderMembership)

	default:
		// Knock is reserved; no rule admits it yet.
		return res(reject(ReasonMembershipForbidden,
			fmt.Sprintf("membership %q not admitted", content.Membership)))
	}
}

// checkPowerLevelsV1 validates a power levels change. Beyond the
// generic level gate, every changed entry is bounded by the sender's
// own level: no granting above yourself, no touching levels at or
// above yourself (except your own, downward).
func checkPowerLevelsV1(candidate *event.Event, auth StateProvider, oldLevels event.PowerLevelsContent, senderLevel int64, senderMembership event.Membership) Result {
	newLevels, err := event.ParsePowerLevelsContent(candidate.Content)
	if err != nil {
		return reject(ReasonBadContent, err.Error())
	}

	required := oldLevels.RequiredLevel(event.TypePowerLevels, true)
	if senderLevel < required {
		return Result{
			Decision:         Reject,
			Reason:           ReasonInsufficientLevel,
			Detail:           "power levels change",
			SenderLevel:      senderLevel,
			RequiredLevel:    required,
			SenderMembership: senderMembership,
		}
	}

	deny := func(detail string) Result {
		return Result{
			Decision:         Reject,
			Reason:           ReasonInsufficientLevel,
			Detail:           detail,
			SenderLevel:      senderLevel,
			SenderMembership: senderMembership,
		}
	}

	// Scalar fields: both the old and new values of any changed field
	// must be within the sender's authority.
	scalars := []struct {
		name     string
		old, new int64
	}{
		{"users_default", oldLevels.UsersDefault, newLevels.UsersDefault},
		{"events_default", oldLevels.EventsDefault, newLevels.EventsDefault},
		{"state_default", oldLevels.StateDefault, newLevels.StateDefault},
		{"invite", oldLevels.Invite, newLevels.Invite},
		{"kick", oldLevels.Kick, newLevels.Kick},
		{"ban", oldLevels.Ban, newLevels.Ban},
	}
	for _, field := range scalars {
		if field.old == field.new {
			continue
		}
		if field.old > senderLevel || field.new > senderLevel {
			return deny(fmt.Sprintf("changing %s from %d to %d exceeds sender level", field.name, field.old, field.new))
		}
	}

	// Per-event-type levels: same bound over the union of keys.
	for _, key := range unionKeys(oldLevels.Events, newLevels.Events) {
		oldValue, hadOld := oldLevels.Events[key]
		if !hadOld {
			oldValue = oldLevels.RequiredLevel(ref.EventType(key), true)
		}
		newValue, hasNew := newLevels.Events[key]
		if !hasNew {
			newValue = newLevels.RequiredLevel(ref.EventType(key), true)
		}
		if oldValue == newValue {
			continue
		}
		if oldValue > senderLevel || newValue > senderLevel {
			return deny(fmt.Sprintf("changing event level %s from %d to %d exceeds sender level", key, oldValue, newValue))
		}
	}

	// Per-user levels: no setting above the sender's own level, and
	// no changing another user whose current level is at or above the
	// sender's.
	for _, key := range unionKeys(oldLevels.Users, newLevels.Users) {
		oldValue, hadOld := oldLevels.Users[key]
		if !hadOld {
			oldValue = oldLevels.UsersDefault
		}
		newValue, hasNew := newLevels.Users[key]
		if !hasNew {
			newValue = newLevels.UsersDefault
		}
		if oldValue == newValue {
			continue
		}
		if newValue > senderLevel {
			return deny(fmt.Sprintf("raising %s to %d exceeds sender level", key, newValue))
		}
		if key != candidate.Sender.String() && oldValue >= senderLevel {
			return deny(fmt.Sprintf("changing %s at level %d requires a higher sender level", key, oldValue))
		}
	}

	return accept(senderLevel, senderMembership)
}

// senderIsCreator reports whether the sender is the room's declared
// creator per the create event in the auth state.
func senderIsCreator(sender ref.UserID, auth StateProvider) bool {
	createEvent, ok := auth.StateEvent(event.TupleCreate)
	if !ok {
		return false
	}
	content, err := event.ParseCreateContent(createEvent.Content)
	if err != nil {
		return false
	}
	return content.Creator == sender
}

// unionKeys returns the sorted union of both maps' keys. Sorted so
// that when several entries violate the bounds, the reported one is
// the same on every server.
func unionKeys(a, b map[string]int64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for key := range a {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	for key := range b {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
