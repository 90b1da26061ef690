// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package state computes the resolved state of a room from the leaves
// of its event graph.
//
// After a partition heals, a room's frontier can hold several leaves
// whose branch states disagree. Resolution merges them into a single
// snapshot deterministically: any two servers holding the same set of
// non-rejected events compute byte-identical results, whatever order
// the events arrived in. That property is the whole point — it is what
// lets independently operated servers converge without coordination.
//
// The algorithm partitions state entries into unconflicted (identical
// across branches) and conflicted, orders the conflicted events and
// their auth chains under a strict total order, and replays them
// through the authorization rules against an accumulating state. The
// total order is versioned per room (OrderPolicy) because the ranking
// rule is policy, not physics; the requirement that it be strict and
// reproducible is fixed.
package state

import (
	"sort"

	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// Snapshot maps each state tuple to the event that holds it. A
// snapshot is a pure function of a set of graph leaves: same leaves,
// same snapshot, on every server.
type Snapshot map[event.StateTuple]ref.EventID

// Clone returns an independent copy.
func (s Snapshot) Clone() Snapshot {
	clone := make(Snapshot, len(s))
	for tuple, id := range s {
		clone[tuple] = id
	}
	return clone
}

// Equal reports whether two snapshots hold identical entries.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for tuple, id := range s {
		if other[tuple] != id {
			return false
		}
	}
	return true
}

// Diff returns the tuples whose value differs between s and next,
// sorted for deterministic iteration: entries added or changed in
// next, and entries of s that next no longer holds. Removals are real
// — a conflicted tuple drops out entirely when every candidate is
// rejected during replay.
func (s Snapshot) Diff(next Snapshot) []event.StateTuple {
	var changed []event.StateTuple
	for tuple, id := range next {
		if s[tuple] != id {
			changed = append(changed, tuple)
		}
	}
	for tuple := range s {
		if _, ok := next[tuple]; !ok {
			changed = append(changed, tuple)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		if changed[i].Type != changed[j].Type {
			return changed[i].Type < changed[j].Type
		}
		return changed[i].StateKey < changed[j].StateKey
	})
	return changed
}
