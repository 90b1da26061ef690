// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bureau-foundation/chancery/authorization"
	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// ErrIncompleteGraph means no leaf could be resolved because every
// branch references an ancestor this server does not hold. Resolution
// only operates over locally complete branches; healing the gap is
// the backfill resolver's job, not this package's.
var ErrIncompleteGraph = errors.New("state: no locally complete branch to resolve")

// Record is the resolver's view of a stored event: the event itself
// and whether ingest rejected it. Rejected events stay in the graph
// for connectivity but never contribute to any snapshot.
type Record struct {
	ID       ref.EventID
	Event    *event.Event
	Rejected bool
}

// Source supplies stored events by ID. Lookup returns (nil, nil) when
// the event is not held locally; a non-nil error is a storage fault.
// Implementations must be safe for concurrent use.
type Source interface {
	Lookup(ctx context.Context, id ref.EventID) (*Record, error)
}

// Resolve computes the resolved snapshot of a room from its graph
// leaves. Branches whose ancestor closure is not fully held are
// excluded; if every branch is excluded, ErrIncompleteGraph is
// returned.
//
// The computation is deterministic in the set of non-rejected events
// reachable from the leaves: arrival order, storage order, and which
// server runs it never change the result.
func Resolve(ctx context.Context, version event.Version, leaves []ref.EventID, src Source) (Snapshot, error) {
	policy, ok := orderPolicyFor(version)
	if !ok {
		return nil, fmt.Errorf("state: no order policy for room version %q", version)
	}

	walker := &graphWalker{src: src, cache: make(map[ref.EventID]*Record)}

	// Step 1: per-leaf snapshots over each leaf's connected closure.
	var branches []Snapshot
	for _, leaf := range leaves {
		branch, complete, err := walker.branchSnapshot(ctx, leaf)
		if err != nil {
			return nil, err
		}
		if complete {
			branches = append(branches, branch)
		}
	}
	if len(branches) == 0 {
		return nil, ErrIncompleteGraph
	}
	if len(branches) == 1 {
		return branches[0], nil
	}

	// Steps 2-3: partition into unconflicted and conflicted entries.
	unconflicted, conflicted := partition(branches)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	// Step 4: the conflict set is the union of each conflicting
	// event's auth-chain closure, conflicting events included.
	conflictSet := make(map[ref.EventID]struct{})
	for _, candidates := range conflicted {
		for _, id := range candidates {
			if err := walker.authChainClosure(ctx, id, conflictSet); err != nil {
				return nil, err
			}
		}
	}

	// Step 5: strict total order over the conflict set.
	entries := make([]ConflictEntry, 0, len(conflictSet))
	for id := range conflictSet {
		record := walker.cache[id]
		entries = append(entries, ConflictEntry{
			ID:             id,
			SenderLevel:    walker.senderLevel(record),
			OriginServerTS: record.Event.OriginServerTS,
			Depth:          record.Event.Depth,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return policy.Less(entries[i], entries[j])
	})

	// Step 6: replay the ordered conflict set against an accumulating
	// state seeded with the unconflicted entries. Each accepted event
	// takes its tuple; rejected ones are skipped and never overwrite
	// an earlier winner.
	accumulator := &accumulatingState{
		snapshot: unconflicted.Clone(),
		walker:   walker,
		ctx:      ctx,
	}
	for _, entry := range entries {
		record := walker.cache[entry.ID]
		tuple, isState := record.Event.StateTuple()
		if !isState {
			continue
		}
		result := authorization.CheckRules(record.Event, version, accumulator)
		if result.Decision == authorization.Accept {
			accumulator.snapshot[tuple] = entry.ID
		}
	}

	// Step 7: unconflicted entries pass through; conflicted entries
	// take whatever the replay settled on (or drop entirely when
	// every candidate was rejected).
	resolved := unconflicted.Clone()
	for tuple := range conflicted {
		if winner, ok := accumulator.snapshot[tuple]; ok {
			resolved[tuple] = winner
		}
	}
	return resolved, nil
}

// partition splits the union of branch state entries into tuples with
// an identical value across every branch (unconflicted) and tuples
// where branches disagree or some branch lacks the entry (conflicted,
// with the distinct candidate IDs in deterministic order).
func partition(branches []Snapshot) (Snapshot, map[event.StateTuple][]ref.EventID) {
	tuples := make(map[event.StateTuple]struct{})
	for _, branch := range branches {
		for tuple := range branch {
			tuples[tuple] = struct{}{}
		}
	}

	unconflicted := make(Snapshot)
	conflicted := make(map[event.StateTuple][]ref.EventID)
	for tuple := range tuples {
		seen := make(map[ref.EventID]struct{})
		var candidates []ref.EventID
		missing := false
		for _, branch := range branches {
			id, ok := branch[tuple]
			if !ok {
				missing = true
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				candidates = append(candidates, id)
			}
		}
		if !missing && len(candidates) == 1 {
			unconflicted[tuple] = candidates[0]
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].String() < candidates[j].String()
		})
		conflicted[tuple] = candidates
	}
	return unconflicted, conflicted
}

// graphWalker caches Source lookups and memoizes per-event sender
// levels across one resolution.
type graphWalker struct {
	src    Source
	cache  map[ref.EventID]*Record
	levels map[ref.EventID]int64
}

// lookup fetches a record through the cache. (nil, nil) means the
// event is not held locally.
func (w *graphWalker) lookup(ctx context.Context, id ref.EventID) (*Record, error) {
	if record, ok := w.cache[id]; ok {
		return record, nil
	}
	record, err := w.src.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("state: loading %s: %w", id, err)
	}
	if record != nil {
		w.cache[id] = record
	}
	return record, nil
}

// branchSnapshot walks the full ancestor closure (prev and auth
// edges) of one leaf and applies its non-rejected state events in
// (depth, event ID) order. complete is false when any ancestor is
// missing locally, in which case the branch is excluded from
// resolution.
func (w *graphWalker) branchSnapshot(ctx context.Context, leaf ref.EventID) (Snapshot, bool, error) {
	closure := make(map[ref.EventID]struct{})
	frontier := []ref.EventID{leaf}
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if _, done := closure[id]; done {
			continue
		}
		record, err := w.lookup(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if record == nil {
			return nil, false, nil
		}
		closure[id] = struct{}{}
		frontier = append(frontier, record.Event.PrevEvents...)
		frontier = append(frontier, record.Event.AuthEvents...)
	}

	// Apply state events in graph order. Depth orders parents before
	// children; the ID tiebreak makes the application order identical
	// on every server.
	ordered := make([]*Record, 0, len(closure))
	for id := range closure {
		ordered = append(ordered, w.cache[id])
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Event.Depth != ordered[j].Event.Depth {
			return ordered[i].Event.Depth < ordered[j].Event.Depth
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	branch := make(Snapshot)
	for _, record := range ordered {
		if record.Rejected {
			continue
		}
		if tuple, isState := record.Event.StateTuple(); isState {
			branch[tuple] = record.ID
		}
	}
	return branch, true, nil
}

// authChainClosure adds the event and its full auth-chain closure to
// the set. Rejected events are skipped: a valid event never cites
// one, and a conflicting candidate that was itself rejected at ingest
// cannot win a conflict. Termination is guaranteed because auth
// chains strictly decrease in depth toward the create event.
func (w *graphWalker) authChainClosure(ctx context.Context, id ref.EventID, set map[ref.EventID]struct{}) error {
	if _, done := set[id]; done {
		return nil
	}
	record, err := w.lookup(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("state: auth chain references unknown event %s", id)
	}
	if record.Rejected {
		return nil
	}
	set[id] = struct{}{}
	for _, authID := range record.Event.AuthEvents {
		if err := w.authChainClosure(ctx, authID, set); err != nil {
			return err
		}
	}
	return nil
}

// senderLevel derives the sender's effective power level from the
// event's own auth chain, memoized per event ID. A create event's
// sender is the creator and carries the creator level.
func (w *graphWalker) senderLevel(record *Record) int64 {
	if w.levels == nil {
		w.levels = make(map[ref.EventID]int64)
	}
	if level, ok := w.levels[record.ID]; ok {
		return level
	}

	var level int64
	if record.Event.IsCreate() {
		level = event.CreatorLevel
	} else {
		auth := make(authorization.StateMap)
		for _, authID := range record.Event.AuthEvents {
			authRecord, ok := w.cache[authID]
			if !ok || authRecord.Rejected {
				continue
			}
			if tuple, isState := authRecord.Event.StateTuple(); isState {
				auth[tuple] = authRecord.Event
			}
		}
		level = authorization.SenderLevel(record.Event.Sender, auth)
	}
	w.levels[record.ID] = level
	return level
}

// accumulatingState is the StateProvider the conflict replay checks
// against: the current accumulator snapshot, dereferenced through the
// walker's cache.
type accumulatingState struct {
	snapshot Snapshot
	walker   *graphWalker
	ctx      context.Context
}

// StateEvent implements authorization.StateProvider.
func (a *accumulatingState) StateEvent(tuple event.StateTuple) (*event.Event, bool) {
	id, ok := a.snapshot[tuple]
	if !ok {
		return nil, false
	}
	record, err := a.walker.lookup(a.ctx, id)
	if err != nil || record == nil {
		return nil, false
	}
	return record.Event, true
}
