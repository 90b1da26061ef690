// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backfill heals gaps in a room's event graph.
//
// An event whose parents are not all held locally cannot be
// authorized: authorization needs the state its ancestors establish.
// Such events are held in a pending set keyed by their missing
// ancestor IDs while the resolver fetches those ancestors from remote
// servers — the origin first, then other room participants, rotating
// with bounded exponential backoff. When an ancestor arrives the
// events blocked on it are re-checked and, once fully connected,
// handed back to ingest. When every candidate fails for the full
// attempt budget the gap is recorded as a permanent hole and the
// pending events are dropped: a forever-disconnected graph region is
// tolerated, never fatal.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/lib/clock"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// Fetcher retrieves events from a remote server. Implementations wrap
// the federation transport; the retry policy lives here, not there.
type Fetcher interface {
	FetchEvents(ctx context.Context, server ref.ServerName, roomID ref.RoomID, ids []ref.EventID) ([]*event.Event, error)
}

// Presence answers which event IDs the local store does not hold.
type Presence interface {
	MissingFrom(ctx context.Context, ids []ref.EventID) ([]ref.EventID, error)
}

// Ingest feeds a fetched or newly connected event back into the room
// pipeline (authorization, append, resolution). Called outside the
// resolver's lock; may re-enter Submit for events that are themselves
// gapped.
type Ingest func(ctx context.Context, origin ref.ServerName, e *event.Event) error

// Candidates returns the servers worth asking for a room's missing
// events, in preference order. The origin of the gapped event is
// always tried first; these come after.
type Candidates func(ctx context.Context, roomID ref.RoomID) []ref.ServerName

// Gap records a permanent hole: a missing ancestor that no candidate
// server could supply within the attempt budget. Attempts is zero for
// a cascaded hole — a dropped pending event that others were blocked
// on, which was never itself fetched.
type Gap struct {
	RoomID   ref.RoomID
	Missing  ref.EventID
	Attempts int

	// Dropped lists the pending events abandoned with the gap.
	Dropped []ref.EventID
}

// Config holds the resolver's collaborators and tuning.
type Config struct {
	Presence   Presence
	Fetcher    Fetcher
	Ingest     Ingest
	Candidates Candidates

	Clock  clock.Clock
	Logger *slog.Logger

	// MaxAttempts bounds fetch attempts per gap. Default 5.
	MaxAttempts int

	// MaxConcurrentFetches bounds simultaneous fetch requests across
	// all gaps. Default 4.
	MaxConcurrentFetches int64

	// BaseBackoff is the first retry delay; it doubles per attempt up
	// to MaxBackoff. Defaults 1s and 30s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Resolver is the graph gap resolver. Safe for concurrent use.
type Resolver struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fetchSem *semaphore.Weighted

	mu sync.Mutex
	// waiting maps a missing ancestor ID to the pending events
	// blocked on it.
	waiting map[ref.EventID][]*pendingEvent
	// pending indexes held events by their own ID, to dedup
	// re-submission of an event already held.
	pending map[ref.EventID]*pendingEvent
	// inflight marks missing IDs with an active fetch loop.
	inflight map[ref.EventID]bool
	gaps     []Gap
}

// pendingEvent is an event held until its ancestors are all stored.
type pendingEvent struct {
	id      ref.EventID
	event   *event.Event
	origin  ref.ServerName
	missing map[ref.EventID]struct{}
}

// New creates a Resolver. Fetch loops run until Close.
func New(cfg Config) (*Resolver, error) {
	if cfg.Presence == nil || cfg.Fetcher == nil || cfg.Ingest == nil {
		return nil, fmt.Errorf("backfill: Presence, Fetcher, and Ingest are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		cfg:      cfg,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		fetchSem: semaphore.NewWeighted(cfg.MaxConcurrentFetches),
		waiting:  make(map[ref.EventID][]*pendingEvent),
		pending:  make(map[ref.EventID]*pendingEvent),
		inflight: make(map[ref.EventID]bool),
	}, nil
}

// Close stops all fetch loops and waits for them to exit. Pending
// events are discarded.
func (r *Resolver) Close() {
	r.cancel()
	r.wg.Wait()
}

// Submit checks whether the event's ancestors are all stored. If so
// it returns (false, nil): the caller proceeds to authorization. If
// not, the event is held pending, fetches are started for the missing
// ancestors, and Submit returns (true, nil). The presence check and
// the waiter registration are atomic with respect to Satisfy, so an
// ancestor arriving concurrently cannot strand the event.
func (r *Resolver) Submit(ctx context.Context, origin ref.ServerName, e *event.Event) (bool, error) {
	id, err := e.ComputeID()
	if err != nil {
		return false, fmt.Errorf("backfill: %w", err)
	}

	ancestors := make([]ref.EventID, 0, len(e.PrevEvents)+len(e.AuthEvents))
	ancestors = append(ancestors, e.PrevEvents...)
	ancestors = append(ancestors, e.AuthEvents...)
	missing, err := r.cfg.Presence.MissingFrom(ctx, ancestors)
	if err != nil {
		return false, fmt.Errorf("backfill: presence check: %w", err)
	}
	if len(missing) == 0 {
		return false, nil
	}

	r.mu.Lock()
	if _, held := r.pending[id]; held {
		r.mu.Unlock()
		return true, nil
	}

	// Re-check presence under the lock. An ancestor may have been
	// appended — and its Satisfy run, finding no waiters — between
	// the check above and here. Satisfy takes this lock, so a view
	// taken while holding it cannot go stale before the waiters
	// below are registered.
	missing, err = r.cfg.Presence.MissingFrom(ctx, missing)
	if err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("backfill: presence check: %w", err)
	}
	if len(missing) == 0 {
		r.mu.Unlock()
		return false, nil
	}

	held := &pendingEvent{
		id:      id,
		event:   e,
		origin:  origin,
		missing: make(map[ref.EventID]struct{}, len(missing)),
	}
	r.pending[id] = held

	var newGaps []ref.EventID
	for _, ancestor := range missing {
		held.missing[ancestor] = struct{}{}
		r.waiting[ancestor] = append(r.waiting[ancestor], held)
		// An ancestor that is itself held pending is already being
		// fetched transitively; only truly new gaps start a loop.
		if !r.inflight[ancestor] {
			if _, alsoPending := r.pending[ancestor]; !alsoPending {
				r.inflight[ancestor] = true
				newGaps = append(newGaps, ancestor)
			}
		}
	}
	r.mu.Unlock()

	r.logger.Info("event held pending missing ancestors",
		"event_id", id,
		"room_id", e.RoomID,
		"missing", len(missing),
	)

	for _, gap := range newGaps {
		r.wg.Add(1)
		go r.fetchLoop(e.RoomID, origin, gap)
	}
	return true, nil
}

// Satisfy is called after an event is durably appended. Pending
// events blocked only on it (and on other ancestors that have since
// arrived) are re-ingested in dependency order.
func (r *Resolver) Satisfy(ctx context.Context, arrived ref.EventID) {
	r.mu.Lock()
	blocked := r.waiting[arrived]
	delete(r.waiting, arrived)
	delete(r.inflight, arrived)

	var released []*pendingEvent
	for _, held := range blocked {
		delete(held.missing, arrived)
		if len(held.missing) == 0 {
			delete(r.pending, held.id)
			released = append(released, held)
		}
	}
	r.mu.Unlock()

	for _, held := range released {
		if err := r.cfg.Ingest(ctx, held.origin, held.event); err != nil {
			r.logger.Warn("re-ingest of unblocked event failed",
				"event_id", held.id,
				"room_id", held.event.RoomID,
				"error", err,
			)
		}
	}
}

// PendingCount returns the number of events currently held.
func (r *Resolver) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// PermanentGaps returns the recorded permanent holes, for operator
// inspection.
func (r *Resolver) PermanentGaps() []Gap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Gap(nil), r.gaps...)
}

// fetchLoop tries to retrieve one missing ancestor from a rotating
// candidate list with bounded exponential backoff. On success the
// fetched events are ingested; ingest appends them and calls Satisfy,
// which unblocks the waiters. On exhaustion the gap is permanent.
func (r *Resolver) fetchLoop(roomID ref.RoomID, origin ref.ServerName, missing ref.EventID) {
	defer r.wg.Done()

	candidates := r.candidateList(roomID, origin)
	backoff := r.cfg.BaseBackoff

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-r.ctx.Done():
				return
			case <-r.cfg.Clock.After(backoff):
			}
			backoff *= 2
			if backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
		}

		// The gap may have healed through another path (a federation
		// transaction carrying the ancestor) while we were waiting.
		r.mu.Lock()
		stillWanted := r.inflight[missing]
		r.mu.Unlock()
		if !stillWanted {
			return
		}

		server := candidates[(attempt-1)%len(candidates)]
		events, err := r.fetchOnce(server, roomID, missing)
		if err != nil {
			r.logger.Warn("backfill fetch failed",
				"room_id", roomID,
				"missing", missing,
				"server", server,
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		for _, fetched := range events {
			if err := r.cfg.Ingest(r.ctx, server, fetched); err != nil {
				r.logger.Warn("ingest of backfilled event failed",
					"room_id", roomID,
					"server", server,
					"error", err,
				)
			}
		}

		// Confirm the gap actually healed; a server can answer with
		// unrelated events.
		r.mu.Lock()
		healed := !r.inflight[missing]
		r.mu.Unlock()
		if healed {
			return
		}
	}

	r.recordPermanentGap(roomID, missing)
}

// fetchOnce performs one bounded fetch under the concurrency
// semaphore.
func (r *Resolver) fetchOnce(server ref.ServerName, roomID ref.RoomID, missing ref.EventID) ([]*event.Event, error) {
	if err := r.fetchSem.Acquire(r.ctx, 1); err != nil {
		return nil, err
	}
	defer r.fetchSem.Release(1)
	return r.cfg.Fetcher.FetchEvents(r.ctx, server, roomID, []ref.EventID{missing})
}

// candidateList is the rotation order: the gapped event's origin
// first, then the room's other known participants.
func (r *Resolver) candidateList(roomID ref.RoomID, origin ref.ServerName) []ref.ServerName {
	list := []ref.ServerName{origin}
	if r.cfg.Candidates != nil {
		for _, server := range r.cfg.Candidates(r.ctx, roomID) {
			if server != origin {
				list = append(list, server)
			}
		}
	}
	return list
}

// recordPermanentGap drops every pending event that depended on the
// missing ancestor and logs the hole. A dropped event is itself an
// ancestor that will never arrive, so the drop cascades through
// anything transitively blocked on it. The graph stays disconnected
// at this point; the room keeps working on its connected regions.
func (r *Resolver) recordPermanentGap(roomID ref.RoomID, missing ref.EventID) {
	r.mu.Lock()
	attempts := r.cfg.MaxAttempts
	queue := []ref.EventID{missing}
	var recorded []Gap
	for len(queue) > 0 {
		hole := queue[0]
		queue = queue[1:]

		blocked := r.waiting[hole]
		delete(r.waiting, hole)
		delete(r.inflight, hole)

		gap := Gap{RoomID: roomID, Missing: hole, Attempts: attempts}
		for _, held := range blocked {
			if _, still := r.pending[held.id]; !still {
				continue
			}
			delete(r.pending, held.id)
			gap.Dropped = append(gap.Dropped, held.id)
			// Drop the event from every other gap list it sits on;
			// an event missing one ancestor forever is disconnected
			// no matter what else arrives.
			for other := range held.missing {
				if other == hole {
					continue
				}
				r.waiting[other] = removePending(r.waiting[other], held)
			}
			queue = append(queue, held.id)
		}
		if hole == missing || len(gap.Dropped) > 0 {
			recorded = append(recorded, gap)
			r.gaps = append(r.gaps, gap)
		}
		// Cascaded holes were never fetched; only the original gap
		// exhausted the attempt bound.
		attempts = 0
	}
	r.mu.Unlock()

	for _, gap := range recorded {
		r.logger.Error("permanent graph gap",
			"room_id", roomID,
			"missing", gap.Missing,
			"dropped_events", len(gap.Dropped),
			"attempts", gap.Attempts,
		)
	}
}

func removePending(list []*pendingEvent, target *pendingEvent) []*pendingEvent {
	filtered := list[:0]
	for _, held := range list {
		if held != target {
			filtered = append(filtered, held)
		}
	}
	return filtered
}
