// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/eventstore"
	"github.com/bureau-foundation/chancery/lib/clock"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// DefaultTimelineLimit caps the events returned per room per sync
// when the request does not set its own limit.
const DefaultTimelineLimit = 100

// Reader is the store surface sync needs. *eventstore.Store satisfies
// it.
type Reader interface {
	EventsSince(ctx context.Context, roomID ref.RoomID, since int64, limit int) ([]eventstore.StoredEvent, error)
	StateDeltasSince(ctx context.Context, roomID ref.RoomID, since int64) ([]eventstore.StateDelta, error)
	LatestPosition(ctx context.Context) (int64, error)
}

// Engine computes incremental deltas and parks empty syncs on the
// notifier until data arrives or the timeout elapses.
type Engine struct {
	reader       Reader
	notifier     *Notifier
	clock        clock.Clock
	logger       *slog.Logger
	defaultLimit int
}

// Config holds the engine's collaborators.
type Config struct {
	Reader   Reader
	Notifier *Notifier
	Clock    clock.Clock
	Logger   *slog.Logger

	// TimelineLimit is the per-room event cap applied when a request
	// does not set its own. Zero means DefaultTimelineLimit.
	TimelineLimit int
}

// New creates a sync engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Reader == nil || cfg.Notifier == nil {
		return nil, fmt.Errorf("syncapi: Reader and Notifier are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.TimelineLimit <= 0 {
		cfg.TimelineLimit = DefaultTimelineLimit
	}
	return &Engine{
		reader:       cfg.Reader,
		notifier:     cfg.Notifier,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		defaultLimit: cfg.TimelineLimit,
	}, nil
}

// Request is one sync call.
type Request struct {
	// RoomIDs are the rooms the client observes.
	RoomIDs []ref.RoomID

	// Since is the client's cursor; zero means from the beginning.
	Since Cursor

	// Timeout is the long-poll budget. Zero returns immediately even
	// when there is nothing new.
	Timeout time.Duration

	// TimelineLimit caps events per room. Zero uses the engine's
	// configured default.
	TimelineLimit int
}

// StateChange is one resolved-state entry that changed in the span.
type StateChange struct {
	Tuple event.StateTuple

	// EventID holds the entry's new value; zero when Removed.
	EventID ref.EventID

	// Removed marks an entry the resolution dropped entirely (every
	// conflicting candidate rejected during replay).
	Removed bool
}

// Delta is one room's increment.
type Delta struct {
	// Timeline holds the room's new accepted events in stream order.
	Timeline []eventstore.StoredEvent

	// StateChanges holds the resolved-state entries whose value
	// changed in the span, one per tuple (the latest value).
	StateChanges []StateChange

	// Limited is set when Timeline was cut at the limit; the client
	// syncs again from Next to get the rest.
	Limited bool
}

// Response is the outcome of a sync call. Rooms holds an entry only
// for rooms with new data. Next is the cursor for the client's next
// call; delta spans defined by successive cursors never overlap and
// never skip an event.
type Response struct {
	Rooms map[ref.RoomID]Delta
	Next  Cursor
}

// Sync computes the delta since req.Since. If nothing is new in any
// requested room, the call parks on the notifier until an append
// lands in one of them or the timeout elapses. Cancelling ctx
// abandons the wait with no side effects.
func (e *Engine) Sync(ctx context.Context, req Request) (Response, error) {
	limit := req.TimelineLimit
	if limit <= 0 {
		limit = e.defaultLimit
	}
	deadline := e.clock.Now().Add(req.Timeout)

	for {
		response, err := e.collect(ctx, req, limit)
		if err != nil {
			return Response{}, err
		}
		if len(response.Rooms) > 0 || req.Timeout <= 0 {
			return response, nil
		}

		// Park. Subscribe first, then re-check: an append landing
		// between collect and Subscribe must not leave us waiting for
		// a wake that already happened.
		sub := e.notifier.Subscribe(req.RoomIDs)
		response, err = e.collect(ctx, req, limit)
		if err != nil {
			e.notifier.Cancel(sub)
			return Response{}, err
		}
		if len(response.Rooms) > 0 {
			e.notifier.Cancel(sub)
			return response, nil
		}

		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			e.notifier.Cancel(sub)
			return response, nil
		}
		select {
		case <-ctx.Done():
			e.notifier.Cancel(sub)
			return Response{}, ctx.Err()
		case <-e.clock.After(remaining):
			e.notifier.Cancel(sub)
			return response, nil
		case <-sub.Wake():
			e.notifier.Cancel(sub)
			// Loop: re-read and either return the delta or re-park
			// with the remaining timeout.
		}
	}
}

// collect reads each room's increment. The next cursor is chosen so
// that successive delta spans are disjoint and skip nothing: when any
// room's timeline was limited, the whole response is cut at that
// room's last returned position and everything past it is held for the
// next call.
func (e *Engine) collect(ctx context.Context, req Request, limit int) (Response, error) {
	response := Response{
		Rooms: make(map[ref.RoomID]Delta),
		Next:  req.Since,
	}

	type roomData struct {
		id      ref.RoomID
		events  []eventstore.StoredEvent
		deltas  []eventstore.StateDelta
		limited bool
	}
	var rooms []roomData

	// next is the furthest position this response covers. A room that
	// hit its timeline limit cuts the span at its last returned
	// position; without one, the span runs to the furthest position
	// seen. Everything past next is trimmed below so that successive
	// spans are disjoint.
	next := int64(-1)
	boundary := int64(-1)
	for _, roomID := range req.RoomIDs {
		events, err := e.reader.EventsSince(ctx, roomID, req.Since.Pos(), limit)
		if err != nil {
			return Response{}, fmt.Errorf("syncapi: reading timeline for %s: %w", roomID, err)
		}
		deltas, err := e.reader.StateDeltasSince(ctx, roomID, req.Since.Pos())
		if err != nil {
			return Response{}, fmt.Errorf("syncapi: reading state deltas for %s: %w", roomID, err)
		}
		if len(events) == 0 && len(deltas) == 0 {
			continue
		}
		limited := len(events) == limit
		rooms = append(rooms, roomData{id: roomID, events: events, deltas: deltas, limited: limited})

		roomLast := int64(0)
		if len(events) > 0 {
			roomLast = events[len(events)-1].StreamPos
		}
		for _, d := range deltas {
			if d.StreamPos > roomLast {
				roomLast = d.StreamPos
			}
		}
		if roomLast > next {
			next = roomLast
		}
		if limited {
			cut := events[len(events)-1].StreamPos
			if boundary == -1 || cut < boundary {
				boundary = cut
			}
		}
	}
	if len(rooms) == 0 {
		return response, nil
	}
	if boundary >= 0 && boundary < next {
		next = boundary
	}

	for _, rd := range rooms {
		delta := Delta{Limited: rd.limited}
		for _, ev := range rd.events {
			if ev.StreamPos > next {
				delta.Limited = true
				break
			}
			delta.Timeline = append(delta.Timeline, ev)
		}

		// Latest value per tuple within the span.
		latest := make(map[event.StateTuple]eventstore.StateDelta)
		var order []event.StateTuple
		for _, d := range rd.deltas {
			if d.StreamPos > next {
				continue
			}
			if _, seen := latest[d.Tuple]; !seen {
				order = append(order, d.Tuple)
			}
			latest[d.Tuple] = d
		}
		for _, tuple := range order {
			d := latest[tuple]
			delta.StateChanges = append(delta.StateChanges, StateChange{
				Tuple:   tuple,
				EventID: d.EventID,
				Removed: d.Removed,
			})
		}

		if len(delta.Timeline) > 0 || len(delta.StateChanges) > 0 {
			response.Rooms[rd.id] = delta
		}
	}
	if next > req.Since.Pos() {
		response.Next = CursorAt(next)
	}
	return response, nil
}
