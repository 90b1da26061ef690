// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomserver orchestrates the per-room event pipeline: local
// sends, federation ingest, room creation, and backfill serving. All
// writes to one room are serialized behind a keyed mutex; different
// rooms proceed fully in parallel.
package roomserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/chancery/authorization"
	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/eventstore"
	"github.com/bureau-foundation/chancery/keyring"
	"github.com/bureau-foundation/chancery/lib/clock"
	"github.com/bureau-foundation/chancery/lib/codec"
	"github.com/bureau-foundation/chancery/lib/ref"
	"github.com/bureau-foundation/chancery/state"
)

// ErrRoomHalted marks a room that stopped accepting writes after a
// resolution determinism violation. Reads still work; recovery is a
// manual operation.
var ErrRoomHalted = errors.New("roomserver: room is halted")

// ErrDeterminismViolation is returned when re-resolving the same leaf
// set produced a different snapshot. The room is halted before this is
// returned.
var ErrDeterminismViolation = errors.New("roomserver: state resolution is not deterministic for this room")

// RejectionError carries the authorization verdict for a refused
// local send. It is a typed outcome, not a pipeline fault: the caller
// decides how to surface it.
type RejectionError struct {
	ID     ref.EventID
	Result authorization.Result
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("roomserver: event %s rejected: %s (%s)",
		e.ID, e.Result.Reason, e.Result.Detail)
}

// Fanout queues an accepted local event toward remote servers.
// *federation.Exchanger satisfies it.
type Fanout interface {
	EnqueueEvent(e *event.Event, destinations []ref.ServerName)
}

// Waker wakes sync calls parked on a room. *syncapi.Notifier
// satisfies it.
type Waker interface {
	Notify(roomID ref.RoomID)
}

// GapResolver is the gap-resolver surface federation ingest uses.
// *backfill.Resolver satisfies it.
type GapResolver interface {
	Submit(ctx context.Context, origin ref.ServerName, e *event.Event) (bool, error)
	Satisfy(ctx context.Context, arrived ref.EventID)
}

// Config holds the server's collaborators.
type Config struct {
	Store  *eventstore.Store
	Signer *keyring.LocalSigner
	Ring   keyring.Ring

	// Fanout, Waker, and Gaps are optional; a nil collaborator is
	// skipped. A standalone server with federation off runs with only
	// Store, Signer, and Ring.
	Fanout Fanout
	Waker  Waker
	Gaps   GapResolver

	Clock  clock.Clock
	Logger *slog.Logger

	// VerifyResolution recomputes every resolution and halts the room
	// on divergence. Off by default.
	VerifyResolution bool

	// MaxAppendAttempts bounds retries of a failed store append.
	// Default 3, first retry after RetryBase, doubling.
	MaxAppendAttempts int
	RetryBase         time.Duration
}

// Server is the room pipeline. Safe for concurrent use.
type Server struct {
	store  *eventstore.Store
	signer *keyring.LocalSigner
	engine *authorization.Engine
	fanout Fanout
	waker  Waker
	gaps   GapResolver
	clock  clock.Clock
	logger *slog.Logger

	verifyResolution  bool
	maxAppendAttempts int
	retryBase         time.Duration

	mu    sync.Mutex
	locks map[ref.RoomID]*sync.Mutex
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Signer == nil || cfg.Ring == nil {
		return nil, fmt.Errorf("roomserver: Store, Signer, and Ring are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxAppendAttempts <= 0 {
		cfg.MaxAppendAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	return &Server{
		store:             cfg.Store,
		signer:            cfg.Signer,
		engine:            authorization.NewEngine(cfg.Ring),
		fanout:            cfg.Fanout,
		waker:             cfg.Waker,
		gaps:              cfg.Gaps,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		verifyResolution:  cfg.VerifyResolution,
		maxAppendAttempts: cfg.MaxAppendAttempts,
		retryBase:         cfg.RetryBase,
		locks:             make(map[ref.RoomID]*sync.Mutex),
	}, nil
}

// roomLock returns the mutex serializing one room's pipeline.
func (s *Server) roomLock(roomID ref.RoomID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[roomID] = lock
	}
	return lock
}

// CreateRoomRequest describes a room to create. The creator must be a
// user on this server.
type CreateRoomRequest struct {
	Creator ref.UserID

	// Preset supplies join rule, name, and power level defaults. Nil
	// uses PresetPrivate.
	Preset *Preset

	// Name overrides the preset's name when non-empty.
	Name string
}

// CreateRoom mints a room ID and appends the bootstrap chain: create,
// creator join, power levels, join rules, and optionally a name. The
// whole chain lands in one store transaction. Returns the create
// event.
func (s *Server) CreateRoom(ctx context.Context, req CreateRoomRequest) (*event.Event, error) {
	if req.Creator.Server() != s.signer.ServerName() {
		return nil, fmt.Errorf("roomserver: creator %s is not on this server", req.Creator)
	}
	preset := PresetPrivate
	if req.Preset != nil {
		preset = *req.Preset
	}
	name := preset.Name
	if req.Name != "" {
		name = req.Name
	}

	roomID, err := ref.NewRoomID(uuid.NewString(), s.signer.ServerName())
	if err != nil {
		return nil, fmt.Errorf("roomserver: minting room ID: %w", err)
	}

	builder := &chainBuilder{
		server:  s,
		roomID:  roomID,
		version: event.V1,
		state:   make(authorization.StateMap),
	}

	createContent := event.CreateContent{Creator: req.Creator, RoomVersion: event.V1}
	createEvent, err := builder.appendState(req.Creator, event.TypeCreate, "", createContent)
	if err != nil {
		return nil, err
	}
	if _, err := builder.appendState(req.Creator, event.TypeMember, req.Creator.String(),
		event.MemberContent{Membership: event.MembershipJoin}); err != nil {
		return nil, err
	}
	if _, err := builder.appendState(req.Creator, event.TypePowerLevels, "",
		preset.powerLevels(createContent)); err != nil {
		return nil, err
	}
	if _, err := builder.appendState(req.Creator, event.TypeJoinRules, "",
		event.JoinRulesContent{JoinRule: preset.JoinRule}); err != nil {
		return nil, err
	}
	if name != "" {
		if _, err := builder.appendState(req.Creator, event.TypeName, "",
			event.NameContent{Name: name}); err != nil {
			return nil, err
		}
	}

	createID := builder.ids[0]
	appendReq := eventstore.AppendRequest{
		RoomID: roomID,
		NewRoom: &eventstore.RoomInfo{
			ID:            roomID,
			Version:       event.V1,
			CreateEventID: createID,
		},
		Events:   builder.events,
		Frontier: []ref.EventID{builder.ids[len(builder.ids)-1]},
		Resolved: builder.snapshot(),
	}
	if _, err := s.appendWithRetry(ctx, appendReq); err != nil {
		return nil, err
	}

	s.logger.Info("room created",
		"room_id", roomID, "creator", req.Creator, "events", len(builder.events))
	if s.waker != nil {
		s.waker.Notify(roomID)
	}
	return createEvent, nil
}

// chainBuilder accumulates the linear bootstrap chain of a new room.
// Each event cites its predecessor and the auth events the rules
// require from the state built so far.
type chainBuilder struct {
	server  *Server
	roomID  ref.RoomID
	version event.Version

	events []eventstore.AppendEvent
	ids    []ref.EventID
	state  authorization.StateMap
}

func (b *chainBuilder) appendState(sender ref.UserID, eventType ref.EventType, stateKey string, content any) (*event.Event, error) {
	raw, err := event.MarshalContent(content)
	if err != nil {
		return nil, fmt.Errorf("roomserver: %w", err)
	}
	e := &event.Event{
		RoomID:         b.roomID,
		Sender:         sender,
		Type:           eventType,
		StateKey:       &stateKey,
		Content:        raw,
		Depth:          int64(len(b.events)),
		OriginServerTS: b.server.clock.Now().UnixMilli(),
	}
	if len(b.ids) > 0 {
		e.PrevEvents = []ref.EventID{b.ids[len(b.ids)-1]}
		for _, tuple := range authorization.RequiredAuthTuples(e) {
			if authEvent, ok := b.state.StateEvent(tuple); ok {
				id, err := authEvent.ComputeID()
				if err != nil {
					return nil, fmt.Errorf("roomserver: %w", err)
				}
				e.AuthEvents = append(e.AuthEvents, id)
			}
		}
	}
	if err := b.server.signer.SignEvent(e); err != nil {
		return nil, fmt.Errorf("roomserver: signing %s: %w", eventType, err)
	}

	result := b.server.engine.Check(e, b.version, b.state)
	if result.Decision != authorization.Accept {
		// The bootstrap chain is constructed to pass its own rules; a
		// rejection here is a bug, not a user error.
		return nil, fmt.Errorf("roomserver: bootstrap event %s rejected: %s (%s)",
			eventType, result.Reason, result.Detail)
	}

	id, err := e.ComputeID()
	if err != nil {
		return nil, fmt.Errorf("roomserver: %w", err)
	}
	b.events = append(b.events, eventstore.AppendEvent{ID: id, Event: e})
	b.ids = append(b.ids, id)
	b.state[event.StateTuple{Type: eventType, StateKey: stateKey}] = e
	return e, nil
}

func (b *chainBuilder) snapshot() state.Snapshot {
	snap := make(state.Snapshot, len(b.state))
	for i, entry := range b.events {
		tuple, ok := entry.Event.StateTuple()
		if !ok {
			continue
		}
		snap[tuple] = b.ids[i]
	}
	return snap
}

// Submit is one local send: a timeline or state event authored by a
// user on this server.
type Submit struct {
	RoomID   ref.RoomID
	Sender   ref.UserID
	Type     ref.EventType
	StateKey *string
	Content  codec.RawMessage
}

// SubmitClientEvent builds, signs, authorizes, and appends a local
// event. The event cites the room's entire current frontier and
// becomes the sole leaf; the new resolved state is recomputed over
// that leaf exactly as a remote ingesting the event would compute it.
// A refused event returns a *RejectionError and is not stored.
func (s *Server) SubmitClientEvent(ctx context.Context, req Submit) (ref.EventID, error) {
	if req.Sender.Server() != s.signer.ServerName() {
		return ref.EventID{}, fmt.Errorf("roomserver: sender %s is not on this server", req.Sender)
	}

	lock := s.roomLock(req.RoomID)
	lock.Lock()
	defer lock.Unlock()

	info, err := s.store.Room(ctx, req.RoomID)
	if err != nil {
		return ref.EventID{}, err
	}
	if info.Halted {
		return ref.EventID{}, ErrRoomHalted
	}

	frontier, err := s.store.Frontier(ctx, req.RoomID)
	if err != nil {
		return ref.EventID{}, err
	}
	snapshot, err := s.store.StateAt(ctx, req.RoomID)
	if err != nil {
		return ref.EventID{}, err
	}

	depth := int64(0)
	for _, parent := range frontier {
		stored, err := s.store.Get(ctx, parent)
		if err != nil {
			return ref.EventID{}, err
		}
		if stored.Event.Depth >= depth {
			depth = stored.Event.Depth + 1
		}
	}

	e := &event.Event{
		RoomID:         req.RoomID,
		Sender:         req.Sender,
		Type:           req.Type,
		StateKey:       req.StateKey,
		Content:        req.Content,
		PrevEvents:     frontier,
		Depth:          depth,
		OriginServerTS: s.clock.Now().UnixMilli(),
	}
	authState, err := s.citeAuthEvents(ctx, e, snapshot)
	if err != nil {
		return ref.EventID{}, err
	}
	if err := s.signer.SignEvent(e); err != nil {
		return ref.EventID{}, fmt.Errorf("roomserver: signing event: %w", err)
	}
	id, err := e.ComputeID()
	if err != nil {
		return ref.EventID{}, fmt.Errorf("roomserver: %w", err)
	}

	result := s.engine.Check(e, info.Version, authState)
	if result.Decision != authorization.Accept {
		s.logger.Info("local event rejected",
			"room_id", req.RoomID, "sender", req.Sender, "type", req.Type,
			"reason", result.Reason.String(), "detail", result.Detail)
		return id, &RejectionError{ID: id, Result: result}
	}

	// The event cites the whole frontier and becomes the sole leaf.
	// The snapshot for that leaf must be the one every remote
	// computes when it ingests this event, so run the same resolution
	// the ingest path runs, with the not-yet-appended event overlaid
	// on the store. After a conflict merge the result can differ from
	// the stored snapshot plus this event.
	source := &overlaySource{
		store: s.store,
		extra: map[ref.EventID]*state.Record{id: {ID: id, Event: e}},
	}
	resolved, err := state.Resolve(ctx, info.Version, []ref.EventID{id}, source)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("roomserver: resolving after submit of %s: %w", id, err)
	}
	appendReq := eventstore.AppendRequest{
		RoomID:   req.RoomID,
		Events:   []eventstore.AppendEvent{{ID: id, Event: e}},
		Frontier: []ref.EventID{id},
		Resolved: resolved,
	}
	if _, err := s.appendWithRetry(ctx, appendReq); err != nil {
		return ref.EventID{}, err
	}
	if err := s.verifyResolved(ctx, info.Version, req.RoomID, []ref.EventID{id}, resolved); err != nil {
		return ref.EventID{}, err
	}

	if s.waker != nil {
		s.waker.Notify(req.RoomID)
	}
	if s.fanout != nil {
		destinations, err := s.RemoteServers(ctx, req.RoomID)
		if err != nil {
			s.logger.Warn("deriving federation destinations failed",
				"room_id", req.RoomID, "error", err)
		} else if len(destinations) > 0 {
			s.fanout.EnqueueEvent(e, destinations)
		}
	}
	return id, nil
}

// citeAuthEvents fills the candidate's AuthEvents from the current
// resolved state and returns the matching auth state for the check.
func (s *Server) citeAuthEvents(ctx context.Context, e *event.Event, snapshot state.Snapshot) (authorization.StateMap, error) {
	authState := make(authorization.StateMap)
	for _, tuple := range authorization.RequiredAuthTuples(e) {
		id, ok := snapshot[tuple]
		if !ok {
			continue
		}
		stored, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		e.AuthEvents = append(e.AuthEvents, id)
		authState[tuple] = stored.Event
	}
	return authState, nil
}

// IngestFederationEvent runs one remote event through the pipeline:
// gap check, authorization against the event's own auth events, append
// (accepted or rejected-but-stored), re-resolution over the new
// frontier. Already-stored events are a no-op. Events with missing
// ancestors are held by the gap resolver and nil is returned; they
// re-enter here once their ancestors land.
func (s *Server) IngestFederationEvent(ctx context.Context, origin ref.ServerName, e *event.Event) error {
	id, err := e.ComputeID()
	if err != nil {
		return fmt.Errorf("roomserver: %w", err)
	}
	stored, err := s.store.Has(ctx, id)
	if err != nil {
		return err
	}
	if stored {
		// A re-delivered event can still be the ancestor a held event
		// waits for: the waiter may have registered after the
		// original append's Satisfy ran.
		if s.gaps != nil {
			s.gaps.Satisfy(ctx, id)
		}
		return nil
	}

	if s.gaps != nil {
		held, err := s.gaps.Submit(ctx, origin, e)
		if err != nil {
			return err
		}
		if held {
			return nil
		}
	}

	if err := s.ingestConnected(ctx, origin, id, e); err != nil {
		return err
	}

	// Satisfy re-ingests events that were blocked on this one; that
	// path re-enters this function and takes the room lock, so it must
	// run after the lock is released.
	if s.gaps != nil {
		s.gaps.Satisfy(ctx, id)
	}
	return nil
}

// ingestConnected runs the locked portion of federation ingest: the
// event's ancestors are all stored by the time this is called.
func (s *Server) ingestConnected(ctx context.Context, origin ref.ServerName, id ref.EventID, e *event.Event) error {
	lock := s.roomLock(e.RoomID)
	lock.Lock()
	defer lock.Unlock()

	info, err := s.store.Room(ctx, e.RoomID)
	switch {
	case errors.Is(err, eventstore.ErrRoomNotFound):
		return s.ingestRemoteCreate(ctx, origin, id, e)
	case err != nil:
		return err
	}
	if info.Halted {
		return ErrRoomHalted
	}

	result := s.authorizeStored(ctx, e, info.Version)
	accepted := result.Decision == authorization.Accept

	frontier, err := s.store.Frontier(ctx, e.RoomID)
	if err != nil {
		return err
	}
	resolved, err := s.store.StateAt(ctx, e.RoomID)
	if err != nil {
		return err
	}
	newFrontier := frontier
	if accepted {
		newFrontier = advanceFrontier(frontier, e.PrevEvents, id)
		source := &overlaySource{
			store: s.store,
			extra: map[ref.EventID]*state.Record{id: {ID: id, Event: e}},
		}
		resolved, err = state.Resolve(ctx, info.Version, newFrontier, source)
		if err != nil {
			return fmt.Errorf("roomserver: resolving after ingest of %s: %w", id, err)
		}
	}

	appendReq := eventstore.AppendRequest{
		RoomID: e.RoomID,
		Events: []eventstore.AppendEvent{{
			ID:           id,
			Event:        e,
			Rejected:     !accepted,
			RejectReason: rejectReason(result),
		}},
		Frontier: newFrontier,
		Resolved: resolved,
	}
	if _, err := s.appendWithRetry(ctx, appendReq); err != nil {
		return err
	}
	if accepted {
		if err := s.verifyResolved(ctx, info.Version, e.RoomID, newFrontier, resolved); err != nil {
			return err
		}
	}

	if !accepted {
		s.logger.Info("federation event rejected",
			"room_id", e.RoomID, "event_id", id, "origin", origin,
			"reason", result.Reason.String(), "detail", result.Detail)
	}
	if s.waker != nil && accepted {
		s.waker.Notify(e.RoomID)
	}
	return nil
}

// ingestRemoteCreate handles the first event of a room arriving over
// federation. Only a create event can introduce a room; anything else
// for an unknown room was held by the gap resolver upstream.
func (s *Server) ingestRemoteCreate(ctx context.Context, origin ref.ServerName, id ref.EventID, e *event.Event) error {
	if !e.IsCreate() {
		return fmt.Errorf("roomserver: event %s for unknown room %s is not a create event", id, e.RoomID)
	}
	content, err := event.ParseCreateContent(e.Content)
	if err != nil {
		return fmt.Errorf("roomserver: remote create %s: %w", id, err)
	}

	result := s.engine.Check(e, content.RoomVersion, make(authorization.StateMap))
	if result.Decision != authorization.Accept {
		// A refused create leaves nothing to attach the room to; drop
		// it rather than storing an orphan.
		s.logger.Warn("remote create event rejected",
			"room_id", e.RoomID, "event_id", id, "origin", origin,
			"reason", result.Reason.String(), "detail", result.Detail)
		return nil
	}

	appendReq := eventstore.AppendRequest{
		RoomID: e.RoomID,
		NewRoom: &eventstore.RoomInfo{
			ID:            e.RoomID,
			Version:       content.RoomVersion,
			CreateEventID: id,
		},
		Events:   []eventstore.AppendEvent{{ID: id, Event: e}},
		Frontier: []ref.EventID{id},
		Resolved: state.Snapshot{event.TupleCreate: id},
	}
	if _, err := s.appendWithRetry(ctx, appendReq); err != nil {
		return err
	}
	if s.waker != nil {
		s.waker.Notify(e.RoomID)
	}
	return nil
}

// authorizeStored checks a remote event against the snapshot implied
// by its own auth events, all of which are stored by the time this
// runs. An auth event that was itself rejected poisons the candidate.
func (s *Server) authorizeStored(ctx context.Context, e *event.Event, version event.Version) authorization.Result {
	authState := make(authorization.StateMap)
	for _, authID := range e.AuthEvents {
		stored, err := s.store.Get(ctx, authID)
		if err != nil {
			return authorization.Result{
				Decision: authorization.Reject,
				Reason:   authorization.ReasonMalformed,
				Detail:   fmt.Sprintf("auth event %s unavailable: %v", authID, err),
			}
		}
		if stored.Rejected {
			return authorization.Result{
				Decision: authorization.Reject,
				Reason:   authorization.ReasonForeignAuthEvent,
				Detail:   fmt.Sprintf("auth event %s was itself rejected", authID),
			}
		}
		tuple, ok := stored.Event.StateTuple()
		if !ok {
			return authorization.Result{
				Decision: authorization.Reject,
				Reason:   authorization.ReasonForeignAuthEvent,
				Detail:   fmt.Sprintf("auth event %s is not a state event", authID),
			}
		}
		authState[tuple] = stored.Event
	}
	return s.engine.Check(e, version, authState)
}

// advanceFrontier removes the new event's parents from the leaf set
// and adds the event itself.
func advanceFrontier(frontier, parents []ref.EventID, id ref.EventID) []ref.EventID {
	consumed := make(map[ref.EventID]struct{}, len(parents))
	for _, parent := range parents {
		consumed[parent] = struct{}{}
	}
	next := make([]ref.EventID, 0, len(frontier)+1)
	for _, leaf := range frontier {
		if _, gone := consumed[leaf]; !gone {
			next = append(next, leaf)
		}
	}
	return append(next, id)
}

// overlaySource serves not-yet-appended events in front of the store
// during resolution.
type overlaySource struct {
	store state.Source
	extra map[ref.EventID]*state.Record
}

func (o *overlaySource) Lookup(ctx context.Context, id ref.EventID) (*state.Record, error) {
	if record, ok := o.extra[id]; ok {
		return record, nil
	}
	return o.store.Lookup(ctx, id)
}

// verifyResolved recomputes the resolution of the room's leaf set and
// compares it with what was just stored. Divergence halts the room.
// Skipped unless VerifyResolution is set.
func (s *Server) verifyResolved(ctx context.Context, version event.Version, roomID ref.RoomID, leaves []ref.EventID, resolved state.Snapshot) error {
	if !s.verifyResolution {
		return nil
	}
	recomputed, err := state.Resolve(ctx, version, leaves, s.store)
	if err != nil {
		return fmt.Errorf("roomserver: verification resolve for %s: %w", roomID, err)
	}
	if recomputed.Equal(resolved) {
		return nil
	}
	s.logger.Error("resolution determinism violation, halting room",
		"room_id", roomID, "leaves", len(leaves))
	if err := s.store.SetHalted(ctx, roomID, true); err != nil {
		return fmt.Errorf("roomserver: halting %s: %w", roomID, err)
	}
	return ErrDeterminismViolation
}

// appendWithRetry retries transient store failures with doubling
// backoff before giving up.
func (s *Server) appendWithRetry(ctx context.Context, req eventstore.AppendRequest) (eventstore.AppendResult, error) {
	var result eventstore.AppendResult
	var err error
	for attempt := 1; ; attempt++ {
		result, err = s.store.Append(ctx, req)
		if err == nil {
			return result, nil
		}
		if attempt == s.maxAppendAttempts || ctx.Err() != nil {
			return result, fmt.Errorf("roomserver: append failed after %d attempts: %w", attempt, err)
		}
		delay := s.retryBase * (1 << (attempt - 1))
		s.logger.Warn("append failed, retrying",
			"room_id", req.RoomID, "attempt", attempt, "backoff", delay, "error", err)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-s.clock.After(delay):
		}
	}
}

// rejectReason renders the stored reason string for a rejected event.
func rejectReason(result authorization.Result) string {
	if result.Decision == authorization.Accept {
		return ""
	}
	if result.Detail != "" {
		return result.Reason.String() + ": " + result.Detail
	}
	return result.Reason.String()
}

// RemoteServers derives the remote servers participating in the room
// from its resolved membership: the server of every joined user,
// excluding this one. Used as federation fan-out destinations and as
// backfill candidates.
func (s *Server) RemoteServers(ctx context.Context, roomID ref.RoomID) ([]ref.ServerName, error) {
	snapshot, err := s.store.StateAt(ctx, roomID)
	if err != nil {
		return nil, err
	}
	seen := make(map[ref.ServerName]struct{})
	var servers []ref.ServerName
	for tuple, id := range snapshot {
		if tuple.Type != event.TypeMember {
			continue
		}
		stored, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		content, err := event.ParseMemberContent(stored.Event.Content)
		if err != nil || content.Membership != event.MembershipJoin {
			continue
		}
		member, err := ref.ParseUserID(tuple.StateKey)
		if err != nil {
			continue
		}
		server := member.Server()
		if server == s.signer.ServerName() {
			continue
		}
		if _, ok := seen[server]; ok {
			continue
		}
		seen[server] = struct{}{}
		servers = append(servers, server)
	}
	return servers, nil
}

// DefaultBackfillLimit caps the events served per backfill request
// when the caller does not set its own limit.
const DefaultBackfillLimit = 50

// Backfill serves a remote's request for events we hold: the
// requested IDs plus their ancestors, breadth-first, up to limit.
// Unknown IDs are skipped silently — the remote asks someone else.
func (s *Server) Backfill(ctx context.Context, roomID ref.RoomID, ids []ref.EventID, limit int) ([]*event.Event, error) {
	if limit <= 0 || limit > DefaultBackfillLimit {
		limit = DefaultBackfillLimit
	}

	queue := append([]ref.EventID(nil), ids...)
	visited := make(map[ref.EventID]struct{}, len(ids))
	var events []*event.Event
	for len(queue) > 0 && len(events) < limit {
		id := queue[0]
		queue = queue[1:]
		if _, done := visited[id]; done {
			continue
		}
		visited[id] = struct{}{}

		stored, err := s.store.Get(ctx, id)
		if errors.Is(err, eventstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if stored.Event.RoomID != roomID {
			continue
		}
		events = append(events, stored.Event)
		queue = append(queue, stored.Event.PrevEvents...)
		queue = append(queue, stored.Event.AuthEvents...)
	}
	return events, nil
}
