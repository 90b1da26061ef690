// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/chancery/authorization"
	"github.com/bureau-foundation/chancery/backfill"
	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/eventstore"
	"github.com/bureau-foundation/chancery/keyring"
	"github.com/bureau-foundation/chancery/lib/ref"
	"github.com/bureau-foundation/chancery/lib/testutil"
	"github.com/bureau-foundation/chancery/state"
)

var (
	localName  = ref.MustParseServerName("hub.test")
	remoteName = ref.MustParseServerName("far.test")
	alice      = ref.MustParseUserID("@alice:hub.test")
	carol      = ref.MustParseUserID("@carol:hub.test")
	bob        = ref.MustParseUserID("@bob:far.test")
)

type serverHarness struct {
	store        *eventstore.Store
	server       *Server
	localSigner  *keyring.LocalSigner
	remoteSigner *keyring.LocalSigner
	ring         *keyring.StaticRing
	notified     chan ref.RoomID
	fanned       chan fannedEvent
}

type fannedEvent struct {
	event        *event.Event
	destinations []ref.ServerName
}

func (h *serverHarness) Notify(roomID ref.RoomID) {
	select {
	case h.notified <- roomID:
	default:
	}
}

func (h *serverHarness) EnqueueEvent(e *event.Event, destinations []ref.ServerName) {
	h.fanned <- fannedEvent{event: e, destinations: destinations}
}

func newSigner(t *testing.T, server ref.ServerName) *keyring.LocalSigner {
	t.Helper()
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer, err := keyring.NewLocalSigner(server, privateKey)
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}
	return signer
}

func newServerHarness(t *testing.T, gaps GapResolver) *serverHarness {
	t.Helper()
	store, err := eventstore.Open(eventstore.Config{
		Path: filepath.Join(t.TempDir(), "rooms.db"),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &serverHarness{
		store:        store,
		localSigner:  newSigner(t, localName),
		remoteSigner: newSigner(t, remoteName),
		ring:         keyring.NewStaticRing(),
		notified:     make(chan ref.RoomID, 16),
		fanned:       make(chan fannedEvent, 16),
	}
	h.ring.Add(localName, h.localSigner.PublicKey())
	h.ring.Add(remoteName, h.remoteSigner.PublicKey())

	server, err := New(Config{
		Store:            store,
		Signer:           h.localSigner,
		Ring:             h.ring,
		Fanout:           h,
		Waker:            h,
		Gaps:             gaps,
		VerifyResolution: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.server = server
	return h
}

// createOpenRoom creates a public room where both alice and bob hold
// level 100, so either side can write state.
func (h *serverHarness) createOpenRoom(t *testing.T) ref.RoomID {
	t.Helper()
	level := int64(100)
	preset := Preset{
		JoinRule: event.JoinRulePublic,
		PowerLevels: &PowerLevelOverrides{
			Users: map[string]int64{bob.String(): level},
		},
	}
	createEvent, err := h.server.CreateRoom(context.Background(), CreateRoomRequest{
		Creator: alice,
		Preset:  &preset,
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return createEvent.RoomID
}

// remoteEvent builds and signs an event as the remote server would:
// auth events cited from the room's current resolved state, prev
// events as given.
func (h *serverHarness) remoteEvent(t *testing.T, roomID ref.RoomID, sender ref.UserID, eventType ref.EventType, stateKey *string, content any, prev []ref.EventID) *event.Event {
	t.Helper()
	ctx := context.Background()
	raw, err := event.MarshalContent(content)
	if err != nil {
		t.Fatalf("encoding content: %v", err)
	}

	depth := int64(0)
	for _, parent := range prev {
		stored, err := h.store.Get(ctx, parent)
		if err != nil {
			t.Fatalf("reading parent %s: %v", parent, err)
		}
		if stored.Event.Depth >= depth {
			depth = stored.Event.Depth + 1
		}
	}

	e := &event.Event{
		RoomID:         roomID,
		Sender:         sender,
		Type:           eventType,
		StateKey:       stateKey,
		Content:        raw,
		PrevEvents:     prev,
		Depth:          depth,
		OriginServerTS: time.Now().UnixMilli(),
	}
	snapshot, err := h.store.StateAt(ctx, roomID)
	if err != nil {
		t.Fatalf("StateAt: %v", err)
	}
	for _, tuple := range authorization.RequiredAuthTuples(e) {
		if id, ok := snapshot[tuple]; ok {
			e.AuthEvents = append(e.AuthEvents, id)
		}
	}
	if err := h.remoteSigner.SignEvent(e); err != nil {
		t.Fatalf("signing: %v", err)
	}
	return e
}

func strPtr(s string) *string { return &s }

func TestCreateRoomBootstrapChain(t *testing.T) {
	h := newServerHarness(t, nil)
	roomID := h.createOpenRoom(t)
	ctx := context.Background()

	info, err := h.store.Room(ctx, roomID)
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	if info.Version != event.V1 {
		t.Errorf("room version = %s, want %s", info.Version, event.V1)
	}

	snapshot, err := h.store.StateAt(ctx, roomID)
	if err != nil {
		t.Fatalf("StateAt: %v", err)
	}
	for _, tuple := range []event.StateTuple{
		event.TupleCreate,
		event.MemberTuple(alice),
		event.TuplePowerLevels,
		event.TupleJoinRules,
	} {
		if _, ok := snapshot[tuple]; !ok {
			t.Errorf("resolved state missing %s", tuple)
		}
	}

	frontier, err := h.store.Frontier(ctx, roomID)
	if err != nil {
		t.Fatalf("Frontier: %v", err)
	}
	if len(frontier) != 1 {
		t.Errorf("frontier = %d leaves, want 1 (linear bootstrap chain)", len(frontier))
	}

	// The preset's power level override is in the stored content.
	levelsID := snapshot[event.TuplePowerLevels]
	stored, err := h.store.Get(ctx, levelsID)
	if err != nil {
		t.Fatalf("Get power levels: %v", err)
	}
	levels, err := event.ParsePowerLevelsContent(stored.Event.Content)
	if err != nil {
		t.Fatalf("parsing power levels: %v", err)
	}
	if got := levels.UserLevel(bob); got != 100 {
		t.Errorf("preset override: bob's level = %d, want 100", got)
	}
	if got := levels.UserLevel(alice); got != event.CreatorLevel {
		t.Errorf("creator level = %d, want %d", got, event.CreatorLevel)
	}
}

func TestCreateRoomRejectsForeignCreator(t *testing.T) {
	h := newServerHarness(t, nil)
	if _, err := h.server.CreateRoom(context.Background(), CreateRoomRequest{Creator: bob}); err == nil {
		t.Fatal("CreateRoom accepted a creator from another server")
	}
}

func TestSubmitClientEventAcceptsAndNotifies(t *testing.T) {
	h := newServerHarness(t, nil)
	roomID := h.createOpenRoom(t)
	ctx := context.Background()
	drainNotifications(h)

	content, _ := event.MarshalContent(map[string]string{"body": "hello"})
	id, err := h.server.SubmitClientEvent(ctx, Submit{
		RoomID:  roomID,
		Sender:  alice,
		Type:    event.TypeMessage,
		Content: content,
	})
	if err != nil {
		t.Fatalf("SubmitClientEvent: %v", err)
	}

	stored, err := h.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Rejected {
		t.Error("accepted event stored as rejected")
	}

	woken := testutil.RequireReceive(t, h.notified, time.Second, "waiting for sync notification")
	if woken != roomID {
		t.Errorf("notified room = %s, want %s", woken, roomID)
	}

	frontier, err := h.store.Frontier(ctx, roomID)
	if err != nil {
		t.Fatalf("Frontier: %v", err)
	}
	if len(frontier) != 1 || frontier[0] != id {
		t.Errorf("frontier = %v, want just %s", frontier, id)
	}
}

func TestSubmitClientEventRejectsNonMember(t *testing.T) {
	h := newServerHarness(t, nil)
	roomID := h.createOpenRoom(t)

	content, _ := event.MarshalContent(map[string]string{"body": "psst"})
	_, err := h.server.SubmitClientEvent(context.Background(), Submit{
		RoomID:  roomID,
		Sender:  carol,
		Type:    event.TypeMessage,
		Content: content,
	})
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("error = %v, want *RejectionError", err)
	}
	if rejection.Result.Reason != authorization.ReasonSenderNotJoined {
		t.Errorf("reason = %s, want sender not joined", rejection.Result.Reason)
	}

	// Refused local events are never stored.
	stored, err := h.store.Has(context.Background(), rejection.ID)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if stored {
		t.Error("rejected local event was stored")
	}
}

func TestSubmitToHaltedRoom(t *testing.T) {
	h := newServerHarness(t, nil)
	roomID := h.createOpenRoom(t)
	ctx := context.Background()
	if err := h.store.SetHalted(ctx, roomID, true); err != nil {
		t.Fatalf("SetHalted: %v", err)
	}

	content, _ := event.MarshalContent(map[string]string{"body": "nope"})
	if _, err := h.server.SubmitClientEvent(ctx, Submit{
		RoomID: roomID, Sender: alice, Type: event.TypeMessage, Content: content,
	}); !errors.Is(err, ErrRoomHalted) {
		t.Errorf("submit to halted room = %v, want ErrRoomHalted", err)
	}

	join := h.remoteJoin(t, roomID)
	if err := h.server.IngestFederationEvent(ctx, remoteName, join); !errors.Is(err, ErrRoomHalted) {
		t.Errorf("ingest to halted room = %v, want ErrRoomHalted", err)
	}
}

// remoteJoin builds bob's join event citing the room's current
// frontier.
func (h *serverHarness) remoteJoin(t *testing.T, roomID ref.RoomID) *event.Event {
	t.Helper()
	frontier, err := h.store.Frontier(context.Background(), roomID)
	if err != nil {
		t.Fatalf("Frontier: %v", err)
	}
	return h.remoteEvent(t, roomID, bob, event.TypeMember, strPtr(bob.String()),
		event.MemberContent{Membership: event.MembershipJoin}, frontier)
}

func TestIngestFederationJoinAndFanout(t *testing.T) {
	h := newServerHarness(t, nil)
	roomID := h.createOpenRoom(t)
	ctx := context.Background()

	join := h.remoteJoin(t, roomID)
	if err := h.server.IngestFederationEvent(ctx, remoteName, join); err != nil {
		t.Fatalf("IngestFederationEvent: %v", err)
	}
	joinID, _ := join.ComputeID()

	snapshot, err := h.store.StateAt(ctx, roomID)
	if err != nil {
		t.Fatalf("StateAt: %v", err)
	}
	if snapshot[event.MemberTuple(bob)] != joinID {
		t.Error("bob's join not in resolved state after ingest")
	}

	// Re-delivery of the same event is a no-op.
	before, err := h.store.LatestPosition(ctx)
	if err != nil {
		t.Fatalf("LatestPosition: %v", err)
	}
	if err := h.server.IngestFederationEvent(ctx, remoteName, join); err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	after, err := h.store.LatestPosition(ctx)
	if err != nil {
		t.Fatalf("LatestPosition: %v", err)
	}
	if after != before {
		t.Errorf("re-delivery advanced the stream: %d -> %d", before, after)
	}

	// With bob joined, local sends now fan out to bob's server.
	content, _ := event.MarshalContent(map[string]string{"body": "hi bob"})
	if _, err := h.server.SubmitClientEvent(ctx, Submit{
		RoomID: roomID, Sender: alice, Type: event.TypeMessage, Content: content,
	}); err != nil {
		t.Fatalf("SubmitClientEvent: %v", err)
	}
	fanned := testutil.RequireReceive(t, h.fanned, time.Second, "waiting for federation fan-out")
	if len(fanned.destinations) != 1 || fanned.destinations[0] != remoteName {
		t.Errorf("fan-out destinations = %v, want [%s]", fanned.destinations, remoteName)
	}
}

// recordingGaps passes every event straight through Submit and records
// which IDs the pipeline hands to Satisfy.
type recordingGaps struct {
	mu        sync.Mutex
	satisfied []ref.EventID
}

func (g *recordingGaps) Submit(context.Context, ref.ServerName, *event.Event) (bool, error) {
	return false, nil
}

func (g *recordingGaps) Satisfy(_ context.Context, arrived ref.EventID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.satisfied = append(g.satisfied, arrived)
}

func (g *recordingGaps) satisfiedIDs() []ref.EventID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ref.EventID(nil), g.satisfied...)
}

// TestRedeliveryStillWakesGapWaiters: a re-delivered event is a
// storage no-op, but an event held on it may have registered with the
// gap resolver after the original append's wake-up ran. Every
// delivery must reach Satisfy, not just the first.
func TestRedeliveryStillWakesGapWaiters(t *testing.T) {
	gaps := &recordingGaps{}
	h := newServerHarness(t, gaps)
	roomID := h.createOpenRoom(t)
	ctx := context.Background()

	join := h.remoteJoin(t, roomID)
	joinID, _ := join.ComputeID()
	for i := 0; i < 2; i++ {
		if err := h.server.IngestFederationEvent(ctx, remoteName, join); err != nil {
			t.Fatalf("ingest %d: %v", i+1, err)
		}
	}

	var wakes int
	for _, id := range gaps.satisfiedIDs() {
		if id == joinID {
			wakes++
		}
	}
	if wakes != 2 {
		t.Errorf("Satisfy saw the join %d times, want 2 (once per delivery)", wakes)
	}
}

func TestConcurrentNameConflictConverges(t *testing.T) {
	h := newServerHarness(t, nil)
	roomID := h.createOpenRoom(t)
	ctx := context.Background()

	join := h.remoteJoin(t, roomID)
	if err := h.server.IngestFederationEvent(ctx, remoteName, join); err != nil {
		t.Fatalf("ingesting join: %v", err)
	}
	frontier, err := h.store.Frontier(ctx, roomID)
	if err != nil {
		t.Fatalf("Frontier: %v", err)
	}

	// Both sides set a name from the same frontier without seeing each
	// other. Bob's event is built first (earlier timestamp); alice's
	// local send lands second.
	barEvent := h.remoteEvent(t, roomID, bob, event.TypeName, strPtr(""),
		event.NameContent{Name: "Bar"}, frontier)

	fooContent, _ := event.MarshalContent(event.NameContent{Name: "Foo"})
	fooID, err := h.server.SubmitClientEvent(ctx, Submit{
		RoomID: roomID, Sender: alice, Type: event.TypeName,
		StateKey: strPtr(""), Content: fooContent,
	})
	if err != nil {
		t.Fatalf("submitting Foo: %v", err)
	}
	if err := h.server.IngestFederationEvent(ctx, remoteName, barEvent); err != nil {
		t.Fatalf("ingesting Bar: %v", err)
	}
	barID, _ := barEvent.ComputeID()

	// Two leaves now; the name tuple is conflicted. Equal sender
	// levels, so the older timestamp replays first and the newer
	// write wins.
	frontier, err = h.store.Frontier(ctx, roomID)
	if err != nil {
		t.Fatalf("Frontier: %v", err)
	}
	if len(frontier) != 2 {
		t.Fatalf("frontier = %d leaves, want 2", len(frontier))
	}
	snapshot, err := h.store.StateAt(ctx, roomID)
	if err != nil {
		t.Fatalf("StateAt: %v", err)
	}
	winner := snapshot[event.StateTuple{Type: event.TypeName, StateKey: ""}]

	var want ref.EventID
	fooStored, err := h.store.Get(ctx, fooID)
	if err != nil {
		t.Fatalf("Get Foo: %v", err)
	}
	switch {
	case barEvent.OriginServerTS > fooStored.Event.OriginServerTS:
		want = barID
	case barEvent.OriginServerTS < fooStored.Event.OriginServerTS:
		want = fooID
	case barID.String() > fooID.String():
		// Timestamp tie: higher ID sorts last in the replay.
		want = barID
	default:
		want = fooID
	}
	if winner != want {
		t.Errorf("resolved name = %s, want %s", winner, want)
	}

	// Every server resolving the same two leaves reaches the same
	// answer regardless of leaf order; VerifyResolution already
	// recomputed it, but check Resolve directly over both orders.
	for _, leaves := range [][]ref.EventID{
		{frontier[0], frontier[1]},
		{frontier[1], frontier[0]},
	} {
		resolved, err := state.Resolve(ctx, event.V1, leaves, h.store)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !resolved.Equal(snapshot) {
			t.Error("resolution differs across leaf orderings")
		}
	}
}

// TestSubmitAfterConflictMergeConverges submits a local event whose
// prev events merge a name conflict. The stored snapshot for the new
// single-leaf frontier must be the one state.Resolve computes over
// that frontier — what every remote ingesting the merge event
// computes — not the pre-merge snapshot plus the new event.
func TestSubmitAfterConflictMergeConverges(t *testing.T) {
	h := newServerHarness(t, nil)
	roomID := h.createOpenRoom(t)
	ctx := context.Background()

	join := h.remoteJoin(t, roomID)
	if err := h.server.IngestFederationEvent(ctx, remoteName, join); err != nil {
		t.Fatalf("ingesting join: %v", err)
	}
	frontier, err := h.store.Frontier(ctx, roomID)
	if err != nil {
		t.Fatalf("Frontier: %v", err)
	}

	// Two remote branches from the same frontier. Branch one: the
	// name "Foo", shallow but with the newest timestamp, so the
	// conflict replay (timestamp order) picks it. Branch two: a
	// message, then the name "Bar" one level deeper with an older
	// timestamp, so a single-branch graph walk (depth order) picks
	// Bar instead. The two orderings disagree on the winner, which is
	// exactly what the merged-frontier resolution has to settle.
	base := time.Now().UnixMilli()
	stamp := func(e *event.Event, ts int64) *event.Event {
		e.OriginServerTS = ts
		if err := h.remoteSigner.SignEvent(e); err != nil {
			t.Fatalf("re-signing: %v", err)
		}
		return e
	}

	foo := stamp(h.remoteEvent(t, roomID, bob, event.TypeName, strPtr(""),
		event.NameContent{Name: "Foo"}, frontier), base+1000)
	if err := h.server.IngestFederationEvent(ctx, remoteName, foo); err != nil {
		t.Fatalf("ingesting Foo: %v", err)
	}

	fork := stamp(h.remoteEvent(t, roomID, bob, event.TypeMessage, nil,
		map[string]string{"body": "fork"}, frontier), base)
	if err := h.server.IngestFederationEvent(ctx, remoteName, fork); err != nil {
		t.Fatalf("ingesting fork message: %v", err)
	}
	forkID, _ := fork.ComputeID()
	bar := stamp(h.remoteEvent(t, roomID, bob, event.TypeName, strPtr(""),
		event.NameContent{Name: "Bar"}, []ref.EventID{forkID}), base+1)
	if err := h.server.IngestFederationEvent(ctx, remoteName, bar); err != nil {
		t.Fatalf("ingesting Bar: %v", err)
	}

	frontier, err = h.store.Frontier(ctx, roomID)
	if err != nil {
		t.Fatalf("Frontier: %v", err)
	}
	if len(frontier) != 2 {
		t.Fatalf("frontier = %d leaves, want 2", len(frontier))
	}

	// The local send cites both leaves and becomes the sole leaf.
	// VerifyResolution is on: a snapshot that disagrees with
	// state.Resolve over the new frontier would halt the room here.
	content, _ := event.MarshalContent(map[string]string{"body": "merge"})
	mergeID, err := h.server.SubmitClientEvent(ctx, Submit{
		RoomID:  roomID,
		Sender:  alice,
		Type:    event.TypeMessage,
		Content: content,
	})
	if err != nil {
		t.Fatalf("submitting merge event: %v", err)
	}

	info, err := h.store.Room(ctx, roomID)
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	if info.Halted {
		t.Fatal("room halted after a clean local send")
	}

	snapshot, err := h.store.StateAt(ctx, roomID)
	if err != nil {
		t.Fatalf("StateAt: %v", err)
	}
	resolved, err := state.Resolve(ctx, event.V1, []ref.EventID{mergeID}, h.store)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !snapshot.Equal(resolved) {
		t.Error("stored snapshot differs from resolution over the merged frontier")
	}
}

// fetcherFromStore serves backfill fetches directly from the harness
// store of a second server, simulating a remote with full history.
type fetcherFromStore struct {
	events map[ref.EventID]*event.Event
}

func (f *fetcherFromStore) FetchEvents(ctx context.Context, server ref.ServerName, roomID ref.RoomID, ids []ref.EventID) ([]*event.Event, error) {
	var out []*event.Event
	for _, id := range ids {
		if e, ok := f.events[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestIngestWithGapHealsThroughBackfill(t *testing.T) {
	h := newServerHarness(t, nil)
	roomID := h.createOpenRoom(t)
	ctx := context.Background()

	// Bob joins, then sends a message; only the message is delivered.
	// The join must be backfilled before the message can be ingested.
	join := h.remoteJoin(t, roomID)
	joinID, _ := join.ComputeID()
	message := h.buildRemoteAfter(t, roomID, join)

	fetcher := &fetcherFromStore{events: map[ref.EventID]*event.Event{joinID: join}}
	gaps, err := backfill.New(backfill.Config{
		Presence: h.store,
		Fetcher:  fetcher,
		Ingest:   h.server.IngestFederationEvent,
	})
	if err != nil {
		t.Fatalf("backfill.New: %v", err)
	}
	defer gaps.Close()
	h.server.gaps = gaps
	drainNotifications(h)

	if err := h.server.IngestFederationEvent(ctx, remoteName, message); err != nil {
		t.Fatalf("IngestFederationEvent: %v", err)
	}

	// The fetch loop pulls the join, ingests it, and the message
	// follows. Wait on the sync notifications the appends emit.
	messageID, _ := message.ComputeID()
	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, err := h.store.Has(ctx, messageID)
		if err != nil {
			t.Fatalf("Has: %v", err)
		}
		if stored {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for gap to heal")
		}
		testutil.RequireReceive(t, h.notified, time.Second, "waiting for append notification")
	}

	// Stream order puts the backfilled join before the message.
	events, err := h.store.EventsSince(ctx, roomID, 0, 0)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	joinPos, messagePos := int64(-1), int64(-1)
	for _, stored := range events {
		switch stored.ID {
		case joinID:
			joinPos = stored.StreamPos
		case messageID:
			messagePos = stored.StreamPos
		}
	}
	if joinPos < 0 || messagePos < 0 {
		t.Fatalf("join or message missing from timeline (join %d, message %d)", joinPos, messagePos)
	}
	if joinPos > messagePos {
		t.Error("backfilled parent sorted after its child in the stream")
	}
	if gaps.PendingCount() != 0 {
		t.Errorf("pending events after heal = %d, want 0", gaps.PendingCount())
	}
}

// buildRemoteAfter builds a remote message whose parent is the given
// not-yet-delivered event.
func (h *serverHarness) buildRemoteAfter(t *testing.T, roomID ref.RoomID, parent *event.Event) *event.Event {
	t.Helper()
	parentID, err := parent.ComputeID()
	if err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	raw, err := event.MarshalContent(map[string]string{"body": "after the gap"})
	if err != nil {
		t.Fatalf("encoding content: %v", err)
	}
	snapshot, err := h.store.StateAt(context.Background(), roomID)
	if err != nil {
		t.Fatalf("StateAt: %v", err)
	}
	e := &event.Event{
		RoomID:         roomID,
		Sender:         bob,
		Type:           event.TypeMessage,
		Content:        raw,
		PrevEvents:     []ref.EventID{parentID},
		Depth:          parent.Depth + 1,
		OriginServerTS: time.Now().UnixMilli(),
	}
	// Auth events: create and power levels from current state, plus
	// the sender's own (undelivered) join.
	e.AuthEvents = []ref.EventID{
		snapshot[event.TupleCreate],
		parentID,
		snapshot[event.TuplePowerLevels],
	}
	if err := h.remoteSigner.SignEvent(e); err != nil {
		t.Fatalf("signing: %v", err)
	}
	return e
}

func TestBackfillServesAncestors(t *testing.T) {
	h := newServerHarness(t, nil)
	roomID := h.createOpenRoom(t)
	ctx := context.Background()

	content, _ := event.MarshalContent(map[string]string{"body": "tail"})
	tailID, err := h.server.SubmitClientEvent(ctx, Submit{
		RoomID: roomID, Sender: alice, Type: event.TypeMessage, Content: content,
	})
	if err != nil {
		t.Fatalf("SubmitClientEvent: %v", err)
	}

	events, err := h.server.Backfill(ctx, roomID, []ref.EventID{tailID}, 3)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("backfill served %d events, want 3", len(events))
	}
	gotID, err := events[0].ComputeID()
	if err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	if gotID != tailID {
		t.Errorf("first served event = %s, want requested %s", gotID, tailID)
	}

	// Unknown IDs are skipped, not errors.
	unknown := ref.MustParseEventID("$doesnotexist")
	events, err = h.server.Backfill(ctx, roomID, []ref.EventID{unknown}, 10)
	if err != nil {
		t.Fatalf("Backfill with unknown ID: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("backfill of unknown ID served %d events, want 0", len(events))
	}
}

func TestParsePresetJSONC(t *testing.T) {
	data := []byte(`{
		// Workroom defaults.
		"join_rule": "public",
		"name": "Workroom",
		"power_levels": {
			"users_default": 10,
			"events": {
				"m.room.name": 75,
			},
		},
	}`)
	preset, err := ParsePreset(data)
	if err != nil {
		t.Fatalf("ParsePreset: %v", err)
	}
	if preset.JoinRule != event.JoinRulePublic {
		t.Errorf("join rule = %s, want public", preset.JoinRule)
	}
	if preset.Name != "Workroom" {
		t.Errorf("name = %q, want Workroom", preset.Name)
	}

	levels := preset.powerLevels(event.CreateContent{Creator: alice, RoomVersion: event.V1})
	if levels.UsersDefault != 10 {
		t.Errorf("users_default = %d, want 10", levels.UsersDefault)
	}
	if got := levels.RequiredLevel(event.TypeName, true); got != 75 {
		t.Errorf("m.room.name level = %d, want 75", got)
	}
	if got := levels.UserLevel(alice); got != event.CreatorLevel {
		t.Errorf("creator level = %d, want %d", got, event.CreatorLevel)
	}

	if _, err := ParsePreset([]byte(`{"join_rule": "secret"}`)); err == nil {
		t.Error("ParsePreset accepted an unknown join rule")
	}
}

func drainNotifications(h *serverHarness) {
	for {
		select {
		case <-h.notified:
		default:
			return
		}
	}
}
