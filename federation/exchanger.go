// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/eventstore"
	"github.com/bureau-foundation/chancery/lib/clock"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// ErrFederationDisabled marks an inbound event refused because the
// room has incoming federation turned off.
var ErrFederationDisabled = errors.New("federation: room has incoming federation disabled")

// Transport delivers an encoded transaction to one destination. The
// exchanger treats any error as retryable and backs off.
type Transport interface {
	SendTransaction(ctx context.Context, destination ref.ServerName, payload []byte) error
}

// Ingest processes one inbound event. The roomserver's federation
// ingest path satisfies this.
type Ingest func(ctx context.Context, origin ref.ServerName, e *event.Event) error

// RoomDirectory is the room-metadata surface the exchanger needs.
// *eventstore.Store satisfies it.
type RoomDirectory interface {
	Room(ctx context.Context, roomID ref.RoomID) (*eventstore.RoomInfo, error)
	SetFederationDisabled(ctx context.Context, roomID ref.RoomID, disabled bool) error
}

// Config holds the exchanger's collaborators and tuning.
type Config struct {
	// Origin is the local server name, stamped on outbound
	// transactions. Events enqueued toward Origin are dropped.
	Origin ref.ServerName

	Transport Transport
	Ingest    Ingest
	Rooms     RoomDirectory

	Clock  clock.Clock
	Logger *slog.Logger

	// MaxInFlight bounds simultaneous network sends across all
	// destinations. Defaults to 8.
	MaxInFlight int64

	// BaseBackoff is the first retry delay after a failed send;
	// doubled per consecutive failure up to MaxBackoff. Defaults:
	// 1s base, 30s cap.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Exchanger runs the outbound fan-out and unpacks inbound
// transactions. One sender goroutine per destination, created on the
// first event enqueued toward it; a weighted semaphore caps in-flight
// sends so one slow destination never starves the rest. Delivery is
// at-least-once: the receiving store's per-event idempotence absorbs
// re-delivery.
type Exchanger struct {
	origin    ref.ServerName
	transport Transport
	ingest    Ingest
	rooms     RoomDirectory
	clock     clock.Clock
	logger    *slog.Logger
	inFlight  *semaphore.Weighted

	baseBackoff time.Duration
	maxBackoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[ref.ServerName]*destinationQueue
	closed bool
}

// destinationQueue is the pending outbound events for one server.
// kick is buffered so enqueueing never blocks on the sender.
type destinationQueue struct {
	events []*event.Event
	kick   chan struct{}
}

// New creates an exchanger. Close stops the senders.
func New(cfg Config) (*Exchanger, error) {
	if cfg.Origin.IsZero() {
		return nil, fmt.Errorf("federation: Origin is required")
	}
	if cfg.Transport == nil || cfg.Ingest == nil || cfg.Rooms == nil {
		return nil, fmt.Errorf("federation: Transport, Ingest, and Rooms are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Exchanger{
		origin:      cfg.Origin,
		transport:   cfg.Transport,
		ingest:      cfg.Ingest,
		rooms:       cfg.Rooms,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		inFlight:    semaphore.NewWeighted(cfg.MaxInFlight),
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
		queues:      make(map[ref.ServerName]*destinationQueue),
	}, nil
}

// Close stops all senders and waits for them to exit. Queued events
// that were not yet delivered are dropped; the remote recovers them
// through backfill.
func (x *Exchanger) Close() {
	x.mu.Lock()
	x.closed = true
	x.mu.Unlock()
	x.cancel()
	x.wg.Wait()
}

// EnqueueEvent queues the event toward each destination. The local
// origin is skipped. Enqueueing never blocks; delivery happens on the
// per-destination sender.
func (x *Exchanger) EnqueueEvent(e *event.Event, destinations []ref.ServerName) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	for _, destination := range destinations {
		if destination == x.origin || destination.IsZero() {
			continue
		}
		queue, ok := x.queues[destination]
		if !ok {
			queue = &destinationQueue{kick: make(chan struct{}, 1)}
			x.queues[destination] = queue
			x.wg.Add(1)
			go x.sendLoop(destination, queue)
		}
		queue.events = append(queue.events, e)
		select {
		case queue.kick <- struct{}{}:
		default:
		}
	}
}

// QueuedFor reports the events queued toward a destination. Exposed
// for tests and metrics.
func (x *Exchanger) QueuedFor(destination ref.ServerName) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	queue, ok := x.queues[destination]
	if !ok {
		return 0
	}
	return len(queue.events)
}

// sendLoop drains one destination's queue, batching up to
// MaxEventsPerTransaction events per transaction.
func (x *Exchanger) sendLoop(destination ref.ServerName, queue *destinationQueue) {
	defer x.wg.Done()
	for {
		select {
		case <-x.ctx.Done():
			return
		case <-queue.kick:
		}
		for {
			batch := x.takeBatch(queue)
			if len(batch) == 0 {
				break
			}
			if !x.deliver(destination, batch) {
				return
			}
		}
	}
}

// takeBatch removes up to MaxEventsPerTransaction events from the
// head of the queue.
func (x *Exchanger) takeBatch(queue *destinationQueue) []*event.Event {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := len(queue.events)
	if n == 0 {
		return nil
	}
	if n > MaxEventsPerTransaction {
		n = MaxEventsPerTransaction
	}
	batch := queue.events[:n:n]
	queue.events = queue.events[n:]
	return batch
}

// deliver sends one batch, retrying with doubling backoff until it
// lands or the exchanger closes. Returns false on shutdown.
func (x *Exchanger) deliver(destination ref.ServerName, batch []*event.Event) bool {
	txn := &Transaction{
		Origin:         x.origin,
		TxnID:          uuid.NewString(),
		OriginServerTS: x.clock.Now().UnixMilli(),
		Events:         batch,
	}
	payload, err := EncodeTransaction(txn)
	if err != nil {
		// Encoding is deterministic; a failure here will not heal
		// with retries. Drop the batch.
		x.logger.Error("dropping undeliverable transaction",
			"destination", destination, "events", len(batch), "error", err)
		return true
	}

	for attempt := 0; ; attempt++ {
		if err := x.inFlight.Acquire(x.ctx, 1); err != nil {
			return false
		}
		err = x.transport.SendTransaction(x.ctx, destination, payload)
		x.inFlight.Release(1)
		if err == nil {
			return true
		}
		if x.ctx.Err() != nil {
			return false
		}

		backoff := x.baseBackoff << attempt
		if backoff > x.maxBackoff || backoff <= 0 {
			backoff = x.maxBackoff
		}
		x.logger.Warn("transaction send failed",
			"destination", destination, "txn_id", txn.TxnID,
			"attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-x.ctx.Done():
			return false
		case <-x.clock.After(backoff):
		}
	}
}

// EventResult is the per-event outcome of an inbound transaction.
// Err is nil when the event was handed to ingest successfully;
// ErrFederationDisabled when the room refuses incoming federation.
type EventResult struct {
	ID  ref.EventID
	Err error
}

// HandleTransaction unpacks one inbound transaction: each event is
// checked against the room's federation-disabled flag and handed to
// the ingest callback. Per-event results let the transport report
// unprocessed events for remote retry. A transaction-level error is
// returned only for malformed input.
func (x *Exchanger) HandleTransaction(ctx context.Context, txn *Transaction) ([]EventResult, error) {
	if txn.Origin == x.origin {
		return nil, fmt.Errorf("federation: transaction %s claims local origin %s", txn.TxnID, x.origin)
	}
	if len(txn.Events) > MaxEventsPerTransaction {
		return nil, fmt.Errorf("federation: transaction %s carries %d events, limit %d",
			txn.TxnID, len(txn.Events), MaxEventsPerTransaction)
	}

	// The disabled flag is stable within one transaction; look each
	// room up once.
	disabled := make(map[ref.RoomID]bool)
	results := make([]EventResult, 0, len(txn.Events))
	for _, e := range txn.Events {
		id, err := e.ComputeID()
		if err != nil {
			results = append(results, EventResult{Err: fmt.Errorf("federation: computing event ID: %w", err)})
			continue
		}
		result := EventResult{ID: id}

		refused, known := disabled[e.RoomID]
		if !known {
			refused, err = x.roomRefusesFederation(ctx, e.RoomID)
			if err != nil {
				result.Err = err
				results = append(results, result)
				continue
			}
			disabled[e.RoomID] = refused
		}
		if refused {
			result.Err = ErrFederationDisabled
			results = append(results, result)
			continue
		}

		if err := x.ingest(ctx, txn.Origin, e); err != nil {
			result.Err = err
		}
		results = append(results, result)
	}
	return results, nil
}

// roomRefusesFederation reports whether the room exists and has
// incoming federation disabled. Unknown rooms accept: the room may be
// arriving over federation for the first time.
func (x *Exchanger) roomRefusesFederation(ctx context.Context, roomID ref.RoomID) (bool, error) {
	info, err := x.rooms.Room(ctx, roomID)
	if errors.Is(err, eventstore.ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("federation: reading room %s: %w", roomID, err)
	}
	return info.FederationDisabled, nil
}

// DisableRoom turns off incoming federation for the room. Outbound
// fan-out is unaffected; local users keep sending.
func (x *Exchanger) DisableRoom(ctx context.Context, roomID ref.RoomID) error {
	return x.rooms.SetFederationDisabled(ctx, roomID, true)
}

// EnableRoom re-enables incoming federation for the room.
func (x *Exchanger) EnableRoom(ctx context.Context, roomID ref.RoomID) error {
	return x.rooms.SetFederationDisabled(ctx, roomID, false)
}
