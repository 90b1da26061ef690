// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstore persists room event graphs: content-addressed
// events, their parent edges, per-room frontiers, the global stream
// position, and the current resolved state with its change log.
//
// Every multi-key update — append a batch, replace the frontier,
// advance the stream position, record state deltas — happens inside
// one IMMEDIATE transaction, so a partially visible append is never
// observable. Appends are idempotent per event ID: re-appending a
// stored ID changes nothing, which is what makes federation's
// at-least-once delivery safe.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/lib/ref"
	"github.com/bureau-foundation/chancery/lib/sqlitepool"
	"github.com/bureau-foundation/chancery/state"
)

// ErrNotFound is returned by Get when the event is not stored.
var ErrNotFound = errors.New("eventstore: event not found")

// ErrRoomNotFound is returned by Room for unknown room IDs.
var ErrRoomNotFound = errors.New("eventstore: room not found")

// Store is the append-only event graph over a SQLite pool. Safe for
// concurrent use; writers are serialized by SQLite's IMMEDIATE
// transactions, readers see point-in-time snapshots via WAL.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the connection pool size. Defaults to 4 if zero or
	// negative.
	PoolSize int

	// Logger receives operational messages. If nil, logs are
	// discarded.
	Logger *slog.Logger
}

// Open creates or opens the event store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// StoredEvent is an event as held by the store, with its ingest
// verdict and stream position.
type StoredEvent struct {
	ID           ref.EventID
	Event        *event.Event
	Rejected     bool
	RejectReason string
	StreamPos    int64
}

// RoomInfo is the per-room metadata row.
type RoomInfo struct {
	ID                 ref.RoomID
	Version            event.Version
	CreateEventID      ref.EventID
	FederationDisabled bool
	Halted             bool
}

// AppendEvent is one event in an append batch, with the verdict
// authorization reached for it. Rejected events are stored for graph
// connectivity; they never appear in resolved state or client reads.
type AppendEvent struct {
	ID           ref.EventID
	Event        *event.Event
	Rejected     bool
	RejectReason string
}

// AppendRequest is an atomic write: a batch of events, the room's
// replacement frontier, and the resolved state after the batch.
type AppendRequest struct {
	RoomID ref.RoomID

	// NewRoom, when non-nil, creates the room metadata row in the
	// same transaction. Set on the create-event append only.
	NewRoom *RoomInfo

	// Events are appended in (depth, event ID) order regardless of
	// slice order. Already-stored IDs are skipped.
	Events []AppendEvent

	// Frontier replaces the room's leaf set.
	Frontier []ref.EventID

	// Resolved is the room's resolved state after this append.
	// Entries that differ from the stored state are written to the
	// state delta log.
	Resolved state.Snapshot
}

// AppendResult reports what an append actually changed.
type AppendResult struct {
	// Positions maps each newly appended event ID to its assigned
	// stream position. Re-appended duplicates are absent.
	Positions map[ref.EventID]int64

	// MaxPos is the room's latest stream position after the append.
	MaxPos int64

	// ChangedState lists the tuples whose resolved value changed.
	ChangedState []event.StateTuple
}

// Append atomically persists an event batch with its edges, replaces
// the frontier, stores the resolved state, and records state deltas.
func (s *Store) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	var result AppendResult
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return result, fmt.Errorf("eventstore: append: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return result, fmt.Errorf("eventstore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if req.NewRoom != nil {
		err = sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO rooms
				(room_id, room_version, create_event_id, federation_disabled, halted)
				VALUES (?, ?, ?, 0, 0)`,
			&sqlitex.ExecOptions{Args: []any{
				req.NewRoom.ID.String(),
				string(req.NewRoom.Version),
				req.NewRoom.CreateEventID.String(),
			}})
		if err != nil {
			return result, fmt.Errorf("eventstore: creating room row: %w", err)
		}
	}

	pos, err := currentPosition(conn)
	if err != nil {
		return result, err
	}

	// Batch order: parents before children, deterministic within a
	// depth. Stream positions then respect graph order for events
	// arriving together.
	batch := append([]AppendEvent(nil), req.Events...)
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Event.Depth != batch[j].Event.Depth {
			return batch[i].Event.Depth < batch[j].Event.Depth
		}
		return batch[i].ID.String() < batch[j].ID.String()
	})

	result.Positions = make(map[ref.EventID]int64)
	for _, entry := range batch {
		stored, lookupErr := eventExists(conn, entry.ID)
		if lookupErr != nil {
			err = lookupErr
			return result, err
		}
		if stored {
			continue
		}

		data, encodeErr := event.Encode(entry.Event)
		if encodeErr != nil {
			err = encodeErr
			return result, err
		}

		pos++
		var stateKey any
		if entry.Event.StateKey != nil {
			stateKey = *entry.Event.StateKey
		}
		rejected := 0
		if entry.Rejected {
			rejected = 1
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO events
				(event_id, room_id, event_type, state_key, sender, depth,
				 origin_server_ts, stream_pos, rejected, reject_reason, data)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				entry.ID.String(),
				entry.Event.RoomID.String(),
				entry.Event.Type.String(),
				stateKey,
				entry.Event.Sender.String(),
				entry.Event.Depth,
				entry.Event.OriginServerTS,
				pos,
				rejected,
				entry.RejectReason,
				data,
			}})
		if err != nil {
			return result, fmt.Errorf("eventstore: inserting %s: %w", entry.ID, err)
		}

		for _, parent := range entry.Event.PrevEvents {
			err = sqlitex.Execute(conn,
				`INSERT OR IGNORE INTO edges (parent_id, child_id) VALUES (?, ?)`,
				&sqlitex.ExecOptions{Args: []any{parent.String(), entry.ID.String()}})
			if err != nil {
				return result, fmt.Errorf("eventstore: inserting edge: %w", err)
			}
		}
		result.Positions[entry.ID] = pos
	}

	if len(result.Positions) > 0 {
		err = sqlitex.Execute(conn,
			`UPDATE stream_position SET pos = ? WHERE id = 1`,
			&sqlitex.ExecOptions{Args: []any{pos}})
		if err != nil {
			return result, fmt.Errorf("eventstore: advancing stream position: %w", err)
		}
	}
	result.MaxPos = pos

	if req.Frontier != nil {
		err = sqlitex.Execute(conn,
			`DELETE FROM frontier WHERE room_id = ?`,
			&sqlitex.ExecOptions{Args: []any{req.RoomID.String()}})
		if err != nil {
			return result, fmt.Errorf("eventstore: clearing frontier: %w", err)
		}
		for _, leaf := range req.Frontier {
			err = sqlitex.Execute(conn,
				`INSERT INTO frontier (room_id, event_id) VALUES (?, ?)`,
				&sqlitex.ExecOptions{Args: []any{req.RoomID.String(), leaf.String()}})
			if err != nil {
				return result, fmt.Errorf("eventstore: writing frontier: %w", err)
			}
		}
	}

	if req.Resolved != nil {
		current, stateErr := readRoomState(conn, req.RoomID)
		if stateErr != nil {
			err = stateErr
			return result, err
		}
		for _, tuple := range current.Diff(req.Resolved) {
			// A tuple absent from the new resolution is a removal:
			// the row goes away and the delta carries an empty event
			// ID. Conflict replay can reject every candidate for a
			// tuple, leaving it with no holder.
			id, present := req.Resolved[tuple]
			if present {
				err = sqlitex.Execute(conn,
					`INSERT OR REPLACE INTO room_state
						(room_id, event_type, state_key, event_id) VALUES (?, ?, ?, ?)`,
					&sqlitex.ExecOptions{Args: []any{
						req.RoomID.String(), tuple.Type.String(), tuple.StateKey, id.String(),
					}})
			} else {
				err = sqlitex.Execute(conn,
					`DELETE FROM room_state
						WHERE room_id = ? AND event_type = ? AND state_key = ?`,
					&sqlitex.ExecOptions{Args: []any{
						req.RoomID.String(), tuple.Type.String(), tuple.StateKey,
					}})
			}
			if err != nil {
				return result, fmt.Errorf("eventstore: writing state: %w", err)
			}

			deltaID := ""
			if present {
				deltaID = id.String()
			}
			err = sqlitex.Execute(conn,
				`INSERT INTO state_deltas
					(stream_pos, room_id, event_type, state_key, event_id)
					VALUES (?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{
					pos, req.RoomID.String(), tuple.Type.String(), tuple.StateKey, deltaID,
				}})
			if err != nil {
				return result, fmt.Errorf("eventstore: writing state delta: %w", err)
			}
			result.ChangedState = append(result.ChangedState, tuple)
		}
	}

	return result, nil
}

// Get returns the stored event for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id ref.EventID) (*StoredEvent, error) {
	var stored *StoredEvent
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		var innerErr error
		stored, innerErr = getEvent(conn, id)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Has reports whether the event is stored (accepted or rejected).
func (s *Store) Has(ctx context.Context, id ref.EventID) (bool, error) {
	var present bool
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		var innerErr error
		present, innerErr = eventExists(conn, id)
		return innerErr
	})
	return present, err
}

// MissingFrom returns the subset of ids not held by the store, in the
// order given. The gap resolver uses this to decide whether an event
// is fully connected.
func (s *Store) MissingFrom(ctx context.Context, ids []ref.EventID) ([]ref.EventID, error) {
	var missing []ref.EventID
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			present, innerErr := eventExists(conn, id)
			if innerErr != nil {
				return innerErr
			}
			if !present {
				missing = append(missing, id)
			}
		}
		return nil
	})
	return missing, err
}

// ChildrenOf returns the IDs of stored events naming id as a parent.
func (s *Store) ChildrenOf(ctx context.Context, id ref.EventID) ([]ref.EventID, error) {
	var children []ref.EventID
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT child_id FROM edges WHERE parent_id = ? ORDER BY child_id`,
			&sqlitex.ExecOptions{
				Args: []any{id.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					child, parseErr := ref.ParseEventID(stmt.ColumnText(0))
					if parseErr != nil {
						return fmt.Errorf("eventstore: corrupt child ID: %w", parseErr)
					}
					children = append(children, child)
					return nil
				},
			})
	})
	return children, err
}

// Frontier returns the room's current leaf set in deterministic
// order.
func (s *Store) Frontier(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error) {
	var leaves []ref.EventID
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT event_id FROM frontier WHERE room_id = ? ORDER BY event_id`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					leaf, parseErr := ref.ParseEventID(stmt.ColumnText(0))
					if parseErr != nil {
						return fmt.Errorf("eventstore: corrupt frontier ID: %w", parseErr)
					}
					leaves = append(leaves, leaf)
					return nil
				},
			})
	})
	return leaves, err
}

// Room returns the room's metadata, or ErrRoomNotFound.
func (s *Store) Room(ctx context.Context, roomID ref.RoomID) (*RoomInfo, error) {
	var info *RoomInfo
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT room_version, create_event_id, federation_disabled, halted
				FROM rooms WHERE room_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					createID, parseErr := ref.ParseEventID(stmt.ColumnText(1))
					if parseErr != nil {
						return fmt.Errorf("eventstore: corrupt create event ID: %w", parseErr)
					}
					info = &RoomInfo{
						ID:                 roomID,
						Version:            event.Version(stmt.ColumnText(0)),
						CreateEventID:      createID,
						FederationDisabled: stmt.ColumnInt64(2) != 0,
						Halted:             stmt.ColumnInt64(3) != 0,
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("eventstore: room %s: %w", roomID, ErrRoomNotFound)
	}
	return info, nil
}

// StateAt returns the room's current resolved state.
func (s *Store) StateAt(ctx context.Context, roomID ref.RoomID) (state.Snapshot, error) {
	var snap state.Snapshot
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		var innerErr error
		snap, innerErr = readRoomState(conn, roomID)
		return innerErr
	})
	return snap, err
}

// EventsSince returns the room's accepted events with stream position
// greater than since, in stream order. limit <= 0 means no limit.
// Rejected events are never surfaced to readers.
func (s *Store) EventsSince(ctx context.Context, roomID ref.RoomID, since int64, limit int) ([]StoredEvent, error) {
	query := `SELECT event_id, stream_pos, data FROM events
		WHERE room_id = ? AND stream_pos > ? AND rejected = 0
		ORDER BY stream_pos`
	args := []any{roomID.String(), since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var events []StoredEvent
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id, parseErr := ref.ParseEventID(stmt.ColumnText(0))
				if parseErr != nil {
					return fmt.Errorf("eventstore: corrupt event ID: %w", parseErr)
				}
				data := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, data)
				decoded, decodeErr := event.Decode(data)
				if decodeErr != nil {
					return fmt.Errorf("eventstore: decoding %s: %w", id, decodeErr)
				}
				events = append(events, StoredEvent{
					ID:        id,
					Event:     decoded,
					StreamPos: stmt.ColumnInt64(1),
				})
				return nil
			},
		})
	})
	return events, err
}

// StateDelta is one resolved-state change: at stream position
// StreamPos, Tuple came to be held by EventID.
type StateDelta struct {
	StreamPos int64
	Tuple     event.StateTuple

	// EventID holds the tuple's new value; zero when Removed.
	EventID ref.EventID

	// Removed marks a tuple the resolution no longer contains.
	Removed bool
}

// StateDeltasSince returns the room's state changes with stream
// position greater than since, in stream order.
func (s *Store) StateDeltasSince(ctx context.Context, roomID ref.RoomID, since int64) ([]StateDelta, error) {
	var deltas []StateDelta
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT stream_pos, event_type, state_key, event_id FROM state_deltas
				WHERE room_id = ? AND stream_pos > ?
				ORDER BY stream_pos, event_type, state_key`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String(), since},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					delta := StateDelta{
						StreamPos: stmt.ColumnInt64(0),
						Tuple: event.StateTuple{
							Type:     ref.EventType(stmt.ColumnText(1)),
							StateKey: stmt.ColumnText(2),
						},
					}
					if raw := stmt.ColumnText(3); raw == "" {
						delta.Removed = true
					} else {
						id, parseErr := ref.ParseEventID(raw)
						if parseErr != nil {
							return fmt.Errorf("eventstore: corrupt delta event ID: %w", parseErr)
						}
						delta.EventID = id
					}
					deltas = append(deltas, delta)
					return nil
				},
			})
	})
	return deltas, err
}

// LatestPosition returns the global stream position of the most
// recent append.
func (s *Store) LatestPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		var innerErr error
		pos, innerErr = currentPosition(conn)
		return innerErr
	})
	return pos, err
}

// SetFederationDisabled toggles whether inbound federation events for
// the room are processed.
func (s *Store) SetFederationDisabled(ctx context.Context, roomID ref.RoomID, disabled bool) error {
	return s.setRoomFlag(ctx, roomID, "federation_disabled", disabled)
}

// SetHalted marks the room as halted: no further writes are accepted.
// Set when a resolution determinism violation is detected.
func (s *Store) SetHalted(ctx context.Context, roomID ref.RoomID, halted bool) error {
	return s.setRoomFlag(ctx, roomID, "halted", halted)
}

func (s *Store) setRoomFlag(ctx context.Context, roomID ref.RoomID, column string, value bool) error {
	flag := 0
	if value {
		flag = 1
	}
	return s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		query := fmt.Sprintf(`UPDATE rooms SET %s = ? WHERE room_id = ?`, column)
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{flag, roomID.String()},
		}); err != nil {
			return fmt.Errorf("eventstore: setting %s: %w", column, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("eventstore: room %s: %w", roomID, ErrRoomNotFound)
		}
		return nil
	})
}

// Lookup implements state.Source: (nil, nil) when the event is not
// held.
func (s *Store) Lookup(ctx context.Context, id ref.EventID) (*state.Record, error) {
	stored, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state.Record{ID: stored.ID, Event: stored.Event, Rejected: stored.Rejected}, nil
}

// --- connection-level helpers ---

func currentPosition(conn *sqlite.Conn) (int64, error) {
	var pos int64
	err := sqlitex.Execute(conn,
		`SELECT pos FROM stream_position WHERE id = 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pos = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("eventstore: reading stream position: %w", err)
	}
	return pos, nil
}

func eventExists(conn *sqlite.Conn, id ref.EventID) (bool, error) {
	var present bool
	err := sqlitex.Execute(conn,
		`SELECT 1 FROM events WHERE event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(*sqlite.Stmt) error {
				present = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("eventstore: existence check for %s: %w", id, err)
	}
	return present, nil
}

func getEvent(conn *sqlite.Conn, id ref.EventID) (*StoredEvent, error) {
	var stored *StoredEvent
	err := sqlitex.Execute(conn,
		`SELECT stream_pos, rejected, reject_reason, data FROM events WHERE event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				data := make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, data)
				decoded, decodeErr := event.Decode(data)
				if decodeErr != nil {
					return fmt.Errorf("eventstore: decoding %s: %w", id, decodeErr)
				}
				stored = &StoredEvent{
					ID:           id,
					Event:        decoded,
					StreamPos:    stmt.ColumnInt64(0),
					Rejected:     stmt.ColumnInt64(1) != 0,
					RejectReason: stmt.ColumnText(2),
				}
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("eventstore: %s: %w", id, ErrNotFound)
	}
	return stored, nil
}

func readRoomState(conn *sqlite.Conn, roomID ref.RoomID) (state.Snapshot, error) {
	snap := make(state.Snapshot)
	err := sqlitex.Execute(conn,
		`SELECT event_type, state_key, event_id FROM room_state WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id, parseErr := ref.ParseEventID(stmt.ColumnText(2))
				if parseErr != nil {
					return fmt.Errorf("eventstore: corrupt state event ID: %w", parseErr)
				}
				snap[event.StateTuple{
					Type:     ref.EventType(stmt.ColumnText(0)),
					StateKey: stmt.ColumnText(1),
				}] = id
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventstore: reading room state: %w", err)
	}
	return snap, nil
}
