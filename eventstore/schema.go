// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

// schema is applied to every new connection. CREATE IF NOT EXISTS
// keeps it idempotent across the pool and across restarts.
//
// events.stream_pos is the global append order: monotonically
// increasing, never reused, not necessarily dense. Sync cursors and
// state deltas are defined over it. Rejected events receive a
// position like any other append (the graph needs them) but readers
// that serve clients filter them out.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id         TEXT PRIMARY KEY,
	room_id          TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	state_key        TEXT,
	sender           TEXT NOT NULL,
	depth            INTEGER NOT NULL,
	origin_server_ts INTEGER NOT NULL,
	stream_pos       INTEGER NOT NULL,
	rejected         INTEGER NOT NULL DEFAULT 0,
	reject_reason    TEXT NOT NULL DEFAULT '',
	data             BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_room_stream
	ON events(room_id, stream_pos);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_stream
	ON events(stream_pos);

-- Graph edges, parent to child. One row per prev_events entry.
CREATE TABLE IF NOT EXISTS edges (
	parent_id TEXT NOT NULL,
	child_id  TEXT NOT NULL,
	PRIMARY KEY (parent_id, child_id)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_edges_child ON edges(child_id);

-- Current graph leaves per room. Replaced wholesale on each append.
CREATE TABLE IF NOT EXISTS frontier (
	room_id  TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, event_id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS rooms (
	room_id             TEXT PRIMARY KEY,
	room_version        TEXT NOT NULL,
	create_event_id     TEXT NOT NULL,
	federation_disabled INTEGER NOT NULL DEFAULT 0,
	halted              INTEGER NOT NULL DEFAULT 0
);

-- Current resolved state, one row per (room, tuple).
CREATE TABLE IF NOT EXISTS room_state (
	room_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	state_key  TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	PRIMARY KEY (room_id, event_type, state_key)
) WITHOUT ROWID;

-- Append-only log of resolved-state changes, keyed by the stream
-- position of the append that caused them. Sync reads this to report
-- changed state entries in a cursor span.
CREATE TABLE IF NOT EXISTS state_deltas (
	stream_pos INTEGER NOT NULL,
	room_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	state_key  TEXT NOT NULL,
	event_id   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_state_deltas_room
	ON state_deltas(room_id, stream_pos);

-- Single-row global stream position counter.
CREATE TABLE IF NOT EXISTS stream_position (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	pos INTEGER NOT NULL
);

INSERT OR IGNORE INTO stream_position (id, pos) VALUES (1, 0);
`
