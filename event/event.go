// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the room event data model: the immutable
// record appended to a room's history graph, its canonical CBOR form,
// and the content-addressed event ID derived from it.
//
// An event is immutable once constructed. Its ID is a BLAKE3 keyed
// hash over the canonical encoding of every identity-bearing field, so
// any two servers that hold the same logical event hold the same ID.
// The Ed25519 signature covers the same canonical bytes; it is the one
// field excluded from the hash (a signature cannot sign itself).
//
// Events reference their graph parents (PrevEvents) and the state
// events that justified them (AuthEvents) by ID only. The package
// knows nothing about storage or authorization — it defines the shape,
// the encoding, and the structural well-formedness rules that hold
// for every event regardless of room state.
package event

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/chancery/lib/codec"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// MaxPrevEvents caps the number of graph parents a single event may
// name. The frontier of a healthy room rarely exceeds a handful of
// leaves; an event claiming hundreds of parents is malformed or
// hostile.
const MaxPrevEvents = 20

// MaxAuthEvents caps the number of auth events a single event may
// name. The selection rule produces at most one entry per relevant
// state key (create, sender membership, power levels, join rules).
const MaxAuthEvents = 10

// MaxEventSize caps the canonical encoding size of a single event in
// bytes. Matches the Matrix federation limit.
const MaxEventSize = 65536

// Event is a single entry in a room's append-only history graph.
//
// All fields are set at construction and never mutated afterward. The
// struct is CBOR-encoded for storage and federation transport; the
// canonical form hashed into the event ID is the same encoding minus
// the signature (see CanonicalBytes).
type Event struct {
	// RoomID is the room this event belongs to. Events never move
	// between rooms.
	RoomID ref.RoomID `cbor:"1,keyasint"`

	// Sender is the user the event acts on behalf of. The signature
	// must verify against the signing key of Sender's server.
	Sender ref.UserID `cbor:"2,keyasint"`

	// Type classifies the event (e.g., "m.room.member",
	// "m.room.message"). Types the rule set does not interpret pass
	// through opaquely.
	Type ref.EventType `cbor:"3,keyasint"`

	// StateKey is nil for timeline events. Non-nil (possibly empty)
	// for state events: the (Type, *StateKey) pair is the state map
	// key the event writes.
	StateKey *string `cbor:"4,keyasint,omitempty"`

	// Content is the type-specific payload, carried as pre-encoded
	// deterministic CBOR. The bytes that were hashed are the bytes
	// that are stored and forwarded — content is never re-encoded.
	Content codec.RawMessage `cbor:"5,keyasint"`

	// PrevEvents are the IDs of the graph parents: the frontier of
	// the room as the origin server saw it at send time. Order is
	// part of the canonical form.
	PrevEvents []ref.EventID `cbor:"6,keyasint,omitempty"`

	// AuthEvents are the IDs of the state events that justified this
	// event under the authorization rules: the create event, the
	// sender's membership, the power levels, and (for membership
	// events) the join rules.
	AuthEvents []ref.EventID `cbor:"7,keyasint,omitempty"`

	// Depth is 1 + max(depth of parents); 0 for the create event.
	// Depth gives resolution and storage a cheap topological hint;
	// correctness never depends on it being honest, only on it being
	// fixed at construction.
	Depth int64 `cbor:"8,keyasint"`

	// OriginServerTS is the origin server's wall-clock time at
	// construction, in milliseconds since the Unix epoch. Used by the
	// resolution ordering as a tiebreaker — never trusted for
	// anything stronger.
	OriginServerTS int64 `cbor:"9,keyasint"`

	// Signature is the origin server's Ed25519 signature over
	// CanonicalBytes. 64 bytes.
	Signature []byte `cbor:"10,keyasint,omitempty"`
}

// canonicalEvent is the hashed and signed form of an event: every
// field that contributes to identity, in fixed key order, minus the
// signature. Field keys must match Event's so the wire form is a
// strict superset of the canonical form.
type canonicalEvent struct {
	RoomID         ref.RoomID       `cbor:"1,keyasint"`
	Sender         ref.UserID       `cbor:"2,keyasint"`
	Type           ref.EventType    `cbor:"3,keyasint"`
	StateKey       *string          `cbor:"4,keyasint,omitempty"`
	Content        codec.RawMessage `cbor:"5,keyasint"`
	PrevEvents     []ref.EventID    `cbor:"6,keyasint,omitempty"`
	AuthEvents     []ref.EventID    `cbor:"7,keyasint,omitempty"`
	Depth          int64            `cbor:"8,keyasint"`
	OriginServerTS int64            `cbor:"9,keyasint"`
}

// eventIDDomainKey is the BLAKE3 keyed-hash domain for event IDs. The
// byte values are the ASCII encoding of the domain name, zero-padded
// to 32 bytes. Changing this key invalidates every event ID in
// existence; it is fixed forever.
var eventIDDomainKey = [32]byte{
	'c', 'h', 'a', 'n', 'c', 'e', 'r', 'y', '.', 'e', 'v', 'e', 'n', 't', '.',
	'i', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// CanonicalBytes returns the deterministic CBOR encoding of the
// event's canonical form — the bytes that are hashed into the event
// ID and signed by the origin server.
func (e *Event) CanonicalBytes() ([]byte, error) {
	payload, err := codec.Marshal(canonicalEvent{
		RoomID:         e.RoomID,
		Sender:         e.Sender,
		Type:           e.Type,
		StateKey:       e.StateKey,
		Content:        e.Content,
		PrevEvents:     e.PrevEvents,
		AuthEvents:     e.AuthEvents,
		Depth:          e.Depth,
		OriginServerTS: e.OriginServerTS,
	})
	if err != nil {
		return nil, fmt.Errorf("event: encoding canonical form: %w", err)
	}
	return payload, nil
}

// ComputeID derives the event's content-addressed ID: '$' followed by
// the unpadded base64url encoding of the BLAKE3 keyed hash of the
// canonical bytes. Every server derives the same ID from the same
// logical event.
func (e *Event) ComputeID() (ref.EventID, error) {
	payload, err := e.CanonicalBytes()
	if err != nil {
		return ref.EventID{}, err
	}
	return idFromCanonical(payload), nil
}

// idFromCanonical hashes pre-computed canonical bytes into an event
// ID. Split from ComputeID so call sites that already hold the
// canonical bytes (signing, verification) hash without re-encoding.
func idFromCanonical(canonical []byte) ref.EventID {
	// NewKeyed requires exactly 32 bytes, which the domain key
	// guarantees — the error path is unreachable.
	hasher, err := blake3.NewKeyed(eventIDDomainKey[:])
	if err != nil {
		panic("event: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(canonical)
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return ref.MustParseEventID("$" + base64.RawURLEncoding.EncodeToString(digest[:]))
}

// IsState reports whether the event writes a state entry.
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateKeyString returns the state key, or "" for timeline events.
// Use IsState to distinguish a timeline event from a state event with
// an empty state key.
func (e *Event) StateKeyString() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// IsCreate reports whether the event is a room create event by shape:
// type m.room.create with an empty state key and no parents.
func (e *Event) IsCreate() bool {
	return e.Type == TypeCreate && e.StateKey != nil && *e.StateKey == "" &&
		len(e.PrevEvents) == 0
}

// ValidateStructure checks the well-formedness rules that hold for
// every event independent of room state: required fields present,
// depth consistent with the create/non-create split, reference counts
// within bounds, signature sized, and total encoding within the size
// cap. A structural failure means the event can never be accepted by
// any server and is rejected outright.
func (e *Event) ValidateStructure() error {
	if e.RoomID.IsZero() {
		return fmt.Errorf("event: missing room ID")
	}
	if e.Sender.IsZero() {
		return fmt.Errorf("event: missing sender")
	}
	if e.Type == "" {
		return fmt.Errorf("event: missing type")
	}
	if e.Content == nil {
		return fmt.Errorf("event: missing content")
	}

	if e.IsCreate() {
		if e.Depth != 0 {
			return fmt.Errorf("event: create event has depth %d, want 0", e.Depth)
		}
		if len(e.AuthEvents) != 0 {
			return fmt.Errorf("event: create event names %d auth events, want 0", len(e.AuthEvents))
		}
	} else {
		if len(e.PrevEvents) == 0 {
			return fmt.Errorf("event: non-create event has no prev events")
		}
		if e.Depth < 1 {
			return fmt.Errorf("event: non-create event has depth %d, want >= 1", e.Depth)
		}
	}

	if len(e.PrevEvents) > MaxPrevEvents {
		return fmt.Errorf("event: %d prev events exceeds limit %d", len(e.PrevEvents), MaxPrevEvents)
	}
	if len(e.AuthEvents) > MaxAuthEvents {
		return fmt.Errorf("event: %d auth events exceeds limit %d", len(e.AuthEvents), MaxAuthEvents)
	}
	if seen := duplicateID(e.PrevEvents); !seen.IsZero() {
		return fmt.Errorf("event: duplicate prev event %s", seen)
	}
	if seen := duplicateID(e.AuthEvents); !seen.IsZero() {
		return fmt.Errorf("event: duplicate auth event %s", seen)
	}

	if e.OriginServerTS < 0 {
		return fmt.Errorf("event: negative origin_server_ts %d", e.OriginServerTS)
	}
	if len(e.Signature) != 0 && len(e.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("event: signature is %d bytes, want %d", len(e.Signature), ed25519.SignatureSize)
	}

	canonical, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	if len(canonical) > MaxEventSize {
		return fmt.Errorf("event: canonical encoding is %d bytes, limit %d", len(canonical), MaxEventSize)
	}
	return nil
}

// duplicateID returns the first ID that appears more than once, or
// the zero value if all IDs are distinct.
func duplicateID(ids []ref.EventID) ref.EventID {
	if len(ids) < 2 {
		return ref.EventID{}
	}
	seen := make(map[ref.EventID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return id
		}
		seen[id] = struct{}{}
	}
	return ref.EventID{}
}

// Encode returns the full wire encoding of the event (canonical form
// plus signature) as deterministic CBOR. This is the byte form stored
// in the event store and carried in federation transactions.
func Encode(e *Event) ([]byte, error) {
	data, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: encoding: %w", err)
	}
	return data, nil
}

// Decode parses a wire-encoded event. The returned event has not been
// structurally validated or verified; callers run ValidateStructure
// and signature verification before trusting it.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := codec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("event: decoding: %w", err)
	}
	return &e, nil
}
