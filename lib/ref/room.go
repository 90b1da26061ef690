// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// RoomID is a validated room ID (e.g., "!abc123:chancery.local").
//
// Room IDs are minted once by the server that creates the room and are
// opaque afterward. They always start with '!' and contain a ':'
// separating the opaque local part from the creating server's name.
// The server suffix identifies the minting server only — it grants that
// server no authority over the room.
//
// RoomID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type RoomID struct {
	id string
}

// ParseRoomID validates and wraps a raw room ID string.
// Returns an error if the string is empty, doesn't start with '!',
// or is missing the ':server' suffix.
func ParseRoomID(raw string) (RoomID, error) {
	if raw == "" {
		return RoomID{}, fmt.Errorf("empty room ID")
	}
	if raw[0] != '!' {
		return RoomID{}, fmt.Errorf("room ID must start with '!': %q", raw)
	}

	colonIndex := strings.IndexByte(raw[1:], ':')
	if colonIndex < 0 {
		return RoomID{}, fmt.Errorf("room ID missing ':server' suffix: %q", raw)
	}
	if colonIndex == 0 {
		return RoomID{}, fmt.Errorf("room ID has empty local part: %q", raw)
	}

	serverPart := raw[1+colonIndex+1:]
	if serverPart == "" {
		return RoomID{}, fmt.Errorf("room ID has empty server name: %q", raw)
	}
	if err := validateServer(serverPart); err != nil {
		return RoomID{}, fmt.Errorf("room ID server name: %w", err)
	}

	return RoomID{id: raw}, nil
}

// MustParseRoomID is like ParseRoomID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseRoomID(raw string) RoomID {
	r, err := ParseRoomID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseRoomID(%q): %v", raw, err))
	}
	return r
}

// NewRoomID constructs a room ID from a freshly minted localpart and
// the minting server's name. Used by room creation; all other room IDs
// arrive as strings and go through ParseRoomID.
func NewRoomID(localpart string, server ServerName) (RoomID, error) {
	if localpart == "" {
		return RoomID{}, fmt.Errorf("room ID localpart is empty")
	}
	if server.IsZero() {
		return RoomID{}, fmt.Errorf("room ID server name is empty")
	}
	return ParseRoomID("!" + localpart + ":" + server.name)
}

// String returns the full room ID string (e.g., "!abc123:chancery.local").
func (r RoomID) String() string { return r.id }

// IsZero reports whether the RoomID is the zero value (uninitialized).
func (r RoomID) IsZero() bool { return r.id == "" }

// Server returns the name of the server that minted the room ID (the
// portion after the first ':'). The minting server gains no authority
// from appearing here; the suffix only scopes ID uniqueness. Panics if
// called on a zero-value RoomID.
func (r RoomID) Server() ServerName {
	if r.id == "" {
		panic("RoomID.Server called on zero value")
	}
	colonIndex := strings.IndexByte(r.id[1:], ':')
	if colonIndex < 0 {
		// RoomID was validated at construction — this is unreachable.
		panic(fmt.Sprintf("RoomID.Server: internal error parsing %q", r.id))
	}
	return newServerName(r.id[1+colonIndex+1:])
}

// MarshalText implements encoding.TextMarshaler for JSON, CBOR, and
// other text-based serialization formats.
func (r RoomID) MarshalText() ([]byte, error) {
	if r.id == "" {
		return nil, nil
	}
	return []byte(r.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// room ID format. An empty input produces the zero value.
func (r *RoomID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*r = RoomID{}
		return nil
	}
	parsed, err := ParseRoomID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
