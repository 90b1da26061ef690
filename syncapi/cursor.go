// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncapi computes incremental per-client deltas over the
// event stream: everything appended after a client's cursor, plus the
// resolved-state entries that changed in that span, with cooperative
// long-poll waiting when nothing is new yet.
package syncapi

import (
	"fmt"
	"strconv"
	"strings"
)

// Cursor marks a point in the global stream a client has already
// observed. Clients treat the token as opaque; the encoding is
// "s<position>". The zero Cursor means "from the beginning".
type Cursor struct {
	pos int64
}

// CursorAt returns the cursor for a stream position.
func CursorAt(pos int64) Cursor { return Cursor{pos: pos} }

// ParseCursor decodes a client-held token. An empty token is the zero
// cursor.
func ParseCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, ok := strings.CutPrefix(token, "s")
	if !ok {
		return Cursor{}, fmt.Errorf("syncapi: malformed cursor %q", token)
	}
	pos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || pos < 0 {
		return Cursor{}, fmt.Errorf("syncapi: malformed cursor %q", token)
	}
	return Cursor{pos: pos}, nil
}

// String returns the wire token.
func (c Cursor) String() string {
	return "s" + strconv.FormatInt(c.pos, 10)
}

// Pos returns the stream position the cursor marks.
func (c Cursor) Pos() int64 { return c.pos }

// Before reports whether c marks an earlier position than other.
func (c Cursor) Before(other Cursor) bool { return c.pos < other.pos }
