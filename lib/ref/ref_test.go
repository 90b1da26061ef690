// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

// --- EventID ---

func TestParseEventID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		// Valid: hash-based IDs.
		{"$abc123xyz", false},
		{"$VGhpcyBpcyBhIHRlc3Q", false},
		{"$0Gqq7pLZcUeHzrUHzVmlspdR7GJUnc6vvDoAQ2-Q9eo", false},
		// Invalid: empty.
		{"", true},
		// Invalid: wrong sigil.
		{"!abc123", true},
		{"@abc123", true},
		{"#abc123", true},
		{"abc123", true},
		// Invalid: only the prefix.
		{"$", true},
		// Invalid: content hashes carry no server suffix.
		{"$something:server.local", true},
		// Invalid: whitespace.
		{"$abc 123", true},
		{"$abc\n123", true},
	}

	for _, test := range tests {
		_, err := ParseEventID(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseEventID(%q): err=%v, wantErr=%v", test.input, err, test.wantErr)
		}
	}
}

func TestEventIDRoundTrip(t *testing.T) {
	original := MustParseEventID("$abc123xyz")

	if original.String() != "$abc123xyz" {
		t.Errorf("String() = %q, want %q", original.String(), "$abc123xyz")
	}
	if original.IsZero() {
		t.Error("IsZero() = true for valid EventID")
	}

	// JSON round-trip.
	type wrapper struct {
		EventID EventID `json:"event_id"`
	}
	data, err := json.Marshal(wrapper{EventID: original})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"event_id":"$abc123xyz"}`
	if string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}

	var decoded wrapper
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.EventID != original {
		t.Errorf("round-trip: got %q, want %q", decoded.EventID, original)
	}
}

func TestEventIDZeroValue(t *testing.T) {
	var zero EventID
	if !zero.IsZero() {
		t.Error("zero value should be IsZero()")
	}
	if zero.String() != "" {
		t.Errorf("zero String() = %q, want empty", zero.String())
	}

	type wrapper struct {
		EventID EventID `json:"event_id"`
	}
	var decoded wrapper
	if err := json.Unmarshal([]byte(`{"event_id":""}`), &decoded); err != nil {
		t.Fatalf("Unmarshal empty: %v", err)
	}
	if !decoded.EventID.IsZero() {
		t.Error("empty string should unmarshal to zero value")
	}
}

func TestMustParseEventIDPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustParseEventID should panic on invalid input")
		}
	}()
	MustParseEventID("")
}

// --- RoomID ---

func TestParseRoomID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"!abc123:chancery.local", false},
		{"!x:matrix.example.com:8448", false},
		{"", true},
		{"abc123:chancery.local", true},
		{"@abc123:chancery.local", true},
		{"!abc123", true},
		{"!:chancery.local", true},
		{"!abc123:", true},
		{"!abc123:bad server", true},
		{"!abc123:@evil.example", true},
	}

	for _, test := range tests {
		_, err := ParseRoomID(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseRoomID(%q): err=%v, wantErr=%v", test.input, err, test.wantErr)
		}
	}
}

func TestNewRoomID(t *testing.T) {
	server := MustParseServerName("chancery.local")
	room, err := NewRoomID("fZk0teQwmyq3Gpl2ZUKn74ap", server)
	if err != nil {
		t.Fatalf("NewRoomID: %v", err)
	}
	want := "!fZk0teQwmyq3Gpl2ZUKn74ap:chancery.local"
	if room.String() != want {
		t.Errorf("String() = %q, want %q", room.String(), want)
	}

	if _, err := NewRoomID("", server); err == nil {
		t.Error("NewRoomID with empty localpart should fail")
	}
	if _, err := NewRoomID("abc", ServerName{}); err == nil {
		t.Error("NewRoomID with zero server should fail")
	}
}

func TestRoomIDServer(t *testing.T) {
	room := MustParseRoomID("!abc123:chancery.local")
	if got := room.Server(); got != MustParseServerName("chancery.local") {
		t.Errorf("Server() = %q, want %q", got, "chancery.local")
	}

	withPort := MustParseRoomID("!x:matrix.example.com:8448")
	if got := withPort.Server(); got.String() != "matrix.example.com:8448" {
		t.Errorf("Server() = %q, want %q", got, "matrix.example.com:8448")
	}
}

func TestRoomIDRoundTrip(t *testing.T) {
	original := MustParseRoomID("!abc123:chancery.local")

	type wrapper struct {
		RoomID RoomID `json:"room_id"`
	}
	data, err := json.Marshal(wrapper{RoomID: original})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded wrapper
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.RoomID != original {
		t.Errorf("round-trip: got %q, want %q", decoded.RoomID, original)
	}
}

// --- UserID ---

func TestParseUserID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"@alice:chancery.local", false},
		{"@svc/relay:matrix.example.com", false},
		{"", true},
		{"alice:chancery.local", true},
		{"@alice", true},
		{"@:chancery.local", true},
		{"@alice:", true},
	}

	for _, test := range tests {
		_, err := ParseUserID(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseUserID(%q): err=%v, wantErr=%v", test.input, err, test.wantErr)
		}
	}
}

func TestUserIDParts(t *testing.T) {
	user := MustParseUserID("@alice:chancery.local")
	if got := user.Localpart(); got != "alice" {
		t.Errorf("Localpart() = %q, want %q", got, "alice")
	}
	if got := user.Server().String(); got != "chancery.local" {
		t.Errorf("Server() = %q, want %q", got, "chancery.local")
	}

	// Server names may carry a port; the localpart split takes the
	// first colon.
	ported := MustParseUserID("@bob:matrix.example.com:8448")
	if got := ported.Server().String(); got != "matrix.example.com:8448" {
		t.Errorf("Server() = %q, want %q", got, "matrix.example.com:8448")
	}
}

func TestNewUserID(t *testing.T) {
	server := MustParseServerName("chancery.local")
	user, err := NewUserID("alice", server)
	if err != nil {
		t.Fatalf("NewUserID: %v", err)
	}
	if user.String() != "@alice:chancery.local" {
		t.Errorf("String() = %q, want %q", user.String(), "@alice:chancery.local")
	}
}

// --- ServerName ---

func TestParseServerName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"chancery.local", false},
		{"matrix.example.com:8448", false},
		{"localhost", false},
		{"", true},
		{"has space.local", true},
		{"@sigil.local", true},
		{"!sigil.local", true},
		{"ctrl\x01.local", true},
	}

	for _, test := range tests {
		_, err := ParseServerName(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseServerName(%q): err=%v, wantErr=%v", test.input, err, test.wantErr)
		}
	}
}

func TestServerNameRoundTrip(t *testing.T) {
	original := MustParseServerName("chancery.local")

	type wrapper struct {
		Server ServerName `json:"server"`
	}
	data, err := json.Marshal(wrapper{Server: original})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded wrapper
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Server != original {
		t.Errorf("round-trip: got %q, want %q", decoded.Server, original)
	}
}
