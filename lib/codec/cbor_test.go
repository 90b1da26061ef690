// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

// sampleEnvelope is a representative internal wire type using cbor
// struct tags (the convention for purely-internal types).
type sampleEnvelope struct {
	Origin string `cbor:"origin"`
	TxnID  string `cbor:"txn_id,omitempty"`
	Count  int    `cbor:"count"`
}

// sampleContent uses json struct tags (the convention for types that
// serve both JSON and CBOR, relying on fxamacker's fallback).
type sampleContent struct {
	Membership string `json:"membership"`
	Reason     string `json:"reason,omitempty"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleEnvelope{
		Origin: "chancery.local",
		TxnID:  "3e2f8a1c-4b4f-4f0e-9c86-1a2b3c4d5e6f",
		Count:  42,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded sampleEnvelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	envelope := sampleEnvelope{
		Origin: "chancery.local",
		TxnID:  "txn-7",
		Count:  7,
	}

	first, err := Marshal(envelope)
	if err != nil {
		t.Fatalf("Marshal (first): %v", err)
	}
	second, err := Marshal(envelope)
	if err != nil {
		t.Fatalf("Marshal (second): %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("non-deterministic encoding:\n first=%x\nsecond=%x", first, second)
	}

	// Maps encode with sorted keys regardless of insertion order.
	a, err := Marshal(map[string]int{"zebra": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatalf("Marshal map: %v", err)
	}
	b, err := Marshal(map[string]int{"mid": 3, "alpha": 2, "zebra": 1})
	if err != nil {
		t.Fatalf("Marshal map: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("map encoding depends on insertion order:\na=%x\nb=%x", a, b)
	}
}

func TestJSONTagFallback(t *testing.T) {
	original := sampleContent{Membership: "join"}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	// The CBOR field name should come from the json tag.
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"membership"`) {
		t.Errorf("diagnostic %q does not contain json-tagged field name", diagnostic)
	}
	// omitempty applies: empty Reason is absent.
	if strings.Contains(diagnostic, `"reason"`) {
		t.Errorf("diagnostic %q contains omitempty field that should be absent", diagnostic)
	}

	var decoded sampleContent
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// Encode a superset, decode into the known struct: forward
	// compatibility for federation payloads from newer servers.
	data, err := Marshal(map[string]any{
		"origin":   "remote.example",
		"count":    3,
		"novelty":  "from-the-future",
		"another":  []int{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleEnvelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown fields: %v", err)
	}
	if decoded.Origin != "remote.example" || decoded.Count != 3 {
		t.Errorf("known fields lost: %+v", decoded)
	}
}

func TestStreamEncoderDecoder(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)

	messages := []sampleEnvelope{
		{Origin: "a.local", Count: 1},
		{Origin: "b.local", Count: 2},
		{Origin: "c.local", Count: 3},
	}
	for _, message := range messages {
		if err := encoder.Encode(message); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range messages {
		var got sampleEnvelope
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode message %d: %v", i, err)
		}
		if got != want {
			t.Errorf("message %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestRawMessagePassthrough(t *testing.T) {
	inner, err := Marshal(map[string]string{"name": "Operations"})
	if err != nil {
		t.Fatalf("Marshal inner: %v", err)
	}

	type holder struct {
		Content RawMessage `cbor:"content"`
	}
	data, err := Marshal(holder{Content: RawMessage(inner)})
	if err != nil {
		t.Fatalf("Marshal holder: %v", err)
	}

	var decoded holder
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal holder: %v", err)
	}
	// The raw bytes survive unchanged — hashing and storage rely on
	// content passing through without re-encoding.
	if !bytes.Equal(decoded.Content, inner) {
		t.Errorf("RawMessage bytes changed:\n got=%x\nwant=%x", decoded.Content, inner)
	}
}
