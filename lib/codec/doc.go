// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides chancery's standard CBOR encoding configuration.
//
// Chancery's correctness leans on deterministic encoding: event IDs are
// content hashes over the canonical encoding of the event, and
// signatures cover the same bytes. Two servers that build the same
// logical event must produce the same bytes, hence the same ID and the
// same signable payload. This package provides the shared CBOR encoding
// and decoding modes so that every chancery package encodes identically
// without duplicating configuration. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer encoding,
// no indefinite-length items. Same logical data always produces
// identical bytes.
//
// CBOR is used for the canonical event form, event content payloads,
// storage columns, and the federation transaction wire format. JSON
// appears only at external surfaces (client API output, admin tooling)
// and never feeds a hash.
//
// For buffer-oriented operations (hashing, signing, storage columns):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (federation transport):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON. Examples: the canonical event form,
//     federation transaction envelopes, storage column payloads.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor` tags
//     are absent, so a single `json` tag controls field naming and
//     omitempty for both formats. Examples: event content payloads
//     (which admin tooling prints as JSON), sync response types.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract — doubling up is noise that obscures
// whether a type participates in JSON serialization.
package codec
