// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references for
// the identifiers that cross chancery's boundaries: event IDs, room IDs,
// user IDs, server names, and event types.
//
// All constructors validate their inputs and return errors for invalid
// identifiers. Once constructed, a ref is immutable — accessor methods
// return the validated string at zero allocation cost. Identifiers
// arrive from three places: locally computed (event IDs are content
// hashes, room IDs are minted at creation), configuration, and
// federation input. All three parse into these types at the boundary;
// interior code never handles raw identifier strings.
//
// The canonical serialization form is the full Matrix-style identifier:
//   - Event IDs: $opaque
//   - Room IDs: !localpart:server
//   - User IDs: @localpart:server
//
// JSON and CBOR marshaling use this canonical form via
// encoding.TextMarshaler.
package ref
