// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import "fmt"

// Version identifies a room version: the bundle of authorization
// rules and resolution ordering that governs a room for its entire
// lifetime. The version is fixed in the create event and never
// changes. Rooms created under a future version keep working next to
// rooms created under this one — version selection happens per room,
// at the boundaries that interpret events (authorization, state
// resolution), never globally.
type Version string

// V1 is the initial room version.
const V1 Version = "chancery.1"

// DefaultVersion is the version assigned to newly created rooms when
// the creation request does not specify one.
const DefaultVersion = V1

// supportedVersions is the set of versions this build can participate
// in. Events for rooms with versions outside this set are rejected at
// the authorization boundary — storing them would commit the server
// to rules it cannot evaluate.
var supportedVersions = map[Version]struct{}{
	V1: {},
}

// SupportedVersion reports whether this build implements the given
// room version.
func SupportedVersion(v Version) bool {
	_, ok := supportedVersions[v]
	return ok
}

// CheckVersion returns an error naming the unsupported version, for
// wrapping into rejection reasons.
func CheckVersion(v Version) error {
	if v == "" {
		return fmt.Errorf("event: empty room version")
	}
	if !SupportedVersion(v) {
		return fmt.Errorf("event: unsupported room version %q", v)
	}
	return nil
}
