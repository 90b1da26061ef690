// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authorization

import (
	"fmt"

	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/keyring"
)

// Engine runs the full authorization pipeline: structure, signature,
// then the room-version rule set. One Engine serves every room; the
// rule set is selected per check from the room version.
type Engine struct {
	ring keyring.Ring
}

// NewEngine returns an Engine that verifies signatures against the
// given ring.
func NewEngine(ring keyring.Ring) *Engine {
	return &Engine{ring: ring}
}

// Check evaluates a candidate event against the state its own auth
// events describe. The caller resolves the candidate's AuthEvents
// into the StateProvider; Check never consults any other state, which
// is what makes the verdict reproducible on every server that holds
// the same auth events.
func (e *Engine) Check(candidate *event.Event, version event.Version, auth StateProvider) Result {
	if err := candidate.ValidateStructure(); err != nil {
		return reject(ReasonMalformed, err.Error())
	}
	if err := event.CheckVersion(version); err != nil {
		return reject(ReasonUnsupportedVersion, err.Error())
	}

	verdict, err := keyring.VerifyEvent(e.ring, candidate)
	if err != nil {
		return reject(ReasonMalformed, err.Error())
	}
	switch verdict {
	case keyring.UnknownKey:
		return reject(ReasonUnknownSigner,
			fmt.Sprintf("no key for server %s", candidate.Sender.Server()))
	case keyring.Invalid:
		return reject(ReasonBadSignature,
			fmt.Sprintf("signature does not verify against key of %s", candidate.Sender.Server()))
	}

	return CheckRules(candidate, version, auth)
}

// CheckRules evaluates only the room-version rule predicate, skipping
// structure and signature. State resolution uses this on events that
// already passed the full check at ingest: re-running the predicate
// against the accumulating state is the step that decides conflicts,
// and re-verifying signatures there would be pure waste.
func CheckRules(candidate *event.Event, version event.Version, auth StateProvider) Result {
	rules, ok := ruleSetFor(version)
	if !ok {
		return reject(ReasonUnsupportedVersion,
			fmt.Sprintf("no rule set for room version %q", version))
	}
	return rules.allowed(candidate, auth)
}
