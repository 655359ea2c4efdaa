// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine implements the identity-preserving serialization engine for
// build-state object graphs.
//
// A write session drives recursive WriteValue calls through a trampolined
// call stack, consulting the codec registry for per-type strategies, the
// isolate identity table to avoid re-encoding shared objects, and the module
// scope tree to encode type references. A read session mirrors it exactly,
// producing an equivalent graph.
//
// # Failure Model
//
// The engine classifies failures into three kinds:
//
//   - Usage errors (ErrNoIsolate, ErrUnbalancedPop, ErrCallInFlight,
//     ErrDuplicateInstance): programmer mistakes, returned immediately.
//   - Structural stream errors (wire.ErrCorruptStream, wire.ErrTruncated,
//     ErrUnresolvableType): the stream is positionally corrupt beyond this
//     point, so the whole session fails.
//   - Per-value problems: routed to the session's problems.Sink; the session
//     substitutes a placeholder and continues.
//
// # Thread Safety
//
// A WriteContext or ReadContext is owned by one session and is NOT safe for
// concurrent use. Distinct sessions share no mutable state and may run on
// separate goroutines without coordination.
package engine

import "errors"

// Sentinel errors for engine operations.
var (
	// ErrNoIsolate is returned when the active isolate is requested before
	// any owner has been pushed.
	ErrNoIsolate = errors.New("isolate only available during active serialization")

	// ErrUnbalancedPop is returned when Pop is called past the initial
	// empty state of the isolate stack.
	ErrUnbalancedPop = errors.New("isolate stack pop without matching push")

	// ErrCallInFlight is returned when the call stack is restored while a
	// pending call has not yet completed.
	ErrCallInFlight = errors.New("call stack restore with call in flight")

	// ErrDuplicateInstance is returned when an object is assigned a second
	// identity id on the write side. Callers must check GetID first.
	ErrDuplicateInstance = errors.New("instance already has an identity id")

	// ErrUnresolvableType is returned when a persisted type name cannot be
	// resolved in the chosen environment. Structural: a missing type makes
	// the rest of the graph unreadable.
	ErrUnresolvableType = errors.New("unresolvable type name")

	// ErrNoCodec is returned when no codec binding matches a value's type
	// and no fallback is configured.
	ErrNoCodec = errors.New("no codec for type")
)
