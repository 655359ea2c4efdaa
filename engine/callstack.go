// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

// DefaultMaxDirectDepth is the default direct-recursion bound.
//
// Below the bound, nested encode/decode calls recurse directly on the
// native stack (the cheap path, taken by the overwhelming majority of real
// graphs). At the bound, calls are suspended into the pending slot and
// continued on a detached stack instead. The value trades allocation volume
// against stack headroom; it is tunable via Config, not load-bearing.
const DefaultMaxDirectDepth = 64

// pendingCall is a unit of suspended work: a nested encode/decode call that
// could not run on the native stack, plus the channel its suspender parks
// on until the call completes.
type pendingCall struct {
	invoke func() error
	result chan error
}

// callStack bounds native stack usage while preserving recursive semantics.
//
// Description:
//
//	Each context carries one callStack. While depth is below the bound,
//	run executes the call directly. Once depth reaches the bound, the call
//	is installed in the single pending slot and driven to completion on a
//	detached stack with a fresh depth window; the suspender parks until
//	the result arrives, so exactly one call executes at any time and the
//	session stays cooperative and single-threaded in effect. A second
//	suspension nested inside an in-flight call installs itself as the new
//	pending call the same way, so logical recursion depth is unbounded:
//	depth past the bound is paid for with heap-resident pending calls
//	rather than native stack frames.
//
//	Go has no first-class continuations; the detached stack is a fresh
//	goroutine used purely as the continuation carrier. The suspender parks
//	on the result channel, so no two calls ever run concurrently.
//
// Thread Safety: NOT safe for concurrent use. Ownership of the struct is
// handed off sequentially between the suspender and the detached call.
type callStack struct {
	limit int
	depth int

	// pending is the call currently in flight on a detached stack, nil
	// when every live call is running directly.
	pending *pendingCall
}

// SavedCallStack is a detached snapshot of a context's call-stack state,
// used to run an unrelated nested session and reinstate the state after.
type SavedCallStack struct {
	depth   int
	pending *pendingCall
}

func newCallStack(limit int) callStack {
	if limit <= 0 {
		limit = DefaultMaxDirectDepth
	}
	return callStack{limit: limit}
}

// run executes fn, recursing directly within the depth window and shifting
// to a detached stack past it.
func (s *callStack) run(fn func() error) error {
	if s.depth < s.limit {
		s.depth++
		err := fn()
		s.depth--
		return err
	}
	return s.suspend(fn)
}

// suspend installs fn as the pending call, drives it on a detached stack
// with a fresh depth window, and parks until it completes. The previous
// (depth, pending) pair is reinstated afterwards, which is what makes a
// nested suspension inside an in-flight call well-formed.
func (s *callStack) suspend(fn func() error) error {
	call := &pendingCall{invoke: fn, result: make(chan error, 1)}
	saved := SavedCallStack{depth: s.depth, pending: s.pending}
	s.depth = 0
	s.pending = call

	// The detached call owns s while the suspender is parked; the handoff
	// is sequential, never concurrent.
	go func() {
		call.result <- call.invoke()
	}()
	err := <-call.result

	s.depth = saved.depth
	s.pending = saved.pending
	return err
}

// save detaches the current call-stack state, leaving a fresh empty one in
// place for an unrelated nested session.
func (s *callStack) save() SavedCallStack {
	saved := SavedCallStack{depth: s.depth, pending: s.pending}
	s.depth = 0
	s.pending = nil
	return saved
}

// restore reinstates previously saved state. The current pending slot must
// be empty; restoring over an in-flight call is a usage error.
func (s *callStack) restore(saved SavedCallStack) error {
	if s.pending != nil {
		return ErrCallInFlight
	}
	s.depth = saved.depth
	s.pending = saved.pending
	return nil
}
