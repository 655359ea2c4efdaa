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

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallStack_DirectRecursion(t *testing.T) {
	s := newCallStack(8)

	var maxDepth int
	var recurse func(n int) error
	recurse = func(n int) error {
		if n > maxDepth {
			maxDepth = n
		}
		if n == 5 {
			return nil
		}
		return s.run(func() error { return recurse(n + 1) })
	}

	require.NoError(t, s.run(func() error { return recurse(1) }))
	assert.Equal(t, 5, maxDepth)
	assert.Equal(t, 0, s.depth)
	assert.Nil(t, s.pending)
}

func TestCallStack_DeepRecursion(t *testing.T) {
	// A tight bound forces many shifts to detached stacks; the logical
	// recursion must still reach full depth and unwind cleanly.
	s := newCallStack(4)

	const target = 10000
	var reached int
	var recurse func(n int) error
	recurse = func(n int) error {
		reached = n
		if n == target {
			return nil
		}
		return s.run(func() error { return recurse(n + 1) })
	}

	require.NoError(t, s.run(func() error { return recurse(1) }))
	assert.Equal(t, target, reached)
	assert.Equal(t, 0, s.depth)
	assert.Nil(t, s.pending)
}

func TestCallStack_ErrorPropagatesThroughSuspension(t *testing.T) {
	s := newCallStack(2)
	boom := errors.New("nested failure")

	var recurse func(n int) error
	recurse = func(n int) error {
		if n == 50 {
			return boom
		}
		return s.run(func() error { return recurse(n + 1) })
	}

	err := s.run(func() error { return recurse(1) })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.depth)
	assert.Nil(t, s.pending)
}

func TestCallStack_SaveRestore(t *testing.T) {
	s := newCallStack(4)
	s.depth = 3

	saved := s.save()
	assert.Equal(t, 0, s.depth)
	assert.Nil(t, s.pending)

	// Fresh window: an unrelated nested session can run here
	require.NoError(t, s.run(func() error { return nil }))

	require.NoError(t, s.restore(saved))
	assert.Equal(t, 3, s.depth)
}

func TestCallStack_RestoreOverInFlightCall(t *testing.T) {
	s := newCallStack(4)
	s.pending = &pendingCall{}

	err := s.restore(SavedCallStack{})
	assert.ErrorIs(t, err, ErrCallInFlight)
}

func TestCallStack_ZeroLimitUsesDefault(t *testing.T) {
	s := newCallStack(0)
	assert.Equal(t, DefaultMaxDirectDepth, s.limit)
}
