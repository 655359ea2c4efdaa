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

// WriteIsolate is one independent serialization unit on the write side: it
// owns its own identity table and an opaque owner token describing who is
// being written (e.g. one task).
type WriteIsolate struct {
	// Owner identifies the serialized unit. Opaque to the engine.
	Owner any

	// Identities deduplicates object references within this isolate.
	Identities *WriteIdentities
}

// ReadIsolate mirrors WriteIsolate on the read side.
type ReadIsolate struct {
	Owner      any
	Identities *ReadIdentities
}

// isolateStack tracks the active (isolate, codec) pair of a context along
// with the frames saved by nested pushes.
//
// The stack is LIFO and strictly balanced: every push has exactly one
// matching pop. Two push flavors exist:
//
//   - pushCodec saves the current pair and swaps only the codec. Used for
//     contextual codec switches that stay within the same logical unit.
//   - pushIsolate saves the current pair and installs a brand-new isolate
//     plus codec. Used when entering a genuinely separate serialized unit
//     with its own identity scope.
//
// The isolate is only accessible while at least one pushIsolate frame is
// live; before that, access is a usage error.
type isolateStack[I any] struct {
	isolate    I
	hasIsolate bool
	codec      Codec
	saved      []isolateFrame[I]
}

type isolateFrame[I any] struct {
	isolate    I
	hasIsolate bool
	codec      Codec
}

// pushCodec saves the current pair and installs codec, keeping the isolate
// unchanged.
func (s *isolateStack[I]) pushCodec(codec Codec) {
	s.saved = append(s.saved, isolateFrame[I]{
		isolate:    s.isolate,
		hasIsolate: s.hasIsolate,
		codec:      s.codec,
	})
	s.codec = codec
}

// pushIsolate saves the current pair and installs a new isolate and codec.
func (s *isolateStack[I]) pushIsolate(isolate I, codec Codec) {
	s.saved = append(s.saved, isolateFrame[I]{
		isolate:    s.isolate,
		hasIsolate: s.hasIsolate,
		codec:      s.codec,
	})
	s.isolate = isolate
	s.hasIsolate = true
	s.codec = codec
}

// pop restores the previously saved pair. Popping past the initial empty
// state returns ErrUnbalancedPop.
func (s *isolateStack[I]) pop() error {
	if len(s.saved) == 0 {
		return ErrUnbalancedPop
	}
	frame := s.saved[len(s.saved)-1]
	s.saved = s.saved[:len(s.saved)-1]
	s.isolate = frame.isolate
	s.hasIsolate = frame.hasIsolate
	s.codec = frame.codec
	return nil
}

// active returns the current isolate, or ErrNoIsolate when no owner has
// been pushed.
func (s *isolateStack[I]) active() (I, error) {
	if !s.hasIsolate {
		var zero I
		return zero, ErrNoIsolate
	}
	return s.isolate, nil
}

// depth returns the number of live frames. Used by tests and sanity checks.
func (s *isolateStack[I]) depth() int { return len(s.saved) }
