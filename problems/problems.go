// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package problems provides structured failure reporting for serialization
// sessions, decoupled from control-flow-interrupting errors.
//
// The engine distinguishes three failure classes:
//
//   - Usage errors (programmer mistakes) and structural stream errors fail
//     the whole session and surface as ordinary Go errors.
//   - Per-value problems (one property failed to encode, a reflective
//     construction failed) are recoverable: the engine substitutes a
//     placeholder where the format allows one, reports the problem here,
//     and continues.
//
// A Problem carries a Trace: the property path from the serialized unit's
// owner down to the failing value, so a post-session report can point at
// exactly the field that did not round-trip.
//
// # Thread Safety
//
// Trace values are immutable. CollectingSink is safe for concurrent use.
package problems

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Trace is an immutable path through an object graph to one value.
//
// A Trace grows by deriving child traces; the parent is never mutated, so a
// codec can hold its position and hand extended traces to nested encodes.
type Trace struct {
	parent *Trace
	label  string
}

// NewTrace creates a root trace labeled with the owner of the serialized
// unit (e.g. a task identifier).
func NewTrace(owner string) *Trace {
	return &Trace{label: owner}
}

// Property derives a child trace for a named property.
func (t *Trace) Property(name string) *Trace {
	return &Trace{parent: t, label: "." + name}
}

// Parent returns the enclosing trace, or nil at the root.
func (t *Trace) Parent() *Trace {
	return t.parent
}

// Index derives a child trace for a positional element.
func (t *Trace) Index(i int) *Trace {
	return &Trace{parent: t, label: fmt.Sprintf("[%d]", i)}
}

// String renders the full path, e.g. "task:compile.inputs[3].path".
func (t *Trace) String() string {
	if t == nil {
		return ""
	}
	var parts []string
	for node := t; node != nil; node = node.parent {
		parts = append(parts, node.label)
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString(parts[i])
	}
	return b.String()
}

// Problem is one structured failure record.
type Problem struct {
	// Message describes what failed in user-facing terms.
	Message string

	// Trace locates the failing value within the serialized unit.
	Trace *Trace

	// Err is the originating error, if any.
	Err error
}

// String renders the problem for logs and reports.
func (p Problem) String() string {
	var b strings.Builder
	b.WriteString(p.Message)
	if p.Trace != nil {
		b.WriteString(" at ")
		b.WriteString(p.Trace.String())
	}
	if p.Err != nil {
		b.WriteString(": ")
		b.WriteString(p.Err.Error())
	}
	return b.String()
}

// Sink receives problem records from a running session.
//
// Implementations must not panic and must not block the session; Report is
// called from the session's goroutine mid-traversal.
type Sink interface {
	Report(p Problem)
}

// CollectingSink accumulates problems in memory for a post-session report.
type CollectingSink struct {
	mu       sync.Mutex
	problems []Problem
}

// NewCollectingSink creates an empty CollectingSink.
func NewCollectingSink() *CollectingSink {
	return &CollectingSink{}
}

// Report appends the problem.
func (s *CollectingSink) Report(p Problem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.problems = append(s.problems, p)
}

// Problems returns a copy of everything reported so far.
func (s *CollectingSink) Problems() []Problem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Problem, len(s.problems))
	copy(out, s.problems)
	return out
}

// Count returns the number of problems reported so far.
func (s *CollectingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.problems)
}

// LogSink reports problems to a structured logger at Warn level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger falls back to slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Report logs the problem.
func (s *LogSink) Report(p Problem) {
	attrs := []any{slog.String("trace", p.Trace.String())}
	if p.Err != nil {
		attrs = append(attrs, slog.String("error", p.Err.Error()))
	}
	s.logger.Warn(p.Message, attrs...)
}

// Ensure implementations satisfy Sink.
var (
	_ Sink = (*CollectingSink)(nil)
	_ Sink = (*LogSink)(nil)
)
