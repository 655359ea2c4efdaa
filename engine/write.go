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
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/stategraph/problems"
	"github.com/AleutianAI/stategraph/scopes"
	"github.com/AleutianAI/stategraph/wire"
)

// Config tunes one serialization session. The zero value is usable.
type Config struct {
	// MaxDirectDepth is the direct-recursion bound of the trampoline.
	// Default: DefaultMaxDirectDepth.
	MaxDirectDepth int

	// MaxWireLength bounds declared lengths on read.
	// Default: wire.DefaultMaxLength.
	MaxWireLength uint64

	// Sink receives per-value problems. Default: a LogSink over Logger.
	Sink problems.Sink

	// Logger for session events. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Sink == nil {
		c.Sink = problems.NewLogSink(c.Logger)
	}
}

// WriteContext is the write side of one serialization session.
//
// Description:
//
//	Owns the wire writer, the isolate stack, the trampolined call stack,
//	and the per-session identity table used for scopes and type
//	references. Values flow through WriteValue, which dispatches to the
//	active codec; codecs write primitives via Writer() and recurse via
//	WriteValue, never by calling each other directly.
//
// Thread Safety: NOT safe for concurrent use. One session, one owner.
type WriteContext struct {
	w          *wire.Writer
	isolates   isolateStack[*WriteIsolate]
	calls      callStack
	sessionIDs *WriteIdentities
	lookup     ScopeLookup
	sink       problems.Sink
	trace      *problems.Trace
	logger     *slog.Logger
}

// NewWriteContext creates a write session over out.
//
// Inputs:
//   - out: Destination stream. The caller owns and closes it.
//   - lookup: Scope lookup collaborator. May be nil; all type references
//     are then written without a scope.
//   - cfg: Session tuning. Zero value applies defaults.
func NewWriteContext(out io.Writer, lookup ScopeLookup, cfg Config) *WriteContext {
	cfg.applyDefaults()
	return &WriteContext{
		w:          wire.NewWriter(out),
		calls:      newCallStack(cfg.MaxDirectDepth),
		sessionIDs: NewWriteIdentities(),
		lookup:     lookup,
		sink:       cfg.Sink,
		logger:     cfg.Logger.With(slog.String("component", "write-context")),
	}
}

// Writer exposes the wire primitives to codecs.
func (c *WriteContext) Writer() *wire.Writer { return c.w }

// Logger returns the session logger.
func (c *WriteContext) Logger() *slog.Logger { return c.logger }

// Flush pushes buffered stream bytes to the destination.
func (c *WriteContext) Flush() error { return c.w.Flush() }

// -----------------------------------------------------------------------------
// Value dispatch
// -----------------------------------------------------------------------------

// WriteValue encodes value through the active codec.
//
// The call runs through the trampoline: shallow nesting recurses directly,
// nesting past the configured bound is continued on a detached stack.
func (c *WriteContext) WriteValue(value any) error {
	codec := c.isolates.codec
	if codec == nil {
		return fmt.Errorf("%w: no codec pushed", ErrNoCodec)
	}
	return c.calls.run(func() error {
		return codec.Encode(c, value)
	})
}

// -----------------------------------------------------------------------------
// Isolates
// -----------------------------------------------------------------------------

// PushCodec saves the current (isolate, codec) pair and installs codec,
// keeping the isolate unchanged. Used for contextual codec switches within
// the same logical unit.
func (c *WriteContext) PushCodec(codec Codec) {
	c.isolates.pushCodec(codec)
}

// PushIsolate saves the current pair and enters a new serialization unit
// for owner, with its own identity table.
func (c *WriteContext) PushIsolate(owner any, codec Codec) {
	c.isolates.pushIsolate(&WriteIsolate{
		Owner:      owner,
		Identities: NewWriteIdentities(),
	}, codec)
}

// Pop restores the previously saved (isolate, codec) pair.
func (c *WriteContext) Pop() error {
	return c.isolates.pop()
}

// Isolate returns the active isolate. Fails with ErrNoIsolate before the
// first PushIsolate.
func (c *WriteContext) Isolate() (*WriteIsolate, error) {
	return c.isolates.active()
}

// RunIsolate pushes an isolate for owner, runs fn, and pops, with an otel
// span covering the unit.
func (c *WriteContext) RunIsolate(ctx context.Context, owner any, codec Codec, fn func() error) error {
	_, span := otel.Tracer("stategraph.engine").Start(ctx, "engine.WriteIsolate",
		oteltrace.WithAttributes(attribute.String("owner", fmt.Sprint(owner))))
	defer span.End()

	c.PushIsolate(owner, codec)
	err := fn()
	if popErr := c.Pop(); popErr != nil && err == nil {
		err = popErr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "isolate write failed")
	}
	return err
}

// -----------------------------------------------------------------------------
// Call stack save/restore
// -----------------------------------------------------------------------------

// SaveCallStack detaches the pending-call state so the caller can run an
// unrelated nested session, to be reinstated with RestoreCallStack.
func (c *WriteContext) SaveCallStack() SavedCallStack {
	return c.calls.save()
}

// RestoreCallStack reinstates previously saved call-stack state. Restoring
// while a call is in flight is a usage error.
func (c *WriteContext) RestoreCallStack(saved SavedCallStack) error {
	return c.calls.restore(saved)
}

// -----------------------------------------------------------------------------
// Problems
// -----------------------------------------------------------------------------

// EnterProperty extends the current property trace. Codecs pair it with
// LeaveTrace around each named member.
func (c *WriteContext) EnterProperty(name string) {
	c.trace = c.ownerTrace().Property(name)
}

// EnterIndex extends the current property trace with a positional element.
func (c *WriteContext) EnterIndex(i int) {
	c.trace = c.ownerTrace().Index(i)
}

// LeaveTrace pops one level off the property trace.
func (c *WriteContext) LeaveTrace() {
	if c.trace != nil {
		c.trace = c.trace.Parent()
	}
}

// ReportProblem routes a recoverable per-value failure to the session's
// problem sink with the current property trace. The session continues.
func (c *WriteContext) ReportProblem(message string, err error) {
	c.sink.Report(problems.Problem{
		Message: message,
		Trace:   c.ownerTrace(),
		Err:     err,
	})
}

// -----------------------------------------------------------------------------
// Scopes and type references
// -----------------------------------------------------------------------------

// WriteScope encodes a module scope with per-session identity dedup.
//
// First occurrence: id, has-parent marker, then (recursively) the parent,
// name, local classpath, hash presence flag + hash, export classpath.
// Re-occurrence: id only. The parent recursion is direct — scope trees are
// shallow, bounded by nested code-loading contexts, and exempt from the
// trampoline.
func (c *WriteContext) WriteScope(s *scopes.Scope) error {
	if id, ok := c.sessionIDs.GetID(s); ok {
		return c.w.WriteSmallInt(id)
	}
	id, err := c.sessionIDs.PutInstance(s)
	if err != nil {
		return err
	}
	if err := c.w.WriteSmallInt(id); err != nil {
		return err
	}
	if s.IsRoot() {
		return c.w.WriteBool(false)
	}
	if err := c.w.WriteBool(true); err != nil {
		return err
	}
	if err := c.WriteScope(s.Parent()); err != nil {
		return err
	}
	if err := c.w.WriteString(s.Name()); err != nil {
		return err
	}
	if err := c.w.WriteClassPath(s.Local()); err != nil {
		return err
	}
	hash := s.Hash()
	if err := c.w.WriteBool(len(hash) > 0); err != nil {
		return err
	}
	if len(hash) > 0 {
		if err := c.w.WriteBinary(hash); err != nil {
			return err
		}
	}
	return c.w.WriteClassPath(s.Export())
}

// WriteTypeRef encodes a type reference with per-session identity dedup.
//
// First occurrence: id, qualified name, has-scope flag, and on scope
// presence the scope plus a locality flag (local vs export classpath
// resolution). Re-occurrence: id only.
func (c *WriteContext) WriteTypeRef(t reflect.Type) error {
	if id, ok := c.sessionIDs.GetID(t); ok {
		return c.w.WriteSmallInt(id)
	}
	id, err := c.sessionIDs.PutInstance(t)
	if err != nil {
		return err
	}
	if err := c.w.WriteSmallInt(id); err != nil {
		return err
	}
	if err := c.w.WriteString(TypeName(t)); err != nil {
		return err
	}
	var (
		scope *scopes.Scope
		local bool
		ok    bool
	)
	if c.lookup != nil {
		scope, local, ok = c.lookup.ScopeFor(t)
	}
	if !ok {
		return c.w.WriteBool(false)
	}
	if err := c.w.WriteBool(true); err != nil {
		return err
	}
	if err := c.WriteScope(scope); err != nil {
		return err
	}
	return c.w.WriteBool(local)
}

// ownerTrace returns the live trace, or a fresh root trace labeled with the
// active isolate's owner when no property has been entered yet.
func (c *WriteContext) ownerTrace() *problems.Trace {
	if c.trace != nil {
		return c.trace
	}
	if c.isolates.hasIsolate {
		return problems.NewTrace(fmt.Sprint(c.isolates.isolate.Owner))
	}
	return problems.NewTrace("session")
}
