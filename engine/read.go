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

// ReadContext is the read side of one serialization session. It mirrors
// WriteContext exactly: same isolate stack, same trampoline, same
// per-session identity mechanics, consuming primitives in the order the
// write side produced them.
//
// Thread Safety: NOT safe for concurrent use.
type ReadContext struct {
	r            *wire.Reader
	isolates     isolateStack[*ReadIsolate]
	calls        callStack
	sessionInsts *ReadIdentities
	resolver     TypeResolver
	rootScope    *scopes.Scope
	sink         problems.Sink
	trace        *problems.Trace
	logger       *slog.Logger
}

// NewReadContext creates a read session over in.
//
// Inputs:
//   - in: Source stream. The caller owns and closes it.
//   - resolver: Type resolution collaborator. May be nil when the stream
//     contains no type references.
//   - root: The ambient root scope persisted scope trees reattach beneath.
//     May be nil; scopes.NewRoot() is used then.
//   - cfg: Session tuning. Zero value applies defaults.
func NewReadContext(in io.Reader, resolver TypeResolver, root *scopes.Scope, cfg Config) *ReadContext {
	cfg.applyDefaults()
	if root == nil {
		root = scopes.NewRoot()
	}
	r := wire.NewReader(in)
	if cfg.MaxWireLength > 0 {
		r.SetMaxLength(cfg.MaxWireLength)
	}
	return &ReadContext{
		r:            r,
		calls:        newCallStack(cfg.MaxDirectDepth),
		sessionInsts: NewReadIdentities(),
		resolver:     resolver,
		rootScope:    root,
		sink:         cfg.Sink,
		logger:       cfg.Logger.With(slog.String("component", "read-context")),
	}
}

// Reader exposes the wire primitives to codecs.
func (c *ReadContext) Reader() *wire.Reader { return c.r }

// Logger returns the session logger.
func (c *ReadContext) Logger() *slog.Logger { return c.logger }

// -----------------------------------------------------------------------------
// Value dispatch
// -----------------------------------------------------------------------------

// ReadValue decodes the next value through the active codec, driving the
// call through the trampoline.
func (c *ReadContext) ReadValue() (any, error) {
	codec := c.isolates.codec
	if codec == nil {
		return nil, fmt.Errorf("%w: no codec pushed", ErrNoCodec)
	}
	var out any
	err := c.calls.run(func() error {
		v, err := codec.Decode(c)
		out = v
		return err
	})
	return out, err
}

// -----------------------------------------------------------------------------
// Isolates
// -----------------------------------------------------------------------------

// PushCodec saves the current (isolate, codec) pair and installs codec,
// keeping the isolate unchanged.
func (c *ReadContext) PushCodec(codec Codec) {
	c.isolates.pushCodec(codec)
}

// PushIsolate saves the current pair and enters a new serialization unit
// for owner, with its own identity table.
func (c *ReadContext) PushIsolate(owner any, codec Codec) {
	c.isolates.pushIsolate(&ReadIsolate{
		Owner:      owner,
		Identities: NewReadIdentities(),
	}, codec)
}

// Pop restores the previously saved (isolate, codec) pair.
func (c *ReadContext) Pop() error {
	return c.isolates.pop()
}

// Isolate returns the active isolate. Fails with ErrNoIsolate before the
// first PushIsolate.
func (c *ReadContext) Isolate() (*ReadIsolate, error) {
	return c.isolates.active()
}

// RunIsolate pushes an isolate for owner, runs fn, and pops, with an otel
// span covering the unit.
func (c *ReadContext) RunIsolate(ctx context.Context, owner any, codec Codec, fn func() error) error {
	_, span := otel.Tracer("stategraph.engine").Start(ctx, "engine.ReadIsolate",
		oteltrace.WithAttributes(attribute.String("owner", fmt.Sprint(owner))))
	defer span.End()

	c.PushIsolate(owner, codec)
	err := fn()
	if popErr := c.Pop(); popErr != nil && err == nil {
		err = popErr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "isolate read failed")
	}
	return err
}

// -----------------------------------------------------------------------------
// Call stack save/restore
// -----------------------------------------------------------------------------

// SaveCallStack detaches the pending-call state so the caller can run an
// unrelated nested session, to be reinstated with RestoreCallStack.
func (c *ReadContext) SaveCallStack() SavedCallStack {
	return c.calls.save()
}

// RestoreCallStack reinstates previously saved call-stack state. Restoring
// while a call is in flight is a usage error.
func (c *ReadContext) RestoreCallStack(saved SavedCallStack) error {
	return c.calls.restore(saved)
}

// -----------------------------------------------------------------------------
// Problems
// -----------------------------------------------------------------------------

// EnterProperty extends the current property trace.
func (c *ReadContext) EnterProperty(name string) {
	c.trace = c.ownerTrace().Property(name)
}

// EnterIndex extends the current property trace with a positional element.
func (c *ReadContext) EnterIndex(i int) {
	c.trace = c.ownerTrace().Index(i)
}

// LeaveTrace pops one level off the property trace.
func (c *ReadContext) LeaveTrace() {
	if c.trace != nil {
		c.trace = c.trace.Parent()
	}
}

// ReportProblem routes a recoverable per-value failure to the session's
// problem sink with the current property trace. The session continues.
func (c *ReadContext) ReportProblem(message string, err error) {
	c.sink.Report(problems.Problem{
		Message: message,
		Trace:   c.ownerTrace(),
		Err:     err,
	})
}

func (c *ReadContext) ownerTrace() *problems.Trace {
	if c.trace != nil {
		return c.trace
	}
	if c.isolates.hasIsolate {
		return problems.NewTrace(fmt.Sprint(c.isolates.isolate.Owner))
	}
	return problems.NewTrace("session")
}

// -----------------------------------------------------------------------------
// Scopes and type references
// -----------------------------------------------------------------------------

// ReadScope mirrors WriteScope exactly.
//
// A previously materialized id resolves to the cached node. A fresh id with
// the no-parent marker resolves to the session's ambient root scope. A
// fresh id with a parent reconstructs the child top-down, using the locked
// constructor when a content hash is present and the export classpath is
// empty, else the general constructor. Nodes are cached under their id
// before returning, so re-reads within the session resolve to the same
// node.
func (c *ReadContext) ReadScope() (*scopes.Scope, error) {
	id, err := c.r.ReadSmallInt()
	if err != nil {
		return nil, err
	}
	if cached, ok := c.sessionInsts.GetInstance(id); ok {
		scope, ok := cached.(*scopes.Scope)
		if !ok {
			return nil, fmt.Errorf("%w: id %d is not a scope", wire.ErrCorruptStream, id)
		}
		return scope, nil
	}
	hasParent, err := c.r.ReadBool()
	if err != nil {
		return nil, err
	}
	if !hasParent {
		c.sessionInsts.PutInstance(id, c.rootScope)
		return c.rootScope, nil
	}
	parent, err := c.ReadScope()
	if err != nil {
		return nil, err
	}
	name, err := c.r.ReadString()
	if err != nil {
		return nil, err
	}
	local, err := c.r.ReadClassPath()
	if err != nil {
		return nil, err
	}
	hasHash, err := c.r.ReadBool()
	if err != nil {
		return nil, err
	}
	var hash []byte
	if hasHash {
		if hash, err = c.r.ReadBinary(); err != nil {
			return nil, err
		}
	}
	export, err := c.r.ReadClassPath()
	if err != nil {
		return nil, err
	}

	var scope *scopes.Scope
	if hasHash && len(export) == 0 {
		scope = parent.LockedChild(name, local, hash)
	} else {
		scope = parent.Child(name, local, hash, export)
	}
	c.sessionInsts.PutInstance(id, scope)
	return scope, nil
}

// ReadTypeRef mirrors WriteTypeRef exactly.
//
// Resolution failure is structural: a missing type makes the rest of the
// graph unreadable, so the error propagates instead of being reported as a
// recoverable problem.
func (c *ReadContext) ReadTypeRef() (reflect.Type, error) {
	id, err := c.r.ReadSmallInt()
	if err != nil {
		return nil, err
	}
	if cached, ok := c.sessionInsts.GetInstance(id); ok {
		t, ok := cached.(reflect.Type)
		if !ok {
			return nil, fmt.Errorf("%w: id %d is not a type reference", wire.ErrCorruptStream, id)
		}
		return t, nil
	}
	name, err := c.r.ReadString()
	if err != nil {
		return nil, err
	}
	hasScope, err := c.r.ReadBool()
	if err != nil {
		return nil, err
	}
	var (
		scope *scopes.Scope
		local bool
	)
	if hasScope {
		if scope, err = c.ReadScope(); err != nil {
			return nil, err
		}
		if local, err = c.r.ReadBool(); err != nil {
			return nil, err
		}
	}
	if c.resolver == nil {
		return nil, fmt.Errorf("%w: %q (no resolver configured)", ErrUnresolvableType, name)
	}
	t, err := c.resolver.Resolve(name, scope, local)
	if err != nil {
		return nil, fmt.Errorf("resolve type reference: %w", err)
	}
	c.sessionInsts.PutInstance(id, t)
	return t, nil
}
