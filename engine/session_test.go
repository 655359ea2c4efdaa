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
	"bytes"
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stategraph/problems"
	"github.com/AleutianAI/stategraph/scopes"
	"github.com/AleutianAI/stategraph/wire"
)

type pluginTask struct {
	Name string
}

type ambientTask struct {
	Name string
}

func TestSession_ScopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	wc := NewWriteContext(&buf, nil, Config{})

	writeRoot := scopes.NewRoot()
	plugins := writeRoot.Child("plugins", wire.ClassPath{"a.jar"}, nil, wire.ClassPath{"api.jar"})

	require.NoError(t, wc.WriteScope(plugins))
	require.NoError(t, wc.Flush())

	readRoot := scopes.NewRoot()
	rc := NewReadContext(&buf, nil, readRoot, Config{})

	got, err := rc.ReadScope()
	require.NoError(t, err)
	assert.True(t, plugins.Equal(got))
	// Reattached beneath the ambient root handed to the read session
	assert.Same(t, readRoot, got.Parent())
}

func TestSession_ScopeDedup(t *testing.T) {
	var buf bytes.Buffer
	wc := NewWriteContext(&buf, nil, Config{})

	s := scopes.NewRoot().Child("plugins", wire.ClassPath{"a.jar"}, nil, nil)

	require.NoError(t, wc.WriteScope(s))
	firstLen := buf.Len()
	require.NoError(t, wc.WriteScope(s))
	require.NoError(t, wc.Flush())

	// Re-occurrence is id-only, far smaller than the definition
	assert.Less(t, buf.Len()-firstLen, firstLen)

	rc := NewReadContext(&buf, nil, nil, Config{})
	first, err := rc.ReadScope()
	require.NoError(t, err)
	second, err := rc.ReadScope()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestSession_LockedScopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	wc := NewWriteContext(&buf, nil, Config{})

	locked := scopes.NewRoot().LockedChild("settings", wire.ClassPath{"s.jar"}, []byte{0xca, 0xfe})
	require.NoError(t, wc.WriteScope(locked))
	require.NoError(t, wc.Flush())

	rc := NewReadContext(&buf, nil, nil, Config{})
	got, err := rc.ReadScope()
	require.NoError(t, err)
	assert.True(t, locked.Equal(got))
	assert.True(t, got.IsLocked())
	assert.Equal(t, []byte{0xca, 0xfe}, got.Hash())
}

func TestSession_TypeRefRoundTrip_Scoped(t *testing.T) {
	taskType := reflect.TypeOf(pluginTask{})

	writeReg := NewTypeRegistry()
	pluginScope := scopes.NewRoot().Child("plugins", wire.ClassPath{"a.jar"}, nil, nil)
	writeReg.RegisterScoped(pluginScope, true, taskType)

	var buf bytes.Buffer
	wc := NewWriteContext(&buf, writeReg, Config{})
	require.NoError(t, wc.WriteTypeRef(taskType))
	require.NoError(t, wc.Flush())

	// The read side registers against an equivalent, freshly built scope
	readReg := NewTypeRegistry()
	readScope := scopes.NewRoot().Child("plugins", wire.ClassPath{"a.jar"}, nil, nil)
	readReg.RegisterScoped(readScope, true, taskType)

	rc := NewReadContext(&buf, readReg, nil, Config{})
	got, err := rc.ReadTypeRef()
	require.NoError(t, err)
	assert.Equal(t, taskType, got)
}

func TestSession_TypeRefRoundTrip_Ambient(t *testing.T) {
	taskType := reflect.TypeOf(ambientTask{})

	writeReg := NewTypeRegistry()

	var buf bytes.Buffer
	wc := NewWriteContext(&buf, writeReg, Config{})
	require.NoError(t, wc.WriteTypeRef(taskType))
	require.NoError(t, wc.Flush())

	readReg := NewTypeRegistry()
	readReg.Register(taskType)

	rc := NewReadContext(&buf, readReg, nil, Config{})
	got, err := rc.ReadTypeRef()
	require.NoError(t, err)
	assert.Equal(t, taskType, got)
}

func TestSession_TypeRefDedup(t *testing.T) {
	taskType := reflect.TypeOf(ambientTask{})

	var buf bytes.Buffer
	wc := NewWriteContext(&buf, nil, Config{})
	require.NoError(t, wc.WriteTypeRef(taskType))
	firstLen := buf.Len()
	require.NoError(t, wc.WriteTypeRef(taskType))
	require.NoError(t, wc.Flush())
	assert.Less(t, buf.Len()-firstLen, firstLen)

	readReg := NewTypeRegistry()
	readReg.Register(taskType)

	rc := NewReadContext(&buf, readReg, nil, Config{})
	first, err := rc.ReadTypeRef()
	require.NoError(t, err)
	second, err := rc.ReadTypeRef()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSession_TypeRefUnresolvable(t *testing.T) {
	taskType := reflect.TypeOf(ambientTask{})

	var buf bytes.Buffer
	wc := NewWriteContext(&buf, nil, Config{})
	require.NoError(t, wc.WriteTypeRef(taskType))
	require.NoError(t, wc.Flush())

	// Empty registry on the read side: resolution is a structural failure
	rc := NewReadContext(&buf, NewTypeRegistry(), nil, Config{})
	_, err := rc.ReadTypeRef()
	assert.ErrorIs(t, err, ErrUnresolvableType)
}

func TestSession_WriteValueWithoutCodec(t *testing.T) {
	var buf bytes.Buffer
	wc := NewWriteContext(&buf, nil, Config{})

	err := wc.WriteValue("anything")
	assert.ErrorIs(t, err, ErrNoCodec)
}

func TestSession_IsolateBeforePush(t *testing.T) {
	var buf bytes.Buffer
	wc := NewWriteContext(&buf, nil, Config{})

	_, err := wc.Isolate()
	assert.ErrorIs(t, err, ErrNoIsolate)

	rc := NewReadContext(&buf, nil, nil, Config{})
	_, err = rc.Isolate()
	assert.ErrorIs(t, err, ErrNoIsolate)
}

func TestSession_RunIsolateBalances(t *testing.T) {
	var buf bytes.Buffer
	wc := NewWriteContext(&buf, nil, Config{})

	codec := &nopCodec{}
	err := wc.RunIsolate(context.Background(), "task:compile", codec, func() error {
		iso, err := wc.Isolate()
		require.NoError(t, err)
		assert.Equal(t, "task:compile", iso.Owner)
		return nil
	})
	require.NoError(t, err)

	// Balanced: no isolate remains active afterwards
	_, err = wc.Isolate()
	assert.ErrorIs(t, err, ErrNoIsolate)
	assert.ErrorIs(t, wc.Pop(), ErrUnbalancedPop)
}

func TestSession_ProblemTrace(t *testing.T) {
	sink := problems.NewCollectingSink()
	var buf bytes.Buffer
	wc := NewWriteContext(&buf, nil, Config{Sink: sink})

	wc.PushIsolate("task:compile", &nopCodec{})
	wc.EnterProperty("inputs")
	wc.EnterIndex(3)
	wc.ReportProblem("cannot serialize function value", nil)
	wc.LeaveTrace()
	wc.LeaveTrace()
	require.NoError(t, wc.Pop())

	got := sink.Problems()
	require.Len(t, got, 1)
	assert.Equal(t, "task:compile.inputs[3]", got[0].Trace.String())
}

func TestSession_SaveRestoreCallStack(t *testing.T) {
	var buf bytes.Buffer
	wc := NewWriteContext(&buf, nil, Config{MaxDirectDepth: 4})

	saved := wc.SaveCallStack()
	require.NoError(t, wc.RestoreCallStack(saved))
}

func TestSession_ScopeCorruptIDStream(t *testing.T) {
	// A type-ref id replayed where a scope id is expected must fail as a
	// structural error, not silently alias an unrelated instance.
	taskType := reflect.TypeOf(ambientTask{})

	var buf bytes.Buffer
	wc := NewWriteContext(&buf, nil, Config{})
	require.NoError(t, wc.WriteTypeRef(taskType))
	require.NoError(t, wc.WriteTypeRef(taskType))
	require.NoError(t, wc.Flush())

	readReg := NewTypeRegistry()
	readReg.Register(taskType)
	rc := NewReadContext(&buf, readReg, nil, Config{})

	_, err := rc.ReadTypeRef()
	require.NoError(t, err)

	// Second record is an id-only type-ref re-occurrence; reading it as a
	// scope finds a cached non-scope instance under that id.
	_, err = rc.ReadScope()
	assert.ErrorIs(t, err, wire.ErrCorruptStream)
}
