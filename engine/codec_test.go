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
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typeA struct{}
type typeB struct{}

func TestRegistry_BindingOrder(t *testing.T) {
	first := &nopCodec{name: "first"}
	second := &nopCodec{name: "second"}
	matchAll := Binding{
		Match: func(reflect.Type) bool { return true },
		Codec: second,
	}

	reg := NewRegistry([]Binding{
		BindType(reflect.TypeOf(typeA{}), first),
		matchAll,
	}, nil)

	// Earlier bindings win
	got, err := reg.CodecFor(reflect.TypeOf(typeA{}))
	require.NoError(t, err)
	assert.Same(t, first, got)

	got, err = reg.CodecFor(reflect.TypeOf(typeB{}))
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestRegistry_Memoized(t *testing.T) {
	calls := 0
	bound := &nopCodec{}
	reg := NewRegistry([]Binding{{
		Match: func(reflect.Type) bool { calls++; return true },
		Codec: bound,
	}}, nil)

	for i := 0; i < 5; i++ {
		got, err := reg.CodecFor(reflect.TypeOf(typeA{}))
		require.NoError(t, err)
		assert.Same(t, bound, got)
	}
	assert.Equal(t, 1, calls)
}

func TestRegistry_Fallback(t *testing.T) {
	fallback := &nopCodec{name: "fallback"}
	reg := NewRegistry(nil, fallback)

	got, err := reg.CodecFor(reflect.TypeOf(typeA{}))
	require.NoError(t, err)
	assert.Same(t, fallback, got)
}

func TestRegistry_NoMatchNoFallback(t *testing.T) {
	reg := NewRegistry(nil, nil)

	_, err := reg.CodecFor(reflect.TypeOf(typeA{}))
	assert.ErrorIs(t, err, ErrNoCodec)
}
