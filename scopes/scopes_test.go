// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scopes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stategraph/wire"
)

func TestNewRoot(t *testing.T) {
	root := NewRoot()
	assert.True(t, root.IsRoot())
	assert.Nil(t, root.Parent())
	assert.False(t, root.IsLocked())
	assert.Equal(t, "root", root.Path())
}

func TestScope_Child(t *testing.T) {
	root := NewRoot()
	child := root.Child("plugins", wire.ClassPath{"a.jar"}, nil, wire.ClassPath{"api.jar"})

	assert.Equal(t, "plugins", child.Name())
	assert.Same(t, root, child.Parent())
	assert.Equal(t, wire.ClassPath{"a.jar"}, child.Local())
	assert.Equal(t, wire.ClassPath{"api.jar"}, child.Export())
	assert.False(t, child.IsRoot())
	assert.Equal(t, "root/plugins", child.Path())
}

func TestScope_IsLocked(t *testing.T) {
	root := NewRoot()

	locked := root.LockedChild("settings", wire.ClassPath{"s.jar"}, []byte{0x01, 0x02})
	assert.True(t, locked.IsLocked())

	// No hash: not locked
	open := root.Child("open", wire.ClassPath{"o.jar"}, nil, nil)
	assert.False(t, open.IsLocked())

	// Hash present but exports too: not the compact form
	exported := root.Child("exp", nil, []byte{0x03}, wire.ClassPath{"e.jar"})
	assert.False(t, exported.IsLocked())
}

func TestScope_Equal(t *testing.T) {
	a := NewRoot().Child("plugins", wire.ClassPath{"a.jar"}, []byte{0x01}, nil)
	b := NewRoot().Child("plugins", wire.ClassPath{"a.jar"}, []byte{0x01}, nil)
	c := NewRoot().Child("plugins", wire.ClassPath{"b.jar"}, []byte{0x01}, nil)

	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
	assert.True(t, NewRoot().Equal(NewRoot()))
	assert.False(t, a.Equal(NewRoot()))
}

func TestScope_Equal_ParentChain(t *testing.T) {
	a := NewRoot().Child("p", nil, nil, nil).Child("q", nil, nil, nil)
	b := NewRoot().Child("p", nil, nil, nil).Child("q", nil, nil, nil)
	c := NewRoot().Child("x", nil, nil, nil).Child("q", nil, nil, nil)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestScope_Immutability(t *testing.T) {
	hash := []byte{0x01, 0x02}
	s := NewRoot().LockedChild("settings", nil, hash)

	// Mutating the caller's slice must not affect the scope
	hash[0] = 0xff
	require.Equal(t, []byte{0x01, 0x02}, s.Hash())

	// Mutating the returned slice must not affect the scope either
	got := s.Hash()
	got[1] = 0xff
	assert.Equal(t, []byte{0x01, 0x02}, s.Hash())
}

func TestScope_Path_Nested(t *testing.T) {
	s := NewRoot().
		Child("plugins", nil, nil, nil).
		Child("buildSrc", nil, nil, nil)
	assert.Equal(t, "root/plugins/buildSrc", s.Path())
}
