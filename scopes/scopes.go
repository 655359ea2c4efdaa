// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scopes models the hierarchical code-loading environment recorded
// alongside a persisted object graph.
//
// A Scope is one named level of that environment: it carries a "local"
// classpath visible only within the node, an "export" classpath visible to
// descendants, and an optional content hash over the local payload. Scopes
// form a tree via parent links; the root has an empty name and no parent.
//
// Scopes exist so that type references persisted in a snapshot can be
// resolved against an equivalent environment when the snapshot is read back,
// without re-running the configuration phase that originally assembled the
// environment.
//
// # Locked Scopes
//
// A scope whose content hash is present and whose export classpath is empty
// is "locked": the hash alone identifies its payload, so the engine persists
// it in a compact form. Locked is a storage-level variant, not a semantic
// one — a locked scope and a generally-constructed scope with the same
// name/parent/classpaths are equivalent.
//
// # Thread Safety
//
// Scope values are immutable after construction and safe to share across
// goroutines.
package scopes

import (
	"bytes"
	"strings"

	"github.com/AleutianAI/stategraph/wire"
)

// Scope is one node of a code-loading environment tree.
type Scope struct {
	name   string
	parent *Scope
	local  wire.ClassPath
	hash   []byte
	export wire.ClassPath
}

// NewRoot creates the root scope: empty name, no parent, no classpaths.
//
// The read session is handed a root scope representing the ambient
// environment; persisted scope trees reattach beneath it.
func NewRoot() *Scope {
	return &Scope{}
}

// Child creates a general child scope beneath s.
//
// Inputs:
//   - name: Scope name. Must be non-empty for non-root scopes.
//   - local: Classpath reachable only within the child.
//   - hash: Optional content hash of the local payload (nil when absent).
//   - export: Classpath visible to the child's descendants.
func (s *Scope) Child(name string, local wire.ClassPath, hash []byte, export wire.ClassPath) *Scope {
	return &Scope{
		name:   name,
		parent: s,
		local:  local,
		hash:   cloneBytes(hash),
		export: export,
	}
}

// LockedChild creates a child scope in compact form: content hash present,
// export classpath empty.
//
// The result is equivalent to Child(name, local, hash, nil); the distinction
// only affects the on-wire encoding.
func (s *Scope) LockedChild(name string, local wire.ClassPath, hash []byte) *Scope {
	return s.Child(name, local, hash, nil)
}

// Name returns the scope name. Empty for the root.
func (s *Scope) Name() string { return s.name }

// Parent returns the parent scope, or nil for the root.
func (s *Scope) Parent() *Scope { return s.parent }

// Local returns the classpath reachable only within this scope.
func (s *Scope) Local() wire.ClassPath { return s.local }

// Hash returns a copy of the content hash of the local payload, or nil
// when absent.
func (s *Scope) Hash() []byte { return cloneBytes(s.hash) }

// Export returns the classpath visible to descendants.
func (s *Scope) Export() wire.ClassPath { return s.export }

// IsRoot reports whether this scope is a tree root.
func (s *Scope) IsRoot() bool { return s.parent == nil }

// IsLocked reports whether this scope qualifies for the compact encoding:
// content hash present and export classpath empty.
func (s *Scope) IsLocked() bool {
	return len(s.hash) > 0 && len(s.export) == 0
}

// Equal reports structural equivalence: same name, classpaths, hash, and an
// equivalent parent chain. Locked and general construction of the same data
// compare equal.
func (s *Scope) Equal(other *Scope) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil {
		return false
	}
	if s.name != other.name {
		return false
	}
	if !s.local.Equal(other.local) || !s.export.Equal(other.export) {
		return false
	}
	if !bytes.Equal(s.hash, other.hash) {
		return false
	}
	return s.parent.Equal(other.parent)
}

// Path renders the scope chain from the root, e.g. "root/plugins/settings".
// Used in logs and problem traces.
func (s *Scope) Path() string {
	var parts []string
	for node := s; node != nil; node = node.parent {
		if node.IsRoot() {
			parts = append(parts, "root")
		} else {
			parts = append(parts, node.name)
		}
	}
	// Reverse into root-first order.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
