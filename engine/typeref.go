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
	"fmt"
	"reflect"
	"sync"

	"github.com/AleutianAI/stategraph/scopes"
)

// ScopeLookup resolves the module scope a type belongs to while writing.
//
// An injected collaborator, not part of the engine: the surrounding layer
// knows which scope loaded each type. Types with no scope (ok == false)
// resolve against the ambient environment at read time.
type ScopeLookup interface {
	// ScopeFor returns the scope t was loaded in and whether t resolves
	// from the scope's local classpath (true) or its export classpath
	// (false). ok is false when t has no associated scope.
	ScopeFor(t reflect.Type) (scope *scopes.Scope, local bool, ok bool)
}

// TypeResolver resolves a persisted type reference back to a runtime type
// while reading.
//
// A nil scope means the reference had no scope and must resolve against the
// ambient environment. Resolution failure is structural for the session;
// implementations should wrap ErrUnresolvableType.
type TypeResolver interface {
	Resolve(name string, scope *scopes.Scope, local bool) (reflect.Type, error)
}

// TypeName returns the qualified name persisted for t.
//
// Named types use "pkgpath.Name"; unnamed types (slices, maps, pointers)
// use reflect's type string, which is stable for a fixed codebase.
func TypeName(t reflect.Type) string {
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

type scopedKey struct {
	scopePath string
	local     bool
	name      string
}

type scopeEntry struct {
	scope *scopes.Scope
	local bool
}

// TypeRegistry is the default code-loading environment: an explicit mapping
// between qualified type names and runtime types, with optional per-scope
// registrations.
//
// Description:
//
//	Go has no classloader hierarchy, so the environment a snapshot's type
//	references resolve against is an explicit registry the caller
//	assembles. Ambient registrations serve scope-less references; scoped
//	registrations bind a (scope path, locality, name) triple so that a
//	type persisted as local to "root/plugins" resolves through exactly
//	that scope on read. Scoped lookups that miss fall back to the ambient
//	set.
//
//	TypeRegistry implements both collaborator interfaces: ScopeLookup for
//	write sessions and TypeResolver for read sessions.
//
// Thread Safety: Safe for concurrent use.
type TypeRegistry struct {
	mu      sync.RWMutex
	ambient map[string]reflect.Type
	scoped  map[scopedKey]reflect.Type
	byType  map[reflect.Type]scopeEntry
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		ambient: make(map[string]reflect.Type),
		scoped:  make(map[scopedKey]reflect.Type),
		byType:  make(map[reflect.Type]scopeEntry),
	}
}

// Register adds t to the ambient environment under TypeName(t).
func (r *TypeRegistry) Register(t reflect.Type) {
	r.RegisterName(TypeName(t), t)
}

// RegisterName adds t to the ambient environment under an explicit name.
func (r *TypeRegistry) RegisterName(name string, t reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ambient[name] = t
}

// RegisterScoped binds t to a scope with the given locality, under
// TypeName(t). A write session will persist the scope with the type
// reference; a read session resolves through an equivalent scope.
func (r *TypeRegistry) RegisterScoped(scope *scopes.Scope, local bool, t reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := scopedKey{scopePath: scope.Path(), local: local, name: TypeName(t)}
	r.scoped[key] = t
	r.byType[t] = scopeEntry{scope: scope, local: local}
}

// ScopeFor implements ScopeLookup.
func (r *TypeRegistry) ScopeFor(t reflect.Type) (*scopes.Scope, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byType[t]
	if !ok {
		return nil, false, false
	}
	return entry.scope, entry.local, true
}

// Resolve implements TypeResolver.
//
// Scope matching uses the scope's path: the scope handed in by a read
// session is a freshly reconstructed node, equivalent to but not identical
// with the one registered at write time.
func (r *TypeRegistry) Resolve(name string, scope *scopes.Scope, local bool) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if scope != nil {
		key := scopedKey{scopePath: scope.Path(), local: local, name: name}
		if t, ok := r.scoped[key]; ok {
			return t, nil
		}
	}
	if t, ok := r.ambient[name]; ok {
		return t, nil
	}
	if scope != nil {
		return nil, fmt.Errorf("%w: %q in scope %s", ErrUnresolvableType, name, scope.Path())
	}
	return nil, fmt.Errorf("%w: %q", ErrUnresolvableType, name)
}

// Ensure TypeRegistry satisfies both collaborator interfaces.
var (
	_ ScopeLookup  = (*TypeRegistry)(nil)
	_ TypeResolver = (*TypeRegistry)(nil)
)
