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

import "fmt"

// firstID is the origin of the identity id sequence. Ids are assigned in
// strictly increasing order starting here; id 0 never appears on the wire as
// an assigned identity.
const firstID uint64 = 1

// WriteIdentities maps object identity to a small integer id on the write
// side of a session.
//
// Description:
//
//	The table deduplicates repeated references within one stream: the first
//	occurrence of an object is assigned the next sequential id and encoded
//	in full, later occurrences encode only the id. The table is append-only
//	for the lifetime of one session or isolate; there is no removal.
//
//	This is not a general cache. The read side assigns ids positionally in
//	exactly the order the write side did, so both sides must traverse codecs
//	in the same order. Violating that ordering produces a decode that
//	silently returns the wrong object, not a detectable fault.
//
// Identity semantics: keys are compared with Go interface equality. Shared
// sub-objects must therefore be pointer-shaped (or otherwise comparable by
// identity) for deduplication to mean object identity.
//
// Thread Safety: NOT safe for concurrent use; one session owns the table.
type WriteIdentities struct {
	ids  map[any]uint64
	next uint64
}

// NewWriteIdentities creates an empty write-side table.
func NewWriteIdentities() *WriteIdentities {
	return &WriteIdentities{
		ids:  make(map[any]uint64),
		next: firstID,
	}
}

// GetID returns the id previously assigned to value, if any.
func (t *WriteIdentities) GetID(value any) (uint64, bool) {
	id, ok := t.ids[value]
	return id, ok
}

// PutInstance assigns the next sequential id to value and returns it.
//
// Calling PutInstance twice for the same value is a caller error; check
// GetID first.
func (t *WriteIdentities) PutInstance(value any) (uint64, error) {
	if id, ok := t.ids[value]; ok {
		return id, fmt.Errorf("%w: id %d", ErrDuplicateInstance, id)
	}
	id := t.next
	t.next++
	t.ids[value] = id
	return id, nil
}

// Len returns the number of assigned ids.
func (t *WriteIdentities) Len() int { return len(t.ids) }

// ReadIdentities maps integer ids back to reconstructed objects on the read
// side of a session. It mirrors WriteIdentities exactly; see that type for
// the positional-replay contract.
//
// Thread Safety: NOT safe for concurrent use.
type ReadIdentities struct {
	instances map[uint64]any
}

// NewReadIdentities creates an empty read-side table.
func NewReadIdentities() *ReadIdentities {
	return &ReadIdentities{instances: make(map[uint64]any)}
}

// GetInstance returns the object previously registered under id, if any.
func (t *ReadIdentities) GetInstance(id uint64) (any, bool) {
	v, ok := t.instances[id]
	return v, ok
}

// PutInstance registers the reconstructed object under id.
func (t *ReadIdentities) PutInstance(id uint64, value any) {
	t.instances[id] = value
}

// Len returns the number of registered instances.
func (t *ReadIdentities) Len() int { return len(t.instances) }
