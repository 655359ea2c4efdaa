// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bean provides the base codec set for the serialization engine:
// a tag-dispatched codec covering scalars, slices, maps, and struct values,
// plus the reflection-driven fallback codec used for types without a
// custom strategy.
//
// # Value Grammar
//
// Every value starts with a SmallInt tag identifying its kind. Scalars are
// self-contained; composites recurse through the engine context so nested
// values flow through the trampoline and the identity tables. Pointers to
// structs are identity-deduplicated per isolate: the first occurrence
// writes id, type reference, and payload; later occurrences write only the
// id. Non-struct pointers persist as their pointee and come back as a
// fresh allocation, so aliasing between them is not preserved.
//
// # Failure Policy
//
// An unsupported value never tears the stream: the dispatch codec reports
// a problem with the current property trace and writes a nil placeholder
// instead, so sibling values round-trip. Errors returned from Encode and
// Decode are structural (stream corruption, unresolvable types, identity
// misuse), never per-value.
package bean

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/AleutianAI/stategraph/engine"
	"github.com/AleutianAI/stategraph/wire"
)

// Value tags. Wire-stable: reordering breaks every existing snapshot.
const (
	tagNil uint64 = iota
	tagBool
	tagString
	tagInt
	tagUint
	tagFloat
	tagBytes
	tagSlice
	tagMap
	tagStruct
	tagRef
)

// DispatchCodec is the root codec of a standard session: it classifies a
// value by reflection and either encodes it inline (scalars, composites)
// or hands it to the per-type codec registry (struct payloads).
type DispatchCodec struct {
	registry *engine.Registry
	factory  Factory
}

// NewDispatchCodec creates a dispatch codec over the given registry.
//
// Inputs:
//   - registry: Per-type codec registry consulted for struct payloads.
//   - factory: Instantiation strategy for reconstructed structs. A nil
//     factory uses ZeroFactory.
func NewDispatchCodec(registry *engine.Registry, factory Factory) *DispatchCodec {
	if factory == nil {
		factory = ZeroFactory{}
	}
	return &DispatchCodec{registry: registry, factory: factory}
}

// NewStandardCodec creates a dispatch codec with no custom bindings and the
// reflection fallback serving every struct type.
func NewStandardCodec() *DispatchCodec {
	fallback := NewFallbackCodec(ZeroFactory{})
	return NewDispatchCodec(engine.NewRegistry(nil, fallback), ZeroFactory{})
}

// Encode implements engine.Codec.
func (d *DispatchCodec) Encode(ctx *engine.WriteContext, value any) error {
	w := ctx.Writer()
	if value == nil {
		return w.WriteSmallInt(tagNil)
	}

	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Bool:
		if err := w.WriteSmallInt(tagBool); err != nil {
			return err
		}
		return w.WriteBool(v.Bool())

	case reflect.String:
		if err := w.WriteSmallInt(tagString); err != nil {
			return err
		}
		return w.WriteString(v.String())

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if err := w.WriteSmallInt(tagInt); err != nil {
			return err
		}
		return w.WriteSmallInt(zigzag(v.Int()))

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if err := w.WriteSmallInt(tagUint); err != nil {
			return err
		}
		return w.WriteSmallInt(v.Uint())

	case reflect.Float32, reflect.Float64:
		if err := w.WriteSmallInt(tagFloat); err != nil {
			return err
		}
		return w.WriteSmallInt(math.Float64bits(v.Float()))

	case reflect.Slice:
		if v.IsNil() {
			return w.WriteSmallInt(tagNil)
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			if err := w.WriteSmallInt(tagBytes); err != nil {
				return err
			}
			return w.WriteBinary(v.Bytes())
		}
		return d.encodeSlice(ctx, v)

	case reflect.Map:
		if v.IsNil() {
			return w.WriteSmallInt(tagNil)
		}
		return d.encodeMap(ctx, v)

	case reflect.Struct:
		return d.encodeStruct(ctx, v)

	case reflect.Pointer:
		if v.IsNil() {
			return w.WriteSmallInt(tagNil)
		}
		if v.Elem().Kind() == reflect.Struct {
			return d.encodeRef(ctx, v)
		}
		// Non-struct pointers carry no identity contract worth persisting;
		// encode the pointee.
		return d.Encode(ctx, v.Elem().Interface())

	default:
		ctx.ReportProblem(
			fmt.Sprintf("cannot serialize value of type %s", v.Type()),
			nil,
		)
		return w.WriteSmallInt(tagNil)
	}
}

func (d *DispatchCodec) encodeSlice(ctx *engine.WriteContext, v reflect.Value) error {
	w := ctx.Writer()
	if err := w.WriteSmallInt(tagSlice); err != nil {
		return err
	}
	n := v.Len()
	if err := w.WriteSmallInt(uint64(n)); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		ctx.EnterIndex(i)
		err := ctx.WriteValue(v.Index(i).Interface())
		ctx.LeaveTrace()
		if err != nil {
			return err
		}
	}
	return nil
}

// encodeMap writes string-keyed maps with keys in sorted order so the
// stream is deterministic for a fixed graph. Non-string keys are a
// per-value problem.
func (d *DispatchCodec) encodeMap(ctx *engine.WriteContext, v reflect.Value) error {
	w := ctx.Writer()
	if v.Type().Key().Kind() != reflect.String {
		ctx.ReportProblem(
			fmt.Sprintf("cannot serialize map with %s keys", v.Type().Key()),
			nil,
		)
		return w.WriteSmallInt(tagNil)
	}
	if err := w.WriteSmallInt(tagMap); err != nil {
		return err
	}
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	if err := w.WriteSmallInt(uint64(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := w.WriteString(k); err != nil {
			return err
		}
		ctx.EnterProperty(k)
		err := ctx.WriteValue(v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key())).Interface())
		ctx.LeaveTrace()
		if err != nil {
			return err
		}
	}
	return nil
}

// encodeStruct writes a by-value struct: type reference then payload via
// the registered codec. No identity id; by-value structs are copies.
func (d *DispatchCodec) encodeStruct(ctx *engine.WriteContext, v reflect.Value) error {
	w := ctx.Writer()
	if err := w.WriteSmallInt(tagStruct); err != nil {
		return err
	}
	if err := ctx.WriteTypeRef(v.Type()); err != nil {
		return err
	}
	codec, err := d.registry.CodecFor(v.Type())
	if err != nil {
		return err
	}
	return codec.Encode(ctx, v.Interface())
}

// encodeRef writes a pointer-to-struct with per-isolate identity dedup:
// the full payload exactly once, a back-reference id afterwards.
func (d *DispatchCodec) encodeRef(ctx *engine.WriteContext, v reflect.Value) error {
	w := ctx.Writer()
	iso, err := ctx.Isolate()
	if err != nil {
		return err
	}
	if err := w.WriteSmallInt(tagRef); err != nil {
		return err
	}
	if id, ok := iso.Identities.GetID(v.Interface()); ok {
		return w.WriteSmallInt(id)
	}
	id, err := iso.Identities.PutInstance(v.Interface())
	if err != nil {
		return err
	}
	if err := w.WriteSmallInt(id); err != nil {
		return err
	}
	elem := v.Elem().Type()
	if err := ctx.WriteTypeRef(elem); err != nil {
		return err
	}
	codec, err := d.registry.CodecFor(elem)
	if err != nil {
		return err
	}
	return codec.Encode(ctx, v.Interface())
}

// Decode implements engine.Codec.
func (d *DispatchCodec) Decode(ctx *engine.ReadContext) (any, error) {
	r := ctx.Reader()
	tag, err := r.ReadSmallInt()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNil:
		return nil, nil

	case tagBool:
		return r.ReadBool()

	case tagString:
		return r.ReadString()

	case tagInt:
		u, err := r.ReadSmallInt()
		if err != nil {
			return nil, err
		}
		return unzigzag(u), nil

	case tagUint:
		return r.ReadSmallInt()

	case tagFloat:
		bits, err := r.ReadSmallInt()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(bits), nil

	case tagBytes:
		return r.ReadBinary()

	case tagSlice:
		return d.decodeSlice(ctx)

	case tagMap:
		return d.decodeMap(ctx)

	case tagStruct:
		return d.decodeStruct(ctx)

	case tagRef:
		return d.decodeRef(ctx)

	default:
		return nil, fmt.Errorf("%w: value tag %d", wire.ErrCorruptStream, tag)
	}
}

// maxCountHint caps composite pre-allocation. A declared count passes the
// corruption bound long before the elements are proven to exist, so capacity
// beyond this grows by append as elements actually decode.
const maxCountHint = 4096

func (d *DispatchCodec) decodeSlice(ctx *engine.ReadContext) (any, error) {
	n, err := ctx.Reader().ReadLength("slice element")
	if err != nil {
		return nil, err
	}
	hint := n
	if hint > maxCountHint {
		hint = maxCountHint
	}
	out := make([]any, 0, hint)
	for i := uint64(0); i < n; i++ {
		ctx.EnterIndex(int(i))
		v, err := ctx.ReadValue()
		ctx.LeaveTrace()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *DispatchCodec) decodeMap(ctx *engine.ReadContext) (any, error) {
	r := ctx.Reader()
	n, err := r.ReadLength("map entry")
	if err != nil {
		return nil, err
	}
	hint := n
	if hint > maxCountHint {
		hint = maxCountHint
	}
	out := make(map[string]any, hint)
	for i := uint64(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		ctx.EnterProperty(k)
		v, err := ctx.ReadValue()
		ctx.LeaveTrace()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (d *DispatchCodec) decodeStruct(ctx *engine.ReadContext) (any, error) {
	t, err := ctx.ReadTypeRef()
	if err != nil {
		return nil, err
	}
	codec, err := d.registry.CodecFor(t)
	if err != nil {
		return nil, err
	}
	if fallback, ok := codec.(*FallbackCodec); ok {
		ptr, err := fallback.decodeInto(ctx, t)
		if err != nil {
			return nil, err
		}
		if !ptr.IsValid() {
			return nil, nil
		}
		return ptr.Elem().Interface(), nil
	}
	return codec.Decode(ctx)
}

func (d *DispatchCodec) decodeRef(ctx *engine.ReadContext) (any, error) {
	r := ctx.Reader()
	iso, err := ctx.Isolate()
	if err != nil {
		return nil, err
	}
	id, err := r.ReadSmallInt()
	if err != nil {
		return nil, err
	}
	if instance, ok := iso.Identities.GetInstance(id); ok {
		return instance, nil
	}
	t, err := ctx.ReadTypeRef()
	if err != nil {
		return nil, err
	}
	codec, err := d.registry.CodecFor(t)
	if err != nil {
		return nil, err
	}
	if fallback, ok := codec.(*FallbackCodec); ok {
		// Two-phase reconstruction: register the instance before filling
		// its fields so cyclic back-references resolve to it.
		ptr, err := fallback.newInstance(ctx, t)
		if err != nil {
			return nil, err
		}
		if !ptr.IsValid() {
			// Construction failed and was reported; consume the payload to
			// stay positional and substitute nil.
			iso.Identities.PutInstance(id, nil)
			if err := fallback.discardFields(ctx); err != nil {
				return nil, err
			}
			return nil, nil
		}
		iso.Identities.PutInstance(id, ptr.Interface())
		if err := fallback.fill(ctx, ptr); err != nil {
			return nil, err
		}
		return ptr.Interface(), nil
	}
	// Custom codecs reconstruct in one step; cycles through them resolve
	// only after the payload completes.
	instance, err := codec.Decode(ctx)
	if err != nil {
		return nil, err
	}
	iso.Identities.PutInstance(id, instance)
	return instance, nil
}

// zigzag maps signed integers onto unsigned varint space.
func zigzag(i int64) uint64 {
	return uint64((i << 1) ^ (i >> 63))
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

var _ engine.Codec = (*DispatchCodec)(nil)
