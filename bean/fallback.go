// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bean

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/AleutianAI/stategraph/engine"
)

// Factory is the instantiation strategy used when reconstructing struct
// instances. New returns a pointer to a fresh instance of t.
type Factory interface {
	New(t reflect.Type) (reflect.Value, error)
}

// ZeroFactory constructs zero-valued instances via reflect.New.
type ZeroFactory struct{}

// New returns a pointer to a zero value of t.
func (ZeroFactory) New(t reflect.Type) (reflect.Value, error) {
	if t.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("factory supports struct types, got %s", t)
	}
	return reflect.New(t), nil
}

// FallbackCodec is the generic reflection-driven strategy used for struct
// types that have no custom codec registered.
//
// Description:
//
//	Encode enumerates the struct's exported fields and writes each as a
//	(name, value) pair recursively through the engine; unexported fields
//	are skipped. Decode is two-phase so cyclic back-references resolve:
//	the instance is constructed first (and registered by the dispatch
//	codec under its identity id), then fields are reassigned by name.
//	Persisted field names with no matching field on the reconstructed
//	type, and values that cannot be assigned, are reported to the problem
//	sink and skipped; the value bytes are always consumed so the stream
//	stays positional.
//
//	The codec is stateless and safe to share across sessions.
type FallbackCodec struct {
	factory Factory
}

// NewFallbackCodec creates a fallback codec with the given instantiation
// strategy. A nil factory uses ZeroFactory.
func NewFallbackCodec(factory Factory) *FallbackCodec {
	if factory == nil {
		factory = ZeroFactory{}
	}
	return &FallbackCodec{factory: factory}
}

// Encode implements engine.Codec. value may be a struct or a pointer to
// one.
func (c *FallbackCodec) Encode(ctx *engine.WriteContext, value any) error {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("fallback codec expects a struct, got %s", v.Kind())
	}

	fields := exportedFields(v.Type())
	if err := ctx.Writer().WriteSmallInt(uint64(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		if err := ctx.Writer().WriteString(f.Name); err != nil {
			return err
		}
		ctx.EnterProperty(f.Name)
		err := ctx.WriteValue(v.FieldByIndex(f.Index).Interface())
		ctx.LeaveTrace()
		if err != nil {
			return err
		}
	}
	return nil
}

// Decode implements engine.Codec. The fallback codec cannot decode without
// knowing the target type; decoding flows through DispatchCodec, which
// reads the type reference and drives newInstance/fill.
func (c *FallbackCodec) Decode(ctx *engine.ReadContext) (any, error) {
	return nil, errors.New("fallback codec decodes through the dispatch codec")
}

// newInstance constructs a fresh instance of t. A construction failure is
// a recoverable per-value problem: it is reported and an invalid Value is
// returned, and the caller must discard the payload.
func (c *FallbackCodec) newInstance(ctx *engine.ReadContext, t reflect.Type) (reflect.Value, error) {
	ptr, err := c.factory.New(t)
	if err != nil {
		ctx.ReportProblem(fmt.Sprintf("cannot construct instance of %s", t), err)
		return reflect.Value{}, nil
	}
	return ptr, nil
}

// decodeInto constructs and fills an instance of t in one step, for
// by-value struct payloads (no identity registration needed).
func (c *FallbackCodec) decodeInto(ctx *engine.ReadContext, t reflect.Type) (reflect.Value, error) {
	ptr, err := c.newInstance(ctx, t)
	if err != nil {
		return reflect.Value{}, err
	}
	if !ptr.IsValid() {
		if err := c.discardFields(ctx); err != nil {
			return reflect.Value{}, err
		}
		return reflect.Value{}, nil
	}
	if err := c.fill(ctx, ptr); err != nil {
		return reflect.Value{}, err
	}
	return ptr, nil
}

// fill reassigns the persisted (name, value) pairs onto the instance.
func (c *FallbackCodec) fill(ctx *engine.ReadContext, ptr reflect.Value) error {
	elem := ptr.Elem()
	n, err := ctx.Reader().ReadSmallInt()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		name, err := ctx.Reader().ReadString()
		if err != nil {
			return err
		}
		ctx.EnterProperty(name)
		value, err := ctx.ReadValue()
		if err != nil {
			ctx.LeaveTrace()
			return err
		}
		field := elem.FieldByName(name)
		switch {
		case !field.IsValid() || !field.CanSet():
			ctx.ReportProblem(
				fmt.Sprintf("type %s has no settable property %q", elem.Type(), name),
				nil,
			)
		case value == nil:
			// Placeholder or nil; leave the zero value.
		default:
			if err := assignValue(field, value); err != nil {
				ctx.ReportProblem(
					fmt.Sprintf("cannot assign property %q of %s", name, elem.Type()),
					err,
				)
			}
		}
		ctx.LeaveTrace()
	}
	return nil
}

// discardFields consumes a field payload whose instance could not be
// constructed, keeping the stream positional.
func (c *FallbackCodec) discardFields(ctx *engine.ReadContext) error {
	n, err := ctx.Reader().ReadSmallInt()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		if _, err := ctx.Reader().ReadString(); err != nil {
			return err
		}
		if _, err := ctx.ReadValue(); err != nil {
			return err
		}
	}
	return nil
}

// structField is one exported field of a struct type.
type structField struct {
	Name  string
	Index []int
}

func exportedFields(t reflect.Type) []structField {
	fields := make([]structField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fields = append(fields, structField{Name: f.Name, Index: f.Index})
	}
	return fields
}

// assignValue sets a decoded value onto a struct field, converting decoded
// shapes (int64, uint64, float64, []any, map[string]any) onto the field's
// static type where the conversion is lossless in kind.
func assignValue(field reflect.Value, value any) error {
	v := reflect.ValueOf(value)
	t := field.Type()

	if v.Type().AssignableTo(t) {
		field.Set(v)
		return nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String, reflect.Bool:
		if v.Type().ConvertibleTo(t) {
			field.Set(v.Convert(t))
			return nil
		}

	case reflect.Slice:
		if elems, ok := value.([]any); ok {
			out := reflect.MakeSlice(t, len(elems), len(elems))
			for i, e := range elems {
				if e == nil {
					continue
				}
				if err := assignValue(out.Index(i), e); err != nil {
					return fmt.Errorf("element %d: %w", i, err)
				}
			}
			field.Set(out)
			return nil
		}

	case reflect.Map:
		if entries, ok := value.(map[string]any); ok && t.Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(t, len(entries))
			for k, e := range entries {
				ev := reflect.New(t.Elem()).Elem()
				if e != nil {
					if err := assignValue(ev, e); err != nil {
						return fmt.Errorf("key %q: %w", k, err)
					}
				}
				out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), ev)
			}
			field.Set(out)
			return nil
		}

	case reflect.Pointer:
		// Non-struct pointers persist as their pointee; reallocate and
		// assign through.
		ev := reflect.New(t.Elem())
		if err := assignValue(ev.Elem(), value); err != nil {
			return err
		}
		field.Set(ev)
		return nil

	case reflect.Interface:
		if t.NumMethod() == 0 {
			field.Set(v)
			return nil
		}
		if v.Type().Implements(t) {
			field.Set(v)
			return nil
		}
	}

	return fmt.Errorf("value of type %T does not fit field type %s", value, t)
}

var _ engine.Codec = (*FallbackCodec)(nil)
