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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for codec dispatch.
var (
	codecLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stategraph_codec_lookups_total",
		Help: "Total codec lookups by resolution source",
	}, []string{"source"})

	codecLookupMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stategraph_codec_lookup_misses_total",
		Help: "Total codec lookups that matched no binding and no fallback",
	})
)

// Codec is a bidirectional per-type serialization strategy.
//
// A codec encodes a value by writing primitives through the context's wire
// writer and recursively delegating composite members back to the context
// (WriteValue / ReadValue), which routes them through the trampoline and the
// active isolate's identity table. The decode side must consume exactly the
// primitives the encode side produced, in the same order.
type Codec interface {
	Encode(ctx *WriteContext, value any) error
	Decode(ctx *ReadContext) (any, error)
}

// Binding pairs a type predicate with the codec serving matching types.
type Binding struct {
	// Match reports whether this binding serves t.
	Match func(t reflect.Type) bool

	// Codec is the strategy installed for matching types.
	Codec Codec
}

// BindType is a convenience constructor for a binding that matches one
// exact type.
func BindType(t reflect.Type, codec Codec) Binding {
	return Binding{
		Match: func(candidate reflect.Type) bool { return candidate == t },
		Codec: codec,
	}
}

// Registry memoizes per-type codec lookup for the lifetime of one session.
//
// Description:
//
//	Lookup walks the binding list in order on first request for a type and
//	caches the winner; subsequent requests for the same type hit the cache.
//	Types matching no binding resolve to the fallback codec (typically the
//	reflection-driven bean codec). Entries are never evicted.
//
// Thread Safety: Safe for concurrent use; sessions sharing a registry only
// ever add entries.
type Registry struct {
	mu       sync.RWMutex
	bindings []Binding
	fallback Codec
	byType   map[reflect.Type]Codec
}

// NewRegistry creates a registry over the given bindings.
//
// Inputs:
//   - bindings: Ordered binding list; earlier bindings win.
//   - fallback: Codec for types matching no binding. May be nil, in which
//     case unmatched lookups fail with ErrNoCodec.
func NewRegistry(bindings []Binding, fallback Codec) *Registry {
	return &Registry{
		bindings: bindings,
		fallback: fallback,
		byType:   make(map[reflect.Type]Codec),
	}
}

// CodecFor returns the codec serving t.
func (r *Registry) CodecFor(t reflect.Type) (Codec, error) {
	r.mu.RLock()
	codec, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		codecLookups.WithLabelValues("memoized").Inc()
		return codec, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if codec, ok := r.byType[t]; ok {
		codecLookups.WithLabelValues("memoized").Inc()
		return codec, nil
	}
	for _, binding := range r.bindings {
		if binding.Match(t) {
			r.byType[t] = binding.Codec
			codecLookups.WithLabelValues("binding").Inc()
			return binding.Codec, nil
		}
	}
	if r.fallback != nil {
		r.byType[t] = r.fallback
		codecLookups.WithLabelValues("fallback").Inc()
		return r.fallback, nil
	}
	codecLookupMisses.Inc()
	return nil, fmt.Errorf("%w: %s", ErrNoCodec, t)
}
