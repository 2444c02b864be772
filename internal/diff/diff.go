// Package diff computes merge-patches between profile documents.
package diff

import (
	"encoding/json"
	"reflect"
	"sort"
	"time"
)

// Document is a loosely typed profile document as stored by the backends.
type Document = map[string]any

// Set is a single leaf assignment of a merge-patch, addressed by path.
type Set struct {
	Path  []string
	Value any
}

// Diff returns the keys of next that are missing from prev or hold a
// different value. Nested maps are compared recursively and only non-empty
// sub-patches are kept. A non-map value on either side replaces the other.
func Diff(prev, next Document) Document {
	out := Document{}
	for key, nv := range next {
		pv, ok := prev[key]
		if !ok {
			out[key] = nv
			continue
		}
		pm, pok := asMap(pv)
		nm, nok := asMap(nv)
		if pok && nok {
			if sub := Diff(pm, nm); len(sub) > 0 {
				out[key] = sub
			}
			continue
		}
		if !Equal(pv, nv) {
			out[key] = nv
		}
	}
	return out
}

// Apply overlays patch onto a copy of doc. Keys absent from patch are kept.
func Apply(doc, patch Document) Document {
	out := clone(doc)
	for key, pv := range patch {
		pm, pok := asMap(pv)
		om, ook := asMap(out[key])
		if pok && ook {
			out[key] = Apply(om, pm)
			continue
		}
		out[key] = cloneValue(pv)
	}
	return out
}

// Sets flattens patch into leaf assignments against prev. It descends into a
// sub-patch only where prev already holds a map at that path, so every
// emitted path has an existing parent.
func Sets(prev, patch Document) []Set {
	return appendSets(nil, nil, prev, patch)
}

func appendSets(out []Set, prefix []string, prev, patch Document) []Set {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := append(append([]string{}, prefix...), k)
		pm, pok := asMap(patch[k])
		om, ook := asMap(prev[k])
		if pok && ook {
			out = appendSets(out, path, om, pm)
			continue
		}
		out = append(out, Set{Path: path, Value: patch[k]})
	}
	return out
}

// Equal reports whether two decoded document values are the same. Numbers
// compare by value regardless of Go type, and a time compares equal to its
// RFC 3339 rendering since JSON backends hand timestamps back as strings.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, ok := number(a); ok {
		bn, ok := number(b)
		return ok && an == bn
	}
	if at, ok := timestamp(a); ok {
		bt, ok := timestamp(b)
		return ok && at.Equal(bt)
	}
	if am, ok := asMap(a); ok {
		bm, ok := asMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}

	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if isList(av) && isList(bv) {
		if av.Len() != bv.Len() {
			return false
		}
		for i := 0; i < av.Len(); i++ {
			if !Equal(av.Index(i).Interface(), bv.Index(i).Interface()) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func isList(v reflect.Value) bool {
	return v.Kind() == reflect.Slice || v.Kind() == reflect.Array
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func timestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

// Clone deep-copies doc. Nested maps and lists are copied; leaves are shared.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	return clone(doc)
}

// CloneValue deep-copies a single document value.
func CloneValue(v any) any {
	return cloneValue(v)
}

func clone(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clone(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
