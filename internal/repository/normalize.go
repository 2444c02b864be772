package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/blockedby/chatlog/internal/diff"
)

// decodeDocument parses a JSON profile document, keeping integers as int64.
func decodeDocument(data []byte) (diff.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return normalize(raw).(map[string]any), nil
}

// normalize converts decoded JSON or BSON values into the plain Go shapes
// the diff engine compares: maps, []any, int64, float64, time.Time, string.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case bson.M:
		return normalize(map[string]any(t))
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case bson.A:
		return normalize([]any(t))
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case bson.DateTime:
		return t.Time().UTC()
	}
	return v
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// dotted joins a document path for backends that address nested fields
// with dots.
func dotted(path []string) string {
	return strings.Join(path, ".")
}
