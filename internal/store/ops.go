package store

import (
	"encoding/json"
	"fmt"
	"reflect"
)

type arrayUnion struct{ values []any }
type arrayRemove struct{ values []any }
type serverTimestamp struct{}

// ArrayUnion adds each value to an array field unless already present.
// Applying it twice has the same effect as applying it once.
func ArrayUnion(values ...any) any { return arrayUnion{values: values} }

// ArrayRemove removes every occurrence of each value from an array field.
func ArrayRemove(values ...any) any { return arrayRemove{values: values} }

// ServerTimestamp is replaced by the store's clock (Unix milliseconds) when
// the write is applied.
func ServerTimestamp() any { return serverTimestamp{} }

// Normalize converts v to the JSON shape stored documents use.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	return out, nil
}

// Apply merges update into a copy of base, resolving sentinel values.
// nowMillis is used for ServerTimestamp. base is not modified.
func Apply(base, update Fields, nowMillis int64) (Fields, error) {
	out := make(Fields, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		switch op := v.(type) {
		case serverTimestamp:
			out[k] = float64(nowMillis)
		case arrayUnion:
			cur := asSlice(out[k])
			for _, raw := range op.values {
				nv, err := Normalize(raw)
				if err != nil {
					return nil, err
				}
				if !contains(cur, nv) {
					cur = append(cur, nv)
				}
			}
			out[k] = cur
		case arrayRemove:
			cur := asSlice(out[k])
			kept := make([]any, 0, len(cur))
			for _, existing := range cur {
				drop := false
				for _, raw := range op.values {
					nv, err := Normalize(raw)
					if err != nil {
						return nil, err
					}
					if reflect.DeepEqual(existing, nv) {
						drop = true
						break
					}
				}
				if !drop {
					kept = append(kept, existing)
				}
			}
			out[k] = kept
		default:
			nv, err := Normalize(v)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
	}
	return out, nil
}

// Clone returns a deep copy of f in normalized form.
func Clone(f Fields) Fields {
	if f == nil {
		return Fields{}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return Fields{}
	}
	var out Fields
	if err := json.Unmarshal(b, &out); err != nil {
		return Fields{}
	}
	return out
}

func asSlice(v any) []any {
	s, ok := v.([]any)
	if !ok {
		return []any{}
	}
	cp := make([]any, len(s))
	copy(cp, s)
	return cp
}

func contains(s []any, v any) bool {
	for _, e := range s {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}
