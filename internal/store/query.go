package store

import (
	"reflect"
	"sort"
)

// Filter is an equality condition on one field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Where      []Filter
	OrderBy    string
	Desc       bool
	Limit      int
}

// Collection starts a query over every document of name.
func Collection(name string) Query {
	return Query{Collection: name}
}

// WhereEq narrows q to documents whose field equals v.
func (q Query) WhereEq(field string, v any) Query {
	where := make([]Filter, len(q.Where), len(q.Where)+1)
	copy(where, q.Where)
	q.Where = append(where, Filter{Field: field, Value: v})
	return q
}

// Ordered sorts results by field. Ties keep the backend's insertion order.
func (q Query) Ordered(field string, desc bool) Query {
	q.OrderBy = field
	q.Desc = desc
	return q
}

// Take limits the number of results; n <= 0 means no limit.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// Matches reports whether d satisfies q's filters.
func (q Query) Matches(d Doc) bool {
	if d.Path.Collection != q.Collection {
		return false
	}
	for _, f := range q.Where {
		want, err := Normalize(f.Value)
		if err != nil {
			return false
		}
		if f.Field == "id" {
			if d.Path.ID != want {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(d.Fields[f.Field], want) {
			return false
		}
	}
	return true
}

// Evaluate applies q to docs, which must be in insertion order.
func Evaluate(q Query, docs []Doc) []Doc {
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy])
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// compare orders missing < numbers < strings; mixed kinds of the same rank
// compare equal.
func compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	default:
		return 3
	}
}
