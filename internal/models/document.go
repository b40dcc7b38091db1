package models

import (
	"encoding/json"
	"time"
)

// Document is a single record in a collection of the remote document store.
// Timestamps stored inside Data are Unix milliseconds so that range filters
// and ordering compare numerically in every backend.
type Document struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers never share a Data map with the store.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Data = CloneData(d.Data)
	return &out
}

// CloneData deep-copies a document body through a JSON round trip.
// Numbers come back as float64, which every comparison helper accepts.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		out := make(map[string]any, len(data))
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

type FilterOp string

const (
	OpEqual         FilterOp = "=="
	OpNotEqual      FilterOp = "!="
	OpLess          FilterOp = "<"
	OpLessEqual     FilterOp = "<="
	OpGreater       FilterOp = ">"
	OpGreaterEqual  FilterOp = ">="
	OpIn            FilterOp = "in"
	OpArrayContains FilterOp = "array-contains"
)

// Valid reports whether the operator is one the store can index.
func (op FilterOp) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpIn, OpArrayContains:
		return true
	}
	return false
}

type Filter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value"`
}

type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query describes the shape of a collection query: filters, ordering and limit.
type Query struct {
	Filters []Filter `json:"filters,omitempty"`
	OrderBy []Order  `json:"order_by,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Where returns a copy of q with an extra filter.
func (q Query) Where(field string, op FilterOp, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Order returns a copy of q with an extra ordering clause.
func (q Query) Order(field string, desc bool) Query {
	q.OrderBy = append(append([]Order(nil), q.OrderBy...), Order{Field: field, Desc: desc})
	return q
}

// WithLimit returns a copy of q limited to n results.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

type WriteKind string

const (
	// WriteSet replaces the whole document, creating it if needed.
	WriteSet WriteKind = "set"
	// WriteUpdate merges top-level fields into an existing document.
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// WriteOp is one operation of an all-or-nothing batch.
type WriteOp struct {
	Kind       WriteKind      `json:"kind"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data,omitempty"`
}

// ToMillis converts t to the representation stored inside document bodies.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis reads a millisecond timestamp out of a decoded document value.
func FromMillis(v any) time.Time {
	var ms int64
	switch n := v.(type) {
	case int64:
		ms = n
	case int:
		ms = int64(n)
	case float64:
		ms = int64(n)
	case json.Number:
		ms, _ = n.Int64()
	default:
		return time.Time{}
	}
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
