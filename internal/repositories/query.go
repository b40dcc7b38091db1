package repositories

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/prudhvinik1/livesync/internal/models"
)

// ValidateQuery checks the structural shape of a query. It does not check
// that the referenced fields exist.
func ValidateQuery(collection string, q models.Query) error {
	if strings.TrimSpace(collection) == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidQuery)
	}
	for _, f := range q.Filters {
		if strings.TrimSpace(f.Field) == "" {
			return fmt.Errorf("%w: filter field is required", ErrInvalidQuery)
		}
		if !f.Op.Valid() {
			return fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, f.Op)
		}
		if f.Op == models.OpIn {
			if v := reflect.ValueOf(f.Value); !v.IsValid() || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) {
				return fmt.Errorf("%w: %q filter on %s needs a list value", ErrInvalidQuery, f.Op, f.Field)
			}
		}
	}
	for _, o := range q.OrderBy {
		if strings.TrimSpace(o.Field) == "" {
			return fmt.Errorf("%w: order field is required", ErrInvalidQuery)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	return nil
}

// applyQuery filters, orders and limits docs in place of a database engine.
func applyQuery(docs []*models.Document, q models.Query) []*models.Document {
	out := make([]*models.Document, 0, len(docs))
	for _, doc := range docs {
		if matches(doc, q.Filters) {
			out = append(out, doc)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.OrderBy {
			c, _ := compareValues(out[i].Data[o.Field], out[j].Data[o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matches(doc *models.Document, filters []models.Filter) bool {
	for _, f := range filters {
		if !matchFilter(doc.Data[f.Field], f) {
			return false
		}
	}
	return true
}

func matchFilter(actual any, f models.Filter) bool {
	switch f.Op {
	case models.OpEqual:
		return equalValues(actual, f.Value)
	case models.OpNotEqual:
		return !equalValues(actual, f.Value)
	case models.OpIn:
		for _, candidate := range toSlice(f.Value) {
			if equalValues(actual, candidate) {
				return true
			}
		}
		return false
	case models.OpArrayContains:
		for _, item := range toSlice(actual) {
			if equalValues(item, f.Value) {
				return true
			}
		}
		return false
	}

	c, ok := compareValues(actual, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case models.OpLess:
		return c < 0
	case models.OpLessEqual:
		return c <= 0
	case models.OpGreater:
		return c > 0
	case models.OpGreaterEqual:
		return c >= 0
	}
	return false
}

func equalValues(a, b any) bool {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && an == bn
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// compareValues orders two scalar values. ok is false when the values are
// of different kinds and cannot be ordered against each other.
func compareValues(a, b any) (int, bool) {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
		return -1, true
	}
	return 0, false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case time.Time:
		return float64(models.ToMillis(n)), true
	}
	return 0, false
}

func toSlice(v any) []any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range rv.Len() {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// normalize converts typed slices and maps into their decoded-JSON shape so
// DeepEqual treats []string{"a"} and []any{"a"} alike.
func normalize(v any) any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = normalize(iter.Value().Interface())
		}
		return out
	}
	if n, ok := toNumber(v); ok {
		return n
	}
	return v
}
