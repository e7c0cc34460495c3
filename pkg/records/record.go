package records

import (
	"context"
	"fmt"
	"strconv"
)

// Collection names understood by the catalog.
const (
	Members  = "members"
	Visits   = "visits"
	Plans    = "plans"
	Coverage = "coverage"
)

// Record is one row of a collection.
type Record map[string]interface{}

// String returns a field rendered as a string, or "".
func (r Record) String(field string) string {
	return stringify(r[field])
}

// Float returns a numeric field, accepting numbers and numeric strings.
func (r Record) Float(field string) (float64, bool) {
	switch v := r[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Bool returns a boolean field.
func (r Record) Bool(field string) bool {
	switch v := r[field].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Source answers field lookups over one collection.
type Source interface {
	FindByField(ctx context.Context, field, value string) (Record, bool, error)
	FilterByField(ctx context.Context, field, value string) ([]Record, error)
}

// stringify renders scalar values the way they compare in lookups, so
// 500 and 500.0 both match "500".
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}
