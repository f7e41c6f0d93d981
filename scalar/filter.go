// Package scalar provides structured boolean filters over an entity's
// scalar fields. Expression-string parsing is owned by the client layer;
// the search core only consumes the structured form.
package scalar

import (
	"fmt"
	"strings"
)

// Operator represents a comparison operator for filtering.
type Operator string

const (
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "ne"
	OpGreaterThan  Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLessThan     Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpIn           Operator = "in"
	OpContains     Operator = "contains"
)

// Condition is a single filter condition on one field.
type Condition struct {
	Field    string
	Operator Operator
	// Value is the comparison operand. For OpIn it is a []any list.
	Value any
}

// FilterSet is a conjunction of conditions (AND logic).
type FilterSet struct {
	Conditions []Condition
}

// NewFilterSet creates a filter set from conditions.
func NewFilterSet(conds ...Condition) *FilterSet {
	return &FilterSet{Conditions: conds}
}

// Eq builds an equality condition.
func Eq(field string, v any) Condition {
	return Condition{Field: field, Operator: OpEqual, Value: Normalize(v)}
}

// Ne builds an inequality condition.
func Ne(field string, v any) Condition {
	return Condition{Field: field, Operator: OpNotEqual, Value: Normalize(v)}
}

// Gt builds a greater-than condition.
func Gt(field string, v any) Condition {
	return Condition{Field: field, Operator: OpGreaterThan, Value: Normalize(v)}
}

// Gte builds a greater-or-equal condition.
func Gte(field string, v any) Condition {
	return Condition{Field: field, Operator: OpGreaterEqual, Value: Normalize(v)}
}

// Lt builds a less-than condition.
func Lt(field string, v any) Condition {
	return Condition{Field: field, Operator: OpLessThan, Value: Normalize(v)}
}

// Lte builds a less-or-equal condition.
func Lte(field string, v any) Condition {
	return Condition{Field: field, Operator: OpLessEqual, Value: Normalize(v)}
}

// In builds a membership condition. Duplicate values are allowed and do
// not change matching semantics.
func In(field string, values ...any) Condition {
	norm := make([]any, len(values))
	for i, v := range values {
		norm[i] = Normalize(v)
	}
	return Condition{Field: field, Operator: OpIn, Value: norm}
}

// Contains builds a substring condition on string fields.
func Contains(field string, sub string) Condition {
	return Condition{Field: field, Operator: OpContains, Value: sub}
}

// Normalize maps ingested values onto the canonical comparison domain:
// signed integers to int64, floats to float64, everything else as-is.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

// Fields returns the distinct field names referenced by the set, for
// request validation.
func (fs *FilterSet) Fields() []string {
	seen := make(map[string]struct{}, len(fs.Conditions))
	var out []string
	for _, c := range fs.Conditions {
		if _, ok := seen[c.Field]; ok {
			continue
		}
		seen[c.Field] = struct{}{}
		out = append(out, c.Field)
	}
	return out
}

// Matches checks the conjunction against a row's scalar fields.
// A condition on a missing field never matches.
func (fs *FilterSet) Matches(fields map[string]any) bool {
	if fs == nil {
		return true
	}
	for _, c := range fs.Conditions {
		if !c.Matches(fields) {
			return false
		}
	}
	return true
}

// Matches checks a single condition against a row's scalar fields.
func (c Condition) Matches(fields map[string]any) bool {
	value, ok := fields[c.Field]
	if !ok {
		return false
	}
	value = Normalize(value)

	switch c.Operator {
	case OpEqual:
		return compareEqual(value, c.Value)
	case OpNotEqual:
		return !compareEqual(value, c.Value)
	case OpGreaterThan:
		return compareLess(c.Value, value)
	case OpGreaterEqual:
		return compareLess(c.Value, value) || compareEqual(value, c.Value)
	case OpLessThan:
		return compareLess(value, c.Value)
	case OpLessEqual:
		return compareLess(value, c.Value) || compareEqual(value, c.Value)
	case OpIn:
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, want := range list {
			if compareEqual(value, want) {
				return true
			}
		}
		return false
	case OpContains:
		s, ok1 := value.(string)
		sub, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.Contains(s, sub)
	default:
		return false
	}
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

func compareEqual(a, b any) bool {
	// Numeric cross-type equality first, then strict equality.
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func compareLess(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af < bf
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as < bs
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
