// Package filter evaluates metadata filter expressions of the form
//
//	{"lang": "go", "stars": {"$gte": 10}, "tags": {"$in": ["db", "search"]}}
//
// against document metadata. Keys are ANDed; several operators in one
// condition are ANDed as well.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// ErrInvalidFilter is returned by Parse for malformed expressions.
var ErrInvalidFilter = errors.New("invalid filter")

// Op is a filter operator.
type Op uint8

const (
	OpEq Op = iota
	OpIn
	OpNotIn
	OpGt
	OpGte
	OpLt
	OpLte
	OpNe
	OpExists
	// OpStructural compares the whole condition object for deep equality.
	// It is selected when a condition uses an operator outside the known set.
	OpStructural
)

var opNames = map[string]Op{
	"$eq":     OpEq,
	"$in":     OpIn,
	"$nin":    OpNotIn,
	"$gt":     OpGt,
	"$gte":    OpGte,
	"$lt":     OpLt,
	"$lte":    OpLte,
	"$ne":     OpNe,
	"$exists": OpExists,
}

func (o Op) String() string {
	for name, op := range opNames {
		if op == o {
			return name
		}
	}
	if o == OpStructural {
		return "structural"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Condition is one operator applied to one field.
type Condition struct {
	Op     Op
	Value  any
	Values []any
}

// Clause groups the conditions that apply to a single metadata key.
type Clause struct {
	Field      string
	Conditions []Condition
}

// Filter is a parsed filter expression. The zero value matches everything.
type Filter struct {
	clauses []Clause
}

// Parse converts a raw expression into a Filter.
func Parse(expr map[string]any) (Filter, error) {
	if len(expr) == 0 {
		return Filter{}, nil
	}
	fields := make([]string, 0, len(expr))
	for k := range expr {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	f := Filter{clauses: make([]Clause, 0, len(fields))}
	for _, field := range fields {
		if field == "" {
			return Filter{}, fmt.Errorf("%w: empty field name", ErrInvalidFilter)
		}
		conds, err := parseCondition(expr[field])
		if err != nil {
			return Filter{}, fmt.Errorf("%w: field %q: %v", ErrInvalidFilter, field, err)
		}
		f.clauses = append(f.clauses, Clause{Field: field, Conditions: conds})
	}
	return f, nil
}

// MustParse is Parse for expressions known to be valid, such as literals in tests.
func MustParse(expr map[string]any) Filter {
	f, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return f
}

// MatchesFilter reports whether metadata satisfies expr. Malformed expressions never match.
func MatchesFilter(metadata map[string]any, expr map[string]any) bool {
	f, err := Parse(expr)
	if err != nil {
		return false
	}
	return f.Matches(metadata)
}

func parseCondition(raw any) ([]Condition, error) {
	obj, ok := asMap(raw)
	if !ok || !isOperatorObject(obj) {
		return []Condition{{Op: OpEq, Value: raw}}, nil
	}
	for k := range obj {
		if _, known := opNames[k]; !known {
			return []Condition{{Op: OpStructural, Value: raw}}, nil
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]Condition, 0, len(keys))
	for _, k := range keys {
		op := opNames[k]
		v := obj[k]
		switch op {
		case OpIn, OpNotIn:
			vals, ok := asSlice(v)
			if !ok {
				return nil, fmt.Errorf("%s expects an array, got %T", k, v)
			}
			conds = append(conds, Condition{Op: op, Values: vals})
		case OpExists:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("$exists expects a boolean, got %T", v)
			}
			conds = append(conds, Condition{Op: op, Value: b})
		case OpGt, OpGte, OpLt, OpLte:
			if !orderable(v) {
				return nil, fmt.Errorf("%s expects a number, string or time, got %T", k, v)
			}
			conds = append(conds, Condition{Op: op, Value: v})
		default:
			conds = append(conds, Condition{Op: op, Value: v})
		}
	}
	return conds, nil
}

// isOperatorObject reports whether every key of obj starts with '$'.
func isOperatorObject(obj map[string]any) bool {
	if len(obj) == 0 {
		return false
	}
	for k := range obj {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// Empty reports whether the filter has no clauses.
func (f Filter) Empty() bool {
	return len(f.clauses) == 0
}

// Clauses returns the parsed clauses in field order.
func (f Filter) Clauses() []Clause {
	return f.clauses
}

// Matches reports whether metadata satisfies every clause.
func (f Filter) Matches(metadata map[string]any) bool {
	for _, c := range f.clauses {
		actual, present := metadata[c.Field]
		for _, cond := range c.Conditions {
			if !cond.matches(actual, present) {
				return false
			}
		}
	}
	return true
}

func (c Condition) matches(actual any, present bool) bool {
	switch c.Op {
	case OpEq, OpStructural:
		return present && equal(actual, c.Value)
	case OpNe:
		return !present || !equal(actual, c.Value)
	case OpIn:
		return present && containsEqual(c.Values, actual)
	case OpNotIn:
		return !present || !containsEqual(c.Values, actual)
	case OpExists:
		return present == c.Value.(bool)
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false
		}
		cmp, ok := compare(actual, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	default:
		return false
	}
}

func containsEqual(vals []any, actual any) bool {
	// An array-valued field matches when any element is listed.
	if items, ok := asSlice(actual); ok {
		for _, item := range items {
			if containsEqual(vals, item) {
				return true
			}
		}
		return false
	}
	for _, v := range vals {
		if equal(actual, v) {
			return true
		}
	}
	return false
}

func equal(a, b any) bool {
	return reflect.DeepEqual(canonical(a), canonical(b))
}

// canonical rewrites numbers to float64 and typed slices/maps to their
// untyped form so values decoded from JSON compare equal to Go literals.
func canonical(v any) any {
	if n, ok := toFloat(v); ok {
		return n
	}
	if s, ok := asSlice(v); ok {
		out := make([]any, len(s))
		for i := range s {
			out[i] = canonical(s[i])
		}
		return out
	}
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = canonical(val)
		}
		return out
	}
	return v
}

func compare(a, b any) (int, bool) {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	if x, ok := a.(string); ok {
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	if x, ok := a.(time.Time); ok {
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}

func orderable(v any) bool {
	if _, ok := toFloat(v); ok {
		return true
	}
	switch v.(type) {
	case string, time.Time:
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}
