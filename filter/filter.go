// Package filter implements the MongoDB-style predicate language used to
// select and update entities, including the prototype-pollution guard
// that rejects forbidden keys anywhere in a document's object tree, not
// just at the top level. Grounded on the teacher's validation layer
// style (small composable checks returning a descriptive error) adapted
// from request-body validation to predicate evaluation.
package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/evalgo-org/storedb/dberr"
	"github.com/evalgo-org/storedb/entity"
)

// Filter is a MongoDB-style query document.
type Filter map[string]interface{}

// Predicate is a compiled matcher over entity.Entity documents.
type Predicate func(doc map[string]interface{}) bool

// ValidateTree recursively rejects forbidden keys anywhere in value's
// object tree (maps and slices), guarding against prototype-pollution
// style payloads regardless of nesting depth.
func ValidateTree(value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		for k, child := range v {
			if entity.IsForbiddenKey(k) {
				return dberr.New(dberr.KindInvalidInput, "forbidden key %q in document", k)
			}
			if err := ValidateTree(child); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, child := range v {
			if err := ValidateTree(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// MakePredicate compiles filter into a Predicate. It returns an error if
// filter contains a forbidden key anywhere in its tree.
func MakePredicate(f Filter) (Predicate, error) {
	if err := ValidateTree(map[string]interface{}(f)); err != nil {
		return nil, err
	}
	return compileObject(f), nil
}

// Matches is a convenience wrapper around MakePredicate for one-off
// evaluations.
func Matches(doc map[string]interface{}, f Filter) (bool, error) {
	pred, err := MakePredicate(f)
	if err != nil {
		return false, err
	}
	return pred(doc), nil
}

func compileObject(obj map[string]interface{}) Predicate {
	clauses := make([]Predicate, 0, len(obj))
	for key, val := range obj {
		clauses = append(clauses, compileClause(key, val))
	}
	return func(doc map[string]interface{}) bool {
		for _, c := range clauses {
			if !c(doc) {
				return false
			}
		}
		return true
	}
}

func compileClause(key string, val interface{}) Predicate {
	switch key {
	case "$and":
		return compileLogical(val, true)
	case "$or":
		return compileLogical(val, false)
	case "$nor":
		inner := compileLogical(val, false)
		return func(doc map[string]interface{}) bool { return !inner(doc) }
	case "$not":
		inner := compileFieldOrObject("", val)
		return func(doc map[string]interface{}) bool { return !inner(doc) }
	default:
		return compileField(key, val)
	}
}

func compileLogical(val interface{}, and bool) Predicate {
	arr, _ := val.([]interface{})
	preds := make([]Predicate, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]interface{}); ok {
			preds = append(preds, compileObject(m))
		}
	}
	return func(doc map[string]interface{}) bool {
		for _, p := range preds {
			ok := p(doc)
			if and && !ok {
				return false
			}
			if !and && ok {
				return true
			}
		}
		return and
	}
}

func compileFieldOrObject(field string, val interface{}) Predicate {
	if m, ok := val.(map[string]interface{}); ok {
		return compileObject(m)
	}
	return compileField(field, val)
}

func compileField(field string, val interface{}) Predicate {
	spec, isOpSpec := val.(map[string]interface{})
	if !isOpSpec {
		// Implicit $eq shorthand.
		return func(doc map[string]interface{}) bool {
			return equalValues(getPath(doc, field), val)
		}
	}

	// Distinguish an operator object ({"$gt": 5}) from a literal object
	// value to compare for equality.
	hasOperatorKey := false
	for k := range spec {
		if strings.HasPrefix(k, "$") {
			hasOperatorKey = true
			break
		}
	}
	if !hasOperatorKey {
		return func(doc map[string]interface{}) bool {
			return equalValues(getPath(doc, field), val)
		}
	}

	preds := make([]Predicate, 0, len(spec))
	for op, arg := range spec {
		preds = append(preds, compileOperator(field, op, arg, spec))
	}
	return func(doc map[string]interface{}) bool {
		for _, p := range preds {
			if !p(doc) {
				return false
			}
		}
		return true
	}
}

func compileOperator(field, op string, arg interface{}, siblingSpec map[string]interface{}) Predicate {
	switch op {
	case "$eq":
		return func(doc map[string]interface{}) bool { return equalValues(getPath(doc, field), arg) }
	case "$ne":
		return func(doc map[string]interface{}) bool { return !equalValues(getPath(doc, field), arg) }
	case "$gt":
		return func(doc map[string]interface{}) bool { return compareNumbers(getPath(doc, field), arg, func(a, b float64) bool { return a > b }) }
	case "$gte":
		return func(doc map[string]interface{}) bool { return compareNumbers(getPath(doc, field), arg, func(a, b float64) bool { return a >= b }) }
	case "$lt":
		return func(doc map[string]interface{}) bool { return compareNumbers(getPath(doc, field), arg, func(a, b float64) bool { return a < b }) }
	case "$lte":
		return func(doc map[string]interface{}) bool { return compareNumbers(getPath(doc, field), arg, func(a, b float64) bool { return a <= b }) }
	case "$in":
		return func(doc map[string]interface{}) bool { return inSet(getPath(doc, field), arg) }
	case "$nin":
		return func(doc map[string]interface{}) bool { return !inSet(getPath(doc, field), arg) }
	case "$exists":
		want, _ := arg.(bool)
		return func(doc map[string]interface{}) bool {
			_, ok := lookupPath(doc, field)
			return ok == want
		}
	case "$type":
		want, _ := arg.(string)
		return func(doc map[string]interface{}) bool { return typeName(getPath(doc, field)) == want }
	case "$regex":
		pattern, _ := arg.(string)
		opts, _ := siblingSpec["$options"].(string)
		re := compileRegex(pattern, opts)
		return func(doc map[string]interface{}) bool {
			s, ok := getPath(doc, field).(string)
			return ok && re != nil && re.MatchString(s)
		}
	case "$options":
		return func(map[string]interface{}) bool { return true } // handled alongside $regex
	case "$startsWith":
		prefix, _ := arg.(string)
		return func(doc map[string]interface{}) bool {
			s, ok := getPath(doc, field).(string)
			return ok && strings.HasPrefix(s, prefix)
		}
	case "$endsWith":
		suffix, _ := arg.(string)
		return func(doc map[string]interface{}) bool {
			s, ok := getPath(doc, field).(string)
			return ok && strings.HasSuffix(s, suffix)
		}
	case "$contains":
		sub, _ := arg.(string)
		return func(doc map[string]interface{}) bool {
			s, ok := getPath(doc, field).(string)
			return ok && strings.Contains(s, sub)
		}
	case "$all":
		want, _ := arg.([]interface{})
		return func(doc map[string]interface{}) bool { return containsAll(getPath(doc, field), want) }
	case "$size":
		return func(doc map[string]interface{}) bool { return sizeMatches(getPath(doc, field), arg) }
	case "$elemMatch":
		spec, _ := arg.(map[string]interface{})
		sub := compileObject(spec)
		return func(doc map[string]interface{}) bool { return elemMatch(getPath(doc, field), sub) }
	case "$not":
		inner := compileField(field, arg)
		return func(doc map[string]interface{}) bool { return !inner(doc) }
	default:
		return func(map[string]interface{}) bool { return false }
	}
}

func compileRegex(pattern, opts string) *regexp.Regexp {
	flags := ""
	if strings.Contains(opts, "i") {
		flags = "(?i)"
	}
	re, err := regexp.Compile(flags + pattern)
	if err != nil {
		return nil
	}
	return re
}

// getPath resolves a dot-separated path, returning nil when any segment
// is absent or forbidden.
func getPath(doc map[string]interface{}, path string) interface{} {
	v, _ := lookupPath(doc, path)
	return v
}

func lookupPath(doc map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return doc, true
	}
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		if entity.IsForbiddenKey(p) {
			return nil, false
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValues(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) && sameKind(a, b)
}

func sameKind(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareNumbers(a, b interface{}, cmp func(a, b float64) bool) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	return cmp(af, bf)
}

func inSet(v interface{}, set interface{}) bool {
	arr, ok := set.([]interface{})
	if !ok {
		return false
	}
	for _, item := range arr {
		if equalValues(v, item) {
			return true
		}
	}
	return false
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, float32, int, int64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}

func containsAll(v interface{}, want []interface{}) bool {
	arr, ok := v.([]interface{})
	if !ok {
		return false
	}
	for _, w := range want {
		found := false
		for _, item := range arr {
			if equalValues(item, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sizeMatches(v interface{}, want interface{}) bool {
	arr, ok := v.([]interface{})
	if !ok {
		return false
	}
	wf, ok := toFloat(want)
	return ok && float64(len(arr)) == wf
}

func elemMatch(v interface{}, pred Predicate) bool {
	arr, ok := v.([]interface{})
	if !ok {
		return false
	}
	for _, item := range arr {
		if m, ok := item.(map[string]interface{}); ok && pred(m) {
			return true
		}
	}
	return false
}
