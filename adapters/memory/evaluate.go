package memory

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/preslavrachev/datastore/core"
)

// matches evaluates a compiled document filter against one document
func matches(doc core.Entity, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$or":
			branches, ok := cond.([]any)
			if !ok {
				return false, fmt.Errorf("memory: $or expects a list, got %T", cond)
			}
			matched := false
			for _, b := range branches {
				sub, ok := b.(map[string]any)
				if !ok {
					return false, fmt.Errorf("memory: $or branch must be an object, got %T", b)
				}
				ok, err := matches(doc, sub)
				if err != nil {
					return false, err
				}
				if ok {
					matched = true
					break
				}
			}
			if !matched {
				return false, nil
			}
		case "$text":
			return false, &core.UnsupportedOperatorError{Operator: "$text", Backend: core.BackendDocument}
		default:
			value, present := lookup(doc, key)
			ok, err := matchCondition(value, present, cond)
			if err != nil {
				return false, fmt.Errorf("memory: field %s: %w", key, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

// lookup resolves a dotted path through nested objects
func lookup(doc map[string]any, path string) (any, bool) {
	head, rest, nested := strings.Cut(path, ".")
	v, ok := doc[head]
	if !ok || !nested {
		return v, ok
	}
	switch inner := v.(type) {
	case map[string]any:
		return lookup(inner, rest)
	case core.Entity:
		return lookup(inner, rest)
	}
	return nil, false
}

func matchCondition(value any, present bool, cond any) (bool, error) {
	ops, isOps := operatorObject(cond)
	if !isOps {
		return equalOrContains(value, cond), nil
	}
	for _, op := range sortedOps(ops) {
		arg := ops[op]
		var ok bool
		switch op {
		case "$eq":
			ok = equalOrContains(value, arg)
		case "$ne":
			ok = !equalOrContains(value, arg)
		case "$gt", "$gte", "$lt", "$lte":
			// missing and null values never satisfy a range bound
			c, comparable := compare(value, arg)
			if value != nil && arg != nil && comparable {
				switch op {
				case "$gt":
					ok = c > 0
				case "$gte":
					ok = c >= 0
				case "$lt":
					ok = c < 0
				case "$lte":
					ok = c <= 0
				}
			}
		case "$in", "$nin":
			list, isList := arg.([]any)
			if !isList {
				return false, fmt.Errorf("%s expects a list", op)
			}
			found := false
			for _, item := range list {
				if equalOrContains(value, item) {
					found = true
					break
				}
			}
			ok = found == (op == "$in")
		case "$exists":
			want, _ := arg.(bool)
			ok = (present && value != nil) == want
		case "$regex":
			pattern, isString := arg.(string)
			if !isString {
				return false, fmt.Errorf("$regex expects a string")
			}
			if opts, _ := ops["$options"].(string); strings.Contains(opts, "i") {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false, err
			}
			ok = value != nil && re.MatchString(fmt.Sprint(value))
		case "$options":
			ok = true
		case "$size":
			list, isList := value.([]any)
			n, isNumber := toFloat(arg)
			ok = isList && isNumber && float64(len(list)) == n
		default:
			return false, &core.UnsupportedOperatorError{Operator: core.Operator(op), Backend: core.BackendDocument}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// operatorObject reports whether cond is an object made of operator keys
func operatorObject(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func sortedOps(ops map[string]any) []string {
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// equalOrContains compares a stored value with a literal. Arrays match when
// any element is equal, and a missing value equals nil.
func equalOrContains(value, literal any) bool {
	if equal(value, literal) {
		return true
	}
	if list, ok := value.([]any); ok {
		if _, literalIsList := literal.([]any); !literalIsList {
			for _, item := range list {
				if equal(item, literal) {
					return true
				}
			}
		}
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two values of the same kind. Values of different kinds are
// not comparable; nil sorts before everything else.
func compare(a, b any) (int, bool) {
	switch {
	case a == nil && b == nil:
		return 0, true
	case a == nil:
		return -1, true
	case b == nil:
		return 1, true
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb), true
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), true
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0, true
			case !ba:
				return -1, true
			}
			return 1, true
		}
	}
	if sa, ok := a.(fmt.Stringer); ok {
		if sb, ok := b.(fmt.Stringer); ok {
			return strings.Compare(sa.String(), sb.String()), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
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
	}
	return 0, false
}

// applyRaw applies native update operators to a document
func applyRaw(doc core.Entity, changes core.Entity) error {
	for op, arg := range changes {
		fields, ok := arg.(map[string]any)
		if !ok {
			if e, isEntity := arg.(core.Entity); isEntity {
				fields = e
			} else {
				return fmt.Errorf("memory: %s expects an object, got %T", op, arg)
			}
		}
		switch op {
		case "$set":
			for k, v := range fields {
				doc[k] = v
			}
		case "$unset":
			for k := range fields {
				delete(doc, k)
			}
		case "$inc":
			for k, v := range fields {
				delta, ok := toFloat(v)
				if !ok {
					return fmt.Errorf("memory: $inc %s expects a number", k)
				}
				current, _ := toFloat(doc[k])
				if isInteger(doc[k], v) {
					doc[k] = int64(current + delta)
				} else {
					doc[k] = current + delta
				}
			}
		default:
			return &core.UnsupportedOperatorError{Operator: core.Operator(op), Backend: core.BackendDocument}
		}
	}
	return nil
}

func isInteger(values ...any) bool {
	for _, v := range values {
		switch v.(type) {
		case nil, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		default:
			return false
		}
	}
	return true
}
