package core

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// FieldType is the declared storage type of a field
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeCustom  FieldType = "custom"
)

// ParseFieldType converts a type name into a FieldType
func ParseFieldType(name string) (FieldType, error) {
	t := FieldType(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := fieldKinds[t]; !ok {
		return "", fmt.Errorf("unknown field type %q", name)
	}
	return t, nil
}

// fieldKind holds the per-type behavior shared by the pipeline and the compiler.
type fieldKind interface {
	// coerce converts v to the canonical Go representation of the type.
	// ok is false when v cannot represent a value of the type.
	coerce(v any) (out any, ok bool)
}

var fieldKinds = map[FieldType]fieldKind{
	TypeString:  stringKind{},
	TypeNumber:  numberKind{},
	TypeBoolean: booleanKind{},
	TypeDate:    dateKind{},
	TypeObject:  objectKind{},
	TypeArray:   arrayKind{},
	TypeCustom:  customKind{},
}

type stringKind struct{}

func (stringKind) coerce(v any) (any, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	case bool:
		return strconv.FormatBool(val), true
	case fmt.Stringer:
		return val.String(), true
	}
	if n, ok := toNumber(v); ok {
		return formatNumber(n), true
	}
	return nil, false
}

type numberKind struct{}

func (numberKind) coerce(v any) (any, bool) {
	if s, ok := v.(string); ok {
		return parseNumber(s)
	}
	return toNumber(v)
}

type booleanKind struct{}

func (booleanKind) coerce(v any) (any, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return nil, false
		}
		return b, true
	}
	if n, ok := toNumber(v); ok {
		switch n {
		case int64(0), float64(0):
			return false, true
		case int64(1), float64(1):
			return true, true
		}
	}
	return nil, false
}

type dateKind struct{}

// dateLayouts are tried in order when a date arrives as a string
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (dateKind) coerce(v any) (any, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case *time.Time:
		if val == nil {
			return nil, false
		}
		return *val, true
	case string:
		return parseDate(val)
	case []byte:
		return parseDate(string(val))
	}
	// numeric dates are unix milliseconds
	if n, ok := toNumber(v); ok {
		switch ms := n.(type) {
		case int64:
			return time.UnixMilli(ms).UTC(), true
		case float64:
			return time.UnixMilli(int64(ms)).UTC(), true
		}
	}
	return nil, false
}

type objectKind struct{}

func (objectKind) coerce(v any) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		return val, true
	case Entity:
		return map[string]any(val), true
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(val), &m); err != nil {
			return nil, false
		}
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

type arrayKind struct{}

func (arrayKind) coerce(v any) (any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case string:
		var arr []any
		if err := json.Unmarshal([]byte(val), &arr); err != nil {
			return nil, false
		}
		return arr, true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

type customKind struct{}

func (customKind) coerce(v any) (any, bool) { return v, true }

// toNumber normalizes Go numeric values to int64 or float64
func toNumber(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return uintToNumber(uint64(n)), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return uintToNumber(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		return parseNumber(n.String())
	}
	return nil, false
}

func uintToNumber(n uint64) any {
	if n > math.MaxInt64 {
		return float64(n)
	}
	return int64(n)
}

func parseNumber(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f, true
	}
	return nil, false
}

func formatNumber(n any) string {
	switch v := n.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fmt.Sprint(n)
}

func parseDate(s string) (any, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return nil, false
}

// kindOf names the kind of a received value for TypeMismatchError
func kindOf(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case string, []byte:
		return "string"
	case bool:
		return "boolean"
	case time.Time, *time.Time:
		return "date"
	case map[string]any, Entity:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := toNumber(v); ok {
		return "number"
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Slice, reflect.Array:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}
