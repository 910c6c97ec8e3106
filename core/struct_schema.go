package core

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
)

var (
	timeType     = reflect.TypeOf(time.Time{})
	stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
)

// SchemaFromStruct derives field declarations from a struct type using reflection.
// Logical names come from the json tag or the lowerCamel field name, columns from
// GetColumnName, and options from the `ds` tag:
//
//	Email string `json:"email" ds:"required,searchable"`
//	Token string `ds:"hidden=always,permission=admin"`
//
// Without an explicit default sort the schema sorts by createdAt descending when
// such a field exists, otherwise by the primary key.
func SchemaFromStruct(model any) (*SchemaBuilder, error) {
	t := reflect.TypeOf(model)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("SchemaFromStruct expects a struct or pointer to struct, got %T", model)
	}

	sb := NewSchemaBuilder(t.Name())
	var primary, createdAt string
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() || sf.Tag.Get("json") == "-" || isAssociation(sf.Type) {
			continue
		}
		name := logicalName(sf)
		fb := NewField(name, fieldTypeOf(sf.Type)).Column(GetColumnName(sf))
		if isPrimaryKeyField(sf) {
			fb.Primary()
			primary = name
		}
		if err := applyFieldTag(fb, sf.Tag.Get("ds")); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name(), sf.Name, err)
		}
		if lower := strings.ToLower(sf.Name); lower == "createdat" || lower == "created_at" {
			createdAt = name
		}
		sb.Fields(fb)
	}

	switch {
	case createdAt != "":
		sb.DefaultSort("-" + createdAt)
	case primary != "":
		sb.DefaultSort(primary)
	}
	return sb, nil
}

// GetColumnName resolves the column name of a struct field following priority order:
// 1. db tag
// 2. gorm tag (format: gorm:"column:name")
// 3. json tag
// 4. snake_case fallback
func GetColumnName(field reflect.StructField) string {
	if dbTag := field.Tag.Get("db"); dbTag != "" && dbTag != "-" {
		name, _, _ := strings.Cut(dbTag, ",")
		return name
	}
	if gormTag := field.Tag.Get("gorm"); strings.Contains(gormTag, "column:") {
		_, column, _ := strings.Cut(gormTag, "column:")
		column, _, _ = strings.Cut(column, ";")
		column, _, _ = strings.Cut(column, ",")
		if column = strings.TrimSpace(column); column != "" {
			return column
		}
	}
	if jsonTag := field.Tag.Get("json"); jsonTag != "" && jsonTag != "-" {
		if name, _, _ := strings.Cut(jsonTag, ","); name != "" {
			return name
		}
	}
	return strcase.ToSnake(field.Name)
}

func logicalName(field reflect.StructField) string {
	if jsonTag := field.Tag.Get("json"); jsonTag != "" {
		if name, _, _ := strings.Cut(jsonTag, ","); name != "" {
			return name
		}
	}
	return strcase.ToLowerCamel(field.Name)
}

// isPrimaryKeyField checks the db and gorm tags and the conventional ID name
func isPrimaryKeyField(field reflect.StructField) bool {
	dbTag := field.Tag.Get("db")
	if dbTag == "id" || strings.Contains(dbTag, "primary") {
		return true
	}
	if strings.Contains(field.Tag.Get("gorm"), "primaryKey") {
		return true
	}
	return field.Name == "ID"
}

// isAssociation reports pointer-to-struct fields, which hold loaded relations
func isAssociation(t reflect.Type) bool {
	return t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct && t.Elem() != timeType
}

func fieldTypeOf(t reflect.Type) FieldType {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == timeType {
		return TypeDate
	}
	if t.Implements(stringerType) {
		return TypeString
	}
	switch t.Kind() {
	case reflect.String:
		return TypeString
	case reflect.Bool:
		return TypeBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return TypeNumber
	case reflect.Map, reflect.Struct:
		return TypeObject
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return TypeCustom
		}
		return TypeArray
	}
	return TypeCustom
}

// applyFieldTag applies the comma separated options of a `ds` tag
func applyFieldTag(fb *FieldBuilder, tag string) error {
	for _, opt := range strings.Split(tag, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(opt), "=")
		switch key {
		case "":
		case "required":
			fb.Required()
		case "readonly":
			fb.ReadOnly()
		case "immutable":
			fb.Immutable()
		case "searchable":
			fb.Searchable()
		case "secure":
			fb.Secure()
		case "primary":
			fb.Primary()
		case "hidden":
			if value == "" {
				value = string(HiddenByDefault)
			}
			fb.Hidden(HiddenMode(value))
		case "permission":
			fb.Permission(value)
		case "readPermission":
			fb.ReadPermission(value)
		case "column":
			fb.Column(value)
		default:
			return fmt.Errorf("unknown ds tag option %q", key)
		}
	}
	return nil
}
