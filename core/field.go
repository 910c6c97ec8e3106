package core

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// HiddenMode controls whether a field is returned when not explicitly requested
type HiddenMode string

const (
	HiddenNever     HiddenMode = "never"     // always returned
	HiddenAlways    HiddenMode = "always"    // never returned
	HiddenByDefault HiddenMode = "byDefault" // returned only when requested
)

// FieldContext is handed to every field behavior
type FieldContext struct {
	Context  context.Context
	Stage    Stage
	Field    *Field
	Entity   Entity // the entity being processed, logical names
	Existing Entity // stored entity on update/replace, nil otherwise
	Value    any    // current value of the field
	Present  bool   // whether the field is present in Entity
}

// Producer produces a value at a lifecycle point
type Producer interface {
	Produce(fc FieldContext) (any, error)
}

// ProducerFunc adapts a function to a Producer
type ProducerFunc func(fc FieldContext) (any, error)

func (f ProducerFunc) Produce(fc FieldContext) (any, error) { return f(fc) }

// Transformer rewrites a value on write (set) or read (get)
type Transformer interface {
	Transform(value any, fc FieldContext) (any, error)
}

// TransformFunc adapts a function to a Transformer
type TransformFunc func(value any, fc FieldContext) (any, error)

func (f TransformFunc) Transform(value any, fc FieldContext) (any, error) { return f(value, fc) }

// Validator rejects a value by returning an error; the error text is the reason
type Validator interface {
	Validate(value any, fc FieldContext) error
}

// ValidatorFunc adapts a function to a Validator
type ValidatorFunc func(value any, fc FieldContext) error

func (f ValidatorFunc) Validate(value any, fc FieldContext) error { return f(value, fc) }

type identity struct{}

func (identity) Transform(value any, _ FieldContext) (any, error) { return value, nil }

// Check turns a predicate into a Validator failing with reason
func Check(pred func(value any) bool, reason string) Validator {
	return ValidatorFunc(func(value any, _ FieldContext) error {
		if !pred(value) {
			return fmt.Errorf("%s", reason)
		}
		return nil
	})
}

// Enum accepts only the given choices
func Enum(choices ...any) Validator {
	return ValidatorFunc(func(value any, _ FieldContext) error {
		for _, c := range choices {
			if valuesEqual(c, value) {
				return nil
			}
		}
		return fmt.Errorf("value %v is not one of %v", value, choices)
	})
}

// Static produces the same value every time
func Static(v any) Producer {
	return ProducerFunc(func(FieldContext) (any, error) { return v, nil })
}

// Now produces the current UTC time
func Now() Producer {
	return ProducerFunc(func(FieldContext) (any, error) { return time.Now().UTC(), nil })
}

// NewUUID produces a random UUID string
func NewUUID() Producer {
	return ProducerFunc(func(FieldContext) (any, error) { return uuid.NewString(), nil })
}

// Resolver looks up referenced entities by their string identifiers
type Resolver interface {
	ResolveByID(ctx context.Context, ids []string, fields []string) (map[string]Entity, error)
}

// PopulateSpec describes how a reference field is resolved into entities
type PopulateSpec struct {
	Resolver Resolver // explicit resolver
	Target   string   // service name looked up in the Store when Resolver is nil
	Fields   []string // sub-fields requested from the target
}

// Field is a compiled field descriptor. It is read-only once its schema is built.
type Field struct {
	Name           string     `json:"name"`
	Column         string     `json:"column"`
	Type           FieldType  `json:"type"`
	Primary        bool       `json:"primary"`
	Required       bool       `json:"required"`
	ReadOnly       bool       `json:"read_only"`
	Immutable      bool       `json:"immutable"`
	Hidden         HiddenMode `json:"hidden"`
	Secure         bool       `json:"secure"`
	Searchable     bool       `json:"searchable"`
	Virtual        bool       `json:"virtual"`
	Permission     string     `json:"permission,omitempty"`
	ReadPermission string     `json:"read_permission,omitempty"`

	populate     *PopulateSpec
	kind         fieldKind
	defaultValue Producer
	set          Transformer
	get          Transformer
	validators   []Validator
	onCreate     Producer
	onUpdate     Producer
	onReplace    Producer
	onRemove     Producer
}

// Populate returns the reference resolution spec, or nil
func (f *Field) Populate() *PopulateSpec { return f.populate }

// Coerce converts v to the field's declared type
func (f *Field) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	out, ok := f.kind.coerce(v)
	if !ok {
		return nil, &TypeMismatchError{Field: f.Name, Expected: f.Type, Received: kindOf(v)}
	}
	return out, nil
}

// FieldBuilder provides fluent API for declaring fields
type FieldBuilder struct {
	field *Field
	err   error
}

// NewField starts the declaration of a field
func NewField(name string, typ FieldType) *FieldBuilder {
	fb := &FieldBuilder{field: &Field{
		Name:   name,
		Type:   typ,
		Hidden: HiddenNever,
	}}
	if _, ok := fieldKinds[typ]; !ok {
		fb.err = fmt.Errorf("field %q: unknown type %q", name, typ)
	}
	return fb
}

// Column sets the physical column name
func (fb *FieldBuilder) Column(name string) *FieldBuilder {
	fb.field.Column = name
	return fb
}

// Primary marks the field as the primary key
func (fb *FieldBuilder) Primary() *FieldBuilder {
	fb.field.Primary = true
	return fb
}

// Required marks the field as required
func (fb *FieldBuilder) Required() *FieldBuilder {
	fb.field.Required = true
	return fb
}

// ReadOnly marks the field as writable only by defaults and hooks
func (fb *FieldBuilder) ReadOnly() *FieldBuilder {
	fb.field.ReadOnly = true
	return fb
}

// Immutable marks the field as settable on create only
func (fb *FieldBuilder) Immutable() *FieldBuilder {
	fb.field.Immutable = true
	return fb
}

// Hidden sets the visibility mode
func (fb *FieldBuilder) Hidden(mode HiddenMode) *FieldBuilder {
	switch mode {
	case HiddenNever, HiddenAlways, HiddenByDefault:
		fb.field.Hidden = mode
	default:
		fb.err = fmt.Errorf("field %q: unknown hidden mode %q", fb.field.Name, mode)
	}
	return fb
}

// Secure marks the field's values to be encoded outside the store
func (fb *FieldBuilder) Secure() *FieldBuilder {
	fb.field.Secure = true
	return fb
}

// Searchable includes the field in free-text search by default
func (fb *FieldBuilder) Searchable() *FieldBuilder {
	fb.field.Searchable = true
	return fb
}

// Virtual marks the field as computed on read and never stored
func (fb *FieldBuilder) Virtual(get Transformer) *FieldBuilder {
	fb.field.Virtual = true
	fb.field.get = get
	return fb
}

// Default sets a literal default value
func (fb *FieldBuilder) Default(value any) *FieldBuilder {
	fb.field.defaultValue = Static(value)
	return fb
}

// DefaultFunc sets a zero-argument default producer
func (fb *FieldBuilder) DefaultFunc(fn func() any) *FieldBuilder {
	fb.field.defaultValue = ProducerFunc(func(FieldContext) (any, error) { return fn(), nil })
	return fb
}

// Set installs the write transform
func (fb *FieldBuilder) Set(t Transformer) *FieldBuilder {
	fb.field.set = t
	return fb
}

// Get installs the read transform
func (fb *FieldBuilder) Get(t Transformer) *FieldBuilder {
	fb.field.get = t
	return fb
}

// Validate adds validators (additive - can be called multiple times)
func (fb *FieldBuilder) Validate(validators ...Validator) *FieldBuilder {
	fb.field.validators = append(fb.field.validators, validators...)
	return fb
}

// Choices restricts the field to the given values
func (fb *FieldBuilder) Choices(choices ...any) *FieldBuilder {
	return fb.Validate(Enum(choices...))
}

// Permission sets the capability required to write the field
func (fb *FieldBuilder) Permission(tag string) *FieldBuilder {
	fb.field.Permission = tag
	return fb
}

// ReadPermission sets the capability required to read the field
func (fb *FieldBuilder) ReadPermission(tag string) *FieldBuilder {
	fb.field.ReadPermission = tag
	return fb
}

// Populate configures reference resolution
func (fb *FieldBuilder) Populate(spec PopulateSpec) *FieldBuilder {
	fb.field.populate = &spec
	return fb
}

// OnCreate sets the producer run when an entity is created
func (fb *FieldBuilder) OnCreate(p Producer) *FieldBuilder {
	fb.field.onCreate = p
	return fb
}

// OnUpdate sets the producer run on every update
func (fb *FieldBuilder) OnUpdate(p Producer) *FieldBuilder {
	fb.field.onUpdate = p
	return fb
}

// OnReplace sets the producer run on replace. Falls back to OnUpdate when unset.
func (fb *FieldBuilder) OnReplace(p Producer) *FieldBuilder {
	fb.field.onReplace = p
	return fb
}

// OnRemove sets the producer run on removal. Declaring one enables soft delete.
func (fb *FieldBuilder) OnRemove(p Producer) *FieldBuilder {
	fb.field.onRemove = p
	return fb
}

// Build finalizes the descriptor
func (fb *FieldBuilder) Build() (*Field, error) {
	if fb.err != nil {
		return nil, fb.err
	}
	f := *fb.field
	if f.Name == "" {
		return nil, fmt.Errorf("field name cannot be empty")
	}
	f.kind = fieldKinds[f.Type]
	if f.set == nil {
		f.set = identity{}
	}
	if f.get == nil {
		f.get = identity{}
	}
	if f.onReplace == nil {
		f.onReplace = f.onUpdate
	}
	f.validators = append([]Validator(nil), f.validators...)
	return &f, nil
}

// valuesEqual compares two field values loosely: numbers by value, times by instant
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := toNumber(a); ok {
		if nb, ok := toNumber(b); ok {
			return toFloat(na) == toFloat(nb)
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(n any) float64 {
	switch v := n.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}
