package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/preslavrachev/datastore/auth"
)

// Stage identifies the lifecycle point the pipeline runs for
type Stage string

const (
	StageCreate  Stage = "create"
	StageUpdate  Stage = "update"
	StageReplace Stage = "replace"
	StageRemove  Stage = "remove"
	StageRead    Stage = "read"
)

// ProcessContext carries the per-call inputs of the field pipeline
type ProcessContext struct {
	Stage       Stage
	Permissions auth.Permissions
	Fields      []string // fields explicitly requested on read
	Existing    Entity   // stored entity for update and replace
}

// ProcessFields runs the field pipeline for one entity. Keys are logical field
// names; unknown keys are dropped. Field errors are aggregated so the caller
// sees every problem at once. The pipeline performs no I/O.
func ProcessFields(ctx context.Context, entity Entity, schema *Schema, pc ProcessContext) (Entity, error) {
	p := &pipeline{ctx: ctx, schema: schema, pc: pc, entity: entity}
	switch pc.Stage {
	case StageCreate:
		p.create()
	case StageUpdate:
		p.update()
	case StageReplace:
		p.replace()
	case StageRemove:
		p.remove()
	case StageRead:
		p.read()
	default:
		return nil, fmt.Errorf("unknown pipeline stage %q", pc.Stage)
	}
	if p.errs != nil {
		p.errs.ErrorFormat = fieldErrorFormat
		return nil, p.errs.ErrorOrNil()
	}
	return p.out, nil
}

type pipeline struct {
	ctx    context.Context
	schema *Schema
	pc     ProcessContext
	entity Entity
	out    Entity
	errs   *multierror.Error
}

func (p *pipeline) fail(err error) {
	p.errs = multierror.Append(p.errs, err)
}

func (p *pipeline) fieldContext(f *Field, v any, present bool) FieldContext {
	return FieldContext{
		Context:  p.ctx,
		Stage:    p.pc.Stage,
		Field:    f,
		Entity:   p.entity,
		Existing: p.pc.Existing,
		Value:    v,
		Present:  present,
	}
}

// produce runs a producer and reports whether it yielded a value
func (p *pipeline) produce(f *Field, prod Producer, v any, present bool) (any, bool) {
	out, err := prod.Produce(p.fieldContext(f, v, present))
	if err != nil {
		p.fail(&ValidationError{Field: f.Name, Reason: err.Error()})
		return nil, false
	}
	return out, true
}

// writable checks the write permission of a caller-supplied value
func (p *pipeline) writable(f *Field) bool {
	if f.Permission == "" || p.pc.Permissions.Has(f.Permission) {
		return true
	}
	p.fail(&PermissionDeniedError{Field: f.Name, Permission: f.Permission})
	return false
}

// decode turns the external form of a secure value back into the stored one
func (p *pipeline) decode(f *Field, v any) (any, bool) {
	s, ok := v.(string)
	if !f.Secure || !ok || p.schema.Encoder() == nil {
		return v, true
	}
	plain, err := p.schema.Encoder().Decode(s)
	if err != nil {
		p.fail(err)
		return nil, false
	}
	return plain, true
}

// write runs decode, set, coercion and validators on a value bound for storage
func (p *pipeline) write(f *Field, v any, transform bool) (any, bool) {
	v, ok := p.decode(f, v)
	if !ok {
		return nil, false
	}
	fc := p.fieldContext(f, v, true)
	if transform {
		var err error
		if v, err = f.set.Transform(v, fc); err != nil {
			p.fail(&ValidationError{Field: f.Name, Reason: err.Error()})
			return nil, false
		}
	}
	v, err := f.Coerce(v)
	if err != nil {
		p.fail(err)
		return nil, false
	}
	if v == nil {
		if f.Required {
			p.fail(&ValidationError{Field: f.Name, Reason: "is required"})
			return nil, false
		}
		return nil, true
	}
	fc.Value = v
	valid := true
	for _, validator := range f.validators {
		if err := validator.Validate(v, fc); err != nil {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				verr = &ValidationError{Field: f.Name, Reason: err.Error()}
			}
			p.fail(verr)
			valid = false
		}
	}
	return v, valid
}

// unchanged reports whether a caller value equals the stored one
func (p *pipeline) unchanged(f *Field, v any) bool {
	if p.pc.Existing == nil {
		return false
	}
	stored, ok := p.pc.Existing[f.Name]
	if !ok {
		return false
	}
	if plain, ok := p.decode(f, v); ok {
		v = plain
	}
	if coerced, err := f.Coerce(v); err == nil {
		v = coerced
	}
	return valuesEqual(stored, v)
}

func (p *pipeline) create() {
	p.out = make(Entity, len(p.schema.fields))
	for _, f := range p.schema.fields {
		if f.Virtual {
			continue
		}
		v, present := p.entity[f.Name]
		if present && f.ReadOnly {
			// only defaults and hooks populate readonly fields
			v, present = nil, false
		}
		if present && !p.writable(f) {
			continue
		}
		if (!present || v == nil) && f.defaultValue != nil {
			var ok bool
			if v, ok = p.produce(f, f.defaultValue, v, present); !ok {
				continue
			}
			present = true
		}
		if f.onCreate != nil {
			var ok bool
			if v, ok = p.produce(f, f.onCreate, v, present); !ok {
				continue
			}
			present = true
		}
		if !present || v == nil {
			if f.Required {
				p.fail(&ValidationError{Field: f.Name, Reason: "is required"})
			}
			continue
		}
		if v, ok := p.write(f, v, true); ok {
			p.out[f.Name] = v
		}
	}
}

func (p *pipeline) update() {
	p.out = make(Entity, len(p.entity))
	for _, f := range p.schema.fields {
		if f.Virtual {
			continue
		}
		v, present := p.entity[f.Name]
		if present && (f.ReadOnly || f.Immutable || f.Primary) {
			if !p.unchanged(f, v) {
				p.fail(&ImmutableFieldError{Field: f.Name})
			}
			v, present = nil, false
		}
		if present && !p.writable(f) {
			continue
		}
		if f.onUpdate != nil {
			var ok bool
			if v, ok = p.produce(f, f.onUpdate, v, present); !ok {
				continue
			}
			present = true
		}
		if !present {
			continue
		}
		if v, ok := p.write(f, v, true); ok {
			p.out[f.Name] = v
		}
	}
}

func (p *pipeline) replace() {
	p.out = make(Entity, len(p.schema.fields))
	for _, f := range p.schema.fields {
		if f.Virtual {
			continue
		}
		v, present := p.entity[f.Name]
		carried := false
		if f.ReadOnly || f.Immutable || f.Primary {
			if present && !p.unchanged(f, v) {
				p.fail(&ImmutableFieldError{Field: f.Name})
				continue
			}
			v, present = p.pc.Existing[f.Name]
			carried = present
		}
		if present && !carried && !p.writable(f) {
			continue
		}
		if (!present || v == nil) && f.defaultValue != nil && !carried {
			var ok bool
			if v, ok = p.produce(f, f.defaultValue, v, present); !ok {
				continue
			}
			present = true
		}
		if f.onReplace != nil {
			var ok bool
			if v, ok = p.produce(f, f.onReplace, v, present); !ok {
				continue
			}
			present, carried = true, false
		}
		if !present || v == nil {
			if f.Required {
				p.fail(&ValidationError{Field: f.Name, Reason: "is required"})
			}
			if present {
				p.out[f.Name] = nil
			}
			continue
		}
		// carried values are already in stored form
		if v, ok := p.write(f, v, !carried); ok {
			p.out[f.Name] = v
		}
	}
}

func (p *pipeline) remove() {
	p.out = make(Entity, len(p.schema.onRemove))
	for _, f := range p.schema.onRemove {
		v, ok := p.produce(f, f.onRemove, p.entity[f.Name], true)
		if !ok {
			continue
		}
		v, err := f.Coerce(v)
		if err != nil {
			p.fail(err)
			continue
		}
		p.out[f.Name] = v
	}
}

func (p *pipeline) read() {
	p.out = make(Entity, len(p.entity))
	requested := make(map[string]bool, len(p.pc.Fields))
	for _, name := range p.pc.Fields {
		root, _, _ := strings.Cut(name, ".")
		requested[root] = true
	}
	for _, f := range p.schema.fields {
		if !p.visible(f, requested) {
			continue
		}
		v, present := p.entity[f.Name]
		if f.Virtual || present {
			var err error
			if v, err = f.get.Transform(v, p.fieldContext(f, v, present)); err != nil {
				p.fail(&ValidationError{Field: f.Name, Reason: err.Error()})
				continue
			}
			present = true
		}
		if !present {
			continue
		}
		if f.Secure && v != nil && p.schema.Encoder() != nil {
			encoded, err := p.schema.Encoder().Encode(fmt.Sprint(v))
			if err != nil {
				p.fail(err)
				continue
			}
			v = encoded
		}
		p.out[f.Name] = v
	}
}

// visible applies the read visibility policy to one field
func (p *pipeline) visible(f *Field, requested map[string]bool) bool {
	if f.Hidden == HiddenAlways {
		return false
	}
	if len(requested) > 0 && !requested[f.Name] && !f.Primary {
		return false
	}
	if f.ReadPermission != "" {
		return p.pc.Permissions.Has(f.ReadPermission)
	}
	if f.Hidden == HiddenByDefault {
		return requested[f.Name]
	}
	return true
}
