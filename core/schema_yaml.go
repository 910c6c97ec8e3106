package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// SchemaFile is the YAML form of a schema declaration
type SchemaFile struct {
	Name          string                    `yaml:"name"`
	Table         string                    `yaml:"table"`
	Secret        string                    `yaml:"secret"`
	DefaultSort   []string                  `yaml:"defaultSort"`
	DefaultScopes []string                  `yaml:"defaultScopes"`
	Scopes        map[string]map[string]any `yaml:"scopes"`
	Fields        []FieldFile               `yaml:"fields"`
}

// FieldFile is the YAML form of a field declaration. Hooks name a built-in
// producer: "now" or "uuid".
type FieldFile struct {
	Name           string        `yaml:"name"`
	Type           string        `yaml:"type"`
	Column         string        `yaml:"column"`
	Primary        bool          `yaml:"primary"`
	Required       bool          `yaml:"required"`
	ReadOnly       bool          `yaml:"readonly"`
	Immutable      bool          `yaml:"immutable"`
	Hidden         string        `yaml:"hidden"`
	Secure         bool          `yaml:"secure"`
	Searchable     bool          `yaml:"searchable"`
	Default        any           `yaml:"default"`
	DefaultFunc    string        `yaml:"defaultFunc"`
	Enum           []any         `yaml:"enum"`
	Permission     string        `yaml:"permission"`
	ReadPermission string        `yaml:"readPermission"`
	OnCreate       string        `yaml:"onCreate"`
	OnUpdate       string        `yaml:"onUpdate"`
	OnReplace      string        `yaml:"onReplace"`
	OnRemove       string        `yaml:"onRemove"`
	Populate       *PopulateFile `yaml:"populate"`
}

// PopulateFile names the target schema of a reference field
type PopulateFile struct {
	Target string   `yaml:"target"`
	Fields []string `yaml:"fields"`
}

var namedProducers = map[string]func() Producer{
	"now":  Now,
	"uuid": NewUUID,
}

// LoadSchemaFile reads every schema declared in a YAML file
func LoadSchemaFile(path string) ([]*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return LoadSchemas(data)
}

// LoadSchemas decodes one schema per YAML document ("---" separated)
func LoadSchemas(data []byte) ([]*Schema, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var schemas []*Schema
	for {
		var file SchemaFile
		err := dec.Decode(&file)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode schema: %w", err)
		}
		schema, err := file.Build()
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	if len(schemas) == 0 {
		return nil, errors.New("no schema declared")
	}
	return schemas, nil
}

// Build compiles the declaration into a Schema
func (sf SchemaFile) Build() (*Schema, error) {
	sb := NewSchemaBuilder(sf.Name).
		Table(sf.Table).
		DefaultSort(sf.DefaultSort...).
		DefaultScopes(sf.DefaultScopes...)
	if sf.Secret != "" {
		sb.Encoder(NewHexEncoder(sf.Secret))
	}
	for _, name := range sortedKeys(sf.Scopes) {
		sb.Scope(name, sf.Scopes[name])
	}
	for _, ff := range sf.Fields {
		fb, err := ff.builder()
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", sf.Name, err)
		}
		sb.Fields(fb)
	}
	return sb.Build()
}

func (ff FieldFile) builder() (*FieldBuilder, error) {
	typ := TypeString
	if ff.Type != "" {
		var err error
		if typ, err = ParseFieldType(ff.Type); err != nil {
			return nil, fmt.Errorf("field %q: %w", ff.Name, err)
		}
	}
	fb := NewField(ff.Name, typ).Column(ff.Column)
	if ff.Primary {
		fb.Primary()
	}
	if ff.Required {
		fb.Required()
	}
	if ff.ReadOnly {
		fb.ReadOnly()
	}
	if ff.Immutable {
		fb.Immutable()
	}
	if ff.Hidden != "" {
		fb.Hidden(HiddenMode(ff.Hidden))
	}
	if ff.Secure {
		fb.Secure()
	}
	if ff.Searchable {
		fb.Searchable()
	}
	if ff.Default != nil {
		fb.Default(ff.Default)
	}
	if len(ff.Enum) > 0 {
		fb.Choices(ff.Enum...)
	}
	fb.Permission(ff.Permission).ReadPermission(ff.ReadPermission)
	if ff.Populate != nil {
		fb.Populate(PopulateSpec{Target: ff.Populate.Target, Fields: ff.Populate.Fields})
	}

	hooks := []struct {
		name  string
		apply func(Producer) *FieldBuilder
	}{
		{ff.DefaultFunc, func(p Producer) *FieldBuilder { fb.field.defaultValue = p; return fb }},
		{ff.OnCreate, fb.OnCreate},
		{ff.OnUpdate, fb.OnUpdate},
		{ff.OnReplace, fb.OnReplace},
		{ff.OnRemove, fb.OnRemove},
	}
	for _, hook := range hooks {
		if hook.name == "" {
			continue
		}
		producer, ok := namedProducers[hook.name]
		if !ok {
			return nil, fmt.Errorf("field %q: unknown producer %q", ff.Name, hook.name)
		}
		hook.apply(producer())
	}
	return fb, nil
}
