package core

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Test structs for different column mapping scenarios
type TestUserWithDBTags struct {
	ID        uint   `db:"id"`
	Name      string `db:"full_name"`
	Email     string `db:"email_address"`
	CreatedAt string `db:"created_at"`
	Excluded  string `db:"-"`
}

type TestUserWithGormTags struct {
	ID        uint   `gorm:"column:id;primaryKey"`
	Name      string `gorm:"column:user_full_name;not null"`
	Email     string `gorm:"column:user_email"`
	CreatedAt string `gorm:"column:dt_created"`
}

type TestUserWithJSONTags struct {
	ID        uint   `json:"id"`
	Name      string `json:"full_name"`
	Email     string `json:"email_address,omitempty"`
	CreatedAt string `json:"created_at"`
}

type TestUserNoTags struct {
	ID        uint
	Name      string
	Email     string
	CreatedAt string
}

type TestUserMixedTags struct {
	ID        uint   `db:"id"`
	Name      string `gorm:"column:user_name"`
	Email     string `json:"email_addr"`
	CreatedAt string
}

func TestGetColumnName(t *testing.T) {
	tests := []struct {
		name     string
		model    any
		expected map[string]string // Go field -> column
	}{
		{
			name:  "db tags",
			model: TestUserWithDBTags{},
			expected: map[string]string{
				"ID": "id", "Name": "full_name", "Email": "email_address",
				"CreatedAt": "created_at", "Excluded": "excluded",
			},
		},
		{
			name:  "gorm tags",
			model: TestUserWithGormTags{},
			expected: map[string]string{
				"ID": "id", "Name": "user_full_name", "Email": "user_email", "CreatedAt": "dt_created",
			},
		},
		{
			name:  "json tags",
			model: TestUserWithJSONTags{},
			expected: map[string]string{
				"ID": "id", "Name": "full_name", "Email": "email_address", "CreatedAt": "created_at",
			},
		},
		{
			name:  "no tags",
			model: TestUserNoTags{},
			expected: map[string]string{
				"ID": "id", "Name": "name", "Email": "email", "CreatedAt": "created_at",
			},
		},
		{
			name:  "mixed tags",
			model: TestUserMixedTags{},
			expected: map[string]string{
				"ID": "id", "Name": "user_name", "Email": "email_addr", "CreatedAt": "created_at",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ := reflect.TypeOf(tt.model)
			for goName, column := range tt.expected {
				sf, ok := typ.FieldByName(goName)
				if !ok {
					t.Fatalf("field %s not found", goName)
				}
				if got := GetColumnName(sf); got != column {
					t.Errorf("GetColumnName(%s) = %q, want %q", goName, got, column)
				}
			}
		})
	}
}

func TestSchemaFromStructColumns(t *testing.T) {
	sb, err := SchemaFromStruct(&TestUserMixedTags{})
	if err != nil {
		t.Fatalf("SchemaFromStruct failed: %v", err)
	}
	schema, err := sb.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if schema.Name != "TestUserMixedTags" || schema.Table == "" {
		t.Errorf("Unexpected name/table: %s/%s", schema.Name, schema.Table)
	}

	expected := map[string]string{
		"id":         "id",
		"name":       "user_name",
		"email_addr": "email_addr",
		"createdAt":  "created_at",
	}
	for name, column := range expected {
		f, ok := schema.Field(name)
		if !ok {
			t.Errorf("field %q not found", name)
			continue
		}
		if f.Column != column {
			t.Errorf("field %q: column %q, want %q", name, f.Column, column)
		}
	}

	if schema.Primary() == nil || schema.Primary().Name != "id" {
		t.Errorf("Expected id to be primary, got %+v", schema.Primary())
	}

	sort := schema.DefaultSort()
	if len(sort) != 1 || sort[0].Field != "createdAt" || sort[0].Direction != SortDesc {
		t.Errorf("Expected default sort -createdAt, got %v", sort)
	}
}

type taggedArticle struct {
	ArticleID uuid.UUID         `db:"article_id,primary"`
	Title     string            `json:"title" ds:"required,searchable"`
	Body      string            `ds:"hidden=byDefault"`
	Secret    string            `json:"-"`
	Views     int64             `ds:"readonly"`
	Published bool              `ds:"permission=editor"`
	Tags      []string          `json:"tags"`
	Meta      map[string]string `json:"meta"`
	Raw       []byte            `json:"raw"`
	When      *time.Time        `json:"when"`
	Author    *TestUserNoTags   `json:"author"`
	internal  int
}

func TestSchemaFromStructOptions(t *testing.T) {
	sb, err := SchemaFromStruct(taggedArticle{})
	if err != nil {
		t.Fatalf("SchemaFromStruct failed: %v", err)
	}
	schema, err := sb.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	types := map[string]FieldType{
		"articleId": TypeString,
		"title":     TypeString,
		"views":     TypeNumber,
		"published": TypeBoolean,
		"tags":      TypeArray,
		"meta":      TypeObject,
		"raw":       TypeCustom,
		"when":      TypeDate,
	}
	for name, typ := range types {
		f, ok := schema.Field(name)
		if !ok {
			t.Errorf("field %q not found", name)
			continue
		}
		if f.Type != typ {
			t.Errorf("field %q: type %s, want %s", name, f.Type, typ)
		}
	}

	for _, skipped := range []string{"secret", "author", "internal"} {
		if _, ok := schema.Field(skipped); ok {
			t.Errorf("field %q should not be declared", skipped)
		}
	}

	if p := schema.Primary(); p == nil || p.Column != "article_id" {
		t.Errorf("Expected article_id primary key, got %+v", p)
	}

	title, _ := schema.Field("title")
	if !title.Required || !title.Searchable {
		t.Error("title should be required and searchable")
	}
	body, _ := schema.Field("body")
	if body.Hidden != HiddenByDefault {
		t.Errorf("body hidden mode %q", body.Hidden)
	}
	views, _ := schema.Field("views")
	if !views.ReadOnly {
		t.Error("views should be readonly")
	}
	published, _ := schema.Field("published")
	if published.Permission != "editor" {
		t.Errorf("published permission %q", published.Permission)
	}

	// no createdAt: sorts by primary key
	if sort := schema.DefaultSort(); len(sort) != 1 || sort[0].Field != "articleId" {
		t.Errorf("Expected default sort by primary key, got %v", sort)
	}
}

func TestSchemaFromStructErrors(t *testing.T) {
	if _, err := SchemaFromStruct(42); err == nil {
		t.Error("Expected error for non-struct model")
	}

	type badTag struct {
		Name string `ds:"sortable"`
	}
	if _, err := SchemaFromStruct(badTag{}); err == nil {
		t.Error("Expected error for unknown ds option")
	}
}
