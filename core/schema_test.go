package core

import (
	"strings"
	"testing"
)

func TestSchemaInvariants(t *testing.T) {
	tests := []struct {
		name    string
		builder *SchemaBuilder
		wantErr string
	}{
		{
			name:    "duplicate field",
			builder: NewSchemaBuilder("A").Fields(NewField("x", TypeString), NewField("x", TypeNumber)),
			wantErr: "duplicate field",
		},
		{
			name:    "two primaries",
			builder: NewSchemaBuilder("A").Fields(NewField("a", TypeString).Primary(), NewField("b", TypeString).Primary()),
			wantErr: "both primary",
		},
		{
			name:    "shared column",
			builder: NewSchemaBuilder("A").Fields(NewField("a", TypeString).Column("c"), NewField("b", TypeString).Column("c")),
			wantErr: "share column",
		},
		{
			name:    "unknown type",
			builder: NewSchemaBuilder("A").Fields(NewField("a", FieldType("decimal"))),
			wantErr: "unknown type",
		},
		{
			name:    "secure without encoder",
			builder: NewSchemaBuilder("A").Fields(NewField("a", TypeString).Secure()),
			wantErr: "needs an encoder",
		},
		{
			name:    "undefined default scope",
			builder: NewSchemaBuilder("A").Fields(NewField("a", TypeString)).DefaultScopes("active"),
			wantErr: "not defined",
		},
		{
			name:    "undefined default sort",
			builder: NewSchemaBuilder("A").Fields(NewField("a", TypeString)).DefaultSort("-b"),
			wantErr: "not defined",
		},
		{
			name:    "empty name",
			builder: NewSchemaBuilder(""),
			wantErr: "name cannot be empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSchemaVirtualFieldsMayShareColumn(t *testing.T) {
	_, err := NewSchema("A",
		NewField("a", TypeString).Column("c"),
		NewField("b", TypeString).Column("c").Virtual(nil),
	)
	if err != nil {
		t.Errorf("virtual fields are not persisted and may reuse a column name: %v", err)
	}
}

func TestSchemaColumnMapping(t *testing.T) {
	s, err := NewSchema("BlogPost",
		NewField("id", TypeNumber).Primary(),
		NewField("authorName", TypeString),
		NewField("body", TypeString).Column("content"),
		NewField("summary", TypeString).Virtual(nil),
	)
	if err != nil {
		t.Fatalf("NewSchema failed: %v", err)
	}
	if s.Table != "blog_posts" {
		t.Errorf("Expected table blog_posts, got %s", s.Table)
	}

	row := s.ToColumns(Entity{"id": 1, "authorName": "ann", "body": "hi", "summary": "x", "junk": true})
	want := Entity{"id": 1, "author_name": "ann", "content": "hi"}
	if len(row) != len(want) {
		t.Fatalf("ToColumns = %v, want %v", row, want)
	}
	for k, v := range want {
		if row[k] != v {
			t.Errorf("ToColumns[%s] = %v, want %v", k, row[k], v)
		}
	}

	back := s.FromColumns(Entity{"author_name": "ann", "content": "hi", "other": 1})
	if back["authorName"] != "ann" || back["body"] != "hi" || len(back) != 2 {
		t.Errorf("FromColumns = %v", back)
	}
}

func TestSchemaSoftDeleteScope(t *testing.T) {
	s, err := NewSchema("Note",
		NewField("id", TypeString).Primary(),
		NewField("deletedAt", TypeDate).OnRemove(Now()),
	)
	if err != nil {
		t.Fatalf("NewSchema failed: %v", err)
	}
	if !s.SoftDelete() {
		t.Fatal("Expected soft delete")
	}
	scope, ok := s.Scope(ScopeNotDeleted)
	if !ok {
		t.Fatal("Expected notDeleted scope")
	}
	if v, present := scope.Query["deletedAt"]; !present || v != nil {
		t.Errorf("Unexpected notDeleted scope query: %v", scope.Query)
	}
	if len(s.DefaultScopes()) != 1 || s.DefaultScopes()[0] != ScopeNotDeleted {
		t.Errorf("Expected notDeleted as default scope, got %v", s.DefaultScopes())
	}
}

func TestSchemaLookupTables(t *testing.T) {
	s, err := NewSchema("Note",
		NewField("id", TypeString).Primary(),
		NewField("title", TypeString).Searchable(),
		NewField("body", TypeString).Searchable(),
		NewField("views", TypeNumber).Default(0).OnUpdate(Static(1)),
		NewField("archivedAt", TypeDate).OnRemove(Now()),
		NewField("deletedAt", TypeDate).OnRemove(Now()),
	)
	if err != nil {
		t.Fatalf("NewSchema failed: %v", err)
	}

	var searchable []string
	for _, f := range s.SearchableFields() {
		searchable = append(searchable, f.Name)
	}
	if strings.Join(searchable, ",") != "title,body" {
		t.Errorf("SearchableFields = %v", searchable)
	}
	if len(s.onRemove) != 2 || s.onRemove[0].Name != "archivedAt" || s.onRemove[1].Name != "deletedAt" {
		t.Errorf("Expected both deletion markers in declaration order, got %d", len(s.onRemove))
	}
	if !s.softDeleteScope {
		t.Error("Expected the generated notDeleted scope")
	}

	custom, err := NewSchemaBuilder("Note").Fields(
		NewField("id", TypeString).Primary(),
		NewField("deletedAt", TypeDate).OnRemove(Now()),
	).Scope(ScopeNotDeleted, map[string]any{"deletedAt": map[string]any{"$exists": false}}).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if custom.softDeleteScope {
		t.Error("A declared notDeleted scope must not be treated as generated")
	}
}
