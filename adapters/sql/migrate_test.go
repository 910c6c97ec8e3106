package sql

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/preslavrachev/datastore/core"
)

func TestCreateTableStatement(t *testing.T) {
	schema, err := core.NewSchemaBuilder("Note").
		Table("notes").
		Fields(
			core.NewField("id", core.TypeString).Primary(),
			core.NewField("title", core.TypeString).Required(),
			core.NewField("meta", core.TypeObject),
			core.NewField("summary", core.TypeString).Virtual(core.TransformFunc(func(v any, fc core.FieldContext) (any, error) { return "", nil })),
		).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	tests := []struct {
		dialect core.BackendKind
		want    []string
	}{
		{core.BackendSQLite, []string{`CREATE TABLE IF NOT EXISTS "notes"`, `"id" TEXT PRIMARY KEY`, `"title" TEXT NOT NULL`, `"meta" TEXT`}},
		{core.BackendPostgres, []string{`"id" TEXT PRIMARY KEY`, `"meta" JSONB`}},
		{core.BackendMySQL, []string{"CREATE TABLE IF NOT EXISTS `notes`", "`id` VARCHAR(64) PRIMARY KEY", "`title` VARCHAR(255) NOT NULL", "`meta` JSON"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			stmt, err := CreateTableStatement(tt.dialect, schema)
			if err != nil {
				t.Fatalf("CreateTableStatement failed: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(stmt, want) {
					t.Errorf("Expected %q in\n%s", want, stmt)
				}
			}
			if strings.Contains(stmt, "summary") {
				t.Errorf("Virtual field leaked into\n%s", stmt)
			}
		})
	}

	if _, err := CreateTableStatement(core.BackendDocument, schema); err == nil {
		t.Error("Expected the document backend to be rejected")
	}
}

func TestMigrateRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	ctx := context.Background()
	schema := userSchema(t)
	if err := Migrate(ctx, db, core.BackendSQLite, schema); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if err := Migrate(ctx, db, core.BackendSQLite, schema); err != nil {
		t.Fatalf("Migrate is not idempotent: %v", err)
	}

	a := New(db, schema)
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	created, err := a.Insert(ctx, core.Entity{"name": "Ann", "age": 3, "active": false})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if created["id"] != int64(1) || created["age"] != int64(3) || created["active"] != false {
		t.Errorf("Unexpected row %#v", created)
	}
}
