package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const taskSchema = `
name: Task
table: tasks
defaultSort: [title]
fields:
  - name: id
    type: number
    primary: true
  - name: title
    type: string
    required: true
    searchable: true
  - name: done
    type: boolean
    default: false
  - name: createdAt
    type: date
    readonly: true
    onCreate: now
`

type cli struct {
	t       *testing.T
	globals []string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	schema := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(schema, []byte(taskSchema), 0o600))
	return &cli{t: t, globals: []string{
		"--schema", schema,
		"--driver", "sqlite3",
		"--dsn", filepath.Join(dir, "tasks.db"),
	}}
}

// exec runs one command and returns its exit code and output
func (c *cli) exec(stdin string, args ...string) (int, string, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append(c.globals, args...), strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLIWorkflow(t *testing.T) {
	c := newCLI(t)

	code, out, errOut := c.exec("", "migrate")
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, "migrated 1 tables")

	code, out, errOut = c.exec("", "create", "Task", "--data", `{"title":"write tests"}`)
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, `"title":"write tests"`)
	assert.Contains(t, out, `"done":false`)

	code, _, errOut = c.exec(`[{"title":"ship it"},{"title":"celebrate","done":true}]`, "create", "Task")
	require.Equal(t, ExitOK, code, errOut)

	code, out, errOut = c.exec("", "count", "Task", "done=false")
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, `"count": 2`)

	code, out, errOut = c.exec("", "list", "Task", "pageSize=2", "page=2")
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, `"total_count": 3`)
	assert.Contains(t, out, `"title": "write tests"`)

	code, out, errOut = c.exec("", "update", "Task", "1", "--data", `{"done":true}`)
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, `"done":true`)

	code, out, errOut = c.exec("", "find", "Task", "search=SHIP", "fields=title")
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, "ship it")
	assert.NotContains(t, out, "celebrate")

	code, _, errOut = c.exec("", "index", "Task", "--fields", "title:1", "--unique")
	require.Equal(t, ExitOK, code, errOut)
	code, _, errOut = c.exec("", "create", "Task", "--data", `{"title":"ship it"}`)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, errOut, "duplicate key")

	code, _, errOut = c.exec("", "remove", "Task", "1")
	require.Equal(t, ExitOK, code, errOut)
	code, _, _ = c.exec("", "get", "Task", "1")
	assert.Equal(t, ExitNotFound, code)

	code, out, errOut = c.exec("", "clear", "Task")
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, `"removed": 2`)
}

func TestCLIUsageErrors(t *testing.T) {
	c := newCLI(t)

	tests := [][]string{
		{"frobnicate"},
		{"find"},
		{"find", "Ghost"},
		{"get", "Task"},
		{"find", "Task", "not-a-param"},
		{"index", "Task", "--fields", "title:2"},
	}
	for _, args := range tests {
		code, _, _ := c.exec("", args...)
		assert.Equal(t, ExitUsage, code, strings.Join(args, " "))
	}

	var stdout, stderr bytes.Buffer
	assert.Equal(t, ExitUsage, run(context.Background(), nil, strings.NewReader(""), &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: datastore")

	code, _, errOut := c.exec("", "create", "Task")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, errOut, "no JSON input")
}

func TestCLIModels(t *testing.T) {
	c := newCLI(t)
	code, out, errOut := c.exec("", "models")
	require.Equal(t, ExitOK, code, errOut)
	assert.Contains(t, out, `"name": "Task"`)
	assert.Contains(t, out, `"table": "tasks"`)
}
