package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	sqladapter "github.com/preslavrachev/datastore/adapters/sql"
	"github.com/preslavrachev/datastore/core"
)

var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func (a *app) dispatch(ctx context.Context, name string, args []string, stdin io.Reader) error {
	switch name {
	case "models":
		return a.models()
	case "migrate":
		if err := sqladapter.Migrate(ctx, a.db, a.dialect, a.schemas...); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "migrated %d tables\n", len(a.schemas))
		return nil
	case "find", "list", "count", "update-many", "remove-many":
		return a.query(ctx, name, args, stdin)
	case "get", "update", "replace", "remove":
		return a.byID(ctx, name, args, stdin)
	case "create":
		return a.create(ctx, args, stdin)
	case "clear":
		svc, _, err := a.service(args)
		if err != nil {
			return err
		}
		n, err := svc.Clear(ctx)
		if err != nil {
			return err
		}
		return a.print(map[string]int64{"removed": n})
	case "index", "drop-index":
		return a.index(ctx, name, args)
	}
	return usageError("unknown command %q", name)
}

func (a *app) models() error {
	type model struct {
		Name   string   `json:"name"`
		Table  string   `json:"table"`
		Fields []string `json:"fields"`
	}
	out := make([]model, 0, len(a.schemas))
	for _, s := range a.schemas {
		m := model{Name: s.Name, Table: s.Table}
		for _, f := range s.Fields() {
			m.Fields = append(m.Fields, f.Name)
		}
		out = append(out, m)
	}
	return a.print(out)
}

// service resolves the model argument and returns the remaining arguments
func (a *app) service(args []string) (*core.Service, []string, error) {
	if len(args) == 0 {
		return nil, nil, usageError("model name required")
	}
	svc, ok := a.store.Service(args[0])
	if !ok {
		return nil, nil, usageError("unknown model %q", args[0])
	}
	return svc, args[1:], nil
}

// query runs the commands taking request parameters
func (a *app) query(ctx context.Context, name string, args []string, stdin io.Reader) error {
	svc, rest, err := a.service(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	data := fs.String("data", "", "JSON change set (update-many; default stdin)")
	raw := fs.Bool("raw", false, "Pass changes as native update expressions")
	if err := fs.Parse(rest); err != nil {
		return usageError("%v", err)
	}
	params, err := parseParams(fs.Args())
	if err != nil {
		return err
	}

	switch name {
	case "find":
		items, err := svc.Find(ctx, params)
		if err != nil {
			return err
		}
		return a.print(items)
	case "list":
		page, err := svc.List(ctx, params)
		if err != nil {
			return err
		}
		return a.print(page)
	case "count":
		n, err := svc.Count(ctx, params)
		if err != nil {
			return err
		}
		return a.print(map[string]int64{"count": n})
	case "update-many":
		changes, err := readObject(*data, stdin)
		if err != nil {
			return err
		}
		n, err := svc.UpdateMany(ctx, params, changes, core.WriteOptions{Raw: *raw})
		if err != nil {
			return err
		}
		return a.print(map[string]int64{"updated": n})
	default:
		n, err := svc.RemoveMany(ctx, params)
		if err != nil {
			return err
		}
		return a.print(map[string]int64{"removed": n})
	}
}

func (a *app) byID(ctx context.Context, name string, args []string, stdin io.Reader) error {
	svc, rest, err := a.service(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fields := fs.StringSlice("fields", nil, "Fields to return")
	populate := fs.StringSlice("populate", nil, "Reference fields to resolve")
	data := fs.String("data", "", "JSON document (update, replace; default stdin)")
	raw := fs.Bool("raw", false, "Pass changes as native update expressions")
	if err := fs.Parse(rest); err != nil {
		return usageError("%v", err)
	}
	if fs.NArg() != 1 {
		return usageError("%s needs exactly one id", name)
	}
	id := fs.Arg(0)
	opts := core.WriteOptions{Fields: *fields, Populate: *populate, Raw: *raw}

	var entity core.Entity
	switch name {
	case "get":
		entity, err = svc.Get(ctx, id, core.GetOptions{Fields: *fields, Populate: *populate})
	case "remove":
		entity, err = svc.Remove(ctx, id, opts)
	default:
		var doc core.Entity
		if doc, err = readObject(*data, stdin); err != nil {
			return err
		}
		if name == "update" {
			entity, err = svc.Update(ctx, id, doc, opts)
		} else {
			entity, err = svc.Replace(ctx, id, doc, opts)
		}
	}
	if err != nil {
		return err
	}
	return a.printEntity(ctx, svc, entity)
}

func (a *app) create(ctx context.Context, args []string, stdin io.Reader) error {
	svc, rest, err := a.service(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	data := fs.String("data", "", "JSON object or array (default stdin)")
	if err := fs.Parse(rest); err != nil {
		return usageError("%v", err)
	}

	body, err := readInput(*data, stdin)
	if err != nil {
		return err
	}
	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "[") {
		var docs []core.Entity
		if err := json.Unmarshal(body, &docs); err != nil {
			return fmt.Errorf("invalid JSON array: %w", err)
		}
		items, err := svc.CreateMany(ctx, docs, core.WriteOptions{})
		if err != nil {
			return err
		}
		return a.print(items)
	}

	var doc core.Entity
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid JSON object: %w", err)
	}
	created, err := svc.Create(ctx, doc, core.WriteOptions{})
	if err != nil {
		return err
	}
	return a.printEntity(ctx, svc, created)
}

func (a *app) index(ctx context.Context, name string, args []string) error {
	svc, rest, err := a.service(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fields := fs.StringSlice("fields", nil, "field:direction pairs, e.g. email:1,createdAt:-1")
	indexName := fs.String("name", "", "Index name")
	unique := fs.Bool("unique", false, "Unique index")
	sparse := fs.Bool("sparse", false, "Skip rows where the fields are null")
	if err := fs.Parse(rest); err != nil {
		return usageError("%v", err)
	}

	def := core.IndexDefinition{Name: *indexName, Unique: *unique, Sparse: *sparse, Fields: make(map[string]int)}
	for _, spec := range *fields {
		field, dir, ok := strings.Cut(spec, ":")
		order := 1
		if ok {
			if order, err = strconv.Atoi(dir); err != nil || (order != 1 && order != -1) {
				return usageError("invalid direction in %q", spec)
			}
		}
		def.Fields[field] = order
	}

	var result string
	if name == "index" {
		result, err = svc.CreateIndex(ctx, def)
	} else {
		result, err = svc.RemoveIndex(ctx, def)
	}
	if err != nil {
		return err
	}
	return a.print(map[string]string{"index": result})
}

// parseParams turns param=value arguments into FindParams
func parseParams(args []string) (core.FindParams, error) {
	values := make(url.Values)
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return core.FindParams{}, usageError("expected param=value, got %q", arg)
		}
		values.Add(key, value)
	}
	return core.ParseFindParams(values)
}

func readInput(data string, stdin io.Reader) ([]byte, error) {
	if data != "" {
		return []byte(data), nil
	}
	body, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, usageError("no JSON input given")
	}
	return body, nil
}

func readObject(data string, stdin io.Reader) (core.Entity, error) {
	body, err := readInput(data, stdin)
	if err != nil {
		return nil, err
	}
	var doc core.Entity
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return doc, nil
}

func (a *app) printEntity(ctx context.Context, svc *core.Service, entity core.Entity) error {
	data, err := svc.ToJSON(ctx, entity)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "%s\n", data)
	return err
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
