// Command datastore runs CRUD operations against a SQL database described by
// a YAML schema file.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	sqladapter "github.com/preslavrachev/datastore/adapters/sql"
	"github.com/preslavrachev/datastore/auth"
	"github.com/preslavrachev/datastore/config"
	"github.com/preslavrachev/datastore/core"
)

// Exit codes
const (
	ExitOK = iota
	ExitError
	ExitUsage
	ExitNotFound
)

// GlobalFlags are accepted before the command name
type GlobalFlags struct {
	Config      string
	Schema      string
	Driver      string
	DSN         string
	Tenant      string
	Permissions []string
	Debug       bool
}

const usage = `Usage: datastore [global options] <command> [args]

Commands:
  models                          List the models in the schema file
  migrate                         Create missing tables
  find    <model> [param=value]   Find entities (params as in ?sort=-age&limit=5)
  list    <model> [param=value]   Paginated find with totals
  count   <model> [param=value]   Count matching entities
  get     <model> <id>            Fetch one entity
  create  <model>                 Create from a JSON object or array (--data or stdin)
  update  <model> <id>            Apply a JSON change set
  replace <model> <id>            Replace an entity
  update-many <model> [param=value]
  remove  <model> <id>
  remove-many <model> [param=value]
  clear   <model>
  index   <model> --fields email:1,createdAt:-1 [--unique] [--sparse]
  drop-index <model> (--name n | --fields ...)

Global options:
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var globals GlobalFlags
	fs := flag.NewFlagSet("datastore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.StringVar(&globals.Config, "config", "", "Config file (default ./datastore.yaml when present)")
	fs.StringVarP(&globals.Schema, "schema", "s", "schema.yaml", "YAML schema file")
	fs.StringVar(&globals.Driver, "driver", "", "database/sql driver: sqlite3, sqlite, pgx, postgres, mysql")
	fs.StringVar(&globals.DSN, "dsn", "", "Data source name")
	fs.StringVar(&globals.Tenant, "tenant", core.DefaultTenant, "Tenant key")
	fs.StringSliceVar(&globals.Permissions, "as", nil, "Act with these permission tags instead of as system")
	fs.BoolVar(&globals.Debug, "debug", false, "Enable SQL debug logging")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return ExitUsage
	}

	app, err := open(ctx, globals, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitError
	}
	defer app.Close(ctx)

	ctx = core.WithTenant(ctx, globals.Tenant)
	if globals.Permissions == nil {
		ctx = auth.WithSystem(ctx)
	} else {
		ctx = auth.WithAuthUser(ctx, &auth.AuthUser{Username: "cli", Permissions: globals.Permissions})
	}

	name, rest := fs.Arg(0), fs.Args()[1:]
	if err := app.dispatch(ctx, name, rest, stdin); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		switch {
		case errors.Is(err, errUsage):
			return ExitUsage
		case errors.Is(err, core.ErrNotFound):
			return ExitNotFound
		}
		return ExitError
	}
	return ExitOK
}

// app holds the open database and the services of every schema
type app struct {
	db      *sql.DB
	dialect core.BackendKind
	schemas []*core.Schema
	store   *core.Store
	out     io.Writer
}

func open(ctx context.Context, globals GlobalFlags, out io.Writer) (*app, error) {
	cfg, err := config.Load(globals.Config)
	if err != nil {
		return nil, err
	}
	if globals.Driver != "" {
		cfg.Database.Driver = globals.Driver
	}
	if globals.DSN != "" {
		cfg.Database.DSN = globals.DSN
	}
	debug := cfg.Database.Debug || globals.Debug

	dialect, err := sqladapter.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	schemas, err := core.LoadSchemaFile(globals.Schema)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == core.BackendSQLite {
		// SQLite allows one writer at a time
		db.SetMaxOpenConns(1)
	}

	byName := make(map[string]*core.Schema, len(schemas))
	for _, s := range schemas {
		byName[s.Name] = s
	}
	registry := core.NewRegistry(func(ctx context.Context, key string) (core.Adapter, error) {
		_, model, _ := strings.Cut(key, "/")
		schema, ok := byName[model]
		if !ok {
			return nil, fmt.Errorf("unknown model %q", model)
		}
		var ids core.IDNormalizer = core.IntegerIDs{}
		if pk := schema.Primary(); pk != nil && pk.Type != core.TypeNumber {
			ids = core.StringIDs{}
		}
		return sqladapter.NewWithDebug(db, schema, debug, sqladapter.WithDialect(dialect), sqladapter.WithIdentifiers(ids)), nil
	})

	a := &app{db: db, dialect: dialect, schemas: schemas, store: core.NewStore(registry, cfg.Store), out: out}
	for _, s := range schemas {
		if _, err := a.store.Register(s); err != nil {
			db.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) Close(ctx context.Context) error {
	err := a.store.Close(ctx)
	if cerr := a.db.Close(); err == nil {
		err = cerr
	}
	return err
}
