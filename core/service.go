package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/preslavrachev/datastore/auth"
)

// Config holds the options consumed by services
type Config struct {
	MaxLimit        int  `json:"max_limit" mapstructure:"max_limit"` // -1 means unbounded
	DefaultPageSize int  `json:"default_page_size" mapstructure:"default_page_size"`
	CacheEnabled    bool `json:"cache_enabled" mapstructure:"cache_enabled"`
	CacheSize       int  `json:"cache_size" mapstructure:"cache_size"`
	AutoReconnect   bool `json:"auto_reconnect" mapstructure:"auto_reconnect"`
	StringID        bool `json:"string_id" mapstructure:"string_id"` // expose identifiers as strings
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() Config {
	return Config{
		MaxLimit:        DefaultMaxLimit,
		DefaultPageSize: DefaultPageSize,
		CacheSize:       256,
		StringID:        true,
	}
}

// Invalidator receives a signal after every write. An empty id list means
// the whole model may have changed.
type Invalidator interface {
	Invalidate(ctx context.Context, model string, ids []string)
}

// InvalidatorFunc adapts a function to an Invalidator
type InvalidatorFunc func(ctx context.Context, model string, ids []string)

func (f InvalidatorFunc) Invalidate(ctx context.Context, model string, ids []string) {
	f(ctx, model, ids)
}

// FindParams are the request parameters of find, list and count
type FindParams struct {
	Query        map[string]any `json:"query,omitempty"`
	Search       string         `json:"search,omitempty"`
	SearchFields []string       `json:"search_fields,omitempty"`
	Sort         []string       `json:"sort,omitempty"`
	Fields       []string       `json:"fields,omitempty"`
	Limit        int            `json:"limit,omitempty"` // 0 uses the default, Unbounded asks for everything
	Offset       int            `json:"offset,omitempty"`
	Page         int            `json:"page,omitempty"`
	PageSize     int            `json:"page_size,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"` // "-name" disables a default scope
	Populate     []string       `json:"populate,omitempty"`
	Hint         string         `json:"hint,omitempty"`
	Collation    string         `json:"collation,omitempty"`
	NoCount      bool           `json:"no_count,omitempty"` // List skips the total count
}

// GetOptions shape the result of Get
type GetOptions struct {
	Fields   []string
	Populate []string
	Scopes   []string
}

// WriteOptions shape writes and their returned entity
type WriteOptions struct {
	Fields   []string
	Populate []string
	// Raw hands the changes to the adapter as native update expressions,
	// bypassing the field pipeline. Keys are column names.
	Raw bool
}

// ResolveOptions shape the result of Resolve
type ResolveOptions struct {
	Fields          []string
	Populate        []string
	Scopes          []string
	Mapping         bool // fill Resolved.ByID
	ThrowIfNotExist bool // fail with NotFoundError when an id has no match
}

// ListResult represents paginated query results
type ListResult struct {
	Items      []Entity `json:"items"`
	TotalCount int64    `json:"total_count"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalPages int      `json:"total_pages"`
	HasMore    bool     `json:"has_more"`
}

// Resolved is the result of a batch identifier lookup
type Resolved struct {
	Items []Entity          `json:"items"`
	ByID  map[string]Entity `json:"by_id,omitempty"`
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithConfig sets the service configuration
func WithConfig(cfg Config) ServiceOption {
	return func(s *Service) { s.config = cfg }
}

// WithInvalidator adds an external invalidation target
func WithInvalidator(inv Invalidator) ServiceOption {
	return func(s *Service) { s.invalidators = append(s.invalidators, inv) }
}

// WithResolvers sets the lookup used for populate specs naming a target service
func WithResolvers(lookup func(name string) (Resolver, bool)) ServiceOption {
	return func(s *Service) { s.resolvers = lookup }
}

// Service sequences the field pipeline, the filter compiler and adapter calls
// for one schema. It holds no per-request state and is safe for concurrent use.
type Service struct {
	schema       *Schema
	source       AdapterSource
	config       Config
	cache        *lru.Cache[string, Entity]
	invalidators []Invalidator
	resolvers    func(name string) (Resolver, bool)
}

// NewService creates the service of a schema
func NewService(schema *Schema, source AdapterSource, opts ...ServiceOption) (*Service, error) {
	if schema == nil {
		return nil, errors.New("datastore: schema is required")
	}
	if source == nil {
		return nil, errors.New("datastore: adapter source is required")
	}
	s := &Service{schema: schema, source: source, config: DefaultConfig()}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.MaxLimit == 0 {
		s.config.MaxLimit = DefaultMaxLimit
	}
	if s.config.DefaultPageSize == 0 {
		s.config.DefaultPageSize = DefaultPageSize
	}
	if s.config.CacheEnabled {
		size := s.config.CacheSize
		if size <= 0 {
			size = DefaultConfig().CacheSize
		}
		cache, err := lru.New[string, Entity](size)
		if err != nil {
			return nil, fmt.Errorf("datastore: create cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Name returns the schema name the service is registered under
func (s *Service) Name() string { return s.schema.Name }

// Schema returns the compiled schema
func (s *Service) Schema() *Schema { return s.schema }

// Config returns the service configuration
func (s *Service) Config() Config { return s.config }

// Find returns the entities matching params
func (s *Service) Find(ctx context.Context, params FindParams) ([]Entity, error) {
	limit := params.Limit
	if limit == 0 {
		limit = s.config.MaxLimit
	}
	return s.find(ctx, params, ClampLimit(limit, s.config.MaxLimit))
}

func (s *Service) find(ctx context.Context, params FindParams, limit int) ([]Entity, error) {
	filter, err := s.filter(params, limit)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, filter, params)
}

// run executes a built filter and applies the read stage to the results
func (s *Service) run(ctx context.Context, filter *Filter, params FindParams) ([]Entity, error) {
	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}
	q, err := Compile(filter, s.schema, a)
	if err != nil {
		return nil, err
	}
	rows, err := a.Find(ctx, q)
	if err != nil {
		return nil, s.fail(ctx, "find", err)
	}
	items, err := s.load(a, rows)
	if err != nil {
		return nil, err
	}
	return s.present(ctx, items, params.Fields, params.Populate)
}

// List returns one page of entities and, unless NoCount is set, the total count
func (s *Service) List(ctx context.Context, params FindParams) (*ListResult, error) {
	pageSize := params.PageSize
	if pageSize == 0 {
		pageSize = params.Limit
	}
	if pageSize == 0 {
		pageSize = s.config.DefaultPageSize
	}
	pageSize = ClampLimit(pageSize, s.config.MaxLimit)

	filter, err := s.filter(params, pageSize)
	if err != nil {
		return nil, err
	}
	items, err := s.run(ctx, filter, params)
	if err != nil {
		return nil, err
	}

	result := &ListResult{Items: items, Page: filter.CurrentPage(), PageSize: pageSize}
	if params.NoCount {
		result.HasMore = pageSize > 0 && len(items) == pageSize
		return result, nil
	}
	total, err := s.Count(ctx, params)
	if err != nil {
		return nil, err
	}
	result.TotalCount = total
	result.TotalPages = TotalPages(total, pageSize)
	result.HasMore = int64(filter.Offset+len(items)) < total
	return result, nil
}

// Count returns the number of entities matching params, ignoring pagination
func (s *Service) Count(ctx context.Context, params FindParams) (int64, error) {
	filter, err := s.filter(params, 0)
	if err != nil {
		return 0, err
	}
	filter.Sort, filter.Offset = nil, 0
	a, err := s.adapter(ctx)
	if err != nil {
		return 0, err
	}
	q, err := Compile(filter, s.schema, a)
	if err != nil {
		return 0, err
	}
	n, err := a.Count(ctx, q)
	if err != nil {
		return 0, s.fail(ctx, "count", err)
	}
	return n, nil
}

// FindOne returns the first entity matching params, or NotFoundError
func (s *Service) FindOne(ctx context.Context, params FindParams) (Entity, error) {
	filter, err := s.filter(params, 1)
	if err != nil {
		return nil, err
	}
	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}
	q, err := Compile(filter, s.schema, a)
	if err != nil {
		return nil, err
	}
	row, err := a.FindOne(ctx, q)
	if err != nil {
		return nil, s.fail(ctx, "findOne", err)
	}
	if row == nil {
		return nil, &NotFoundError{Model: s.schema.Name}
	}
	return s.presentRow(ctx, a, row, params.Fields, params.Populate)
}

// Get returns the entity with the given id, or NotFoundError
func (s *Service) Get(ctx context.Context, id any, opts GetOptions) (Entity, error) {
	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}
	native, canonical, err := s.nativeID(a, id)
	if err != nil {
		return nil, err
	}
	scopes, excludeDeleted, err := s.lookupScopes(opts.Scopes)
	if err != nil {
		return nil, err
	}
	item, err := s.fetch(ctx, a, native, canonical, true)
	if err != nil {
		return nil, err
	}
	if item == nil || excludeDeleted && s.deleted(item) {
		return nil, &NotFoundError{Model: s.schema.Name, ID: id}
	}
	if len(scopes) > 0 {
		matched, err := s.inScope(ctx, a, []string{canonical}, scopes)
		if err != nil {
			return nil, err
		}
		if !matched[canonical] {
			return nil, &NotFoundError{Model: s.schema.Name, ID: id}
		}
	}
	items, err := s.present(ctx, []Entity{item}, opts.Fields, opts.Populate)
	if err != nil {
		return nil, err
	}
	return items[0], nil
}

// Resolve looks up a batch of ids in one adapter call. Items follow the order
// of ids; ids without a match are skipped unless ThrowIfNotExist is set.
func (s *Service) Resolve(ctx context.Context, ids []any, opts ResolveOptions) (*Resolved, error) {
	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}
	scopes, excludeDeleted, err := s.lookupScopes(opts.Scopes)
	if err != nil {
		return nil, err
	}
	canon := make([]string, len(ids))
	natives := make([]any, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		native, c, err := s.nativeID(a, id)
		if err != nil {
			return nil, err
		}
		canon[i] = c
		if !seen[c] {
			seen[c] = true
			natives = append(natives, native)
		}
	}

	var rows []Entity
	if len(natives) > 0 {
		if rows, err = a.FindByIDs(ctx, natives); err != nil {
			return nil, s.fail(ctx, "findByIds", err)
		}
	}
	loaded, err := s.load(a, rows)
	if err != nil {
		return nil, err
	}
	var matched map[string]bool
	if len(scopes) > 0 && len(loaded) > 0 {
		found := make([]string, 0, len(loaded))
		for _, item := range loaded {
			c, err := s.idString(a, item)
			if err != nil {
				return nil, err
			}
			found = append(found, c)
		}
		if matched, err = s.inScope(ctx, a, found, scopes); err != nil {
			return nil, err
		}
	}
	byCanon := make(map[string]Entity, len(loaded))
	for _, item := range loaded {
		if excludeDeleted && s.deleted(item) {
			continue
		}
		c, err := s.idString(a, item)
		if err != nil {
			return nil, err
		}
		if matched != nil && !matched[c] {
			continue
		}
		byCanon[c] = item
	}

	ordered := make([]Entity, 0, len(ids))
	keys := make([]string, 0, len(ids))
	for i, id := range ids {
		item, ok := byCanon[canon[i]]
		if !ok {
			if opts.ThrowIfNotExist {
				return nil, &NotFoundError{Model: s.schema.Name, ID: id}
			}
			continue
		}
		ordered = append(ordered, item)
		keys = append(keys, fmt.Sprint(id))
	}

	items, err := s.present(ctx, ordered, opts.Fields, opts.Populate)
	if err != nil {
		return nil, err
	}
	res := &Resolved{Items: items}
	if opts.Mapping {
		res.ByID = make(map[string]Entity, len(items))
		for i, item := range items {
			res.ByID[keys[i]] = item
		}
	}
	return res, nil
}

// ResolveByID makes a Service usable as the Resolver of populate specs
func (s *Service) ResolveByID(ctx context.Context, ids []string, fields []string) (map[string]Entity, error) {
	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}
	res, err := s.Resolve(ctx, anyIDs, ResolveOptions{Fields: fields, Mapping: true})
	if err != nil {
		return nil, err
	}
	return res.ByID, nil
}

// Create validates and stores a new entity
func (s *Service) Create(ctx context.Context, entity Entity, opts WriteOptions) (Entity, error) {
	processed, err := ProcessFields(ctx, entity, s.schema, ProcessContext{
		Stage:       StageCreate,
		Permissions: auth.PermissionsFrom(ctx),
	})
	if err != nil {
		return nil, err
	}
	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}
	row, err := s.toStore(a, processed)
	if err != nil {
		return nil, err
	}
	inserted, err := a.Insert(ctx, row)
	if err != nil {
		return nil, s.fail(ctx, "insert", err)
	}
	item, err := s.loadOne(a, inserted)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, a, item)
	return s.presentOne(ctx, item, opts.Fields, opts.Populate)
}

// CreateMany validates every entity before storing any of them
func (s *Service) CreateMany(ctx context.Context, entities []Entity, opts WriteOptions) ([]Entity, error) {
	perms := auth.PermissionsFrom(ctx)
	processed := make([]Entity, len(entities))
	var errs *multierror.Error
	for i, e := range entities {
		out, err := ProcessFields(ctx, e, s.schema, ProcessContext{Stage: StageCreate, Permissions: perms})
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("entity %d: %w", i, err))
			continue
		}
		processed[i] = out
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	if len(processed) == 0 {
		return []Entity{}, nil
	}

	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]Entity, len(processed))
	for i, e := range processed {
		if rows[i], err = s.toStore(a, e); err != nil {
			return nil, err
		}
	}
	inserted, err := a.InsertMany(ctx, rows, InsertManyOptions{ReturnEntities: true})
	if err != nil {
		return nil, s.fail(ctx, "insertMany", err)
	}
	items, err := s.load(a, inserted)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, a, items...)
	return s.present(ctx, items, opts.Fields, opts.Populate)
}

// Update applies a change set to the entity with the given id
func (s *Service) Update(ctx context.Context, id any, changes Entity, opts WriteOptions) (Entity, error) {
	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}
	native, canonical, err := s.nativeID(a, id)
	if err != nil {
		return nil, err
	}

	var row Entity
	if opts.Raw {
		row = changes
	} else {
		existing, err := s.fetch(ctx, a, native, canonical, false)
		if err != nil {
			return nil, err
		}
		if existing == nil || s.deleted(existing) {
			return nil, &NotFoundError{Model: s.schema.Name, ID: id}
		}
		processed, err := ProcessFields(ctx, changes, s.schema, ProcessContext{
			Stage:       StageUpdate,
			Permissions: auth.PermissionsFrom(ctx),
			Existing:    existing,
		})
		if err != nil {
			return nil, err
		}
		if len(processed) == 0 {
			return s.presentOne(ctx, existing, opts.Fields, opts.Populate)
		}
		row = s.schema.ToColumns(processed)
	}

	updated, err := a.UpdateByID(ctx, native, row, UpdateOptions{Raw: opts.Raw})
	if err != nil {
		return nil, s.fail(ctx, "updateById", err)
	}
	if updated == nil {
		return nil, &NotFoundError{Model: s.schema.Name, ID: id}
	}
	item, err := s.loadOne(a, updated)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, a, item)
	return s.presentOne(ctx, item, opts.Fields, opts.Populate)
}

// Replace swaps the stored entity for a new one, keeping readonly and immutable values
func (s *Service) Replace(ctx context.Context, id any, entity Entity, opts WriteOptions) (Entity, error) {
	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}
	native, canonical, err := s.nativeID(a, id)
	if err != nil {
		return nil, err
	}
	existing, err := s.fetch(ctx, a, native, canonical, false)
	if err != nil {
		return nil, err
	}
	if existing == nil || s.deleted(existing) {
		return nil, &NotFoundError{Model: s.schema.Name, ID: id}
	}
	processed, err := ProcessFields(ctx, entity, s.schema, ProcessContext{
		Stage:       StageReplace,
		Permissions: auth.PermissionsFrom(ctx),
		Existing:    existing,
	})
	if err != nil {
		return nil, err
	}
	row, err := s.toStore(a, processed)
	if err != nil {
		return nil, err
	}
	if pk := s.schema.Primary(); pk != nil {
		row[pk.Column] = native
	}
	replaced, err := a.ReplaceByID(ctx, native, row)
	if err != nil {
		return nil, s.fail(ctx, "replaceById", err)
	}
	if replaced == nil {
		return nil, &NotFoundError{Model: s.schema.Name, ID: id}
	}
	item, err := s.loadOne(a, replaced)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, a, item)
	return s.presentOne(ctx, item, opts.Fields, opts.Populate)
}

// UpdateMany applies a change set to every entity matching params
func (s *Service) UpdateMany(ctx context.Context, params FindParams, changes Entity, opts WriteOptions) (int64, error) {
	row := changes
	if !opts.Raw {
		processed, err := ProcessFields(ctx, changes, s.schema, ProcessContext{
			Stage:       StageUpdate,
			Permissions: auth.PermissionsFrom(ctx),
		})
		if err != nil {
			return 0, err
		}
		row = s.schema.ToColumns(processed)
	}
	if len(row) == 0 {
		return 0, nil
	}
	return s.updateMatching(ctx, "updateMany", params, row, opts.Raw)
}

func (s *Service) updateMatching(ctx context.Context, op string, params FindParams, row Entity, raw bool) (int64, error) {
	filter, err := s.filter(params, 0)
	if err != nil {
		return 0, err
	}
	filter.Sort, filter.Offset = nil, 0
	a, err := s.adapter(ctx)
	if err != nil {
		return 0, err
	}
	q, err := Compile(filter, s.schema, a)
	if err != nil {
		return 0, err
	}
	n, err := a.UpdateMany(ctx, q, row, UpdateOptions{Raw: raw})
	if err != nil {
		return 0, s.fail(ctx, op, err)
	}
	s.invalidate(ctx, a)
	return n, nil
}

// Remove deletes the entity with the given id. Soft-delete schemas only set
// their deletion markers.
func (s *Service) Remove(ctx context.Context, id any, opts WriteOptions) (Entity, error) {
	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}
	native, canonical, err := s.nativeID(a, id)
	if err != nil {
		return nil, err
	}

	var removed Entity
	if s.schema.SoftDelete() {
		existing, err := s.fetch(ctx, a, native, canonical, false)
		if err != nil {
			return nil, err
		}
		if existing == nil || s.deleted(existing) {
			return nil, &NotFoundError{Model: s.schema.Name, ID: id}
		}
		markers, err := ProcessFields(ctx, existing, s.schema, ProcessContext{Stage: StageRemove})
		if err != nil {
			return nil, err
		}
		if removed, err = a.UpdateByID(ctx, native, s.schema.ToColumns(markers), UpdateOptions{}); err != nil {
			return nil, s.fail(ctx, "updateById", err)
		}
	} else if removed, err = a.RemoveByID(ctx, native); err != nil {
		return nil, s.fail(ctx, "removeById", err)
	}
	if removed == nil {
		return nil, &NotFoundError{Model: s.schema.Name, ID: id}
	}
	item, err := s.loadOne(a, removed)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, a, item)
	return s.presentOne(ctx, item, opts.Fields, opts.Populate)
}

// RemoveMany deletes every entity matching params and returns how many were affected
func (s *Service) RemoveMany(ctx context.Context, params FindParams) (int64, error) {
	if s.schema.SoftDelete() {
		markers, err := ProcessFields(ctx, Entity{}, s.schema, ProcessContext{Stage: StageRemove})
		if err != nil {
			return 0, err
		}
		return s.updateMatching(ctx, "updateMany", params, s.schema.ToColumns(markers), false)
	}
	filter, err := s.filter(params, 0)
	if err != nil {
		return 0, err
	}
	filter.Sort, filter.Offset = nil, 0
	a, err := s.adapter(ctx)
	if err != nil {
		return 0, err
	}
	q, err := Compile(filter, s.schema, a)
	if err != nil {
		return 0, err
	}
	n, err := a.RemoveMany(ctx, q)
	if err != nil {
		return 0, s.fail(ctx, "removeMany", err)
	}
	s.invalidate(ctx, a)
	return n, nil
}

// Clear removes every entity of the model physically
func (s *Service) Clear(ctx context.Context) (int64, error) {
	a, err := s.adapter(ctx)
	if err != nil {
		return 0, err
	}
	n, err := a.Clear(ctx)
	if err != nil {
		return 0, s.fail(ctx, "clear", err)
	}
	s.invalidate(ctx, a)
	return n, nil
}

// CreateIndex creates an index; field names are logical and translated to columns
func (s *Service) CreateIndex(ctx context.Context, def IndexDefinition) (string, error) {
	def, err := s.indexColumns(def)
	if err != nil {
		return "", err
	}
	a, err := s.adapter(ctx)
	if err != nil {
		return "", err
	}
	name, err := a.CreateIndex(ctx, def)
	if err != nil {
		return "", s.fail(ctx, "createIndex", err)
	}
	return name, nil
}

// RemoveIndex drops an index by name or by its fields
func (s *Service) RemoveIndex(ctx context.Context, def IndexDefinition) (string, error) {
	def, err := s.indexColumns(def)
	if err != nil {
		return "", err
	}
	a, err := s.adapter(ctx)
	if err != nil {
		return "", err
	}
	name, err := a.RemoveIndex(ctx, def)
	if err != nil {
		return "", s.fail(ctx, "removeIndex", err)
	}
	return name, nil
}

// ToJSON encodes an entity the way the attached adapter does
func (s *Service) ToJSON(ctx context.Context, entity Entity) ([]byte, error) {
	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}
	return a.EntityToJSON(entity)
}

func (s *Service) indexColumns(def IndexDefinition) (IndexDefinition, error) {
	if len(def.Fields) == 0 {
		return def, nil
	}
	cols := make(map[string]int, len(def.Fields))
	for name, order := range def.Fields {
		f, ok := s.schema.Field(name)
		if !ok || f.Virtual {
			return def, &ValidationError{Field: name, Reason: "unknown index field"}
		}
		cols[f.Column] = order
	}
	def.Fields = cols
	return def, nil
}

func (s *Service) key(ctx context.Context) string {
	return RegistryKey(TenantFrom(ctx), s.schema.Name)
}

func (s *Service) adapter(ctx context.Context) (Adapter, error) {
	return s.source.Adapter(ctx, s.key(ctx))
}

// fail wraps an adapter failure and evicts a disconnected adapter
func (s *Service) fail(ctx context.Context, op string, err error) error {
	if s.config.AutoReconnect && errors.Is(err, ErrDisconnected) {
		if evictErr := s.source.Evict(ctx, s.key(ctx)); evictErr != nil {
			log.Printf("[datastore] evict %s: %v", s.key(ctx), evictErr)
		}
	}
	var aerr *AdapterError
	if errors.As(err, &aerr) {
		return err
	}
	return &AdapterError{Op: op, Target: s.schema.Table, Err: err}
}

// filter builds the normalized filter from request parameters
func (s *Service) filter(params FindParams, limit int) (*Filter, error) {
	f := &Filter{
		Query:        maps.Clone(params.Query),
		Search:       params.Search,
		SearchFields: params.SearchFields,
		Hint:         params.Hint,
		Collation:    params.Collation,
		Limit:        limit,
		Offset:       params.Offset,
	}
	if f.Query == nil {
		f.Query = make(map[string]any)
	}
	if f.Offset < 0 {
		return nil, &ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	if params.Page > 0 && limit > 0 {
		f.Offset = (params.Page - 1) * limit
	}
	if err := s.applyScopes(f.Query, params.Scopes); err != nil {
		return nil, err
	}
	sort, err := ParseSort(params.Sort...)
	if err != nil {
		return nil, &ValidationError{Field: "sort", Reason: err.Error()}
	}
	f.Sort = sort
	if !f.HasSort() {
		f.Sort = s.schema.DefaultSort()
	}
	return f, nil
}

// activeScopes resolves the default scopes not disabled with "-name" plus
// the requested ones, in that order
func (s *Service) activeScopes(requested []string) []string {
	disabled := make(map[string]bool)
	var active []string
	for _, name := range requested {
		if strings.HasPrefix(name, "-") {
			disabled[name[1:]] = true
		}
	}
	for _, name := range s.schema.DefaultScopes() {
		if !disabled[name] && !slices.Contains(active, name) {
			active = append(active, name)
		}
	}
	for _, name := range requested {
		if name != "" && !strings.HasPrefix(name, "-") && !slices.Contains(active, name) {
			active = append(active, name)
		}
	}
	return active
}

// applyScopes merges the active scopes into query. Scope operators win over
// the caller's operators on the same field.
func (s *Service) applyScopes(query map[string]any, requested []string) error {
	for _, name := range s.activeScopes(requested) {
		if err := s.mergeScope(query, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) mergeScope(query map[string]any, name string) error {
	scope, ok := s.schema.Scope(name)
	if !ok {
		return &ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", name)}
	}
	for field, cond := range scope.Query {
		existing, ok := query[field]
		if !ok {
			query[field] = cond
			continue
		}
		merged, err := NormalizeCondition(field, existing)
		if err != nil {
			return err
		}
		override, err := NormalizeCondition(field, cond)
		if err != nil {
			return err
		}
		merged = maps.Clone(merged)
		maps.Copy(merged, override)
		query[field] = merged
	}
	return nil
}

// lookupScopes splits the active scopes of an id lookup. The generated
// soft-delete scope is checked on the loaded entity so cached lookups still
// honor it; every other scope is merged into the returned query.
func (s *Service) lookupScopes(requested []string) (map[string]any, bool, error) {
	query := make(map[string]any)
	excludeDeleted := false
	for _, name := range s.activeScopes(requested) {
		if name == ScopeNotDeleted && s.schema.softDeleteScope {
			excludeDeleted = true
			continue
		}
		if err := s.mergeScope(query, name); err != nil {
			return nil, false, err
		}
	}
	return query, excludeDeleted, nil
}

// inScope returns the canonical ids among canonical whose entities match the
// scope query
func (s *Service) inScope(ctx context.Context, a Adapter, canonical []string, query map[string]any) (map[string]bool, error) {
	pk := s.schema.Primary()
	if pk == nil {
		return nil, errors.New("datastore: schema has no primary field")
	}
	ids := make([]any, len(canonical))
	for i, c := range canonical {
		ids[i] = c
		if pk.Secure && s.schema.Encoder() != nil {
			enc, err := s.schema.Encoder().Encode(c)
			if err != nil {
				return nil, err
			}
			ids[i] = enc
		}
	}

	query = maps.Clone(query)
	if existing, ok := query[pk.Name]; ok {
		cond, err := NormalizeCondition(pk.Name, existing)
		if err != nil {
			return nil, err
		}
		if _, has := cond[OpIn]; !has {
			cond = maps.Clone(cond)
			cond[OpIn] = ids
		}
		query[pk.Name] = cond
	} else {
		query[pk.Name] = map[string]any{string(OpIn): ids}
	}

	q, err := Compile(&Filter{Query: query}, s.schema, a)
	if err != nil {
		return nil, err
	}
	rows, err := a.Find(ctx, q)
	if err != nil {
		return nil, s.fail(ctx, "find", err)
	}
	items, err := s.load(a, rows)
	if err != nil {
		return nil, err
	}
	matched := make(map[string]bool, len(items))
	for _, item := range items {
		id, err := s.idString(a, item)
		if err != nil {
			return nil, err
		}
		matched[id] = true
	}
	return matched, nil
}

// deleted reports whether a logical entity carries a deletion marker
func (s *Service) deleted(e Entity) bool {
	for _, f := range s.schema.onRemove {
		if v, ok := e[f.Name]; ok && v != nil {
			return true
		}
	}
	return false
}

func (s *Service) ids(a Adapter) IDNormalizer {
	if ids := a.Identifiers(); ids != nil {
		return ids
	}
	return StringIDs{}
}

// nativeID validates an external id and returns its native and canonical forms
func (s *Service) nativeID(a Adapter, id any) (any, string, error) {
	ids := s.ids(a)
	var canonical string
	switch v := id.(type) {
	case string:
		canonical = v
		if pk := s.schema.Primary(); pk != nil && pk.Secure && s.schema.Encoder() != nil {
			plain, err := s.schema.Encoder().Decode(v)
			if err != nil {
				return nil, "", err
			}
			canonical = plain
		}
	default:
		str, err := ids.ToString(id)
		if err != nil {
			return nil, "", err
		}
		canonical = str
	}
	native, err := ids.ToNative(canonical)
	if err != nil {
		return nil, "", err
	}
	return native, canonical, nil
}

func (s *Service) idString(a Adapter, e Entity) (string, error) {
	pk := s.schema.Primary()
	if pk == nil {
		return "", errors.New("datastore: schema has no primary field")
	}
	return s.ids(a).ToString(e[pk.Name])
}

// fetch loads one entity by native id in logical form, or nil. Reads may be
// served from the cache; writes pass cached=false to see the stored state.
func (s *Service) fetch(ctx context.Context, a Adapter, native any, canonical string, cached bool) (Entity, error) {
	key := s.key(ctx) + ":" + canonical
	if cached && s.cache != nil {
		if e, ok := s.cache.Get(key); ok {
			return e.Clone(), nil
		}
	}
	row, err := a.FindByID(ctx, native)
	if err != nil {
		return nil, s.fail(ctx, "findById", err)
	}
	if row == nil {
		return nil, nil
	}
	item, err := s.loadOne(a, row)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(key, item.Clone())
	}
	return item, nil
}

// loadOne converts an adapter row to logical keys with a canonical identifier
func (s *Service) loadOne(a Adapter, row Entity) (Entity, error) {
	e := s.schema.FromColumns(row)
	pk := s.schema.Primary()
	if pk == nil {
		return e, nil
	}
	if v, ok := e[pk.Name]; ok && v != nil && s.config.StringID {
		id, err := s.ids(a).ToString(v)
		if err != nil {
			return nil, err
		}
		e[pk.Name] = id
	}
	return e, nil
}

func (s *Service) load(a Adapter, rows []Entity) ([]Entity, error) {
	out := make([]Entity, len(rows))
	for i, row := range rows {
		e, err := s.loadOne(a, row)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// toStore converts a processed entity to column keys with a native identifier
func (s *Service) toStore(a Adapter, e Entity) (Entity, error) {
	pk := s.schema.Primary()
	if pk != nil {
		if v, ok := e[pk.Name]; ok && v != nil {
			ids := s.ids(a)
			str, isString := v.(string)
			if !isString {
				var err error
				if str, err = ids.ToString(v); err != nil {
					return nil, err
				}
			}
			native, err := ids.ToNative(str)
			if err != nil {
				return nil, err
			}
			e = e.Clone()
			e[pk.Name] = native
		}
	}
	return s.schema.ToColumns(e), nil
}

// present runs the read stage on every entity, stopping once ctx is done
func (s *Service) present(ctx context.Context, items []Entity, fields, populate []string) ([]Entity, error) {
	perms := auth.PermissionsFrom(ctx)
	requested := fields
	if len(fields) > 0 && len(populate) > 0 {
		requested = append(slices.Clone(fields), populate...)
	}
	out := make([]Entity, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := ProcessFields(ctx, item, s.schema, ProcessContext{
			Stage:       StageRead,
			Permissions: perms,
			Fields:      requested,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if len(populate) > 0 {
		if err := s.populate(ctx, out, populate); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Service) presentOne(ctx context.Context, item Entity, fields, populate []string) (Entity, error) {
	items, err := s.present(ctx, []Entity{item}, fields, populate)
	if err != nil {
		return nil, err
	}
	return items[0], nil
}

func (s *Service) presentRow(ctx context.Context, a Adapter, row Entity, fields, populate []string) (Entity, error) {
	item, err := s.loadOne(a, row)
	if err != nil {
		return nil, err
	}
	return s.presentOne(ctx, item, fields, populate)
}

// invalidate drops cached entries for the written entities and signals the
// external invalidators. With no entities the whole model is invalidated.
func (s *Service) invalidate(ctx context.Context, a Adapter, items ...Entity) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if id, err := s.idString(a, item); err == nil {
			ids = append(ids, id)
		}
	}
	if s.cache != nil {
		if len(items) == 0 {
			s.cache.Purge()
		}
		for _, id := range ids {
			s.cache.Remove(s.key(ctx) + ":" + id)
		}
	}
	for _, inv := range s.invalidators {
		inv.Invalidate(ctx, s.schema.Name, ids)
	}
}
