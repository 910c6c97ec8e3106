// Package memory implements core.Adapter as an in-process document store.
// Documents are kept msgpack encoded so callers never share mutable state
// with the store.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/preslavrachev/datastore/core"
)

// ErrDuplicateKey is returned when a write would break a unique constraint
var ErrDuplicateKey = errors.New("memory: duplicate key")

// Option configures an Adapter
type Option func(*Adapter)

// WithIdentifiers sets the identifier normalizer; ObjectIDs by default
func WithIdentifiers(ids core.IDNormalizer) Option {
	return func(a *Adapter) { a.ids = ids }
}

// WithClock replaces the clock used to expire TTL indexes
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter stores the documents of one collection in memory
type Adapter struct {
	collection string
	idColumn   string
	ids        core.IDNormalizer
	now        func() time.Time

	mu        sync.Mutex
	connected bool
	order     []string          // canonical ids in insertion order
	docs      map[string][]byte // canonical id -> encoded document
	indexes   map[string]core.IndexDefinition
	seq       int64
}

// New creates a disconnected adapter for schema's collection
func New(schema *core.Schema, opts ...Option) *Adapter {
	a := &Adapter{
		collection: schema.Table,
		idColumn:   "id",
		ids:        core.ObjectIDs{},
		now:        time.Now,
		docs:       make(map[string][]byte),
		indexes:    make(map[string]core.IndexDefinition),
	}
	if pk := schema.Primary(); pk != nil {
		a.idColumn = pk.Column
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Capabilities() core.Capabilities {
	return core.Capabilities{
		Backend:      core.BackendDocument,
		Pagination:   true,
		NestedFields: true,
	}
}

func (a *Adapter) Identifiers() core.IDNormalizer { return a.ids }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

// Disconnect keeps the stored documents; a later Connect sees them again
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// Len returns the number of stored documents
func (a *Adapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

func (a *Adapter) Find(ctx context.Context, q core.NativeQuery) ([]core.Entity, error) {
	dq, err := documentQuery(q)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	docs, err := a.match(dq.Filter)
	if err != nil {
		return nil, err
	}
	sortDocs(docs, dq.Sort)
	return paginate(docs, dq.Offset, dq.Limit), nil
}

func (a *Adapter) FindOne(ctx context.Context, q core.NativeQuery) (core.Entity, error) {
	dq, err := documentQuery(q)
	if err != nil {
		return nil, err
	}
	one := *dq
	one.Limit = 1
	docs, err := a.Find(ctx, &one)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (a *Adapter) FindByID(ctx context.Context, id any) (core.Entity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	key, err := a.ids.ToString(id)
	if err != nil {
		return nil, err
	}
	return a.get(key)
}

func (a *Adapter) FindByIDs(ctx context.Context, ids []any) ([]core.Entity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	out := make([]core.Entity, 0, len(ids))
	for _, id := range ids {
		key, err := a.ids.ToString(id)
		if err != nil {
			return nil, err
		}
		doc, err := a.get(key)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (a *Adapter) Count(ctx context.Context, q core.NativeQuery) (int64, error) {
	dq, err := documentQuery(q)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return 0, err
	}
	docs, err := a.match(dq.Filter)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (a *Adapter) Insert(ctx context.Context, entity core.Entity) (core.Entity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	return a.insert(entity)
}

// InsertMany stores every entity or none of them
func (a *Adapter) InsertMany(ctx context.Context, entities []core.Entity, opts core.InsertManyOptions) ([]core.Entity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	order, docs, seq := slices.Clone(a.order), maps.Clone(a.docs), a.seq
	out := make([]core.Entity, 0, len(entities))
	for i, e := range entities {
		doc, err := a.insert(e)
		if err != nil {
			a.order, a.docs, a.seq = order, docs, seq
			return nil, fmt.Errorf("memory: insert entity %d: %w", i, err)
		}
		out = append(out, doc)
	}
	if !opts.ReturnEntities {
		return nil, nil
	}
	return out, nil
}

func (a *Adapter) UpdateByID(ctx context.Context, id any, changes core.Entity, opts core.UpdateOptions) (core.Entity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	key, err := a.ids.ToString(id)
	if err != nil {
		return nil, err
	}
	doc, err := a.get(key)
	if err != nil || doc == nil {
		return nil, err
	}
	if err := a.apply(doc, changes, opts); err != nil {
		return nil, err
	}
	if err := a.put(key, doc); err != nil {
		return nil, err
	}
	return a.get(key)
}

func (a *Adapter) UpdateMany(ctx context.Context, q core.NativeQuery, changes core.Entity, opts core.UpdateOptions) (int64, error) {
	dq, err := documentQuery(q)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return 0, err
	}
	docs, err := a.match(dq.Filter)
	if err != nil {
		return 0, err
	}
	backup := maps.Clone(a.docs)
	for _, doc := range docs {
		key, err := a.ids.ToString(doc[a.idColumn])
		if err != nil {
			a.docs = backup
			return 0, err
		}
		if err := a.apply(doc, changes, opts); err != nil {
			a.docs = backup
			return 0, err
		}
		if err := a.put(key, doc); err != nil {
			a.docs = backup
			return 0, err
		}
	}
	return int64(len(docs)), nil
}

func (a *Adapter) ReplaceByID(ctx context.Context, id any, entity core.Entity) (core.Entity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	key, err := a.ids.ToString(id)
	if err != nil {
		return nil, err
	}
	if _, ok := a.docs[key]; !ok {
		return nil, nil
	}
	doc := core.Entity{}
	maps.Copy(doc, entity)
	doc[a.idColumn] = id
	if err := a.put(key, doc); err != nil {
		return nil, err
	}
	return a.get(key)
}

func (a *Adapter) RemoveByID(ctx context.Context, id any) (core.Entity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	key, err := a.ids.ToString(id)
	if err != nil {
		return nil, err
	}
	doc, err := a.get(key)
	if err != nil || doc == nil {
		return nil, err
	}
	a.delete(key)
	return doc, nil
}

func (a *Adapter) RemoveMany(ctx context.Context, q core.NativeQuery) (int64, error) {
	dq, err := documentQuery(q)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return 0, err
	}
	docs, err := a.match(dq.Filter)
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		key, err := a.ids.ToString(doc[a.idColumn])
		if err != nil {
			return 0, err
		}
		a.delete(key)
	}
	return int64(len(docs)), nil
}

func (a *Adapter) Clear(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return 0, err
	}
	n := int64(len(a.order))
	a.order = nil
	a.docs = make(map[string][]byte)
	return n, nil
}

// CreateIndex registers an index. Unique indexes are checked against the
// stored documents first.
func (a *Adapter) CreateIndex(ctx context.Context, def core.IndexDefinition) (string, error) {
	if len(def.Fields) == 0 {
		return "", errors.New("memory: index needs at least one field")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return "", err
	}
	name := core.IndexName(a.collection, def)
	if existing, ok := a.indexes[name]; ok && !maps.Equal(existing.Fields, def.Fields) {
		return "", fmt.Errorf("memory: index %s already exists with different fields", name)
	}
	if def.Unique {
		docs, err := a.all()
		if err != nil {
			return "", err
		}
		for i, doc := range docs {
			for _, other := range docs[:i] {
				if conflicts(def, doc, other) {
					return "", fmt.Errorf("%w: cannot build index %s", ErrDuplicateKey, name)
				}
			}
		}
	}
	a.indexes[name] = def
	return name, nil
}

func (a *Adapter) RemoveIndex(ctx context.Context, def core.IndexDefinition) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ready(ctx); err != nil {
		return "", err
	}
	name := core.IndexName(a.collection, def)
	if _, ok := a.indexes[name]; !ok {
		return "", fmt.Errorf("memory: index %s not found", name)
	}
	delete(a.indexes, name)
	return name, nil
}

// EntityToJSON writes the identifier in its canonical string form
func (a *Adapter) EntityToJSON(entity core.Entity) ([]byte, error) {
	out := entity.Clone()
	if v, ok := out[a.idColumn]; ok && v != nil {
		if _, isString := v.(string); !isString {
			s, err := a.ids.ToString(v)
			if err != nil {
				return nil, err
			}
			out[a.idColumn] = s
		}
	}
	return core.EntityToJSON(out)
}

// ready fails when the adapter is disconnected and drops expired documents.
// Callers hold mu.
func (a *Adapter) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.connected {
		return fmt.Errorf("memory: collection %s: %w", a.collection, core.ErrDisconnected)
	}
	return a.expire()
}

func (a *Adapter) expire() error {
	for _, def := range a.indexes {
		if def.ExpireAfterSeconds <= 0 || len(def.Fields) != 1 {
			continue
		}
		var field string
		for f := range def.Fields {
			field = f
		}
		cutoff := a.now().Add(-time.Duration(def.ExpireAfterSeconds) * time.Second)
		docs, err := a.all()
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if t, ok := doc[field].(time.Time); ok && t.Before(cutoff) {
				key, err := a.ids.ToString(doc[a.idColumn])
				if err != nil {
					return err
				}
				a.delete(key)
			}
		}
	}
	return nil
}

func (a *Adapter) insert(entity core.Entity) (core.Entity, error) {
	doc := core.Entity{}
	maps.Copy(doc, entity)
	if v, ok := doc[a.idColumn]; !ok || v == nil {
		doc[a.idColumn] = a.nextID()
	}
	key, err := a.ids.ToString(doc[a.idColumn])
	if err != nil {
		return nil, err
	}
	if _, exists := a.docs[key]; exists {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateKey, a.idColumn, key)
	}
	if err := a.put(key, doc); err != nil {
		return nil, err
	}
	a.order = append(a.order, key)
	return a.get(key)
}

// nextID generates an identifier of the adapter's native kind
func (a *Adapter) nextID() any {
	switch a.ids.(type) {
	case core.IntegerIDs:
		a.seq++
		for {
			if _, taken := a.docs[fmt.Sprint(a.seq)]; !taken {
				return a.seq
			}
			a.seq++
		}
	case core.UUIDIDs:
		return uuid.New()
	case core.StringIDs:
		return uuid.NewString()
	}
	return core.NewObjectID()
}

// apply merges changes into doc, or runs them as update operators when raw
func (a *Adapter) apply(doc, changes core.Entity, opts core.UpdateOptions) error {
	if opts.Raw {
		if err := applyRaw(doc, changes); err != nil {
			return err
		}
	} else {
		maps.Copy(doc, changes)
	}
	if v, ok := doc[a.idColumn]; ok {
		if _, err := a.ids.ToString(v); err != nil {
			return fmt.Errorf("memory: update would change %s: %w", a.idColumn, err)
		}
	}
	return nil
}

// put checks unique indexes and stores the encoded document under key
func (a *Adapter) put(key string, doc core.Entity) error {
	for name, def := range a.indexes {
		if !def.Unique {
			continue
		}
		for k, raw := range a.docs {
			if k == key {
				continue
			}
			other, err := a.decode(raw)
			if err != nil {
				return err
			}
			if conflicts(def, doc, other) {
				return fmt.Errorf("%w: index %s", ErrDuplicateKey, name)
			}
		}
	}
	raw, err := a.encode(doc)
	if err != nil {
		return err
	}
	a.docs[key] = raw
	return nil
}

func (a *Adapter) get(key string) (core.Entity, error) {
	raw, ok := a.docs[key]
	if !ok {
		return nil, nil
	}
	return a.decode(raw)
}

func (a *Adapter) delete(key string) {
	delete(a.docs, key)
	if i := slices.Index(a.order, key); i >= 0 {
		a.order = slices.Delete(a.order, i, i+1)
	}
}

// all decodes every document in insertion order
func (a *Adapter) all() ([]core.Entity, error) {
	out := make([]core.Entity, 0, len(a.order))
	for _, key := range a.order {
		doc, err := a.get(key)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (a *Adapter) match(filter map[string]any) ([]core.Entity, error) {
	docs, err := a.all()
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, doc := range docs {
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// encode stores the identifier as its canonical string
func (a *Adapter) encode(doc core.Entity) ([]byte, error) {
	stored := doc.Clone()
	if v, ok := stored[a.idColumn]; ok && v != nil {
		s, err := a.ids.ToString(v)
		if err != nil {
			return nil, err
		}
		stored[a.idColumn] = s
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(map[string]any(stored)); err != nil {
		return nil, fmt.Errorf("memory: encode document: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *Adapter) decode(raw []byte) (core.Entity, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	m, err := dec.DecodeMap()
	if err != nil {
		return nil, fmt.Errorf("memory: decode document: %w", err)
	}
	doc := core.Entity(normalize(m).(map[string]any))
	if s, ok := doc[a.idColumn].(string); ok {
		native, err := a.ids.ToNative(s)
		if err != nil {
			return nil, err
		}
		doc[a.idColumn] = native
	}
	return doc, nil
}

// normalize fixes up decoded values: times come back in local time and
// compact unsigned integers as uint64.
func normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
	case map[string]any:
		for k, item := range x {
			x[k] = normalize(item)
		}
	case []any:
		for i, item := range x {
			x[i] = normalize(item)
		}
	}
	return v
}

// conflicts reports whether two documents share the key of a unique index.
// Sparse indexes ignore documents missing every indexed field.
func conflicts(def core.IndexDefinition, a, b core.Entity) bool {
	present := false
	for field := range def.Fields {
		va, okA := lookup(a, field)
		vb, okB := lookup(b, field)
		if okA && va != nil || okB && vb != nil {
			present = true
		}
		if !equal(va, vb) {
			return false
		}
	}
	return present || !def.Sparse
}

func sortDocs(docs []core.Entity, keys []core.SortKey) {
	if len(keys) == 0 {
		return
	}
	slices.SortStableFunc(docs, func(x, y core.Entity) int {
		for _, k := range keys {
			vx, _ := lookup(x, k.Key)
			vy, _ := lookup(y, k.Key)
			c, ok := compare(vx, vy)
			if !ok || c == 0 {
				continue
			}
			if k.Order < 0 {
				return -c
			}
			return c
		}
		return 0
	})
}

func paginate(docs []core.Entity, offset, limit int) []core.Entity {
	if offset >= len(docs) {
		return []core.Entity{}
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

func documentQuery(q core.NativeQuery) (*core.DocumentQuery, error) {
	dq, ok := q.(*core.DocumentQuery)
	if !ok {
		return nil, fmt.Errorf("memory: unsupported query type %T", q)
	}
	return dq, nil
}
