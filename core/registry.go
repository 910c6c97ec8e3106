package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
)

// DefaultTenant is used when the context carries no tenant
const DefaultTenant = "default"

type tenantKey struct{}

// WithTenant returns a context addressing the given tenant's adapters
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFrom returns the tenant carried by ctx, or DefaultTenant
func TenantFrom(ctx context.Context) string {
	if tenant, ok := ctx.Value(tenantKey{}).(string); ok && tenant != "" {
		return tenant
	}
	return DefaultTenant
}

// RegistryKey builds the tenant/model key adapters are registered under
func RegistryKey(tenant, model string) string {
	return tenant + "/" + model
}

// AdapterSource hands out live adapters by tenant/model key
type AdapterSource interface {
	Adapter(ctx context.Context, key string) (Adapter, error)
	Evict(ctx context.Context, key string) error
}

// AdapterFactory creates an unconnected adapter for a tenant/model key
type AdapterFactory func(ctx context.Context, key string) (Adapter, error)

// Registry maps tenant/model keys to live adapters. The first request for a
// key creates and connects the adapter exactly once, however many requests
// arrive concurrently; later requests share it until it is evicted.
type Registry struct {
	factory AdapterFactory

	mu       sync.RWMutex
	adapters map[string]Adapter
	closed   bool

	group singleflight.Group
}

// NewRegistry creates a registry backed by factory
func NewRegistry(factory AdapterFactory) *Registry {
	return &Registry{
		factory:  factory,
		adapters: make(map[string]Adapter),
	}
}

// Register installs an already connected adapter under key
func (r *Registry) Register(key string, adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("datastore: registry is closed")
	}
	if _, exists := r.adapters[key]; exists {
		return fmt.Errorf("datastore: adapter %q already registered", key)
	}
	r.adapters[key] = adapter
	return nil
}

// Adapter returns the live adapter for key, connecting it on first use
func (r *Registry) Adapter(ctx context.Context, key string) (Adapter, error) {
	if a, ok := r.lookup(key); ok {
		return a, nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		// a previous flight may have finished between lookup and Do
		if a, ok := r.lookup(key); ok {
			return a, nil
		}
		return r.connect(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(Adapter), nil
}

func (r *Registry) lookup(key string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[key]
	return a, ok
}

func (r *Registry) connect(ctx context.Context, key string) (Adapter, error) {
	if r.factory == nil {
		return nil, fmt.Errorf("datastore: no adapter registered for %q", key)
	}
	a, err := r.factory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("datastore: create adapter %q: %w", key, err)
	}
	if err := a.Connect(ctx); err != nil {
		return nil, &AdapterError{Op: "connect", Target: key, Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = a.Disconnect(ctx)
		return nil, errors.New("datastore: registry is closed")
	}
	r.adapters[key] = a
	r.mu.Unlock()

	log.Printf("[datastore] connected adapter %s (%s)", key, a.Capabilities().Backend)
	return a, nil
}

// Evict disconnects and forgets the adapter for key. The next request reconnects.
func (r *Registry) Evict(ctx context.Context, key string) error {
	r.mu.Lock()
	a, ok := r.adapters[key]
	delete(r.adapters, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	log.Printf("[datastore] evicted adapter %s", key)
	if err := a.Disconnect(ctx); err != nil {
		return &AdapterError{Op: "disconnect", Target: key, Err: err}
	}
	return nil
}

// Keys returns the keys of the live adapters in sorted order
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Close disconnects every adapter and rejects further connections
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	adapters := r.adapters
	r.adapters = make(map[string]Adapter)
	r.mu.Unlock()

	var result *multierror.Error
	for _, key := range sortedKeys(adapters) {
		if err := adapters[key].Disconnect(ctx); err != nil {
			result = multierror.Append(result, &AdapterError{Op: "disconnect", Target: key, Err: err})
		}
	}
	if len(adapters) > 0 {
		log.Printf("[datastore] registry closed, %d adapters disconnected", len(adapters))
	}
	return result.ErrorOrNil()
}

// StaticSource serves one adapter for every key. Useful for single-tenant setups
// and tests.
type StaticSource struct {
	adapter Adapter
	once    sync.Once
	err     error
}

// NewStaticSource wraps an adapter; it is connected on first use
func NewStaticSource(adapter Adapter) *StaticSource {
	return &StaticSource{adapter: adapter}
}

func (s *StaticSource) Adapter(ctx context.Context, _ string) (Adapter, error) {
	s.once.Do(func() {
		if err := s.adapter.Connect(ctx); err != nil {
			s.err = &AdapterError{Op: "connect", Target: "static", Err: err}
		}
	})
	if s.err != nil {
		return nil, s.err
	}
	return s.adapter, nil
}

// Evict is a no-op: a static adapter cannot be replaced
func (s *StaticSource) Evict(context.Context, string) error { return nil }
