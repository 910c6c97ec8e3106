package core

import (
	"context"
	"fmt"
	"sync"
)

// Store holds one Service per registered schema
type Store struct {
	registry     *Registry
	config       Config
	invalidators []Invalidator

	mu           sync.RWMutex
	services     map[string]*Service
	serviceOrder []string // registration order
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithStoreInvalidator forwards write invalidations of every service to inv
func WithStoreInvalidator(inv Invalidator) StoreOption {
	return func(st *Store) { st.invalidators = append(st.invalidators, inv) }
}

// NewStore creates a store whose services obtain adapters from registry
func NewStore(registry *Registry, cfg Config, opts ...StoreOption) *Store {
	st := &Store{
		registry: registry,
		config:   cfg,
		services: make(map[string]*Service),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Register creates the service for schema. Populate specs naming another
// registered schema resolve through that schema's service.
func (st *Store) Register(schema *Schema, opts ...ServiceOption) (*Service, error) {
	base := []ServiceOption{WithConfig(st.config), WithResolvers(st.resolver)}
	for _, inv := range st.invalidators {
		base = append(base, WithInvalidator(inv))
	}
	svc, err := NewService(schema, st.registry, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.services[schema.Name]; exists {
		return nil, fmt.Errorf("datastore: schema %q already registered", schema.Name)
	}
	st.services[schema.Name] = svc
	st.serviceOrder = append(st.serviceOrder, schema.Name)
	return svc, nil
}

// MustRegister is like Register but panics on error
func (st *Store) MustRegister(schema *Schema, opts ...ServiceOption) *Service {
	svc, err := st.Register(schema, opts...)
	if err != nil {
		panic(err)
	}
	return svc
}

// Service retrieves a registered service by schema name
func (st *Store) Service(name string) (*Service, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	svc, ok := st.services[name]
	return svc, ok
}

// Services returns all registered services in registration order
func (st *Store) Services() []*Service {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ordered := make([]*Service, 0, len(st.serviceOrder))
	for _, name := range st.serviceOrder {
		if svc, ok := st.services[name]; ok {
			ordered = append(ordered, svc)
		}
	}
	return ordered
}

// Registry returns the adapter registry
func (st *Store) Registry() *Registry {
	return st.registry
}

// Close disconnects every adapter of the registry
func (st *Store) Close(ctx context.Context) error {
	return st.registry.Close(ctx)
}

func (st *Store) resolver(name string) (Resolver, bool) {
	svc, ok := st.Service(name)
	if !ok {
		return nil, false
	}
	return svc, true
}
