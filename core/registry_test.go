package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preslavrachev/datastore/adapters/memory"
	"github.com/preslavrachev/datastore/core"
)

// connectCounter counts Connect calls of the wrapped adapter
type connectCounter struct {
	*memory.Adapter
	connects *atomic.Int32
	fail     error
}

func (c *connectCounter) Connect(ctx context.Context) error {
	c.connects.Add(1)
	if c.fail != nil {
		return c.fail
	}
	return c.Adapter.Connect(ctx)
}

func TestRegistryConnectsOnce(t *testing.T) {
	schema := authorSchema(t)
	var created, connects atomic.Int32
	registry := core.NewRegistry(func(ctx context.Context, key string) (core.Adapter, error) {
		created.Add(1)
		return &connectCounter{Adapter: memory.New(schema), connects: &connects}, nil
	})

	const workers = 50
	adapters := make([]core.Adapter, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := registry.Adapter(context.Background(), "default/Author")
			assert.NoError(t, err)
			adapters[i] = a
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(1), connects.Load())
	for _, a := range adapters {
		assert.Same(t, adapters[0], a)
	}
}

func TestRegistryEvictReconnects(t *testing.T) {
	schema := authorSchema(t)
	var connects atomic.Int32
	registry := core.NewRegistry(func(ctx context.Context, key string) (core.Adapter, error) {
		return &connectCounter{Adapter: memory.New(schema), connects: &connects}, nil
	})
	ctx := context.Background()

	first, err := registry.Adapter(ctx, "acme/Author")
	require.NoError(t, err)
	require.NoError(t, registry.Evict(ctx, "acme/Author"))
	assert.Empty(t, registry.Keys())
	require.NoError(t, registry.Evict(ctx, "acme/Author"), "evicting an unknown key is a no-op")

	second, err := registry.Adapter(ctx, "acme/Author")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), connects.Load())
}

func TestRegistryConnectFailure(t *testing.T) {
	schema := authorSchema(t)
	boom := errors.New("connection refused")
	var connects atomic.Int32
	registry := core.NewRegistry(func(ctx context.Context, key string) (core.Adapter, error) {
		return &connectCounter{Adapter: memory.New(schema), connects: &connects, fail: boom}, nil
	})

	_, err := registry.Adapter(context.Background(), "default/Author")
	assert.ErrorIs(t, err, boom)
	var aerr *core.AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "connect", aerr.Op)
	assert.Empty(t, registry.Keys(), "failed connections are not cached")
}

func TestRegistryRegisterAndClose(t *testing.T) {
	ctx := context.Background()
	registry := core.NewRegistry(nil)

	_, err := registry.Adapter(ctx, "default/Author")
	assert.Error(t, err, "no factory and nothing registered")

	a := memory.New(authorSchema(t))
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, registry.Register("default/Author", a))
	assert.Error(t, registry.Register("default/Author", a))

	got, err := registry.Adapter(ctx, "default/Author")
	require.NoError(t, err)
	assert.Same(t, a, got)

	require.NoError(t, registry.Close(ctx))
	assert.Empty(t, registry.Keys())
	_, err = a.Count(ctx, &core.DocumentQuery{})
	assert.ErrorIs(t, err, core.ErrDisconnected)
	assert.Error(t, registry.Register("default/Author", a))
}

func TestStaticSource(t *testing.T) {
	a := memory.New(authorSchema(t))
	svc, err := core.NewService(authorSchema(t), core.NewStaticSource(a))
	require.NoError(t, err)

	ctx := core.WithTenant(context.Background(), "anyone")
	created, err := svc.Create(ctx, core.Entity{"name": "Ann"}, core.WriteOptions{})
	require.NoError(t, err)
	got, err := svc.Get(context.Background(), created["id"], core.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Ann", got["name"])
}

func TestStoreRegistration(t *testing.T) {
	store := core.NewStore(core.NewRegistry(nil), core.DefaultConfig())
	authors, err := store.Register(authorSchema(t))
	require.NoError(t, err)
	store.MustRegister(articleSchema(t))

	_, err = store.Register(authorSchema(t))
	assert.Error(t, err)
	assert.Panics(t, func() { store.MustRegister(authorSchema(t)) })

	got, ok := store.Service("Author")
	require.True(t, ok)
	assert.Same(t, authors, got)
	_, ok = store.Service("Comment")
	assert.False(t, ok)

	var names []string
	for _, svc := range store.Services() {
		names = append(names, svc.Name())
	}
	assert.Equal(t, []string{"Author", "Article"}, names)
	assert.Equal(t, core.DefaultConfig(), authors.Config())
}
