package instance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCache(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cfg := types.DefaultInstanceConfig()
	cfg.General.Prefix = "?"
	require.NoError(t, store.SaveInstance(t.Context(), &types.Instance{ID: 1, Config: cfg}))

	cache := NewConfigCache(store, time.Minute)
	t.Cleanup(cache.Close)

	got, err := cache.Get(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, "?", got.General.Prefix)

	_, err = cache.Get(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, store.loads, "second lookup is served from memory")

	cache.Invalidate(1)

	_, err = cache.Get(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, store.loads)

	_, err = cache.Get(t.Context(), 2)
	require.ErrorIs(t, err, types.ErrRecordNotFound)
}

func TestConfigCacheConcurrentMisses(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	require.NoError(t, store.SaveInstance(t.Context(), &types.Instance{ID: 1, Config: types.DefaultInstanceConfig()}))

	cache := NewConfigCache(store, time.Minute)
	t.Cleanup(cache.Close)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := cache.Get(t.Context(), 1)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	// Misses racing before the first Set may each load, but never more than once per caller
	assert.LessOrEqual(t, store.loads, 20)
	assert.GreaterOrEqual(t, store.loads, 1)
}

// slowGetter reads the store, then holds its first answer until released.
type slowGetter struct {
	*fakeStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *slowGetter) GetInstance(ctx context.Context, id snowflake.ID) (*types.Instance, error) {
	instance, err := g.fakeStore.GetInstance(ctx, id)

	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})

	return instance, err
}

func TestConfigCacheInvalidateDuringLoad(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cfg := types.DefaultInstanceConfig()
	cfg.General.Prefix = "old"
	require.NoError(t, store.SaveInstance(t.Context(), &types.Instance{ID: 1, Config: cfg}))

	getter := &slowGetter{fakeStore: store, entered: make(chan struct{}), release: make(chan struct{})}
	cache := NewConfigCache(getter, time.Minute)
	t.Cleanup(cache.Close)

	stale := make(chan string, 1)
	go func() {
		got, err := cache.Get(context.Background(), 1)
		assert.NoError(t, err)
		stale <- got.General.Prefix
	}()

	<-getter.entered

	cfg.General.Prefix = "new"
	require.NoError(t, store.SaveInstance(t.Context(), &types.Instance{ID: 1, Config: cfg}))
	cache.Invalidate(1)

	// The lookup after invalidation does not join the stale load
	got, err := cache.Get(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, "new", got.General.Prefix)

	close(getter.release)
	assert.Equal(t, "old", <-stale)

	got, err = cache.Get(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, "new", got.General.Prefix)
	assert.Equal(t, 2, store.loads)
}

func TestConfigCacheInvalidateDuringLoadSkipsCaching(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	require.NoError(t, store.SaveInstance(t.Context(), &types.Instance{ID: 1, Config: types.DefaultInstanceConfig()}))

	getter := &slowGetter{fakeStore: store, entered: make(chan struct{}), release: make(chan struct{})}
	cache := NewConfigCache(getter, time.Minute)
	t.Cleanup(cache.Close)

	done := make(chan struct{})
	go func() {
		defer close(done)

		_, err := cache.Get(context.Background(), 1)
		assert.NoError(t, err)
	}()

	<-getter.entered
	cache.Invalidate(1)
	close(getter.release)
	<-done

	_, err := cache.Get(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, store.loads, "the load raced by an invalidation is not cached")
}
