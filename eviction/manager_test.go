package eviction

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/build-cache-node/cache"
	"github.com/saiset-co/build-cache-node/logger"
	"github.com/saiset-co/build-cache-node/metrics"
	"github.com/saiset-co/build-cache-node/types"
)

// fakeStore is an in-memory BlobStore with controllable access times and
// injectable eviction failures.
type fakeStore struct {
	mu        sync.Mutex
	state     *cache.State
	entries   map[string]types.EntryMeta
	failures  map[string]int
	observers []types.EntryObserver
	version   uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state:    cache.NewState(),
		entries:  make(map[string]types.EntryMeta),
		failures: make(map[string]int),
	}
}

func (f *fakeStore) add(key string, size int64, accessed int64) {
	f.mu.Lock()
	f.version++
	meta := types.EntryMeta{
		Key:        key,
		Size:       size,
		CreatedAt:  time.Unix(0, accessed),
		AccessedAt: time.Unix(0, accessed),
		Version:    f.version,
	}
	if previous, ok := f.entries[key]; ok {
		f.state.Replace(previous.Size, size)
	} else {
		f.state.Add(size)
	}
	f.entries[key] = meta
	observers := append([]types.EntryObserver(nil), f.observers...)
	f.mu.Unlock()

	for _, observer := range observers {
		observer.OnStore(meta)
	}
}

func (f *fakeStore) failNext(key string, times int) {
	f.mu.Lock()
	f.failures[key] = times
	f.mu.Unlock()
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

func (f *fakeStore) Put(context.Context, string, io.Reader) (types.PutResult, error) {
	return types.PutResult{}, nil
}

func (f *fakeStore) Get(context.Context, string) (*types.Payload, bool, error) {
	return nil, false, nil
}

func (f *fakeStore) Exists(key string) bool {
	return f.has(key)
}

func (f *fakeStore) Stat(key string) (types.EntryMeta, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.entries[key]
	return meta, ok
}

func (f *fakeStore) Delete(key string) error {
	meta, ok := f.Stat(key)
	if ok {
		_, err := f.Evict(key, meta.Version)
		return err
	}
	return nil
}

func (f *fakeStore) Evict(key string, version uint64) (int64, error) {
	f.mu.Lock()
	if f.failures[key] > 0 {
		f.failures[key]--
		f.mu.Unlock()
		return 0, types.ErrIOFailure
	}

	meta, ok := f.entries[key]
	if !ok || meta.Version != version {
		f.mu.Unlock()
		return 0, nil
	}
	delete(f.entries, key)
	f.state.Remove(meta.Size)
	observers := append([]types.EntryObserver(nil), f.observers...)
	f.mu.Unlock()

	for _, observer := range observers {
		observer.OnRemove(key)
	}
	return meta.Size, nil
}

func (f *fakeStore) Walk(fn func(meta types.EntryMeta) bool) {
	f.mu.Lock()
	snapshot := make([]types.EntryMeta, 0, len(f.entries))
	for _, meta := range f.entries {
		snapshot = append(snapshot, meta)
	}
	f.mu.Unlock()

	for _, meta := range snapshot {
		if !fn(meta) {
			return
		}
	}
}

func (f *fakeStore) Subscribe(observer types.EntryObserver) {
	f.mu.Lock()
	f.observers = append(f.observers, observer)
	f.mu.Unlock()
}

func (f *fakeStore) Flush(context.Context) error { return nil }

func (f *fakeStore) Stats() types.StoreStats {
	return types.StoreStats{Type: "fake", Bytes: f.state.Bytes(), Entries: f.state.Entries()}
}

func (f *fakeStore) Close() error { return nil }

func newTestManager(t *testing.T, store *fakeStore, ceiling, headroom int64) *Manager {
	t.Helper()
	manager, err := NewManager(context.Background(), &types.StorageConfig{
		MaxSize:  types.ByteSize(ceiling),
		Headroom: types.ByteSize(headroom),
	}, store, store.state, logger.NewNop(), metrics.NewNoopMetrics())
	require.NoError(t, err)
	return manager
}

func TestSweepEvictsLeastRecentlyUsed(t *testing.T) {
	store := newFakeStore()
	store.add("a", 10, 1)
	store.add("b", 10, 2)
	store.add("c", 10, 3)

	manager := newTestManager(t, store, 25, 5)

	result, err := manager.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Evicted)
	assert.Equal(t, int64(10), result.FreedBytes)
	assert.Equal(t, int64(30), result.BytesBefore)
	assert.Equal(t, int64(20), result.BytesAfter)
	assert.False(t, store.has("a"))
	assert.True(t, store.has("b"))
	assert.True(t, store.has("c"))
}

func TestSweepHonoursAccess(t *testing.T) {
	store := newFakeStore()
	store.add("a", 10, 1)
	store.add("b", 10, 2)
	store.add("c", 10, 3)

	manager := newTestManager(t, store, 25, 5)
	manager.OnAccess("a", time.Unix(0, 4))

	_, err := manager.Sweep(context.Background())
	require.NoError(t, err)

	assert.True(t, store.has("a"))
	assert.False(t, store.has("b"))
}

func TestSweepPrefersLargerEntryOnTie(t *testing.T) {
	store := newFakeStore()
	store.add("small", 5, 1)
	store.add("large", 20, 1)

	manager := newTestManager(t, store, 20, 0)

	result, err := manager.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Evicted)
	assert.False(t, store.has("large"))
	assert.True(t, store.has("small"))
}

func TestSweepBelowCeilingIsNoop(t *testing.T) {
	store := newFakeStore()
	store.add("a", 10, 1)

	manager := newTestManager(t, store, 10, 5)

	result, err := manager.Sweep(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.Evicted)
	assert.True(t, store.has("a"))
	assert.Zero(t, manager.Snapshot().Sweeps)
}

func TestSweepRetriesFailedEviction(t *testing.T) {
	store := newFakeStore()
	store.add("a", 10, 1)
	store.add("b", 10, 2)
	store.add("c", 10, 3)
	store.failNext("a", 1)

	manager := newTestManager(t, store, 25, 5)

	result, err := manager.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Evicted)
	assert.True(t, store.has("a"))
	assert.False(t, store.has("b"))
	assert.Equal(t, 2, manager.Snapshot().Tracked)

	store.add("d", 10, 4)

	_, err = manager.Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, store.has("a"))
	assert.True(t, store.has("c"))
	assert.True(t, store.has("d"))
}

func TestSweepSkipsReplacedGeneration(t *testing.T) {
	store := newFakeStore()
	store.add("a", 10, 1)
	store.add("b", 10, 2)

	manager := newTestManager(t, store, 15, 0)

	stale, ok := manager.popOldest()
	require.True(t, ok)
	assert.Equal(t, "a", stale.key)

	store.add("a", 10, 5)

	freed, err := store.Evict(stale.key, stale.version)
	require.NoError(t, err)
	assert.Zero(t, freed)

	_, err = manager.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, store.has("a"))
	assert.False(t, store.has("b"))
}

func TestStoreOverCeilingTriggersBackgroundSweep(t *testing.T) {
	store := newFakeStore()
	manager := newTestManager(t, store, 25, 5)

	require.NoError(t, manager.Start())
	defer manager.Stop()

	store.add("a", 10, 1)
	store.add("b", 10, 2)
	store.add("c", 10, 3)

	assert.Eventually(t, func() bool {
		return store.state.Bytes() <= 25
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, store.has("a"))
}

func TestNewManagerSeedsFromStore(t *testing.T) {
	store := newFakeStore()
	store.add("a", 1, 1)
	store.add("b", 1, 2)

	manager := newTestManager(t, store, 10, 1)

	snapshot := manager.Snapshot()
	assert.Equal(t, 2, snapshot.Tracked)
	assert.Equal(t, int64(10), snapshot.Ceiling)
	assert.Equal(t, int64(1), snapshot.Headroom)
}

func TestNewManagerRejectsHeadroomAboveCeiling(t *testing.T) {
	_, err := NewManager(context.Background(), &types.StorageConfig{MaxSize: 10, Headroom: 10},
		newFakeStore(), cache.NewState(), logger.NewNop(), metrics.NewNoopMetrics())
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
