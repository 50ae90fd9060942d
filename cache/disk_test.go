package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/build-cache-node/logger"
	"github.com/saiset-co/build-cache-node/types"
)

const testKeyPattern = `^[A-Za-z0-9_-]{1,128}$`

func testStorageConfig(root string) *types.StorageConfig {
	return &types.StorageConfig{
		Type:          "disk",
		Root:          root,
		MaxSize:       1 << 20,
		Headroom:      1 << 10,
		MaxEntrySize:  64,
		KeyPattern:    testKeyPattern,
		OpTimeout:     time.Second,
		SweepSchedule: "@every 30s",
		FlushSchedule: "@every 10s",
	}
}

func openTestStore(t *testing.T, root string) (*DiskStore, *State) {
	t.Helper()
	state := NewState()
	store, err := OpenDiskStore(testStorageConfig(root), state, logger.NewNop())
	require.NoError(t, err)
	return store, state
}

type recordingObserver struct {
	mu       sync.Mutex
	stored   []string
	accessed []string
	removed  []string
}

func (r *recordingObserver) OnStore(meta types.EntryMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = append(r.stored, meta.Key)
}

func (r *recordingObserver) OnAccess(key string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessed = append(r.accessed, key)
}

func (r *recordingObserver) OnRemove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, key)
}

func readEntry(store types.BlobStore, key string) ([]byte, bool, error) {
	payload, found, err := store.Get(context.Background(), key)
	if err != nil || !found {
		return nil, found, err
	}
	defer payload.Close()

	data, err := io.ReadAll(payload)
	return data, true, err
}

func TestDiskStorePutGet(t *testing.T) {
	store, state := openTestStore(t, t.TempDir())
	defer store.Close()

	observer := &recordingObserver{}
	store.Subscribe(observer)

	result, err := store.Put(context.Background(), "abc123", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, types.PutResult{Size: 5, Replaced: false}, result)

	data, found, err := readEntry(store, "abc123")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), data)

	assert.Equal(t, int64(5), state.Bytes())
	assert.Equal(t, int64(1), state.Entries())
	assert.Equal(t, []string{"abc123"}, observer.stored)
	assert.Equal(t, []string{"abc123"}, observer.accessed)

	meta, ok := store.Stat("abc123")
	require.True(t, ok)
	assert.Equal(t, int64(5), meta.Size)
}

func TestDiskStoreMiss(t *testing.T) {
	store, _ := openTestStore(t, t.TempDir())
	defer store.Close()

	data, found, err := readEntry(store, "doesnotexist")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, data)
	assert.False(t, store.Exists("doesnotexist"))
}

func TestDiskStoreOverwrite(t *testing.T) {
	store, state := openTestStore(t, t.TempDir())
	defer store.Close()

	_, err := store.Put(context.Background(), "key", strings.NewReader("first"))
	require.NoError(t, err)
	first, _ := store.Stat("key")

	result, err := store.Put(context.Background(), "key", strings.NewReader("second!"))
	require.NoError(t, err)
	assert.True(t, result.Replaced)

	data, found, err := readEntry(store, "key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second!", string(data))

	second, _ := store.Stat("key")
	assert.Greater(t, second.Version, first.Version)
	assert.Equal(t, int64(7), state.Bytes())
	assert.Equal(t, int64(1), state.Entries())
}

func TestDiskStoreRejectsInvalidKey(t *testing.T) {
	store, state := openTestStore(t, t.TempDir())
	defer store.Close()

	for _, key := range []string{"badkey!!", "", "..", "a/b", strings.Repeat("a", 129)} {
		_, err := store.Put(context.Background(), key, strings.NewReader("x"))
		assert.ErrorIs(t, err, types.ErrInvalidKey, key)
	}
	assert.Zero(t, state.Entries())
}

func TestDiskStoreEntryTooLarge(t *testing.T) {
	root := t.TempDir()
	store, state := openTestStore(t, root)
	defer store.Close()

	_, err := store.Put(context.Background(), "big", bytes.NewReader(make([]byte, 65)))
	require.ErrorIs(t, err, types.ErrEntryTooLarge)

	assert.False(t, store.Exists("big"))
	assert.Zero(t, state.Bytes())

	leftovers, err := os.ReadDir(filepath.Join(root, tmpDirName))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	_, err = store.Put(context.Background(), "exact", bytes.NewReader(make([]byte, 64)))
	assert.NoError(t, err)
}

func TestDiskStoreCancelledUpload(t *testing.T) {
	root := t.TempDir()
	store, state := openTestStore(t, root)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Put(ctx, "cancelled", strings.NewReader("payload"))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, store.Exists("cancelled"))
	assert.Zero(t, state.Entries())

	leftovers, err := os.ReadDir(filepath.Join(root, tmpDirName))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDiskStoreDeleteIsIdempotent(t *testing.T) {
	store, state := openTestStore(t, t.TempDir())
	defer store.Close()

	observer := &recordingObserver{}
	store.Subscribe(observer)

	_, err := store.Put(context.Background(), "gone", strings.NewReader("bye"))
	require.NoError(t, err)

	require.NoError(t, store.Delete("gone"))
	require.NoError(t, store.Delete("gone"))

	assert.False(t, store.Exists("gone"))
	assert.Zero(t, state.Bytes())
	assert.Equal(t, []string{"gone"}, observer.removed)
}

func TestDiskStoreEvictSkipsNewerVersion(t *testing.T) {
	store, state := openTestStore(t, t.TempDir())
	defer store.Close()

	_, err := store.Put(context.Background(), "key", strings.NewReader("old"))
	require.NoError(t, err)
	old, _ := store.Stat("key")

	_, err = store.Put(context.Background(), "key", strings.NewReader("newer"))
	require.NoError(t, err)

	freed, err := store.Evict("key", old.Version)
	require.NoError(t, err)
	assert.Zero(t, freed)
	assert.True(t, store.Exists("key"))

	current, _ := store.Stat("key")
	freed, err = store.Evict("key", current.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(5), freed)
	assert.Zero(t, state.Entries())
}

func TestDiskStoreOpenPayloadKeepsGeneration(t *testing.T) {
	store, _ := openTestStore(t, t.TempDir())
	defer store.Close()

	_, err := store.Put(context.Background(), "key", strings.NewReader("first"))
	require.NoError(t, err)

	payload, found, err := store.Get(context.Background(), "key")
	require.NoError(t, err)
	require.True(t, found)
	defer payload.Close()
	assert.Equal(t, int64(5), payload.Meta.Size)

	_, err = store.Put(context.Background(), "key", strings.NewReader("second-version"))
	require.NoError(t, err)
	require.NoError(t, store.Delete("key"))

	data, err := io.ReadAll(payload)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestDiskStoreGetCancelled(t *testing.T) {
	store, _ := openTestStore(t, t.TempDir())
	defer store.Close()

	_, err := store.Put(context.Background(), "key", strings.NewReader("payload"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, found, err := store.Get(ctx, "key")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, found)
	assert.True(t, store.Exists("key"))
}

func TestDiskStoreCorruptPayloadIsMiss(t *testing.T) {
	root := t.TempDir()
	store, state := openTestStore(t, root)
	defer store.Close()

	_, err := store.Put(context.Background(), "victim", strings.NewReader("original"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(store.payloadPath("victim"), []byte("tampered"), 0o644))

	data, found, err := readEntry(store, "victim")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, data)

	assert.False(t, store.Exists("victim"))
	assert.Zero(t, state.Entries())
	assert.Equal(t, uint64(1), store.Corrupt())
}

func TestDiskStoreMissingPayloadIsMiss(t *testing.T) {
	store, state := openTestStore(t, t.TempDir())
	defer store.Close()

	_, err := store.Put(context.Background(), "vanished", strings.NewReader("data"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(store.payloadPath("vanished")))

	_, found, err := readEntry(store, "vanished")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, state.Bytes())
}

func TestDiskStoreConcurrentPutsKeepAggregate(t *testing.T) {
	store, state := openTestStore(t, t.TempDir())
	defer store.Close()

	const writers = 16
	const perWriter = 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("k%d", i)
				payload := strings.Repeat("x", (w%4)+1)
				_, err := store.Put(context.Background(), key, strings.NewReader(payload))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	var bytesTotal, entries int64
	store.Walk(func(meta types.EntryMeta) bool {
		bytesTotal += meta.Size
		entries++
		return true
	})

	assert.Equal(t, int64(perWriter), entries)
	assert.Equal(t, entries, state.Entries())
	assert.Equal(t, bytesTotal, state.Bytes())
}

func TestDiskStoreSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	store, state := openTestStore(t, root)

	_, err := store.Put(context.Background(), "alpha", strings.NewReader("one"))
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "beta", strings.NewReader("second"))
	require.NoError(t, err)

	_, _, err = readEntry(store, "alpha")
	require.NoError(t, err)
	accessed, _ := store.Stat("alpha")

	bytesBefore, entriesBefore := state.Bytes(), state.Entries()
	require.NoError(t, store.Close())

	reopened, reopenedState := openTestStore(t, root)
	defer reopened.Close()

	assert.Equal(t, bytesBefore, reopenedState.Bytes())
	assert.Equal(t, entriesBefore, reopenedState.Entries())

	meta, ok := reopened.Stat("alpha")
	require.True(t, ok)
	assert.Equal(t, accessed.AccessedAt.UnixNano(), meta.AccessedAt.UnixNano())

	data, found, err := readEntry(reopened, "beta")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", string(data))
}

func TestDiskStoreRemovesOrphansOnOpen(t *testing.T) {
	root := t.TempDir()
	store, _ := openTestStore(t, root)
	_, err := store.Put(context.Background(), "kept", strings.NewReader("kept"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	orphan := filepath.Join(root, dataDirName, shardName("orphan"), "orphan")
	require.NoError(t, os.MkdirAll(filepath.Dir(orphan), 0o755))
	require.NoError(t, os.WriteFile(orphan, []byte("no record"), 0o644))

	upload := filepath.Join(root, tmpDirName, "upload-123")
	require.NoError(t, os.WriteFile(upload, []byte("partial"), 0o644))

	reopened, state := openTestStore(t, root)
	defer reopened.Close()

	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, upload)
	assert.True(t, reopened.Exists("kept"))
	assert.False(t, reopened.Exists("orphan"))
	assert.Equal(t, int64(1), state.Entries())
}

func TestDiskStoreDropsRecordWithoutPayload(t *testing.T) {
	root := t.TempDir()
	store, _ := openTestStore(t, root)
	_, err := store.Put(context.Background(), "lost", strings.NewReader("lost"))
	require.NoError(t, err)
	path := store.payloadPath("lost")
	require.NoError(t, store.Close())

	require.NoError(t, os.Remove(path))

	reopened, state := openTestStore(t, root)
	defer reopened.Close()

	assert.False(t, reopened.Exists("lost"))
	assert.Zero(t, state.Bytes())
}

func TestDiskStoreSecondOpenFails(t *testing.T) {
	root := t.TempDir()
	store, _ := openTestStore(t, root)
	defer store.Close()

	_, err := OpenDiskStore(testStorageConfig(root), NewState(), logger.NewNop())
	assert.ErrorIs(t, err, types.ErrStorageRootInvalid)
}

func TestDiskStoreClosed(t *testing.T) {
	store, _ := openTestStore(t, t.TempDir())
	require.NoError(t, store.Close())

	_, err := store.Put(context.Background(), "key", strings.NewReader("x"))
	assert.ErrorIs(t, err, types.ErrStoreClosed)

	_, _, err = readEntry(store, "key")
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}
