package cache

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/saiset-co/build-cache-node/types"
)

type memoryEntry struct {
	meta types.EntryMeta
	data []byte
}

// MemoryStore holds payloads in process memory. Nothing survives a restart.
type MemoryStore struct {
	maxEntry  int64
	keys      *KeyValidator
	state     types.StoreStateWriter
	logger    types.Logger
	mu        sync.RWMutex
	entries   map[string]*memoryEntry
	obsMu     sync.RWMutex
	observers []types.EntryObserver
	version   atomic.Uint64
	closed    atomic.Bool
	bufPool   sync.Pool
}

func NewMemoryStore(config *types.StorageConfig, state types.StoreStateWriter, logger types.Logger) (*MemoryStore, error) {
	keys, err := NewKeyValidator(config.KeyPattern)
	if err != nil {
		return nil, err
	}

	return &MemoryStore{
		maxEntry: config.MaxEntrySize.Int64(),
		keys:     keys,
		state:    state,
		logger:   logger,
		entries:  make(map[string]*memoryEntry),
		bufPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader) (types.PutResult, error) {
	if m.closed.Load() {
		return types.PutResult{}, types.ErrStoreClosed
	}
	if err := m.keys.Validate(key); err != nil {
		return types.PutResult{}, err
	}

	buf := m.bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer m.bufPool.Put(buf)

	size, err := buf.ReadFrom(io.LimitReader(&contextReader{ctx: ctx, r: body}, m.maxEntry+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.PutResult{}, ctxErr
		}
		return types.PutResult{}, types.Errorf(types.ErrIOFailure, "read upload: %v", err)
	}
	if size > m.maxEntry {
		return types.PutResult{}, types.Errorf(types.ErrEntryTooLarge, "key %q exceeds %d bytes", key, m.maxEntry)
	}

	data := bytes.Clone(buf.Bytes())
	now := time.Now()
	entry := &memoryEntry{
		meta: types.EntryMeta{
			Key:        key,
			Size:       size,
			Checksum:   xxhash.Sum64(data),
			CreatedAt:  now,
			AccessedAt: now,
			Version:    m.version.Add(1),
		},
		data: data,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous, replaced := m.entries[key]
	m.entries[key] = entry

	if replaced {
		m.state.Replace(previous.meta.Size, size)
	} else {
		m.state.Add(size)
	}

	m.obsMu.RLock()
	for _, observer := range m.observers {
		observer.OnStore(entry.meta)
	}
	m.obsMu.RUnlock()

	return types.PutResult{Size: size, Replaced: replaced}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*types.Payload, bool, error) {
	if m.closed.Load() {
		return nil, false, types.ErrStoreClosed
	}
	if err := m.keys.Validate(key); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}

	now := time.Now()
	entry.meta.AccessedAt = now

	m.obsMu.RLock()
	for _, observer := range m.observers {
		observer.OnAccess(key, now)
	}
	m.obsMu.RUnlock()

	return &types.Payload{
		ReadCloser: io.NopCloser(bytes.NewReader(entry.data)),
		Meta:       entry.meta,
	}, true, nil
}

func (m *MemoryStore) Exists(key string) bool {
	_, ok := m.Stat(key)
	return ok
}

func (m *MemoryStore) Stat(key string) (types.EntryMeta, bool) {
	if m.closed.Load() {
		return types.EntryMeta{}, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return types.EntryMeta{}, false
	}
	return entry.meta, true
}

func (m *MemoryStore) Delete(key string) error {
	if m.closed.Load() {
		return types.ErrStoreClosed
	}
	if err := m.keys.Validate(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		m.removeLocked(entry)
	}
	return nil
}

func (m *MemoryStore) Evict(key string, version uint64) (int64, error) {
	if m.closed.Load() {
		return 0, types.ErrStoreClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.meta.Version != version {
		return 0, nil
	}

	m.removeLocked(entry)
	return entry.meta.Size, nil
}

func (m *MemoryStore) removeLocked(entry *memoryEntry) {
	delete(m.entries, entry.meta.Key)
	m.state.Remove(entry.meta.Size)

	m.obsMu.RLock()
	for _, observer := range m.observers {
		observer.OnRemove(entry.meta.Key)
	}
	m.obsMu.RUnlock()
}

func (m *MemoryStore) Walk(fn func(meta types.EntryMeta) bool) {
	m.mu.RLock()
	snapshot := make([]types.EntryMeta, 0, len(m.entries))
	for _, entry := range m.entries {
		snapshot = append(snapshot, entry.meta)
	}
	m.mu.RUnlock()

	for _, meta := range snapshot {
		if !fn(meta) {
			return
		}
	}
}

func (m *MemoryStore) Subscribe(observer types.EntryObserver) {
	m.obsMu.Lock()
	m.observers = append(m.observers, observer)
	m.obsMu.Unlock()
}

func (m *MemoryStore) Flush(context.Context) error {
	return nil
}

func (m *MemoryStore) Stats() types.StoreStats {
	return types.StoreStats{
		Type:    "memory",
		Bytes:   m.state.Bytes(),
		Entries: m.state.Entries(),
	}
}

func (m *MemoryStore) Close() error {
	m.closed.Store(true)
	return nil
}
