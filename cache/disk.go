package cache

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/types"
)

const (
	stripeCount      = 256
	indexFileName    = "index.db"
	dataDirName      = "data"
	tmpDirName       = "tmp"
	indexLockTimeout = time.Second
)

// DiskStore keeps one payload file per key and a bbolt index of their
// metadata. Payloads are published by renaming a fully written temp file, so
// readers only ever see complete entries.
type DiskStore struct {
	root     string
	dataDir  string
	tmpDir   string
	maxEntry int64
	fsync    bool
	keys     *KeyValidator
	index    *Index
	state    types.StoreStateWriter
	logger   types.Logger

	stripes [stripeCount]sync.RWMutex

	mu      sync.RWMutex
	entries map[string]types.EntryMeta

	dirtyMu sync.Mutex
	dirty   map[string]int64

	obsMu     sync.RWMutex
	observers []types.EntryObserver

	version atomic.Uint64
	corrupt atomic.Uint64
	closed  atomic.Bool
}

// OpenDiskStore prepares the storage root, reconciles the index with the
// payload files on disk and seeds state with what survived.
func OpenDiskStore(config *types.StorageConfig, state types.StoreStateWriter, logger types.Logger) (*DiskStore, error) {
	keys, err := NewKeyValidator(config.KeyPattern)
	if err != nil {
		return nil, err
	}

	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, types.Errorf(types.ErrStorageRootInvalid, "%s: %v", config.Root, err)
	}

	s := &DiskStore{
		root:     root,
		dataDir:  filepath.Join(root, dataDirName),
		tmpDir:   filepath.Join(root, tmpDirName),
		maxEntry: config.MaxEntrySize.Int64(),
		fsync:    config.Fsync,
		keys:     keys,
		state:    state,
		logger:   logger,
		entries:  make(map[string]types.EntryMeta),
		dirty:    make(map[string]int64),
	}

	if err := s.prepareDirs(); err != nil {
		return nil, err
	}

	index, err := OpenIndex(filepath.Join(root, indexFileName), config.Fsync, indexLockTimeout)
	if err != nil {
		return nil, err
	}
	s.index = index

	if err := s.reconcile(); err != nil {
		_ = index.Close()
		return nil, err
	}

	logger.Info("Disk store opened",
		zap.String("root", root),
		zap.Int64("entries", state.Entries()),
		zap.Int64("bytes", state.Bytes()))

	return s, nil
}

func (s *DiskStore) prepareDirs() error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return types.Errorf(types.ErrStorageRootInvalid, "%s: %v", s.dataDir, err)
	}

	// Leftover uploads from a previous run were never published.
	if err := os.RemoveAll(s.tmpDir); err != nil {
		return types.Errorf(types.ErrStorageRootInvalid, "clear %s: %v", s.tmpDir, err)
	}
	if err := os.MkdirAll(s.tmpDir, 0o755); err != nil {
		return types.Errorf(types.ErrStorageRootInvalid, "%s: %v", s.tmpDir, err)
	}

	probe, err := os.CreateTemp(s.tmpDir, "probe-*")
	if err != nil {
		return types.Errorf(types.ErrStorageRootInvalid, "%s is not writable: %v", s.root, err)
	}
	_, probeErr := probe.Write([]byte{0})
	if closeErr := probe.Close(); probeErr == nil {
		probeErr = closeErr
	}
	_ = os.Remove(probe.Name())
	if probeErr != nil {
		return types.Errorf(types.ErrStorageRootInvalid, "%s is not writable: %v", s.root, probeErr)
	}

	return nil
}

func (s *DiskStore) reconcile() error {
	records, stale, err := s.index.Load()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(records))

	shards, err := os.ReadDir(s.dataDir)
	if err != nil {
		return errors.WithStack(types.Errorf(types.ErrIOFailure, "read %s: %v", s.dataDir, err))
	}

	for _, shard := range shards {
		shardPath := filepath.Join(s.dataDir, shard.Name())
		if !shard.IsDir() {
			s.removeOrphan(shardPath)
			continue
		}

		files, err := os.ReadDir(shardPath)
		if err != nil {
			return errors.WithStack(types.Errorf(types.ErrIOFailure, "read %s: %v", shardPath, err))
		}

		for _, file := range files {
			key := file.Name()
			path := filepath.Join(shardPath, key)

			rec, indexed := records[key]
			if !indexed || file.IsDir() || s.keys.Validate(key) != nil || shardName(key) != shard.Name() {
				s.removeOrphan(path)
				continue
			}

			info, err := file.Info()
			if err != nil || info.Size() != rec.size {
				s.logger.Warn("Dropping entry with mismatched payload", zap.String("key", key))
				s.removeOrphan(path)
				continue
			}

			seen[key] = true
			s.entries[key] = types.EntryMeta{
				Key:        key,
				Size:       rec.size,
				Checksum:   rec.checksum,
				CreatedAt:  time.Unix(0, rec.created),
				AccessedAt: time.Unix(0, rec.accessed),
				Version:    s.version.Add(1),
			}
			s.state.Add(rec.size)
		}
	}

	for key := range records {
		if !seen[key] {
			stale = append(stale, key)
		}
	}

	if len(stale) > 0 {
		s.logger.Warn("Removing index records without payload", zap.Int("count", len(stale)))
		if err := s.index.Delete(stale...); err != nil {
			return err
		}
	}

	return nil
}

func (s *DiskStore) removeOrphan(path string) {
	s.logger.Debug("Removing orphan payload", zap.String("path", path))
	if err := os.RemoveAll(path); err != nil {
		s.logger.Warn("Failed to remove orphan payload", zap.String("path", path), zap.Error(err))
	}
}

func (s *DiskStore) Put(ctx context.Context, key string, body io.Reader) (types.PutResult, error) {
	if s.closed.Load() {
		return types.PutResult{}, types.ErrStoreClosed
	}
	if err := s.keys.Validate(key); err != nil {
		return types.PutResult{}, err
	}

	tmp, err := os.CreateTemp(s.tmpDir, "upload-*")
	if err != nil {
		return types.PutResult{}, classifyIO("create temp file", err)
	}

	published := false
	defer func() {
		_ = tmp.Close()
		if !published {
			_ = os.Remove(tmp.Name())
		}
	}()

	hasher := xxhash.New()
	limited := io.LimitReader(&contextReader{ctx: ctx, r: body}, s.maxEntry+1)

	size, err := io.Copy(io.MultiWriter(tmp, hasher), limited)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.PutResult{}, ctxErr
		}
		return types.PutResult{}, classifyIO("write upload", err)
	}
	if size > s.maxEntry {
		return types.PutResult{}, types.Errorf(types.ErrEntryTooLarge, "key %q exceeds %d bytes", key, s.maxEntry)
	}

	if s.fsync {
		if err := tmp.Sync(); err != nil {
			return types.PutResult{}, classifyIO("sync upload", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return types.PutResult{}, classifyIO("close upload", err)
	}

	path := s.payloadPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return types.PutResult{}, classifyIO("create shard", err)
	}

	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Rename(tmp.Name(), path); err != nil {
		return types.PutResult{}, classifyIO("publish", err)
	}
	published = true

	now := time.Now()
	meta := types.EntryMeta{
		Key:        key,
		Size:       size,
		Checksum:   hasher.Sum64(),
		CreatedAt:  now,
		AccessedAt: now,
		Version:    s.version.Add(1),
	}

	s.mu.Lock()
	previous, replaced := s.entries[key]
	s.entries[key] = meta
	s.mu.Unlock()

	if replaced {
		s.state.Replace(previous.Size, size)
	} else {
		s.state.Add(size)
	}
	s.clearDirty(key)

	// The payload is already live; a lost record only costs the entry on restart.
	if err := s.index.Put(key, recordFromMeta(meta)); err != nil {
		s.logger.Error("Failed to persist index record", zap.String("key", key), zap.Error(err))
	}

	s.notifyStore(meta)

	return types.PutResult{Size: size, Replaced: replaced}, nil
}

func (s *DiskStore) Get(ctx context.Context, key string) (*types.Payload, bool, error) {
	if s.closed.Load() {
		return nil, false, types.ErrStoreClosed
	}
	if err := s.keys.Validate(key); err != nil {
		return nil, false, err
	}

	lock := s.stripe(key)
	lock.RLock()

	meta, ok := s.lookup(key)
	if !ok {
		lock.RUnlock()
		return nil, false, nil
	}

	file, err := s.openPayload(ctx, meta)
	if err == nil {
		s.touch(meta, time.Now())
	}
	lock.RUnlock()

	if err != nil {
		if errors.Is(err, types.ErrCorruptEntry) || errors.Is(err, os.ErrNotExist) {
			s.discardCorrupt(meta, err)
			return nil, false, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		return nil, false, classifyIO("read payload", err)
	}

	return &types.Payload{ReadCloser: file, Meta: meta}, true, nil
}

// openPayload opens the payload file and verifies it by streaming it through
// the checksum, then rewinds it for the caller. The open handle keeps reading
// this generation after a later rename or unlink of the path.
func (s *DiskStore) openPayload(ctx context.Context, meta types.EntryMeta) (*os.File, error) {
	file, err := os.Open(s.payloadPath(meta.Key))
	if err != nil {
		return nil, err
	}

	hasher := xxhash.New()
	n, err := io.Copy(hasher, &contextReader{ctx: ctx, r: file})
	if err == nil && n != meta.Size {
		err = types.Errorf(types.ErrCorruptEntry, "size %d, expected %d", n, meta.Size)
	}
	if err == nil && hasher.Sum64() != meta.Checksum {
		err = types.Errorf(types.ErrCorruptEntry, "checksum %016x, expected %016x", hasher.Sum64(), meta.Checksum)
	}
	if err == nil {
		_, err = file.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return file, nil
}

func (s *DiskStore) discardCorrupt(meta types.EntryMeta, cause error) {
	s.corrupt.Add(1)
	s.logger.Warn("Discarding corrupt cache entry",
		zap.String("key", meta.Key),
		zap.Uint64("version", meta.Version),
		zap.Error(cause))

	if _, err := s.Evict(meta.Key, meta.Version); err != nil {
		s.logger.Error("Failed to remove corrupt cache entry", zap.String("key", meta.Key), zap.Error(err))
	}
}

func (s *DiskStore) Exists(key string) bool {
	_, ok := s.Stat(key)
	return ok
}

func (s *DiskStore) Stat(key string) (types.EntryMeta, bool) {
	if s.closed.Load() || s.keys.Validate(key) != nil {
		return types.EntryMeta{}, false
	}
	return s.lookup(key)
}

func (s *DiskStore) Delete(key string) error {
	if s.closed.Load() {
		return types.ErrStoreClosed
	}
	if err := s.keys.Validate(key); err != nil {
		return err
	}

	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	meta, ok := s.lookup(key)
	if !ok {
		return nil
	}

	_, err := s.removeLocked(meta)
	return err
}

func (s *DiskStore) Evict(key string, version uint64) (int64, error) {
	if s.closed.Load() {
		return 0, types.ErrStoreClosed
	}

	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	meta, ok := s.lookup(key)
	if !ok || meta.Version != version {
		return 0, nil
	}

	return s.removeLocked(meta)
}

// removeLocked expects the key's stripe to be write-locked.
func (s *DiskStore) removeLocked(meta types.EntryMeta) (int64, error) {
	if err := os.Remove(s.payloadPath(meta.Key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, classifyIO("remove payload", err)
	}

	s.mu.Lock()
	delete(s.entries, meta.Key)
	s.mu.Unlock()

	s.state.Remove(meta.Size)
	s.clearDirty(meta.Key)

	if err := s.index.Delete(meta.Key); err != nil {
		s.logger.Warn("Failed to delete index record", zap.String("key", meta.Key), zap.Error(err))
	}

	s.notifyRemove(meta.Key)

	return meta.Size, nil
}

func (s *DiskStore) Walk(fn func(meta types.EntryMeta) bool) {
	s.mu.RLock()
	snapshot := make([]types.EntryMeta, 0, len(s.entries))
	for _, meta := range s.entries {
		snapshot = append(snapshot, meta)
	}
	s.mu.RUnlock()

	for _, meta := range snapshot {
		if !fn(meta) {
			return
		}
	}
}

func (s *DiskStore) Subscribe(observer types.EntryObserver) {
	s.obsMu.Lock()
	s.observers = append(s.observers, observer)
	s.obsMu.Unlock()
}

// Flush writes access times recorded since the last flush to the index.
func (s *DiskStore) Flush(ctx context.Context) error {
	s.dirtyMu.Lock()
	pending := s.dirty
	s.dirty = make(map[string]int64)
	s.dirtyMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := ctx.Err(); err != nil {
		s.restoreDirty(pending)
		return err
	}

	if err := s.index.Touch(pending); err != nil {
		s.restoreDirty(pending)
		return err
	}

	s.logger.Debug("Flushed access times", zap.Int("entries", len(pending)))
	return nil
}

func (s *DiskStore) Stats() types.StoreStats {
	return types.StoreStats{
		Type:    "disk",
		Bytes:   s.state.Bytes(),
		Entries: s.state.Entries(),
	}
}

// Corrupt reports how many entries failed verification since open.
func (s *DiskStore) Corrupt() uint64 {
	return s.corrupt.Load()
}

func (s *DiskStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	flushErr := s.Flush(context.Background())
	if flushErr != nil {
		s.logger.Error("Failed to flush access times on close", zap.Error(flushErr))
	}

	if err := s.index.Close(); err != nil {
		return errors.WithStack(types.Errorf(types.ErrIOFailure, "close index: %v", err))
	}

	s.logger.Info("Disk store closed", zap.String("root", s.root))
	return flushErr
}

func (s *DiskStore) lookup(key string) (types.EntryMeta, bool) {
	s.mu.RLock()
	meta, ok := s.entries[key]
	s.mu.RUnlock()
	return meta, ok
}

// touch records a hit. The caller holds the key's stripe at least for reading.
func (s *DiskStore) touch(meta types.EntryMeta, at time.Time) {
	s.mu.Lock()
	if current, ok := s.entries[meta.Key]; ok && current.Version == meta.Version {
		current.AccessedAt = at
		s.entries[meta.Key] = current
	}
	s.mu.Unlock()

	s.dirtyMu.Lock()
	s.dirty[meta.Key] = at.UnixNano()
	s.dirtyMu.Unlock()

	s.obsMu.RLock()
	for _, observer := range s.observers {
		observer.OnAccess(meta.Key, at)
	}
	s.obsMu.RUnlock()
}

func (s *DiskStore) clearDirty(key string) {
	s.dirtyMu.Lock()
	delete(s.dirty, key)
	s.dirtyMu.Unlock()
}

func (s *DiskStore) restoreDirty(pending map[string]int64) {
	s.dirtyMu.Lock()
	for key, at := range pending {
		if at > s.dirty[key] {
			s.dirty[key] = at
		}
	}
	s.dirtyMu.Unlock()
}

func (s *DiskStore) notifyStore(meta types.EntryMeta) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, observer := range s.observers {
		observer.OnStore(meta)
	}
}

func (s *DiskStore) notifyRemove(key string) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, observer := range s.observers {
		observer.OnRemove(key)
	}
}

func (s *DiskStore) stripe(key string) *sync.RWMutex {
	return &s.stripes[xxhash.Sum64String(key)%stripeCount]
}

func (s *DiskStore) payloadPath(key string) string {
	return filepath.Join(s.dataDir, shardName(key), key)
}

func shardName(key string) string {
	sum := xxhash.Sum64String(key)
	return hex.EncodeToString([]byte{byte(sum >> 56)})
}

func classifyIO(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return errors.WithStack(types.Errorf(types.ErrStorageFull, "%s: %v", op, err))
	}
	return errors.WithStack(types.Errorf(types.ErrIOFailure, "%s: %v", op, err))
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
