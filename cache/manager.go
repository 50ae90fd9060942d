package cache

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/types"
)

var customStoreCreators = sync.Map{}

func RegisterStore(storeName string, creator types.StoreCreator) {
	customStoreCreators.Store(storeName, creator)
}

// NewStore opens the configured store and wraps it with operation metrics.
func NewStore(config *types.StorageConfig, state types.StoreStateWriter, logger types.Logger, metrics types.MetricsManager) (types.BlobStore, error) {
	var impl types.BlobStore
	var err error

	switch config.Type {
	case "disk":
		impl, err = OpenDiskStore(config, state, logger)
	case "memory":
		impl, err = NewMemoryStore(config, state, logger)
	default:
		creator, exists := customStoreCreators.Load(config.Type)
		if !exists {
			return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", config.Type)
		}
		impl, err = creator.(types.StoreCreator)(config, state, logger)
	}

	if err != nil {
		return nil, err
	}

	logger.Info("Blob store ready",
		zap.String("type", config.Type),
		zap.Stringer("max_entry_size", config.MaxEntrySize))

	return newInstrumentedStore(impl, metrics), nil
}

type instrumentedStore struct {
	impl    types.BlobStore
	metrics types.MetricsManager
	bytes   types.Gauge
	entries types.Gauge
}

func newInstrumentedStore(impl types.BlobStore, metrics types.MetricsManager) *instrumentedStore {
	store := &instrumentedStore{
		impl:    impl,
		metrics: metrics,
		bytes:   metrics.Gauge("cache_stored_bytes", nil),
		entries: metrics.Gauge("cache_stored_entries", nil),
	}
	store.updateGauges()
	return store
}

func (s *instrumentedStore) Put(ctx context.Context, key string, body io.Reader) (types.PutResult, error) {
	start := time.Now()
	result, err := s.impl.Put(ctx, key, body)

	outcome := "created"
	switch {
	case err != nil:
		outcome = "error"
	case result.Replaced:
		outcome = "replaced"
	}

	s.recordMetric("put", outcome, time.Since(start))
	s.updateGauges()
	return result, err
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (*types.Payload, bool, error) {
	start := time.Now()
	payload, found, err := s.impl.Get(ctx, key)

	outcome := "miss"
	switch {
	case err != nil:
		outcome = "error"
	case found:
		outcome = "hit"
	}

	s.recordMetric("get", outcome, time.Since(start))
	return payload, found, err
}

func (s *instrumentedStore) Exists(key string) bool {
	return s.impl.Exists(key)
}

func (s *instrumentedStore) Stat(key string) (types.EntryMeta, bool) {
	start := time.Now()
	meta, found := s.impl.Stat(key)

	outcome := "miss"
	if found {
		outcome = "hit"
	}

	s.recordMetric("stat", outcome, time.Since(start))
	return meta, found
}

func (s *instrumentedStore) Delete(key string) error {
	start := time.Now()
	err := s.impl.Delete(key)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	s.recordMetric("delete", outcome, time.Since(start))
	s.updateGauges()
	return err
}

func (s *instrumentedStore) Evict(key string, version uint64) (int64, error) {
	start := time.Now()
	freed, err := s.impl.Evict(key, version)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case freed == 0:
		outcome = "stale"
	}

	s.recordMetric("evict", outcome, time.Since(start))
	s.updateGauges()
	return freed, err
}

func (s *instrumentedStore) Walk(fn func(meta types.EntryMeta) bool) {
	s.impl.Walk(fn)
}

func (s *instrumentedStore) Subscribe(observer types.EntryObserver) {
	s.impl.Subscribe(observer)
}

func (s *instrumentedStore) Flush(ctx context.Context) error {
	start := time.Now()
	err := s.impl.Flush(ctx)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	s.recordMetric("flush", outcome, time.Since(start))
	return err
}

func (s *instrumentedStore) Stats() types.StoreStats {
	return s.impl.Stats()
}

func (s *instrumentedStore) Close() error {
	return s.impl.Close()
}

// Unwrap returns the underlying store.
func (s *instrumentedStore) Unwrap() types.BlobStore {
	return s.impl
}

func (s *instrumentedStore) updateGauges() {
	stats := s.impl.Stats()
	s.bytes.Set(float64(stats.Bytes))
	s.entries.Set(float64(stats.Entries))
}

func (s *instrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	s.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	s.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0, 10.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}
