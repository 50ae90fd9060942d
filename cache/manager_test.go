package cache

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/build-cache-node/logger"
	"github.com/saiset-co/build-cache-node/metrics"
	"github.com/saiset-co/build-cache-node/types"
)

func newPrometheus(t *testing.T) *metrics.PrometheusMetrics {
	t.Helper()
	prom, err := metrics.NewPrometheusMetrics(logger.NewNop(), &types.MetricsConfig{
		Enabled: true,
		Type:    "prometheus",
		Config:  map[string]interface{}{"enable_go_metrics": false},
	})
	require.NoError(t, err)
	return prom
}

func TestNewStoreRecordsOperations(t *testing.T) {
	prom := newPrometheus(t)
	config := testStorageConfig("")
	config.Type = "memory"

	store, err := NewStore(config, NewState(), logger.NewNop(), prom)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Put(context.Background(), "key", strings.NewReader("value"))
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "key", strings.NewReader("value2"))
	require.NoError(t, err)
	_, _, err = readEntry(store, "key")
	require.NoError(t, err)
	_, _, err = readEntry(store, "missing")
	require.NoError(t, err)

	counter := func(operation, result string) float64 {
		return prom.Counter("cache_operations_total", map[string]string{"operation": operation, "result": result}).Get()
	}

	assert.Equal(t, 1.0, counter("put", "created"))
	assert.Equal(t, 1.0, counter("put", "replaced"))
	assert.Equal(t, 1.0, counter("get", "hit"))
	assert.Equal(t, 1.0, counter("get", "miss"))

	assert.Equal(t, 6.0, prom.Gauge("cache_stored_bytes", nil).Get())
	assert.Equal(t, 1.0, prom.Gauge("cache_stored_entries", nil).Get())
}

func TestNewStoreUnknownType(t *testing.T) {
	config := testStorageConfig(t.TempDir())
	config.Type = "tape"

	_, err := NewStore(config, NewState(), logger.NewNop(), metrics.NewNoopMetrics())
	assert.ErrorIs(t, err, types.ErrStoreTypeUnknown)
}

func TestMemoryStoreContract(t *testing.T) {
	config := testStorageConfig("")
	config.Type = "memory"
	state := NewState()

	store, err := NewMemoryStore(config, state, logger.NewNop())
	require.NoError(t, err)

	observer := &recordingObserver{}
	store.Subscribe(observer)

	result, err := store.Put(context.Background(), "abc", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.False(t, result.Replaced)

	data, found, err := readEntry(store, "abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload", string(data))

	_, err = store.Put(context.Background(), "toolarge", strings.NewReader(strings.Repeat("x", 65)))
	assert.ErrorIs(t, err, types.ErrEntryTooLarge)

	meta, ok := store.Stat("abc")
	require.True(t, ok)
	freed, err := store.Evict("abc", meta.Version+1)
	require.NoError(t, err)
	assert.Zero(t, freed)

	freed, err = store.Evict("abc", meta.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(7), freed)
	assert.Zero(t, state.Bytes())
	assert.Equal(t, []string{"abc"}, observer.removed)
}
