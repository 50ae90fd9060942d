package eviction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const btreeDegree = 32

type item struct {
	key      string
	size     int64
	accessed int64
	version  uint64
}

// lessItem orders eviction candidates: least recently used first, larger
// entries first among equal access times, then by key.
func lessItem(a, b item) bool {
	if a.accessed != b.accessed {
		return a.accessed < b.accessed
	}
	if a.size != b.size {
		return a.size > b.size
	}
	return a.key < b.key
}

// Manager keeps stored bytes at or below the ceiling by evicting least
// recently used entries down to ceiling minus headroom.
type Manager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    types.BlobStore
	usage    types.StoreStateReader
	logger   types.Logger
	metrics  types.MetricsManager
	ceiling  int64
	headroom int64

	mu    sync.Mutex
	tree  *btree.BTreeG[item]
	items map[string]item

	sweepMu   sync.Mutex
	sweeps    atomic.Uint64
	lastSweep atomic.Int64

	trigger chan struct{}
	done    chan struct{}
	state   atomic.Value

	evicted  types.Counter
	freed    types.Counter
	failures types.Counter
	duration types.Histogram
}

func NewManager(ctx context.Context, config *types.StorageConfig, store types.BlobStore, usage types.StoreStateReader, logger types.Logger, metrics types.MetricsManager) (*Manager, error) {
	if config.Headroom >= config.MaxSize {
		return nil, types.Errorf(types.ErrInvalidParameter, "headroom %s must be below ceiling %s", config.Headroom, config.MaxSize)
	}

	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:      managerCtx,
		cancel:   cancel,
		store:    store,
		usage:    usage,
		logger:   logger,
		metrics:  metrics,
		ceiling:  config.MaxSize.Int64(),
		headroom: config.Headroom.Int64(),
		tree:     btree.NewG[item](btreeDegree, lessItem),
		items:    make(map[string]item),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		evicted:  metrics.Counter("eviction_entries_total", nil),
		freed:    metrics.Counter("eviction_bytes_total", nil),
		failures: metrics.Counter("eviction_failures_total", nil),
		duration: metrics.Histogram("eviction_sweep_duration_seconds", []float64{0.001, 0.01, 0.1, 1, 10, 60}, nil),
	}

	m.state.Store(StateStopped)

	store.Subscribe(m)
	store.Walk(func(meta types.EntryMeta) bool {
		m.mu.Lock()
		if _, tracked := m.items[meta.Key]; !tracked {
			m.insertLocked(itemFromMeta(meta))
		}
		m.mu.Unlock()
		return true
	})

	logger.Debug("Eviction index seeded",
		zap.Int("entries", m.tracked()),
		zap.Int64("ceiling", m.ceiling),
		zap.Int64("headroom", m.headroom))

	return m, nil
}

func itemFromMeta(meta types.EntryMeta) item {
	return item{
		key:      meta.Key,
		size:     meta.Size,
		accessed: meta.AccessedAt.UnixNano(),
		version:  meta.Version,
	}
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	go m.run()

	m.setState(StateRunning)

	// A node restarted over a full root starts trimming right away.
	if m.usage.Bytes() > m.ceiling {
		m.Trigger()
	}

	m.logger.Info("Eviction manager started")
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer m.setState(StateStopped)

	m.cancel()

	select {
	case <-m.done:
	case <-time.After(10 * time.Second):
		m.logger.Warn("Eviction manager stop timeout")
	}

	m.logger.Info("Eviction manager stopped")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) run() {
	defer close(m.done)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.trigger:
			if _, err := m.Sweep(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Error("Eviction sweep failed", zap.Error(err))
			}
		}
	}
}

// Trigger schedules a sweep on the background worker without waiting for it.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Sweep evicts entries while stored bytes exceed ceiling minus headroom. It
// does nothing unless the ceiling is exceeded. Entries whose removal fails are
// kept in the index and retried by the next sweep.
func (m *Manager) Sweep(ctx context.Context) (types.SweepResult, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	start := time.Now()
	result := types.SweepResult{BytesBefore: m.usage.Bytes()}

	if result.BytesBefore <= m.ceiling {
		result.BytesAfter = result.BytesBefore
		return result, nil
	}

	target := m.ceiling - m.headroom
	var retry []item
	var sweepErr error

	for m.usage.Bytes() > target {
		if err := ctx.Err(); err != nil {
			sweepErr = err
			break
		}

		candidate, ok := m.popOldest()
		if !ok {
			break
		}

		freed, err := m.store.Evict(candidate.key, candidate.version)
		if err != nil {
			result.Failed++
			m.failures.Inc()
			retry = append(retry, candidate)
			m.logger.Warn("Failed to evict entry", zap.String("key", candidate.key), zap.Error(err))
			continue
		}
		if freed == 0 {
			continue
		}

		result.Evicted++
		result.FreedBytes += freed
	}

	if len(retry) > 0 {
		m.mu.Lock()
		for _, candidate := range retry {
			if _, replaced := m.items[candidate.key]; !replaced {
				m.insertLocked(candidate)
			}
		}
		m.mu.Unlock()
	}

	result.BytesAfter = m.usage.Bytes()
	result.Duration = time.Since(start)

	m.sweeps.Add(1)
	m.lastSweep.Store(start.UnixNano())
	m.evicted.Add(float64(result.Evicted))
	m.freed.Add(float64(result.FreedBytes))
	m.duration.Observe(result.Duration.Seconds())

	m.logger.Info("Eviction sweep finished",
		zap.Int("evicted", result.Evicted),
		zap.Int64("freed_bytes", result.FreedBytes),
		zap.Int("failed", result.Failed),
		zap.Int64("bytes_before", result.BytesBefore),
		zap.Int64("bytes_after", result.BytesAfter),
		zap.Duration("duration", result.Duration))

	return result, sweepErr
}

func (m *Manager) Snapshot() types.EvictionSnapshot {
	snapshot := types.EvictionSnapshot{
		Ceiling:  m.ceiling,
		Headroom: m.headroom,
		Tracked:  m.tracked(),
		Sweeps:   m.sweeps.Load(),
	}
	if last := m.lastSweep.Load(); last != 0 {
		snapshot.LastSweep = time.Unix(0, last)
	}
	return snapshot
}

func (m *Manager) OnStore(meta types.EntryMeta) {
	m.mu.Lock()
	m.removeLocked(meta.Key)
	m.insertLocked(itemFromMeta(meta))
	m.mu.Unlock()

	if m.usage.Bytes() > m.ceiling {
		m.Trigger()
	}
}

func (m *Manager) OnAccess(key string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.items[key]
	if !ok {
		return
	}

	m.tree.Delete(current)
	current.accessed = at.UnixNano()
	m.insertLocked(current)
}

func (m *Manager) OnRemove(key string) {
	m.mu.Lock()
	m.removeLocked(key)
	m.mu.Unlock()
}

func (m *Manager) popOldest() (item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldest, ok := m.tree.DeleteMin()
	if ok {
		delete(m.items, oldest.key)
	}
	return oldest, ok
}

func (m *Manager) insertLocked(it item) {
	m.items[it.key] = it
	m.tree.ReplaceOrInsert(it)
}

func (m *Manager) removeLocked(key string) {
	if current, ok := m.items[key]; ok {
		m.tree.Delete(current)
		delete(m.items, key)
	}
}

func (m *Manager) tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}
