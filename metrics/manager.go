package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/types"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateStarting
	ManagerStateRunning
	ManagerStateStopping
)

// Manager selects the configured metrics backend and forwards to it. With
// metrics disabled it forwards to a no-op backend so callers never nil-check.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  types.Logger
	manager types.MetricsManager
	state   atomic.Value
}

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(metricsManagerName, creator)
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger) (*Manager, error) {
	metricsConfig := config.GetConfig().Metrics

	managerCtx, cancel := context.WithCancel(ctx)

	wrapper := &Manager{
		ctx:    managerCtx,
		cancel: cancel,
		logger: logger,
	}

	wrapper.state.Store(ManagerStateStopped)

	if err := wrapper.initializeManager(metricsConfig); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	return wrapper, nil
}

func (w *Manager) initializeManager(metricsConfig *types.MetricsConfig) error {
	if metricsConfig == nil || !metricsConfig.Enabled {
		w.manager = NewNoopMetrics()
		return nil
	}

	var manager types.MetricsManager
	var err error

	switch metricsConfig.Type {
	case "prometheus":
		manager, err = NewPrometheusMetrics(w.logger, metricsConfig)
	case "noop":
		manager = NewNoopMetrics()
	default:
		creator, exists := customMetricsCreators.Load(metricsConfig.Type)
		if !exists {
			return types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", metricsConfig.Type)
		}
		manager, err = creator.(types.MetricsManagerCreator)(metricsConfig, w.logger)
	}

	if err != nil {
		return err
	}

	w.manager = manager
	w.logger.Info("Metrics manager initialized", zap.String("type", metricsConfig.Type))
	return nil
}

func (w *Manager) Start() error {
	if !w.transitionState(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := w.manager.Start(); err != nil {
		w.setState(ManagerStateStopped)
		return types.Errorf(types.ErrMetricsStartFailed, "%v", err)
	}

	w.setState(ManagerStateRunning)
	return nil
}

func (w *Manager) Stop() error {
	if !w.transitionState(ManagerStateRunning, ManagerStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		w.setState(ManagerStateStopped)
		w.cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- w.manager.Stop() }()

	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		w.logger.Warn("Metrics manager stop timeout")
		return nil
	}
}

func (w *Manager) IsRunning() bool {
	return w.getState() == ManagerStateRunning
}

func (w *Manager) RegisterRoutes(router types.HTTPRouter) {
	w.manager.RegisterRoutes(router)
}

func (w *Manager) Counter(name string, labels map[string]string) types.Counter {
	return w.manager.Counter(name, labels)
}

func (w *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	return w.manager.Gauge(name, labels)
}

func (w *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	return w.manager.Histogram(name, buckets, labels)
}

func (w *Manager) getState() ManagerState {
	return w.state.Load().(ManagerState)
}

func (w *Manager) setState(newState ManagerState) bool {
	currentState := w.getState()
	return w.state.CompareAndSwap(currentState, newState)
}

func (w *Manager) transitionState(from, to ManagerState) bool {
	return w.state.CompareAndSwap(from, to)
}
