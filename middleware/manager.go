package middleware

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/types"
)

const MaxMiddlewares = 64

type Manager struct {
	ctx                context.Context
	config             types.ConfigManager
	logger             types.Logger
	metrics            types.MetricsManager
	auth               types.AuthProviderManager
	orderedMiddlewares []types.MiddlewareEntry
	middlewareMap      map[string]*types.MiddlewareEntry
	mu                 sync.RWMutex
	initialized        int32
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, auth types.AuthProviderManager) (*Manager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	return &Manager{
		ctx:           ctx,
		config:        config,
		logger:        logger,
		metrics:       metrics,
		auth:          auth,
		middlewareMap: make(map[string]*types.MiddlewareEntry),
	}, nil
}

func (m *Manager) RegisterMiddlewares() error {
	config := m.config.GetConfig().Middlewares

	if !config.Enabled {
		m.logger.Warn("All middlewares are disabled")
		return m.finalizeConfiguration()
	}

	if config.Recovery.Enabled {
		if err := m.Register(NewRecoveryMiddleware(m.config, m.logger, m.metrics)); err != nil {
			return err
		}
	}

	if config.RequestID.Enabled {
		if err := m.Register(NewRequestIDMiddleware(m.config, m.logger)); err != nil {
			return err
		}
	}

	if config.Logging.Enabled {
		if err := m.Register(NewLoggingMiddleware(m.config, m.logger)); err != nil {
			return err
		}
	}

	if config.Metrics.Enabled && m.metrics != nil {
		if err := m.Register(NewMetricsMiddleware(m.config, m.metrics)); err != nil {
			return err
		}
	}

	if config.RateLimit.Enabled {
		rateLimit, err := NewRateLimitMiddleware(m.config, m.logger, m.metrics)
		if err != nil {
			return err
		}
		if err := m.Register(rateLimit); err != nil {
			return err
		}
	}

	if config.BodyLimit.Enabled {
		if err := m.Register(NewBodyLimitMiddleware(m.config, m.logger)); err != nil {
			return err
		}
	}

	if config.Auth.Enabled && m.auth != nil {
		if err := m.Register(NewAuthMiddleware(m.config, m.auth, m.logger, m.metrics)); err != nil {
			return err
		}
	}

	if config.Throttle.Enabled {
		throttle, err := NewThrottleMiddleware(m.config, m.logger, m.metrics)
		if err != nil {
			return err
		}
		if err := m.Register(throttle); err != nil {
			return err
		}
	}

	return m.finalizeConfiguration()
}

func (m *Manager) Register(middleware types.Middleware) error {
	if middleware == nil {
		return types.ErrMiddlewareInvalidType
	}

	if atomic.LoadInt32(&m.initialized) == 1 {
		return types.NewErrorf("cannot register middleware after finalization")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.middlewareMap) >= MaxMiddlewares {
		return types.NewErrorf("maximum middleware count exceeded: %d", MaxMiddlewares)
	}

	name := middleware.Name()
	if _, exists := m.middlewareMap[name]; exists {
		return types.Errorf(types.ErrMiddlewareOrderInvalid, "middleware %q registered twice", name)
	}

	m.middlewareMap[name] = &types.MiddlewareEntry{
		Name:       name,
		Middleware: middleware,
		Weight:     middleware.Weight(),
	}

	m.logger.Debug("Middleware registered", zap.String("name", name), zap.Int("weight", middleware.Weight()))
	return nil
}

func (m *Manager) finalizeConfiguration() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if atomic.LoadInt32(&m.initialized) == 1 {
		return types.NewErrorf("configuration already finalized")
	}

	weights := make(map[int]string)
	for name, entry := range m.middlewareMap {
		if existingName, exists := weights[entry.Weight]; exists {
			return types.Errorf(types.ErrMiddlewareOrderInvalid, "duplicate weight %d for middlewares '%s' and '%s'",
				entry.Weight, existingName, name)
		}
		weights[entry.Weight] = name
	}

	m.orderedMiddlewares = make([]types.MiddlewareEntry, 0, len(m.middlewareMap))
	for _, entry := range m.middlewareMap {
		m.orderedMiddlewares = append(m.orderedMiddlewares, *entry)
	}

	sort.Slice(m.orderedMiddlewares, func(i, j int) bool {
		return m.orderedMiddlewares[i].Weight < m.orderedMiddlewares[j].Weight
	})

	m.middlewareMap = nil
	atomic.StoreInt32(&m.initialized, 1)

	names := make([]string, 0, len(m.orderedMiddlewares))
	for _, entry := range m.orderedMiddlewares {
		names = append(names, entry.Name)
	}
	m.logger.Info("Middleware chain finalized", zap.Strings("order", names))

	return nil
}

// Chain returns the middlewares that apply to a route, lightest weight first.
func (m *Manager) Chain(config *types.RouteConfig) []types.Middleware {
	if atomic.LoadInt32(&m.initialized) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := make([]types.Middleware, 0, len(m.orderedMiddlewares))
	for _, entry := range m.orderedMiddlewares {
		if config != nil && isDisabled(config, entry.Name) {
			continue
		}
		chain = append(chain, entry.Middleware)
	}

	return chain
}

func (m *Manager) Execute(ctx *fasthttp.RequestCtx, handler types.FastHTTPHandler, config *types.RouteConfig) {
	chain := m.Chain(config)

	var index int
	var next func(*fasthttp.RequestCtx)
	next = func(ctx *fasthttp.RequestCtx) {
		if index >= len(chain) {
			handler(ctx)
			return
		}

		mw := chain[index]
		index++
		mw.Handle(ctx, next, config)
	}

	next(ctx)
}

func isDisabled(config *types.RouteConfig, name string) bool {
	for _, disabled := range config.DisabledMiddlewares {
		if disabled == name {
			return true
		}
	}
	return false
}
