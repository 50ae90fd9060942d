package service

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/build-cache-node/auth_providers"
	"github.com/saiset-co/build-cache-node/cache"
	"github.com/saiset-co/build-cache-node/config"
	"github.com/saiset-co/build-cache-node/cron"
	"github.com/saiset-co/build-cache-node/eviction"
	"github.com/saiset-co/build-cache-node/handlers"
	"github.com/saiset-co/build-cache-node/health"
	"github.com/saiset-co/build-cache-node/logger"
	"github.com/saiset-co/build-cache-node/metrics"
	"github.com/saiset-co/build-cache-node/middleware"
	"github.com/saiset-co/build-cache-node/server"
	"github.com/saiset-co/build-cache-node/tls"
	"github.com/saiset-co/build-cache-node/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service owns every component of a cache node. Components are built in
// NewService, started in dependency order and stopped in reverse.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration

	config      *config.ConfigurationManager
	logger      types.LoggerManager
	metrics     *metrics.Manager
	usage       *cache.State
	store       types.BlobStore
	eviction    *eviction.Manager
	cron        types.CronManager
	auth        *auth_providers.AuthProviderManager
	middlewares *middleware.Manager
	health      types.HealthManager
	tls         *tls.CertManager
	router      *server.Router
	server      *server.FastHTTPServer
}

// NewService loads the configuration (configPath may be empty) and builds the
// component graph. Nothing listens until Start.
func NewService(ctx context.Context, configPath string, overrides ...config.Override) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	service.state.Store(StateStopped)

	if err := service.registerComponents(configPath, overrides); err != nil {
		if service.store != nil {
			_ = service.store.Close()
		}
		cancel()
		return nil, err
	}

	return service, nil
}

// Start runs the node and blocks until it is stopped by Stop, a signal or
// cancellation of the parent context.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Service is already running")
		return types.ErrServiceIsRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.logger.Error("Service run panic", zap.Stack(string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	s.logger.Info("Starting service",
		zap.String("name", s.config.GetConfig().Name),
		zap.String("build", health.GetBuildInfo().String()))

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.logger.Error("Startup failed", zap.Error(err))
		if stopErr := s.stopComponents(); stopErr != nil {
			s.logger.Error("Error during startup rollback", zap.Error(stopErr))
		}
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger.Info("Service started successfully", zap.String("addr", s.Addr().String()))

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger.Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)

	s.logger.Info("Service stopped gracefully")
	_ = s.logger.Stop()
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger.Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	s.logger.Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

// Addr is the bound listen address, or the configured one before Start.
func (s *Service) Addr() net.Addr {
	if addr := s.server.Addr(); addr != nil {
		return addr
	}

	httpConfig := s.config.GetConfig().Server.HTTP
	addr, _ := net.ResolveTCPAddr("tcp", net.JoinHostPort(httpConfig.Host, fmt.Sprint(httpConfig.Port)))
	return addr
}

// Store exposes the blob store, mainly for tests and tooling.
func (s *Service) Store() types.BlobStore {
	return s.store
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) startComponents(ctx context.Context) error {
	_config := s.config.GetConfig()

	steps := []struct {
		name    string
		enabled bool
		manager types.LifecycleManager
	}{
		{"config manager", true, s.config},
		{"logger", true, s.logger},
		{"metrics manager", true, s.metrics},
		{"auth provider", true, s.auth},
		{"eviction manager", true, s.eviction},
		{"health manager", _config.Health.Enabled, s.health},
		{"tls manager", s.tls != nil, s.tls},
		{"HTTP server", true, s.server},
		{"cron manager", _config.Cron.Enabled, s.cron},
	}

	for _, step := range steps {
		if !step.enabled {
			continue
		}

		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
		}

		if err := step.manager.Start(); err != nil {
			return types.WrapError(err, "failed to start "+step.name)
		}
	}

	s.logger.Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errors []error

	s.logger.Info("Stopping service components...")

	stop := func(name string, manager types.LifecycleManager) error {
		if manager == nil || !manager.IsRunning() {
			return nil
		}
		if err := manager.Stop(); err != nil {
			s.logger.Error("Failed to stop "+name, zap.Error(err))
			return err
		}
		return nil
	}

	// Stop accepting requests before anything they depend on goes away.
	if err := stop("HTTP server", s.server); err != nil {
		errors = append(errors, err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	for name, manager := range map[string]types.LifecycleManager{
		"cron manager":     s.cron,
		"eviction manager": s.eviction,
		"health manager":   s.health,
		"auth provider":    s.auth,
	} {
		name, manager := name, manager
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return stop(name, manager)
			}
		})
	}

	if s.tls != nil {
		g.Go(func() error {
			return stop("TLS manager", s.tls)
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			s.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errors = append(errors, err)
		}
	}

	if err := s.store.Flush(ctx); err != nil {
		s.logger.Error("Failed to flush store", zap.Error(err))
		errors = append(errors, err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close store", zap.Error(err))
		errors = append(errors, err)
	}

	if err := stop("metrics manager", s.metrics); err != nil {
		errors = append(errors, err)
	}

	if err := stop("config manager", s.config); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errors)
	}

	s.logger.Info("All components stopped successfully")
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			s.logger.Info("Service context cancelled")
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}

func (s *Service) registerComponents(configPath string, overrides []config.Override) error {
	var err error
	ctx := s.ctx

	s.config, err = config.NewConfigurationManager(ctx, configPath, overrides...)
	if err != nil {
		return types.WrapError(err, "failed to register config manager")
	}

	_config := s.config.GetConfig()

	s.logger, err = logger.NewManager(ctx, s.config)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}

	s.router = server.NewRouter()

	s.metrics, err = metrics.NewManager(ctx, s.config, s.logger)
	if err != nil {
		return types.WrapError(err, "failed to register metrics manager")
	}
	s.metrics.RegisterRoutes(s.router)

	s.usage = cache.NewState()
	s.store, err = cache.NewStore(_config.Storage, s.usage, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to open store")
	}

	s.eviction, err = eviction.NewManager(ctx, _config.Storage, s.store, s.usage, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register eviction manager")
	}

	s.cron, err = cron.NewManager(ctx, s.config, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register cron manager")
	}
	if err := s.registerJobs(_config.Storage); err != nil {
		return err
	}

	s.auth, err = auth_providers.NewAuthProviderManager(ctx, _config.Auth, s.logger)
	if err != nil {
		return types.WrapError(err, "failed to register auth provider")
	}

	s.middlewares, err = middleware.NewManager(ctx, s.config, s.logger, s.metrics, s.auth)
	if err != nil {
		return types.WrapError(err, "failed to register middleware manager")
	}
	if err := s.middlewares.RegisterMiddlewares(); err != nil {
		return types.WrapError(err, "failed to register middlewares")
	}

	cacheHandler, err := handlers.NewCacheHandler(ctx, _config.Storage, s.store, s.logger)
	if err != nil {
		return types.WrapError(err, "failed to register cache handler")
	}
	cacheHandler.RegisterRoutes(s.router)
	handlers.NewStatsHandler(s.store, s.eviction, s.logger).RegisterRoutes(s.router)

	s.health, err = health.NewManager(ctx, s.config, s.logger, s.router)
	if err != nil {
		return types.WrapError(err, "failed to register health manager")
	}
	s.health.RegisterChecker("storage", health.StorageChecker(s.store, _config.Storage))
	s.health.RegisterChecker("eviction", health.EvictionChecker(s.eviction, s.usage))
	s.health.ReportUsage(health.StoreUsageSource(s.usage, int64(_config.Storage.MaxSize)))

	var tlsManager types.TLSManager
	if _config.Server.TLS.Enabled {
		s.tls, err = tls.NewCertManager(ctx, s.logger, _config.Server.TLS)
		if err != nil {
			return types.WrapError(err, "failed to register TLS manager")
		}
		tlsManager = s.tls
		s.health.RegisterChecker("tls", health.TLSChecker(s.tls))
	}

	s.server, err = server.NewHTTPServer(ctx, _config, s.logger, s.middlewares, tlsManager, s.router)
	if err != nil {
		return types.WrapError(err, "failed to register HTTP server")
	}

	return nil
}

// registerJobs schedules the periodic eviction sweep and access-time flush.
// The sweep also runs whenever a write pushes usage over the ceiling.
func (s *Service) registerJobs(storage *types.StorageConfig) error {
	if err := s.cron.Add("eviction-sweep", storage.SweepSchedule, func(context.Context) error {
		s.eviction.Trigger()
		return nil
	}); err != nil {
		return types.WrapError(err, "failed to schedule eviction sweep")
	}

	if err := s.cron.Add("index-flush", storage.FlushSchedule, s.store.Flush); err != nil {
		return types.WrapError(err, "failed to schedule index flush")
	}

	return nil
}
