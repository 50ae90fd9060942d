package auth_providers

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/build-cache-node/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type AuthProviderManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.AuthConfig
	logger          types.Logger
	mu              sync.RWMutex
	providers       map[string]types.AuthProvider
	order           []string
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewAuthProviderManager(ctx context.Context, config *types.AuthConfig, logger types.Logger) (*AuthProviderManager, error) {
	managerCtx, cancel := context.WithCancel(ctx)

	manager := &AuthProviderManager{
		ctx:             managerCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		providers:       make(map[string]types.AuthProvider),
		shutdownTimeout: 10 * time.Second,
	}

	manager.state.Store(StateStopped)

	if err := manager.initializeDefaultProviders(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to initialize auth providers")
	}

	return manager, nil
}

func (pm *AuthProviderManager) Start() error {
	if !pm.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	g, gCtx := errgroup.WithContext(pm.ctx)

	pm.mu.RLock()
	for name, provider := range pm.providers {
		name, provider := name, provider
		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}
			if startable, ok := provider.(interface{ Start() error }); ok {
				if err := startable.Start(); err != nil {
					return types.WrapError(err, "failed to start provider "+name)
				}
			}
			return nil
		})
	}
	pm.mu.RUnlock()

	if err := g.Wait(); err != nil {
		pm.setState(StateStopped)
		return err
	}

	pm.setState(StateRunning)

	pm.logger.Info("Auth provider manager started",
		zap.Bool("enabled", pm.config.Enabled),
		zap.String("read_access", pm.config.ReadAccess),
		zap.Strings("providers", pm.names()))
	return nil
}

func (pm *AuthProviderManager) Stop() error {
	if !pm.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		pm.setState(StateStopped)
		pm.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), pm.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	pm.mu.RLock()
	for name, provider := range pm.providers {
		name, provider := name, provider
		g.Go(func() error {
			if stoppable, ok := provider.(interface{ Stop() error }); ok {
				if err := stoppable.Stop(); err != nil {
					pm.logger.Error("Failed to stop auth provider", zap.String("provider", name), zap.Error(err))
					return err
				}
			}
			return nil
		})
	}
	pm.mu.RUnlock()

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			pm.logger.Warn("Auth provider manager stop timeout")
		default:
			pm.logger.Error("Error during auth provider manager shutdown", zap.Error(err))
		}
	}

	return nil
}

func (pm *AuthProviderManager) IsRunning() bool {
	return pm.getState() == StateRunning
}

func (pm *AuthProviderManager) Register(name string, provider types.AuthProvider) error {
	if pm.IsRunning() {
		return types.ErrServerAlreadyRunning
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, ok := pm.providers[name]; ok {
		return types.Errorf(types.ErrAuthProviderExists, "%s", name)
	}

	pm.providers[name] = provider
	pm.order = append(pm.order, name)
	return nil
}

// Authorize decides whether a request carrying creds may perform op. Reads
// are open when read_access is "open"; everything else needs a provider to
// accept the credentials.
func (pm *AuthProviderManager) Authorize(creds types.Credentials, op types.Operation) bool {
	if !pm.config.Enabled {
		return true
	}

	if op == types.OperationRead && pm.config.ReadAccess == types.ReadAccessOpen {
		return true
	}

	if creds.Empty() {
		return false
	}

	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, name := range pm.order {
		if pm.providers[name].Verify(creds) {
			return true
		}
	}

	return false
}

func (pm *AuthProviderManager) Realm() string {
	if pm.config.Realm == "" {
		return "build-cache-node"
	}
	return pm.config.Realm
}

func (pm *AuthProviderManager) names() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	names := append([]string(nil), pm.order...)
	sort.Strings(names)
	return names
}

func (pm *AuthProviderManager) getState() State {
	return pm.state.Load().(State)
}

func (pm *AuthProviderManager) setState(newState State) bool {
	currentState := pm.getState()
	return pm.state.CompareAndSwap(currentState, newState)
}

func (pm *AuthProviderManager) transitionState(from, to State) bool {
	return pm.state.CompareAndSwap(from, to)
}

func (pm *AuthProviderManager) initializeDefaultProviders() error {
	users := append([]types.UserConfig(nil), pm.config.Users...)
	if pm.config.Username != "" {
		users = append(users, types.UserConfig{
			Username:     pm.config.Username,
			Password:     pm.config.Password,
			PasswordHash: pm.config.PasswordHash,
		})
	}

	if len(users) > 0 {
		basic, err := NewBasicAuthProvider(users)
		if err != nil {
			return err
		}
		if err := pm.Register("basic", basic); err != nil {
			return err
		}
	}

	if len(pm.config.Tokens) > 0 {
		if err := pm.Register("token", NewTokenAuthProvider(pm.config.Tokens...)); err != nil {
			return err
		}
	}

	if pm.config.Enabled && len(pm.order) == 0 {
		return types.ErrAuthNoCredentials
	}

	return nil
}
