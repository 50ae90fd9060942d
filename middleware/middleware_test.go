package middleware

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/build-cache-node/auth_providers"
	"github.com/saiset-co/build-cache-node/config"
	"github.com/saiset-co/build-cache-node/logger"
	"github.com/saiset-co/build-cache-node/types"
)

func testConfig(t *testing.T, mutate func(*types.ServiceConfig)) types.ConfigManager {
	t.Helper()

	serviceConfig := config.NewLoader().Defaults()
	serviceConfig.Auth.Username = "gradle"
	serviceConfig.Auth.Password = "s3cret"
	serviceConfig.Storage.MaxEntrySize = 1024
	serviceConfig.Metrics.Enabled = false

	if mutate != nil {
		mutate(serviceConfig)
	}

	manager, err := config.NewStaticManager(serviceConfig)
	require.NoError(t, err)
	return manager
}

func newRequest(method, uri string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	return ctx
}

func basicHeader(user, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+secret))
}

func ok(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func newTestManager(t *testing.T, configManager types.ConfigManager) *Manager {
	t.Helper()

	log := logger.NewNop()
	auth, err := auth_providers.NewAuthProviderManager(context.Background(), configManager.GetConfig().Auth, log)
	require.NoError(t, err)

	manager, err := NewManager(context.Background(), configManager, log, nil, auth)
	require.NoError(t, err)
	require.NoError(t, manager.RegisterMiddlewares())
	return manager
}

func chainNames(chain []types.Middleware) []string {
	names := make([]string, 0, len(chain))
	for _, mw := range chain {
		names = append(names, mw.Name())
	}
	return names
}

func TestManager_ChainOrderedByWeight(t *testing.T) {
	manager := newTestManager(t, testConfig(t, nil))

	assert.Equal(t,
		[]string{"recovery", "request_id", "logging", "body_limit", "auth", "throttle"},
		chainNames(manager.Chain(&types.RouteConfig{})))
}

func TestManager_ChainSkipsDisabled(t *testing.T) {
	manager := newTestManager(t, testConfig(t, nil))

	chain := manager.Chain(&types.RouteConfig{DisabledMiddlewares: []string{"auth", "throttle"}})

	assert.Equal(t, []string{"recovery", "request_id", "logging", "body_limit"}, chainNames(chain))
}

func TestManager_DuplicateWeightRejected(t *testing.T) {
	configManager := testConfig(t, func(c *types.ServiceConfig) {
		c.Middlewares.Logging.Weight = c.Middlewares.Recovery.Weight
	})

	manager, err := NewManager(context.Background(), configManager, logger.NewNop(), nil, nil)
	require.NoError(t, err)

	err = manager.RegisterMiddlewares()
	assert.ErrorIs(t, err, types.ErrMiddlewareOrderInvalid)
}

func TestManager_RegisterAfterFinalize(t *testing.T) {
	configManager := testConfig(t, nil)
	manager := newTestManager(t, configManager)

	err := manager.Register(NewLoggingMiddleware(configManager, logger.NewNop()))
	assert.Error(t, err)
}

func TestManager_ExecuteRunsHandler(t *testing.T) {
	manager := newTestManager(t, testConfig(t, nil))

	ctx := newRequest(fasthttp.MethodGet, "/cache/abc")
	manager.Execute(ctx, ok, &types.RouteConfig{})

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.NotEmpty(t, ctx.Response.Header.Peek(RequestIDHeader))
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	configManager := testConfig(t, nil)
	recovery := NewRecoveryMiddleware(configManager, logger.NewNop(), nil)

	ctx := newRequest(fasthttp.MethodGet, "/cache/abc")
	assert.NotPanics(t, func() {
		recovery.Handle(ctx, func(*fasthttp.RequestCtx) { panic("boom") }, nil)
	})

	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
}

func TestRequestID_GeneratesAndEchoes(t *testing.T) {
	requestID := NewRequestIDMiddleware(testConfig(t, nil), logger.NewNop())

	ctx := newRequest(fasthttp.MethodGet, "/cache/abc")
	requestID.Handle(ctx, ok, nil)
	generated := string(ctx.Response.Header.Peek(RequestIDHeader))
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, RequestID(ctx))

	ctx = newRequest(fasthttp.MethodGet, "/cache/abc")
	ctx.Request.Header.Set(RequestIDHeader, "build-42")
	requestID.Handle(ctx, ok, nil)
	assert.Equal(t, "build-42", string(ctx.Response.Header.Peek(RequestIDHeader)))
}

func TestBodyLimit_RejectsDeclaredOversize(t *testing.T) {
	bodyLimit := NewBodyLimitMiddleware(testConfig(t, nil), logger.NewNop())

	ctx := newRequest(fasthttp.MethodPut, "/cache/abc")
	ctx.Request.Header.SetContentLength(2048)

	called := false
	bodyLimit.Handle(ctx, func(*fasthttp.RequestCtx) { called = true }, nil)

	assert.False(t, called)
	assert.Equal(t, fasthttp.StatusRequestEntityTooLarge, ctx.Response.StatusCode())

	ctx = newRequest(fasthttp.MethodPut, "/cache/abc")
	ctx.Request.Header.SetContentLength(1024)
	bodyLimit.Handle(ctx, ok, nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestAuth_Middleware(t *testing.T) {
	manager := newTestManager(t, testConfig(t, nil))

	tests := []struct {
		name   string
		method string
		header string
		status int
	}{
		{name: "open read", method: fasthttp.MethodGet, status: fasthttp.StatusOK},
		{name: "anonymous write", method: fasthttp.MethodPut, status: fasthttp.StatusUnauthorized},
		{name: "wrong secret", method: fasthttp.MethodPut, header: basicHeader("gradle", "nope"), status: fasthttp.StatusUnauthorized},
		{name: "valid write", method: fasthttp.MethodPut, header: basicHeader("gradle", "s3cret"), status: fasthttp.StatusOK},
		{name: "garbage header", method: fasthttp.MethodDelete, header: "Basic %%%", status: fasthttp.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newRequest(tt.method, "/cache/abc")
			if tt.header != "" {
				ctx.Request.Header.Set(fasthttp.HeaderAuthorization, tt.header)
			}

			manager.Execute(ctx, ok, &types.RouteConfig{})

			assert.Equal(t, tt.status, ctx.Response.StatusCode())
			if tt.status == fasthttp.StatusUnauthorized {
				assert.Contains(t, string(ctx.Response.Header.Peek(fasthttp.HeaderWWWAuthenticate)), `realm="build-cache-node"`)
			}
		})
	}
}

func TestAuth_ValidatesBeforeCredentials(t *testing.T) {
	manager := newTestManager(t, testConfig(t, nil))

	config := &types.RouteConfig{
		Validator: func(ctx *fasthttp.RequestCtx) error {
			if string(ctx.Path()) != "/cache/abc" {
				return types.ErrInvalidKey
			}
			return nil
		},
	}

	ctx := newRequest(fasthttp.MethodPut, "/cache/bad!!")
	manager.Execute(ctx, ok, config)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Empty(t, ctx.Response.Header.Peek(fasthttp.HeaderWWWAuthenticate))

	ctx = newRequest(fasthttp.MethodPut, "/cache/abc")
	manager.Execute(ctx, ok, config)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
}

func TestAuth_GatedReads(t *testing.T) {
	manager := newTestManager(t, testConfig(t, func(c *types.ServiceConfig) {
		c.Auth.ReadAccess = types.ReadAccessGated
	}))

	ctx := newRequest(fasthttp.MethodGet, "/cache/abc")
	manager.Execute(ctx, ok, &types.RouteConfig{})
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	ctx = newRequest(fasthttp.MethodHead, "/cache/abc")
	ctx.Request.Header.Set(fasthttp.HeaderAuthorization, basicHeader("gradle", "s3cret"))
	manager.Execute(ctx, ok, &types.RouteConfig{})
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestThrottle_RejectsWhenSaturated(t *testing.T) {
	throttle, err := NewThrottleMiddleware(testConfig(t, func(c *types.ServiceConfig) {
		c.Middlewares.Throttle.Params = map[string]interface{}{
			"max_concurrent_writes": 1,
			"retry_after":           3,
		}
	}), logger.NewNop(), nil)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		throttle.Handle(newRequest(fasthttp.MethodPut, "/cache/a"), func(*fasthttp.RequestCtx) {
			close(entered)
			<-release
		}, nil)
	}()
	<-entered

	ctx := newRequest(fasthttp.MethodPut, "/cache/b")
	throttle.Handle(ctx, ok, nil)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	assert.Equal(t, "3", string(ctx.Response.Header.Peek(fasthttp.HeaderRetryAfter)))

	read := newRequest(fasthttp.MethodGet, "/cache/b")
	throttle.Handle(read, ok, nil)
	assert.Equal(t, fasthttp.StatusOK, read.Response.StatusCode())

	close(release)
	wg.Wait()

	ctx = newRequest(fasthttp.MethodPut, "/cache/b")
	throttle.Handle(ctx, ok, nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestRateLimit_RejectsBurst(t *testing.T) {
	rateLimit, err := NewRateLimitMiddleware(testConfig(t, func(c *types.ServiceConfig) {
		c.Middlewares.RateLimit.Params = map[string]interface{}{
			"requests_per_second": 0.1,
			"burst":               2,
			"max_clients":         16,
		}
	}), logger.NewNop(), nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ctx := newRequest(fasthttp.MethodGet, "/cache/abc")
		rateLimit.Handle(ctx, ok, nil)
		require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	}

	ctx := newRequest(fasthttp.MethodGet, "/cache/abc")
	rateLimit.Handle(ctx, ok, nil)
	assert.Equal(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())
	assert.NotEmpty(t, ctx.Response.Header.Peek(fasthttp.HeaderRetryAfter))
}

func TestRateLimit_InvalidConfig(t *testing.T) {
	_, err := NewRateLimitMiddleware(testConfig(t, func(c *types.ServiceConfig) {
		c.Middlewares.RateLimit.Params = map[string]interface{}{"burst": 0}
	}), logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
