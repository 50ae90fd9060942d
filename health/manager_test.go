package health

import (
	"context"
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/build-cache-node/cache"
	"github.com/saiset-co/build-cache-node/config"
	"github.com/saiset-co/build-cache-node/logger"
	"github.com/saiset-co/build-cache-node/server"
	"github.com/saiset-co/build-cache-node/types"
)

func newTestManager(t *testing.T) (*Manager, *server.Router) {
	t.Helper()

	serviceConfig := config.NewLoader().Defaults()
	serviceConfig.Auth.Enabled = false

	configManager, err := config.NewStaticManager(serviceConfig)
	require.NoError(t, err)

	router := server.NewRouter()
	manager, err := NewManager(context.Background(), configManager, logger.NewNop(), router)
	require.NoError(t, err)
	require.NoError(t, manager.Start())
	t.Cleanup(func() { _ = manager.Stop() })

	return manager, router
}

func fixed(status types.HealthStatus) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: status}
	}
}

func TestManager_RegistersRoutes(t *testing.T) {
	_, router := newTestManager(t)

	paths := make(map[string]bool)
	for _, route := range router.Routes() {
		paths[route.Method+" "+route.Path] = true
		assert.Contains(t, route.Config.DisabledMiddlewares, "auth")
	}

	assert.True(t, paths["GET /health"])
	assert.True(t, paths["GET /version"])
}

func TestManager_ReportAggregation(t *testing.T) {
	manager, _ := newTestManager(t)

	manager.RegisterChecker("a", fixed(types.StatusHealthy))
	report := manager.Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)

	manager.RegisterChecker("b", fixed(types.StatusUnknown))
	report = manager.Check(context.Background())
	assert.Equal(t, types.StatusUnknown, report.Status)

	manager.RegisterChecker("c", fixed(types.StatusUnhealthy))
	report = manager.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, types.HealthSummary{Total: 3, Healthy: 1, Unhealthy: 1, Unknown: 1, Failing: []string{"c"}}, report.Summary)
	assert.Equal(t, "c", report.Checks["c"].Name)
	assert.False(t, report.Checks["c"].CheckedAt.IsZero())
}

func TestManager_ReportsStoreUsage(t *testing.T) {
	manager, _ := newTestManager(t)

	report := manager.Check(context.Background())
	assert.Nil(t, report.Store)
	assert.Equal(t, "0.0.0.0:5071", report.Node.Listen)
	assert.False(t, report.Node.TLS)

	state := cache.NewState()
	state.Add(256)
	state.Add(768)
	manager.ReportUsage(StoreUsageSource(state, 4096))

	report = manager.Check(context.Background())
	require.NotNil(t, report.Store)
	assert.Equal(t, types.StoreUsage{Bytes: 1024, Entries: 2, Ceiling: 4096, Utilization: 0.25}, *report.Store)

	ctx := &fasthttp.RequestCtx{}
	manager.handleHealth(ctx)
	assert.Contains(t, string(ctx.Response.Body()), `"utilization":0.25`)
}

func TestManager_PanickingChecker(t *testing.T) {
	manager, _ := newTestManager(t)

	manager.RegisterChecker("broken", func(context.Context) types.HealthCheck {
		panic("boom")
	})

	report := manager.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Checks["broken"].Status)
	assert.Contains(t, report.Checks["broken"].Message, "boom")
}

func TestManager_HealthEndpointStatus(t *testing.T) {
	manager, _ := newTestManager(t)
	manager.RegisterChecker("ok", fixed(types.StatusHealthy))

	ctx := &fasthttp.RequestCtx{}
	manager.handleHealth(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"status":"healthy"`)

	manager.RegisterChecker("bad", fixed(types.StatusUnhealthy))
	ctx = &fasthttp.RequestCtx{}
	manager.handleHealth(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestManager_VersionEndpoint(t *testing.T) {
	manager, _ := newTestManager(t)

	ctx := &fasthttp.RequestCtx{}
	manager.handleVersion(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"go_version"`)
}

func TestStorageChecker(t *testing.T) {
	storageConfig := &types.StorageConfig{
		Type:         "disk",
		Root:         t.TempDir(),
		MaxSize:      1024,
		MaxEntrySize: 64,
		KeyPattern:   "^[a-z0-9]+$",
	}

	store, err := cache.OpenDiskStore(storageConfig, cache.NewState(), logger.NewNop())
	require.NoError(t, err)
	defer store.Close()

	check := StorageChecker(store, storageConfig)(context.Background())
	assert.Equal(t, types.StatusHealthy, check.Status)
	assert.Equal(t, "disk", check.Details["type"])

	missing := *storageConfig
	missing.Root = storageConfig.Root + "/gone"
	check = StorageChecker(store, &missing)(context.Background())
	assert.Equal(t, types.StatusUnhealthy, check.Status)
}

type fakeTLSManager struct {
	types.LifecycleManager
	status map[string]types.CertificateStatus
}

func (f *fakeTLSManager) Serve(string) (net.Listener, error) { return nil, nil }

func (f *fakeTLSManager) GetTLSConfig() (*tls.Config, error) { return nil, nil }

func (f *fakeTLSManager) GetCertificateStatus() map[string]types.CertificateStatus {
	return f.status
}

func TestTLSChecker(t *testing.T) {
	manager := &fakeTLSManager{status: map[string]types.CertificateStatus{
		"cache.test": {Domain: "cache.test", Status: "valid"},
	}}
	checker := TLSChecker(manager)

	assert.Equal(t, types.StatusHealthy, checker(context.Background()).Status)

	manager.status["edge.test"] = types.CertificateStatus{Domain: "edge.test", Status: "expiring_soon"}
	assert.Equal(t, types.StatusUnknown, checker(context.Background()).Status)

	manager.status["old.test"] = types.CertificateStatus{Domain: "old.test", Status: "expired"}
	check := checker(context.Background())
	assert.Equal(t, types.StatusUnhealthy, check.Status)
	assert.Contains(t, check.Message, "old.test")
}

func TestParseBuildInfoFile(t *testing.T) {
	info := parseBuildInfoFile("# comment\nVERSION=1.4.0\nGIT_COMMIT=abcdef123456\nBUILD_TIME=2026-01-02T03:04:05Z\nbogus\n")

	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "abcdef123456", info.GitCommit)
	assert.Equal(t, 2026, info.BuildTime.Year())
}
