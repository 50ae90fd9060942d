package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/build-cache-node/config"
	"github.com/saiset-co/build-cache-node/logger"
	"github.com/saiset-co/build-cache-node/metrics"
	"github.com/saiset-co/build-cache-node/types"
)

func testConfig() *types.ServiceConfig {
	serviceConfig := config.NewLoader().Defaults()
	serviceConfig.Auth.Enabled = false
	return serviceConfig
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	configManager, err := config.NewStaticManager(testConfig())
	require.NoError(t, err)

	manager, err := NewManager(context.Background(), configManager, logger.NewNop(), metrics.NewNoopMetrics())
	require.NoError(t, err)

	return manager
}

func noop(context.Context) error { return nil }

func TestManager_AddValidation(t *testing.T) {
	manager := newTestManager(t)

	assert.ErrorIs(t, manager.Add("", "@every 1m", noop), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, manager.Add("sweep", "@every 1m", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, manager.Add("sweep", "not a schedule", noop), types.ErrCronExpressionInvalid)

	require.NoError(t, manager.Add("sweep", "@every 1m", noop))
	assert.ErrorIs(t, manager.Add("sweep", "*/5 * * * *", noop), types.ErrCronJobExists)
}

func TestManager_JobsAndRemove(t *testing.T) {
	manager := newTestManager(t)

	require.NoError(t, manager.Add("sweep", "@every 30s", noop))
	require.NoError(t, manager.Add("flush", "0 */5 * * * *", noop))

	jobs := manager.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "flush", jobs[0].Name)
	assert.Equal(t, "sweep", jobs[1].Name)
	assert.Equal(t, "@every 30s", jobs[1].Spec)

	require.NoError(t, manager.Remove("flush"))
	assert.ErrorIs(t, manager.Remove("flush"), types.ErrCronJobNotFound)
	assert.Len(t, manager.Jobs(), 1)
}

func TestManager_RunsJobs(t *testing.T) {
	manager := newTestManager(t)

	var runs, failures int32
	require.NoError(t, manager.Add("tick", "* * * * * *", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))
	require.NoError(t, manager.Add("fail", "* * * * * *", func(ctx context.Context) error {
		atomic.AddInt32(&failures, 1)
		return errors.New("disk gone")
	}))
	require.NoError(t, manager.Add("panic", "* * * * * *", func(ctx context.Context) error {
		panic("boom")
	}))

	require.NoError(t, manager.Start())
	assert.True(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Start(), types.ErrCronIsRunning)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) > 0 && atomic.LoadInt32(&failures) > 0
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())

	for _, job := range manager.Jobs() {
		switch job.Name {
		case "fail":
			assert.Error(t, job.Error)
		case "panic":
			if job.RunCount > 0 {
				assert.ErrorIs(t, job.Error, types.ErrCronJobFailed)
			}
		}
	}
}

func TestManager_InvalidTimezone(t *testing.T) {
	serviceConfig := testConfig()
	serviceConfig.Cron.Timezone = "Mars/Olympus"

	configManager, err := config.NewStaticManager(serviceConfig)
	require.NoError(t, err)

	_, err = NewManager(context.Background(), configManager, logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
