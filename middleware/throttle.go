package middleware

import (
	"strconv"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

// ThrottleMiddleware caps concurrent writes. A write that finds every slot
// taken is turned away with 503 instead of queueing.
type ThrottleMiddleware struct {
	logger         types.Logger
	rejected       types.Counter
	throttleConfig *ThrottleConfig
	slots          *semaphore.Weighted
	retryAfter     string
	name           string
	weight         int
}

type ThrottleConfig struct {
	MaxConcurrentWrites int64 `json:"max_concurrent_writes"`
	RetryAfter          int   `json:"retry_after"`
}

func NewThrottleMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*ThrottleMiddleware, error) {
	var throttleConfig = &ThrottleConfig{
		MaxConcurrentWrites: 64,
		RetryAfter:          2,
	}

	itemConfig := config.GetConfig().Middlewares.Throttle
	if itemConfig.Params != nil {
		err := utils.UnmarshalConfig(itemConfig.Params, throttleConfig)
		if err != nil {
			logger.Error("Failed to unmarshal Throttle middleware config", zap.Error(err))
			return nil, err
		}
	}

	if throttleConfig.MaxConcurrentWrites <= 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "max_concurrent_writes must be positive")
	}
	if throttleConfig.RetryAfter < 1 {
		throttleConfig.RetryAfter = 1
	}

	t := &ThrottleMiddleware{
		name:           "throttle",
		weight:         itemConfig.Weight,
		logger:         logger,
		throttleConfig: throttleConfig,
		slots:          semaphore.NewWeighted(throttleConfig.MaxConcurrentWrites),
		retryAfter:     strconv.Itoa(throttleConfig.RetryAfter),
	}

	if metrics != nil {
		t.rejected = metrics.Counter("http_writes_throttled_total", nil)
	}

	return t, nil
}

func (t *ThrottleMiddleware) Name() string { return t.name }
func (t *ThrottleMiddleware) Weight() int  { return t.weight }

func (t *ThrottleMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	if !ctx.IsPut() && !ctx.IsDelete() {
		next(ctx)
		return
	}

	if !t.slots.TryAcquire(1) {
		if t.rejected != nil {
			t.rejected.Inc()
		}

		t.logger.Warn("Write rejected, too many concurrent writes",
			zap.ByteString("path", ctx.Path()),
			zap.Int64("limit", t.throttleConfig.MaxConcurrentWrites))

		ctx.Response.Header.Set(fasthttp.HeaderRetryAfter, t.retryAfter)
		utils.WriteError(ctx, fasthttp.StatusServiceUnavailable, types.ErrTooManyWrites.Error())
		return
	}
	defer t.slots.Release(1)

	next(ctx)
}
