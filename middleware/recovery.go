package middleware

import (
	"runtime"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

type RecoveryMiddleware struct {
	logger         types.Logger
	panics         types.Counter
	recoveryConfig *RecoveryConfig
	name           string
	weight         int
	stackBufPool   sync.Pool
}

type RecoveryConfig struct {
	StackTrace bool `json:"stack_trace"`
}

func NewRecoveryMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *RecoveryMiddleware {
	var recoveryConfig = &RecoveryConfig{
		StackTrace: true,
	}

	itemConfig := config.GetConfig().Middlewares.Recovery
	if itemConfig.Params != nil {
		err := utils.UnmarshalConfig(itemConfig.Params, recoveryConfig)
		if err != nil {
			logger.Error("Failed to unmarshal Recovery middleware config", zap.Error(err))
		}
	}

	r := &RecoveryMiddleware{
		name:           "recovery",
		weight:         itemConfig.Weight,
		logger:         logger,
		recoveryConfig: recoveryConfig,
		stackBufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}

	if metrics != nil {
		r.panics = metrics.Counter("http_panics_recovered_total", nil)
	}

	return r
}

func (r *RecoveryMiddleware) Name() string { return r.name }
func (r *RecoveryMiddleware) Weight() int  { return r.weight }

func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	defer func() {
		if rec := recover(); rec != nil {
			var stack string
			if r.recoveryConfig.StackTrace {
				stack = r.getStackTrace()
			}

			r.logPanic(rec, stack, ctx)

			if r.panics != nil {
				r.panics.Inc()
			}

			ctx.Response.Reset()
			if requestID := RequestID(ctx); requestID != "" {
				ctx.Response.Header.Set(RequestIDHeader, requestID)
			}
			utils.CreateErrorResponse(ctx)
		}
	}()

	next(ctx)
}

func (r *RecoveryMiddleware) logPanic(rec interface{}, stack string, ctx *fasthttp.RequestCtx) {
	fields := make([]zap.Field, 0, 6)

	fields = append(fields,
		zap.Any("panic", rec),
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", ctx.RemoteIP().String()),
	)

	if stack != "" {
		fields = append(fields, zap.String("stack", stack))
	}

	if requestID := RequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	r.logger.Error("Recovered from panic", fields...)
}

func (r *RecoveryMiddleware) getStackTrace() string {
	buf := r.stackBufPool.Get().(*[]byte)
	defer r.stackBufPool.Put(buf)

	n := runtime.Stack(*buf, false)

	if n == len(*buf) {
		newBuf := make([]byte, 65536)
		n = runtime.Stack(newBuf, false)
		return string(newBuf[:n])
	}

	return string((*buf)[:n])
}
