package middleware

import (
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
}

type LoggingMiddleware struct {
	logger        types.Logger
	loggingConfig *LoggingConfig
	name          string
	weight        int
}

type LoggingConfig struct {
	LogLevel   string `json:"log_level"`
	LogHeaders bool   `json:"log_headers"`
}

func NewLoggingMiddleware(config types.ConfigManager, logger types.Logger) *LoggingMiddleware {
	var loggingConfig = &LoggingConfig{
		LogLevel:   "info",
		LogHeaders: false,
	}

	itemConfig := config.GetConfig().Middlewares.Logging
	if itemConfig.Params != nil {
		err := utils.UnmarshalConfig(itemConfig.Params, loggingConfig)
		if err != nil {
			logger.Error("Failed to unmarshal Logging middleware config", zap.Error(err))
		}
	}

	return &LoggingMiddleware{
		name:          "logging",
		weight:        itemConfig.Weight,
		logger:        logger,
		loggingConfig: loggingConfig,
	}
}

func (l *LoggingMiddleware) Name() string { return l.name }
func (l *LoggingMiddleware) Weight() int  { return l.weight }

func (l *LoggingMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	start := time.Now()

	next(ctx)

	l.logResponse(ctx, time.Since(start))
}

func (l *LoggingMiddleware) logResponse(ctx *fasthttp.RequestCtx, duration time.Duration) {
	status := ctx.Response.StatusCode()

	fields := []zap.Field{
		zap.String("method", string(ctx.Method())),
		zap.String("path", string(ctx.Path())),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.String("remote_addr", ctx.RemoteIP().String()),
		zap.Int("request_size", ctx.Request.Header.ContentLength()),
		zap.Int("response_size", ctx.Response.Header.ContentLength()),
	}

	if requestID := RequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	if userAgent := ctx.UserAgent(); len(userAgent) > 0 {
		fields = append(fields, zap.ByteString("user_agent", userAgent))
	}

	if l.loggingConfig.LogHeaders {
		fields = append(fields, zap.Any("headers", l.sanitizeHeaders(ctx)))
	}

	switch {
	case status >= 500:
		l.logger.Error("Request completed", fields...)
	case status >= 400 && status != fasthttp.StatusNotFound:
		l.logger.Warn("Request completed", fields...)
	default:
		l.logWithLevel("Request completed", fields...)
	}
}

func (l *LoggingMiddleware) sanitizeHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	sanitized := make(map[string]string, 16)

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		keyStr := string(key)

		if sensitiveHeaders[strings.ToLower(keyStr)] {
			sanitized[keyStr] = "[REDACTED]"
		} else {
			sanitized[keyStr] = string(value)
		}
	})

	return sanitized
}

func (l *LoggingMiddleware) logWithLevel(msg string, fields ...zap.Field) {
	switch l.loggingConfig.LogLevel {
	case "debug":
		l.logger.Debug(msg, fields...)
	case "warn":
		l.logger.Warn(msg, fields...)
	case "error":
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}
