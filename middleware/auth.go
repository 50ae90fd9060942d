package middleware

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/auth_providers"
	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

type AuthMiddleware struct {
	logger   types.Logger
	provider types.AuthProviderManager
	denied   types.Counter
	name     string
	weight   int
}

func NewAuthMiddleware(config types.ConfigManager, provider types.AuthProviderManager, logger types.Logger, metrics types.MetricsManager) *AuthMiddleware {
	am := &AuthMiddleware{
		name:     "auth",
		weight:   config.GetConfig().Middlewares.Auth.Weight,
		logger:   logger,
		provider: provider,
	}

	if metrics != nil {
		am.denied = metrics.Counter("http_auth_denied_total", nil)
	}

	return am
}

func (a *AuthMiddleware) Name() string { return a.name }
func (a *AuthMiddleware) Weight() int  { return a.weight }

func (a *AuthMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if config != nil && config.Validator != nil {
		if err := config.Validator(ctx); err != nil {
			utils.WriteError(ctx, fasthttp.StatusBadRequest, err.Error())
			return
		}
	}

	op := operationFor(ctx, config)
	creds := auth_providers.ParseCredentials(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))

	if a.provider.Authorize(creds, op) {
		next(ctx)
		return
	}

	if a.denied != nil {
		a.denied.Inc()
	}

	a.logger.Warn("Authentication failed",
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.String("operation", op.String()),
		zap.String("scheme", creds.Scheme),
		zap.String("remote_addr", ctx.RemoteIP().String()))

	utils.CreateUnauthorizedResponse(ctx, a.provider.Realm())
}

func operationFor(ctx *fasthttp.RequestCtx, config *types.RouteConfig) types.Operation {
	if config != nil && config.Operation != nil {
		return *config.Operation
	}
	if ctx.IsGet() || ctx.IsHead() {
		return types.OperationRead
	}
	return types.OperationWrite
}
