package middleware

import (
	"strconv"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

// BodyLimitMiddleware rejects uploads whose declared length exceeds the
// maximum entry size before any byte reaches storage. Chunked uploads are
// bounded by the store while streaming.
type BodyLimitMiddleware struct {
	logger          types.Logger
	bodyLimitConfig *BodyLimitConfig
	name            string
	weight          int
	message         string
}

type BodyLimitConfig struct {
	MaxBodySize int64 `json:"max_body_size"`
}

func NewBodyLimitMiddleware(config types.ConfigManager, logger types.Logger) *BodyLimitMiddleware {
	serviceConfig := config.GetConfig()

	var bodyLimitConfig = &BodyLimitConfig{
		MaxBodySize: serviceConfig.Storage.MaxEntrySize.Int64(),
	}

	itemConfig := serviceConfig.Middlewares.BodyLimit
	if itemConfig.Params != nil {
		err := utils.UnmarshalConfig(itemConfig.Params, bodyLimitConfig)
		if err != nil {
			logger.Error("Failed to unmarshal BodyLimit middleware config", zap.Error(err))
		}
	}

	return &BodyLimitMiddleware{
		name:            "body_limit",
		weight:          itemConfig.Weight,
		logger:          logger,
		bodyLimitConfig: bodyLimitConfig,
		message:         "request body exceeds maximum size of " + strconv.FormatInt(bodyLimitConfig.MaxBodySize, 10) + " bytes",
	}
}

func (bl *BodyLimitMiddleware) Name() string { return bl.name }
func (bl *BodyLimitMiddleware) Weight() int  { return bl.weight }

func (bl *BodyLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	if !ctx.IsPut() && !ctx.IsPost() {
		next(ctx)
		return
	}

	contentLength := ctx.Request.Header.ContentLength()

	if contentLength > 0 && int64(contentLength) > bl.bodyLimitConfig.MaxBodySize {
		bl.logger.Debug("Request body too large",
			zap.ByteString("path", ctx.Path()),
			zap.Int("content_length", contentLength))

		ctx.SetConnectionClose()
		utils.WriteError(ctx, fasthttp.StatusRequestEntityTooLarge, bl.message)
		return
	}

	next(ctx)
}
