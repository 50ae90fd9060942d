package middleware

import (
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

const (
	RequestIDHeader = "X-Request-ID"
	RequestIDKey    = "request_id"
)

// Incoming IDs longer than this are replaced.
const maxRequestIDLength = 128

type RequestIDMiddleware struct {
	logger          types.Logger
	requestIDConfig *RequestIDConfig
	name            string
	weight          int
}

type RequestIDConfig struct {
	TrustIncoming bool `json:"trust_incoming"`
}

func NewRequestIDMiddleware(config types.ConfigManager, logger types.Logger) *RequestIDMiddleware {
	var requestIDConfig = &RequestIDConfig{
		TrustIncoming: true,
	}

	itemConfig := config.GetConfig().Middlewares.RequestID
	if itemConfig.Params != nil {
		err := utils.UnmarshalConfig(itemConfig.Params, requestIDConfig)
		if err != nil {
			logger.Error("Failed to unmarshal RequestID middleware config", zap.Error(err))
		}
	}

	return &RequestIDMiddleware{
		name:            "request_id",
		weight:          itemConfig.Weight,
		logger:          logger,
		requestIDConfig: requestIDConfig,
	}
}

func (m *RequestIDMiddleware) Name() string { return m.name }
func (m *RequestIDMiddleware) Weight() int  { return m.weight }

func (m *RequestIDMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	var requestID string

	if m.requestIDConfig.TrustIncoming {
		incoming := ctx.Request.Header.Peek(RequestIDHeader)
		if len(incoming) > 0 && len(incoming) <= maxRequestIDLength {
			requestID = string(incoming)
		}
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx.SetUserValue(RequestIDKey, requestID)
	ctx.Response.Header.Set(RequestIDHeader, requestID)

	next(ctx)

	// Handlers may reset the response.
	ctx.Response.Header.Set(RequestIDHeader, requestID)
}

// RequestID returns the ID assigned to the request, if any.
func RequestID(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
