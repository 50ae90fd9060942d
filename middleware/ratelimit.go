package middleware

import (
	"bytes"
	"math"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

var (
	realIPHeader    = []byte("X-Real-IP")
	forwardedHeader = []byte("X-Forwarded-For")
	commaBytes      = []byte(",")
)

// RateLimitMiddleware applies a token bucket per client address. At most
// MaxClients limiters are kept, least recently seen are dropped first.
type RateLimitMiddleware struct {
	logger          types.Logger
	rejected        types.Counter
	rateLimitConfig *RateLimitConfig
	limiters        *lru.Cache[string, *rate.Limiter]
	mu              sync.Mutex
	name            string
	weight          int
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	MaxClients        int     `json:"max_clients"`
	TrustProxyHeaders bool    `json:"trust_proxy_headers"`
}

func NewRateLimitMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*RateLimitMiddleware, error) {
	var rateLimitConfig = &RateLimitConfig{
		RequestsPerSecond: 200,
		Burst:             400,
		MaxClients:        10000,
	}

	itemConfig := config.GetConfig().Middlewares.RateLimit
	if itemConfig.Params != nil {
		err := utils.UnmarshalConfig(itemConfig.Params, rateLimitConfig)
		if err != nil {
			logger.Error("Failed to unmarshal RateLimit middleware config", zap.Error(err))
			return nil, err
		}
	}

	if rateLimitConfig.RequestsPerSecond <= 0 || rateLimitConfig.Burst <= 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "rate limit requires positive requests_per_second and burst")
	}

	limiters, err := lru.New[string, *rate.Limiter](rateLimitConfig.MaxClients)
	if err != nil {
		return nil, types.WrapError(err, "failed to create limiter cache")
	}

	rl := &RateLimitMiddleware{
		name:            "rate_limit",
		weight:          itemConfig.Weight,
		logger:          logger,
		rateLimitConfig: rateLimitConfig,
		limiters:        limiters,
	}

	if metrics != nil {
		rl.rejected = metrics.Counter("http_rate_limited_total", nil)
	}

	return rl, nil
}

func (rl *RateLimitMiddleware) Name() string { return rl.name }
func (rl *RateLimitMiddleware) Weight() int  { return rl.weight }

func (rl *RateLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	client := rl.clientKey(ctx)
	reservation := rl.limiter(client).Reserve()

	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()

		if rl.rejected != nil {
			rl.rejected.Inc()
		}

		rl.logger.Debug("Rate limit exceeded", zap.String("client", client))

		retryAfter := int(math.Ceil(delay.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		ctx.Response.Header.Set(fasthttp.HeaderRetryAfter, strconv.Itoa(retryAfter))
		utils.WriteError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	next(ctx)
}

func (rl *RateLimitMiddleware) limiter(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, ok := rl.limiters.Get(client); ok {
		return limiter
	}

	limiter := rate.NewLimiter(rate.Limit(rl.rateLimitConfig.RequestsPerSecond), rl.rateLimitConfig.Burst)
	rl.limiters.Add(client, limiter)
	return limiter
}

func (rl *RateLimitMiddleware) clientKey(ctx *fasthttp.RequestCtx) string {
	if rl.rateLimitConfig.TrustProxyHeaders {
		if realIP := ctx.Request.Header.PeekBytes(realIPHeader); len(realIP) > 0 {
			return string(realIP)
		}

		if forwarded := ctx.Request.Header.PeekBytes(forwardedHeader); len(forwarded) > 0 {
			if comma := bytes.Index(forwarded, commaBytes); comma > 0 {
				return string(bytes.TrimSpace(forwarded[:comma]))
			}
			return string(bytes.TrimSpace(forwarded))
		}
	}

	return ctx.RemoteIP().String()
}
