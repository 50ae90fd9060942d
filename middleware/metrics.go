package middleware

import (
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/build-cache-node/types"
)

var requestDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

// MetricsMiddleware counts requests by method and status class. Paths are not
// used as labels since every cache key would become its own series.
type MetricsMiddleware struct {
	metrics types.MetricsManager
	name    string
	weight  int
}

func NewMetricsMiddleware(config types.ConfigManager, metrics types.MetricsManager) *MetricsMiddleware {
	return &MetricsMiddleware{
		name:    "metrics",
		weight:  config.GetConfig().Middlewares.Metrics.Weight,
		metrics: metrics,
	}
}

func (m *MetricsMiddleware) Name() string { return m.name }
func (m *MetricsMiddleware) Weight() int  { return m.weight }

func (m *MetricsMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	start := time.Now()
	method := string(ctx.Method())

	inFlight := m.metrics.Gauge("http_requests_in_flight", nil)
	inFlight.Inc()
	defer inFlight.Dec()

	next(ctx)

	m.metrics.Counter("http_requests_total", map[string]string{
		"method": method,
		"status": statusClass(ctx.Response.StatusCode()),
	}).Inc()

	m.metrics.Histogram("http_request_duration_seconds", requestDurationBuckets, map[string]string{
		"method": method,
	}).ObserveDuration(start)
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
