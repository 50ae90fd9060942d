package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Middlewares that never apply to 404 and 405 responses.
var fallbackDisabledMiddlewares = []string{"auth", "throttle", "body_limit"}

type CompiledRoute struct {
	method     string
	pattern    string
	segments   []string
	paramNames map[int]string
	handler    types.FastHTTPHandler
}

type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	middlewares     types.MiddlewareManager
	router          types.HTTPRouter
	tlsManager      types.TLSManager
	httpConfig      *types.HTTPConfig
	tlsConfig       *types.TLSConfig
	maxBodySize     int
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
	staticRoutes    map[string]*CompiledRoute
	dynamicRoutes   []*CompiledRoute
	fallback        types.FastHTTPHandler
	served          chan struct{}
}

var _ types.HTTPServer = (*FastHTTPServer)(nil)

func NewHTTPServer(
	ctx context.Context,
	config *types.ServiceConfig,
	logger types.Logger,
	middlewares types.MiddlewareManager,
	tlsManager types.TLSManager,
	router types.HTTPRouter) (*FastHTTPServer, error) {
	if router == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "router is nil")
	}
	if config.Server.TLS.Enabled && tlsManager == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "tls enabled without a certificate manager")
	}

	serverCtx, cancel := context.WithCancel(ctx)

	server := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		middlewares:     middlewares,
		router:          router,
		tlsManager:      tlsManager,
		httpConfig:      config.Server.HTTP,
		tlsConfig:       config.Server.TLS,
		maxBodySize:     int(config.Storage.MaxEntrySize.Int64()),
		shutdownTimeout: time.Duration(config.Server.HTTP.ShutdownTimeout) * time.Second,
	}

	if server.shutdownTimeout <= 0 {
		server.shutdownTimeout = 5 * time.Second
	}

	server.state.Store(StateStopped)

	return server, nil
}

// Start binds the configured address and serves in the background. Bind
// failures are returned rather than logged.
func (h *FastHTTPServer) Start() error {
	addr := net.JoinHostPort(h.httpConfig.Host, strconv.Itoa(h.httpConfig.Port))

	return h.start(func() (net.Listener, error) {
		if h.tlsConfig.Enabled {
			return h.tlsManager.Serve(addr)
		}
		return net.Listen("tcp", addr)
	})
}

// StartWithListener serves on an already bound listener.
func (h *FastHTTPServer) StartWithListener(ln net.Listener) error {
	return h.start(func() (net.Listener, error) {
		return ln, nil
	})
}

func (h *FastHTTPServer) start(listen func() (net.Listener, error)) error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := h.compileRoutes(); err != nil {
		h.setState(StateStopped)
		return types.WrapError(err, "failed to compile routes")
	}

	h.server = h.newServer()

	ln, err := listen()
	if err != nil {
		h.setState(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "%v", err)
	}
	h.listener = ln
	h.served = make(chan struct{})

	h.setState(StateRunning)

	go func() {
		defer close(h.served)
		if err := h.server.Serve(ln); err != nil && h.IsRunning() {
			h.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	h.logger.Info("HTTP server started",
		zap.String("address", ln.Addr().String()),
		zap.Bool("tls", h.tlsConfig.Enabled))

	return nil
}

func (h *FastHTTPServer) newServer() *fasthttp.Server {
	concurrency := h.httpConfig.Concurrency
	if concurrency <= 0 {
		concurrency = fasthttp.DefaultConcurrency
	}

	return &fasthttp.Server{
		Handler:                      h.dispatch,
		ErrorHandler:                 h.handleTransportError,
		Name:                         "build-cache-node",
		ReadTimeout:                  time.Duration(h.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.httpConfig.IdleTimeout) * time.Second,
		Concurrency:                  concurrency,
		MaxRequestBodySize:           h.maxBodySize,
		StreamRequestBody:            true,
		DisablePreParseMultipartForm: true,
		TCPKeepalive:                 true,
		CloseOnShutdown:              true,
		Logger:                       &fasthttpLogger{logger: h.logger},
	}
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.server.ShutdownWithContext(gCtx)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warn("HTTP server stop timeout, open connections were closed")
		} else {
			h.logger.Error("Error during server shutdown", zap.Error(err))
		}
	}

	<-h.served

	h.logger.Info("HTTP server stopped")
	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

// Addr returns the bound address, or nil before Start.
func (h *FastHTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

func (h *FastHTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *FastHTTPServer) setState(newState State) bool {
	currentState := h.getState()
	return h.state.CompareAndSwap(currentState, newState)
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}

func (h *FastHTTPServer) compileRoutes() error {
	staticRoutes := make(map[string]*CompiledRoute)
	dynamicRoutes := make([]*CompiledRoute, 0)
	seen := make(map[string]bool)

	for _, route := range h.router.Routes() {
		if _, ok := methodIndex[route.Method]; !ok {
			return types.Errorf(types.ErrInvalidParameter, "method %q for %s", route.Method, route.Path)
		}
		if route.Handler == nil {
			return types.Errorf(types.ErrHandlerIsNil, "%s %s", route.Method, route.Path)
		}

		pattern := normalizePath(route.Path)
		key := route.Method + " " + pattern
		if seen[key] {
			return types.Errorf(types.ErrRouteConflict, "%s", key)
		}
		seen[key] = true

		compiled := &CompiledRoute{
			method:     route.Method,
			pattern:    pattern,
			segments:   parsePathSegments(pattern),
			paramNames: extractParamNames(pattern),
			handler:    h.wrap(route.Handler, route.Config),
		}

		if len(compiled.paramNames) == 0 {
			staticRoutes[key] = compiled
		} else {
			dynamicRoutes = append(dynamicRoutes, compiled)
		}
	}

	h.staticRoutes = staticRoutes
	h.dynamicRoutes = dynamicRoutes
	h.fallback = h.wrap(h.notFound, &types.RouteConfig{DisabledMiddlewares: fallbackDisabledMiddlewares})

	return nil
}

// wrap precompiles the middleware chain for one route.
func (h *FastHTTPServer) wrap(handler types.FastHTTPHandler, config *types.RouteConfig) types.FastHTTPHandler {
	if h.middlewares == nil {
		return handler
	}

	chain := h.middlewares.Chain(config)
	wrapped := handler
	for i := len(chain) - 1; i >= 0; i-- {
		middleware, next := chain[i], wrapped
		wrapped = func(ctx *fasthttp.RequestCtx) {
			middleware.Handle(ctx, next, config)
		}
	}
	return wrapped
}

func (h *FastHTTPServer) dispatch(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := normalizePath(string(ctx.Path()))

	if route, ok := h.staticRoutes[method+" "+path]; ok {
		route.handler(ctx)
		return
	}

	segments := parsePathSegments(path)
	for _, route := range h.dynamicRoutes {
		if route.method != method {
			continue
		}
		if params, ok := matchRoute(segments, route); ok {
			for name, value := range params {
				ctx.SetUserValue(name, value)
			}
			route.handler(ctx)
			return
		}
	}

	h.fallback(ctx)
}

func (h *FastHTTPServer) notFound(ctx *fasthttp.RequestCtx) {
	path := normalizePath(string(ctx.Path()))

	if allowed := h.allowedMethods(path); len(allowed) > 0 {
		ctx.Response.Header.Set(fasthttp.HeaderAllow, strings.Join(allowed, ", "))
		utils.WriteError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}

	utils.WriteError(ctx, fasthttp.StatusNotFound, "not found")
}

func (h *FastHTTPServer) allowedMethods(path string) []string {
	methods := make(map[string]bool)

	for _, route := range h.staticRoutes {
		if route.pattern == path {
			methods[route.method] = true
		}
	}

	segments := parsePathSegments(path)
	for _, route := range h.dynamicRoutes {
		if _, ok := matchRoute(segments, route); ok {
			methods[route.method] = true
		}
	}

	allowed := make([]string, 0, len(methods))
	for method := range methods {
		allowed = append(allowed, method)
	}
	sort.Slice(allowed, func(i, j int) bool {
		return methodIndex[allowed[i]] < methodIndex[allowed[j]]
	})
	return allowed
}

func (h *FastHTTPServer) handleTransportError(ctx *fasthttp.RequestCtx, err error) {
	var netErr net.Error

	switch {
	case errors.Is(err, fasthttp.ErrBodyTooLarge):
		utils.WriteError(ctx, fasthttp.StatusRequestEntityTooLarge, "request body exceeds the maximum entry size")
	case errors.As(err, &netErr) && netErr.Timeout():
		utils.WriteError(ctx, fasthttp.StatusRequestTimeout, "request timed out")
	default:
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "malformed request")
	}

	h.logger.Debug("Rejected request before routing", zap.Error(err))
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return strings.TrimRight(path, "/")
	}
	return path
}

func parsePathSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return []string{}
	}
	return strings.Split(path, "/")
}

func extractParamNames(pattern string) map[int]string {
	var params map[int]string

	for i, seg := range parsePathSegments(pattern) {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") && len(seg) > 2 {
			if params == nil {
				params = make(map[int]string)
			}
			params[i] = seg[1 : len(seg)-1]
		}
	}

	return params
}

func matchRoute(pathSegments []string, route *CompiledRoute) (map[string]string, bool) {
	if len(pathSegments) != len(route.segments) {
		return nil, false
	}

	params := make(map[string]string, len(route.paramNames))

	for i, routeSegment := range route.segments {
		if name, isParam := route.paramNames[i]; isParam {
			if pathSegments[i] == "" {
				return nil, false
			}
			params[name] = pathSegments[i]
			continue
		}
		if routeSegment != pathSegments[i] {
			return nil, false
		}
	}

	return params, true
}

type fasthttpLogger struct {
	logger types.Logger
}

func (l *fasthttpLogger) Printf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), zap.String("component", "fasthttp"))
}
