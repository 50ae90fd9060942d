package server

import (
	"sync"

	"github.com/saiset-co/build-cache-node/types"
)

var methodIndex = map[string]uint8{
	"GET":     0,
	"POST":    1,
	"PUT":     2,
	"DELETE":  3,
	"PATCH":   4,
	"HEAD":    5,
	"OPTIONS": 6,
}

// Router collects route definitions. The server compiles them once at start,
// so builders may keep adjusting a route's config until then.
type Router struct {
	mu     sync.RWMutex
	routes []*types.RouteDefinition
}

func NewRouter() *Router {
	return &Router{}
}

func (r *Router) Add(method, path string, handler types.FastHTTPHandler, config *types.RouteConfig) {
	if config == nil {
		config = &types.RouteConfig{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes = append(r.routes, &types.RouteDefinition{
		Method:  method,
		Path:    path,
		Handler: handler,
		Config:  config,
	})
}

func (r *Router) GET(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.route("GET", path, handler)
}

func (r *Router) HEAD(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.route("HEAD", path, handler)
}

func (r *Router) PUT(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.route("PUT", path, handler)
}

func (r *Router) DELETE(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.route("DELETE", path, handler)
}

func (r *Router) Routes() []types.RouteDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]types.RouteDefinition, 0, len(r.routes))
	for _, route := range r.routes {
		routes = append(routes, *route)
	}
	return routes
}

func (r *Router) route(method, path string, handler types.FastHTTPHandler) types.RouteBuilder {
	config := &types.RouteConfig{}
	r.Add(method, path, handler, config)
	return &RouteBuilder{config: config}
}
