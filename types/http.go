package types

import "github.com/valyala/fasthttp"

type HTTPServer interface {
	LifecycleManager
}

type HTTPRouter interface {
	Add(method, path string, handler FastHTTPHandler, config *RouteConfig)
	GET(path string, handler FastHTTPHandler) RouteBuilder
	HEAD(path string, handler FastHTTPHandler) RouteBuilder
	PUT(path string, handler FastHTTPHandler) RouteBuilder
	DELETE(path string, handler FastHTTPHandler) RouteBuilder
	Routes() []RouteDefinition
}

type RouteBuilder interface {
	WithoutMiddlewares(names ...string) RouteBuilder
	WithOperation(op Operation) RouteBuilder
	WithValidator(validator RequestValidator) RouteBuilder
}

// RequestValidator rejects a malformed request before credentials are
// checked. A returned error is reported to the client as 400.
type RequestValidator func(ctx *fasthttp.RequestCtx) error

type RouteConfig struct {
	DisabledMiddlewares []string
	// Operation classifies the route for access control. Routes without one
	// are treated by method: GET and HEAD read, everything else writes.
	Operation *Operation
	Validator RequestValidator
}

type RouteDefinition struct {
	Method  string
	Path    string
	Handler FastHTTPHandler
	Config  *RouteConfig
}
