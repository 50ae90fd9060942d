package server

import (
	"github.com/saiset-co/build-cache-node/types"
)

type RouteBuilder struct {
	config *types.RouteConfig
}

func (rb *RouteBuilder) WithoutMiddlewares(names ...string) types.RouteBuilder {
	rb.config.DisabledMiddlewares = append(rb.config.DisabledMiddlewares, names...)
	return rb
}

func (rb *RouteBuilder) WithOperation(op types.Operation) types.RouteBuilder {
	rb.config.Operation = &op
	return rb
}

func (rb *RouteBuilder) WithValidator(validator types.RequestValidator) types.RouteBuilder {
	rb.config.Validator = validator
	return rb
}
