// Package kit holds the small transport-agnostic service toolkit: the
// Endpoint abstraction, middleware chaining, request-scoped context values,
// and the MCP tool adapter.
package kit

import "context"

// Endpoint is a transport-agnostic operation: decoded request in, response
// out. HTTP handlers and MCP tools both terminate in one of these.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first argument is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
