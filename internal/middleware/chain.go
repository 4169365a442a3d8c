package middleware

import "net/http"

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares so the first one is outermost.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain from the given middlewares.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Then wraps h with the chain's middlewares.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.DefaultServeMux
	}
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// ThenFunc wraps an http.HandlerFunc with the chain's middlewares.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	if fn == nil {
		return c.Then(nil)
	}
	return c.Then(fn)
}

// Append returns a new chain with the given middlewares added at the end.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	merged := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	merged = append(merged, c.middlewares...)
	merged = append(merged, middlewares...)
	return &Chain{middlewares: merged}
}

// AppendIf adds a middleware only when condition holds.
func (c *Chain) AppendIf(condition bool, m Middleware) *Chain {
	if !condition {
		return c
	}
	return c.Append(m)
}

// Len returns the number of middlewares in the chain.
func (c *Chain) Len() int {
	return len(c.middlewares)
}
