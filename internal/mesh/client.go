package mesh

import (
	"context"
	"net/http"

	"github.com/example/meshgate/internal/pipeline"
)

// Client is the east-west call surface for in-process callers. The
// caller asserts its own service name; no token validation happens on
// this path.
type Client struct {
	source   string
	pipeline *pipeline.Pipeline
}

// NewClient creates a mesh client for the given source service.
func NewClient(source string, p *pipeline.Pipeline) *Client {
	return &Client{source: source, pipeline: p}
}

// CallOption adjusts a single call.
type CallOption func(*pipeline.Request)

// WithHashKeys adds consistent-hash context beyond the source name.
func WithHashKeys(keys ...string) CallOption {
	return func(r *pipeline.Request) {
		r.HashKeys = append(r.HashKeys, keys...)
	}
}

// WithClientID overrides the rate-limit key, which defaults to the
// source service name.
func WithClientID(id string) CallOption {
	return func(r *pipeline.Request) {
		r.ClientID = id
	}
}

// Call sends one request to a destination service through the shared
// pipeline. A non-nil error is always a *errors.MeshError; non-2xx
// upstream responses come back as responses, not errors.
func (c *Client) Call(ctx context.Context, destination, method, path string, headers http.Header, body []byte, opts ...CallOption) (*pipeline.Response, error) {
	if headers == nil {
		headers = http.Header{}
	}
	req := &pipeline.Request{
		Source:      c.source,
		Destination: destination,
		Method:      method,
		Path:        path,
		Headers:     headers,
		Body:        body,
	}
	for _, opt := range opts {
		opt(req)
	}
	return c.pipeline.Execute(ctx, req)
}

// Get is shorthand for a body-less GET call.
func (c *Client) Get(ctx context.Context, destination, path string, opts ...CallOption) (*pipeline.Response, error) {
	return c.Call(ctx, destination, http.MethodGet, path, nil, nil, opts...)
}

// Post is shorthand for a POST call with a JSON body.
func (c *Client) Post(ctx context.Context, destination, path string, body []byte, opts ...CallOption) (*pipeline.Response, error) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return c.Call(ctx, destination, http.MethodPost, path, headers, body, opts...)
}
