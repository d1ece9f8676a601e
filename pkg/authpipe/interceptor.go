package authpipe

import (
	"context"
	"sort"

	"github.com/eshaffer321/authpipe/internal/types"
)

// Request is an outgoing call as seen by interceptors
type Request = types.Request

// Response is the backend's answer as seen by interceptors
type Response = types.Response

// NewRequest creates a request with empty header and query maps
func NewRequest(method, url string, body []byte) *Request {
	return types.NewRequest(method, url, body)
}

// Default orders of the built-in interceptors. Lower runs first on the
// way out and last on the way back.
const (
	OrderHeaders   = 10
	OrderRequestID = 20
	OrderAuth      = 50
	OrderMetrics   = 80
	OrderSentry    = 90
	OrderLogging   = 100
)

// Interceptor is a pipeline stage. Implementations opt into hooks by
// also implementing RequestInterceptor, ResponseInterceptor or
// ErrorInterceptor.
type Interceptor interface {
	Order() int
}

// RequestInterceptor may modify an outgoing request or abort it
type RequestInterceptor interface {
	Interceptor
	OnRequest(ctx context.Context, req *Request) error
}

// ResponseInterceptor may inspect or reject a response
type ResponseInterceptor interface {
	Interceptor
	OnResponse(ctx context.Context, req *Request, resp *Response) error
}

// ErrorInterceptor observes failures
type ErrorInterceptor interface {
	Interceptor
	OnError(ctx context.Context, req *Request, err error)
}

// Chain runs interceptors in ascending order for requests and descending
// order for responses and errors. It never retries.
type Chain struct {
	interceptors []Interceptor
}

// NewChain sorts interceptors by Order, keeping registration order for ties
func NewChain(interceptors ...Interceptor) *Chain {
	sorted := make([]Interceptor, 0, len(interceptors))
	for _, i := range interceptors {
		if i != nil {
			sorted = append(sorted, i)
		}
	}
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Order() < sorted[b].Order()
	})
	return &Chain{interceptors: sorted}
}

// With returns a new chain that also contains more
func (c *Chain) With(more ...Interceptor) *Chain {
	all := append(append([]Interceptor(nil), c.interceptors...), more...)
	return NewChain(all...)
}

// Interceptors returns the sorted interceptors
func (c *Chain) Interceptors() []Interceptor {
	return append([]Interceptor(nil), c.interceptors...)
}

// ApplyRequest runs OnRequest hooks in ascending order. The first error
// stops the chain.
func (c *Chain) ApplyRequest(ctx context.Context, req *Request) error {
	for _, i := range c.interceptors {
		if ri, ok := i.(RequestInterceptor); ok {
			if err := ri.OnRequest(ctx, req); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyResponse runs OnResponse hooks in descending order. The first
// error stops the chain.
func (c *Chain) ApplyResponse(ctx context.Context, req *Request, resp *Response) error {
	for idx := len(c.interceptors) - 1; idx >= 0; idx-- {
		if ri, ok := c.interceptors[idx].(ResponseInterceptor); ok {
			if err := ri.OnResponse(ctx, req, resp); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyError runs every OnError hook in descending order
func (c *Chain) ApplyError(ctx context.Context, req *Request, err error) {
	for idx := len(c.interceptors) - 1; idx >= 0; idx-- {
		if ei, ok := c.interceptors[idx].(ErrorInterceptor); ok {
			ei.OnError(ctx, req, err)
		}
	}
}
