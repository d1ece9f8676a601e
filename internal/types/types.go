package types

import (
	"net/http"
	"net/url"
	"time"
)

// Request is an outgoing call as seen by the interceptor chain.
// Interceptors may mutate Header and Query before it reaches the engine.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Query  url.Values
	Body   []byte

	// Attempt counts replays of the same logical request, starting at 0
	Attempt int
}

// NewRequest creates a request with initialised header and query maps
func NewRequest(method, rawURL string, body []byte) *Request {
	return &Request{
		Method: method,
		URL:    rawURL,
		Header: make(http.Header),
		Query:  make(url.Values),
		Body:   body,
	}
}

// Clone returns a deep copy suitable for replaying
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	c.Query = make(url.Values, len(r.Query))
	for k, v := range r.Query {
		c.Query[k] = append([]string(nil), v...)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Response is the engine's answer to a Request
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration

	// Replay asks the client to send the request again once. The auth
	// interceptor sets it after refreshing the credential on a 401.
	Replay bool
}

// Success reports a 2xx status
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Logger interface for logging
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
