package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eshaffer321/authpipe/internal/types"
	"github.com/eshaffer321/authpipe/pkg/errcode"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// Engine performs the byte-level HTTP exchange. Non-2xx statuses are
// returned as responses; only transport failures produce an error.
type Engine interface {
	Send(ctx context.Context, req *types.Request) (*types.Response, error)
}

// HTTPEngine is the net/http backed Engine
type HTTPEngine struct {
	httpClient  *http.Client
	retryClient *retryablehttp.Client
	logger      types.Logger
}

// Options for the HTTP engine
type Options struct {
	HTTPClient  *http.Client
	RetryPolicy *RetryPolicy
	Logger      types.Logger
}

// NewHTTPEngine creates a new HTTP engine
func NewHTTPEngine(opts *Options) *HTTPEngine {
	if opts == nil {
		opts = &Options{}
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout: types.DefaultTimeout,
		}
	}

	// Create retry client if configured
	var retryClient *retryablehttp.Client
	if opts.RetryPolicy != nil {
		retryClient = retryablehttp.NewClient()
		retryClient.HTTPClient = opts.HTTPClient
		retryClient.Logger = nil
		opts.RetryPolicy.apply(retryClient)

		if opts.Logger != nil {
			retryClient.Logger = &retryLogger{logger: opts.Logger}
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}

	return &HTTPEngine{
		httpClient:  opts.HTTPClient,
		retryClient: retryClient,
		logger:      logger,
	}
}

// Send executes the request, retrying per the configured policy
func (e *HTTPEngine) Send(ctx context.Context, req *types.Request) (*types.Response, error) {
	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, errcode.Wrap(err, errcode.ValidationInvalidFormat, "invalid request URL")
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(withMethod(ctx, req.Method), req.Method, target, body)
	if err != nil {
		return nil, errcode.Wrap(errors.Wrap(err, "failed to create request"), errcode.ValidationInvalidInput, "invalid request")
	}
	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}

	e.logger.Debug("HTTP request", "method", req.Method, "url", target, "size", len(req.Body))

	start := time.Now()
	resp, err := e.doRequest(httpReq)
	duration := time.Since(start)

	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		e.logger.Debug("HTTP transport error", "method", req.Method, "url", target, "duration", duration, "error", err)
		return nil, WrapTransportError(err, req.Method, target)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapTransportError(errors.Wrap(err, "failed to read response"), req.Method, target)
	}

	e.logger.Debug("HTTP response", "status", resp.StatusCode, "duration", duration, "size", len(respBody))

	return &types.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		Duration:   duration,
	}, nil
}

// doRequest executes the HTTP request with retry if configured
func (e *HTTPEngine) doRequest(req *http.Request) (*http.Response, error) {
	if e.retryClient != nil {
		// Convert to retryable request
		retryReq, err := retryablehttp.FromRequest(req)
		if err != nil {
			return nil, err
		}
		return e.retryClient.Do(retryReq)
	}
	return e.httpClient.Do(req)
}

func buildURL(rawURL string, query url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// backendCodes maps backend error_code strings onto the catalog so that
// callers never have to parse error messages
var backendCodes = map[string]errcode.Code{
	"TOKEN_EXPIRED":       errcode.AuthTokenExpired,
	"TOKEN_REVOKED":       errcode.AuthTokenRevoked,
	"TOKEN_INVALID":       errcode.AuthTokenInvalid,
	"INVALID_TOKEN":       errcode.AuthTokenInvalid,
	"INVALID_CREDENTIALS": errcode.AuthInvalidCredentials,
	"MFA_REQUIRED":        errcode.AuthMFARequired,
	"RATE_LIMITED":        errcode.BusinessRateLimitExceeded,
}

// BackendCode resolves a backend error_code, accepting both the short
// backend names and the catalog's own symbolic names
func BackendCode(name string) (errcode.Code, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return 0, false
	}
	if c, ok := backendCodes[name]; ok {
		return c, true
	}
	return errcode.Lookup(name)
}

// HTTPError converts a non-2xx response into a coded error
func HTTPError(statusCode int, body []byte) *errcode.Error {
	// Try to parse error response
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Code    string `json:"error_code"`
	}

	_ = json.Unmarshal(body, &errResp)

	msg := errResp.Message
	if msg == "" {
		msg = errResp.Error
	}

	code := errcode.FromHTTPStatus(statusCode)
	if c, ok := BackendCode(errResp.Code); ok {
		code = c
	}

	if statusCode >= 500 {
		// Create base message with status code and description
		baseMsg := fmt.Sprintf("server error: %d", statusCode)
		if desc := httpStatusDescription(statusCode); desc != "" {
			baseMsg = fmt.Sprintf("server error: %d (%s)", statusCode, desc)
		}

		// Append parsed error message if available
		if msg != "" {
			baseMsg = fmt.Sprintf("%s: %s", baseMsg, msg)
		}
		msg = baseMsg
	} else if msg == "" {
		msg = fmt.Sprintf("HTTP error: %d", statusCode)
	}

	return &errcode.Error{
		Code:       code,
		Message:    msg,
		StatusCode: statusCode,
	}
}

// httpStatusDescription returns a human-readable description for common HTTP status codes.
// This helps users understand errors like 525 (SSL Handshake Failed) which are Cloudflare-specific.
func httpStatusDescription(statusCode int) string {
	descriptions := map[int]string{
		500: "Internal Server Error",
		501: "Not Implemented",
		502: "Bad Gateway",
		503: "Service Unavailable",
		504: "Gateway Timeout",
		520: "Web Server Error",
		521: "Web Server Is Down",
		522: "Connection Timed Out",
		523: "Origin Is Unreachable",
		524: "A Timeout Occurred",
		525: "SSL Handshake Failed",
		526: "Invalid SSL Certificate",
		527: "Railgun Error",
		530: "Origin DNS Error",
	}
	return descriptions[statusCode]
}

// retryLogger adapts our logger to retryablehttp
type retryLogger struct {
	logger types.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, keysAndValues...)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}
