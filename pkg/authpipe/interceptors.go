package authpipe

import (
	"context"
	"net/http"
	"strings"

	"github.com/eshaffer321/authpipe/internal/types"
	"github.com/eshaffer321/authpipe/pkg/errcode"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// HeadersInterceptor adds static headers and the SDK's default headers
type HeadersInterceptor struct {
	headers  map[string]string
	deviceID string
}

// NewHeadersInterceptor creates a headers interceptor. An empty deviceID
// generates a random one for the lifetime of the interceptor.
func NewHeadersInterceptor(headers map[string]string, deviceID string) *HeadersInterceptor {
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	return &HeadersInterceptor{headers: copied, deviceID: deviceID}
}

func (h *HeadersInterceptor) Order() int { return OrderHeaders }

// DeviceID returns the device identifier sent with every request
func (h *HeadersInterceptor) DeviceID() string { return h.deviceID }

func (h *HeadersInterceptor) OnRequest(_ context.Context, req *Request) error {
	setDefault(req.Header, "Accept", types.ContentTypeJSON)
	if len(req.Body) > 0 {
		setDefault(req.Header, "Content-Type", types.ContentTypeJSON)
	}
	setDefault(req.Header, "User-Agent", types.UserAgent)
	setDefault(req.Header, "Client-Platform", types.ClientPlatform)
	setDefault(req.Header, types.HeaderDeviceUUID, h.deviceID)

	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return nil
}

func setDefault(h http.Header, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}

// RequestIDInterceptor tags each request with a correlation id
type RequestIDInterceptor struct{}

func (RequestIDInterceptor) Order() int { return OrderRequestID }

func (RequestIDInterceptor) OnRequest(_ context.Context, req *Request) error {
	setDefault(req.Header, types.HeaderRequestID, uuid.NewString())
	return nil
}

// OnError copies the request id onto coded errors that lack one. The
// errors it sees belong to a single call; refresh failures are copied per
// waiter by the token manager.
func (RequestIDInterceptor) OnError(_ context.Context, req *Request, err error) {
	var apiErr *errcode.Error
	if errors.As(err, &apiErr) && apiErr.RequestID == "" {
		apiErr.RequestID = req.Header.Get(types.HeaderRequestID)
	}
}

// AuthInterceptor attaches the bearer token, renewing it proactively.
// After a 401 it forces a refresh and asks the client to replay the
// request once.
type AuthInterceptor struct {
	tokens *TokenManager
	logger Logger
}

// NewAuthInterceptor creates an auth interceptor backed by tokens
func NewAuthInterceptor(tokens *TokenManager, logger Logger) *AuthInterceptor {
	if logger == nil {
		logger = NopLogger{}
	}
	return &AuthInterceptor{tokens: tokens, logger: logger}
}

func (a *AuthInterceptor) Order() int { return OrderAuth }

func (a *AuthInterceptor) OnRequest(ctx context.Context, req *Request) error {
	cred, err := a.tokens.RefreshIfNeeded(ctx).Get()
	if err != nil {
		return err
	}
	req.Header.Set(types.HeaderAuthorization, "Bearer "+cred.Token)
	return nil
}

func (a *AuthInterceptor) OnResponse(ctx context.Context, req *Request, resp *Response) error {
	if resp.StatusCode != http.StatusUnauthorized || req.Attempt > 0 {
		return nil
	}

	// Another request may already have renewed the token we sent
	sent := strings.TrimPrefix(req.Header.Get(types.HeaderAuthorization), "Bearer ")
	if current, err := a.tokens.Current(ctx); err == nil && current.Token != sent && !current.IsExpired(a.tokens.now()) {
		resp.Replay = true
		return nil
	}

	if _, err := a.tokens.ForceRefresh(ctx).Get(); err != nil {
		a.logger.Warn("Refresh after 401 failed", "url", req.URL, "error", err)
		return nil
	}
	resp.Replay = true
	return nil
}

// MetricsInterceptor records request counts and latencies
type MetricsInterceptor struct {
	metrics *Metrics
}

// NewMetricsInterceptor creates a metrics interceptor
func NewMetricsInterceptor(metrics *Metrics) *MetricsInterceptor {
	return &MetricsInterceptor{metrics: metrics}
}

func (m *MetricsInterceptor) Order() int { return OrderMetrics }

func (m *MetricsInterceptor) OnResponse(_ context.Context, req *Request, resp *Response) error {
	m.metrics.observeRequest(req.Method, resp.StatusCode, resp.Duration)
	return nil
}

func (m *MetricsInterceptor) OnError(_ context.Context, req *Request, err error) {
	var apiErr *errcode.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		// already counted in OnResponse
		return
	}
	m.metrics.observeRequest(req.Method, 0, 0)
}

// SentryInterceptor leaves breadcrumbs for each request and reports
// failures that never reached the backend
type SentryInterceptor struct{}

func (SentryInterceptor) Order() int { return OrderSentry }

func (SentryInterceptor) OnRequest(ctx context.Context, req *Request) error {
	hubFromContext(ctx).AddBreadcrumb(&sentry.Breadcrumb{
		Type:     "http",
		Category: "authpipe.request",
		Data: map[string]interface{}{
			"method":  req.Method,
			"url":     req.URL,
			"attempt": req.Attempt,
		},
	}, nil)
	return nil
}

func (SentryInterceptor) OnResponse(ctx context.Context, req *Request, resp *Response) error {
	level := sentry.LevelInfo
	if resp.StatusCode >= 500 {
		level = sentry.LevelError
	} else if resp.StatusCode >= 400 {
		level = sentry.LevelWarning
	}
	hubFromContext(ctx).AddBreadcrumb(&sentry.Breadcrumb{
		Type:     "http",
		Category: "authpipe.response",
		Level:    level,
		Data: map[string]interface{}{
			"method":      req.Method,
			"url":         req.URL,
			"status_code": resp.StatusCode,
			"duration":    resp.Duration.String(),
		},
	}, nil)
	return nil
}

func (SentryInterceptor) OnError(ctx context.Context, req *Request, err error) {
	var apiErr *errcode.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		// HTTP errors are the backend's answer, not a client fault
		return
	}

	hub := hubFromContext(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("http.method", req.Method)
		scope.SetTag("error.code", errcode.CodeOf(err).Name())
		scope.SetContext("request", map[string]interface{}{
			"url":        req.URL,
			"attempt":    req.Attempt,
			"request_id": req.Header.Get(types.HeaderRequestID),
		})
		hub.CaptureException(err)
	})
}

func hubFromContext(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

// LoggingInterceptor logs requests, responses and errors
type LoggingInterceptor struct {
	logger Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger Logger) *LoggingInterceptor {
	if logger == nil {
		logger = NopLogger{}
	}
	return &LoggingInterceptor{logger: logger}
}

func (l *LoggingInterceptor) Order() int { return OrderLogging }

func (l *LoggingInterceptor) OnRequest(_ context.Context, req *Request) error {
	l.logger.Debug("Sending request", "method", req.Method, "url", req.URL, "attempt", req.Attempt,
		"requestId", req.Header.Get(types.HeaderRequestID))
	return nil
}

func (l *LoggingInterceptor) OnResponse(_ context.Context, req *Request, resp *Response) error {
	kv := []interface{}{"method", req.Method, "url", req.URL, "status", resp.StatusCode, "duration", resp.Duration}
	if resp.Success() {
		l.logger.Debug("Received response", kv...)
	} else {
		l.logger.Warn("Received error response", kv...)
	}
	return nil
}

func (l *LoggingInterceptor) OnError(_ context.Context, req *Request, err error) {
	l.logger.Error("Request failed", "method", req.Method, "url", req.URL, "code", errcode.CodeOf(err).String(), "error", err)
}
