package authpipe

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/eshaffer321/authpipe/pkg/errcode"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockLogger is a mock implementation of Logger
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, keysAndValues ...interface{}) { m.Called(msg) }
func (m *MockLogger) Info(msg string, keysAndValues ...interface{})  { m.Called(msg) }
func (m *MockLogger) Warn(msg string, keysAndValues ...interface{})  { m.Called(msg) }
func (m *MockLogger) Error(msg string, keysAndValues ...interface{}) { m.Called(msg) }

func TestHeadersInterceptor(t *testing.T) {
	h := NewHeadersInterceptor(map[string]string{"X-App": "demo"}, "device-1")
	req := NewRequest(http.MethodPost, "https://api.example.com/x", []byte(`{}`))
	req.Header.Set("Accept", "application/cbor")

	require.NoError(t, h.OnRequest(context.Background(), req))

	assert.Equal(t, "application/cbor", req.Header.Get("Accept"), "caller headers win over defaults")
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, UserAgent, req.Header.Get("User-Agent"))
	assert.Equal(t, "go", req.Header.Get("Client-Platform"))
	assert.Equal(t, "device-1", req.Header.Get("device-uuid"))
	assert.Equal(t, "demo", req.Header.Get("X-App"))
}

func TestHeadersInterceptor_GeneratesDeviceID(t *testing.T) {
	h := NewHeadersInterceptor(nil, "")

	_, err := uuid.Parse(h.DeviceID())
	assert.NoError(t, err)

	req := NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, h.OnRequest(context.Background(), req))
	assert.Empty(t, req.Header.Get("Content-Type"))
	assert.Equal(t, h.DeviceID(), req.Header.Get("device-uuid"))
}

func TestRequestIDInterceptor(t *testing.T) {
	var ri RequestIDInterceptor

	req := NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, ri.OnRequest(context.Background(), req))
	id := req.Header.Get("X-Request-ID")
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	// an existing id is kept across replays
	require.NoError(t, ri.OnRequest(context.Background(), req))
	assert.Equal(t, id, req.Header.Get("X-Request-ID"))

	apiErr := errcode.New(errcode.NetworkConnectionReset, "reset")
	ri.OnError(context.Background(), req, apiErr)
	assert.Equal(t, id, apiErr.RequestID)
}

func TestAuthInterceptor_AttachesBearer(t *testing.T) {
	m := newTestManager(t, &fakeRefresher{}, RefreshConfig{}, nil)
	storeCredential(t, m, &Credential{Token: "tok", ExpiresAt: fixedNow.Add(time.Hour), RefreshToken: "ref"})
	a := NewAuthInterceptor(m, nil)

	req := NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, a.OnRequest(context.Background(), req))

	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
}

func TestAuthInterceptor_RequestFailsWithoutSession(t *testing.T) {
	m := newTestManager(t, &fakeRefresher{}, RefreshConfig{}, nil)
	a := NewAuthInterceptor(m, nil)

	err := a.OnRequest(context.Background(), NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, errcode.AuthNoRefreshToken, errcode.CodeOf(err))
}

func TestAuthInterceptor_UnauthorizedForcesRefreshAndReplay(t *testing.T) {
	refresher := &fakeRefresher{results: []refreshResult{
		{cred: &Credential{Token: "new", ExpiresAt: fixedNow.Add(2 * time.Hour)}},
	}}
	m := newTestManager(t, refresher, RefreshConfig{}, nil)
	storeCredential(t, m, &Credential{Token: "tok", ExpiresAt: fixedNow.Add(time.Hour), RefreshToken: "ref"})
	a := NewAuthInterceptor(m, nil)

	req := NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp := &Response{StatusCode: http.StatusUnauthorized}

	require.NoError(t, a.OnResponse(context.Background(), req, resp))

	assert.True(t, resp.Replay)
	assert.Equal(t, 1, refresher.Calls())
}

func TestAuthInterceptor_UnauthorizedWithAlreadyRenewedToken(t *testing.T) {
	refresher := &fakeRefresher{}
	m := newTestManager(t, refresher, RefreshConfig{}, nil)
	storeCredential(t, m, &Credential{Token: "renewed", ExpiresAt: fixedNow.Add(time.Hour), RefreshToken: "ref"})
	a := NewAuthInterceptor(m, nil)

	req := NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer stale")
	resp := &Response{StatusCode: http.StatusUnauthorized}

	require.NoError(t, a.OnResponse(context.Background(), req, resp))

	assert.True(t, resp.Replay)
	assert.Equal(t, 0, refresher.Calls())
}

func TestAuthInterceptor_NoReplayOnSecondAttempt(t *testing.T) {
	refresher := &fakeRefresher{}
	m := newTestManager(t, refresher, RefreshConfig{}, nil)
	a := NewAuthInterceptor(m, nil)

	req := NewRequest(http.MethodGet, "/", nil)
	req.Attempt = 1
	resp := &Response{StatusCode: http.StatusUnauthorized}

	require.NoError(t, a.OnResponse(context.Background(), req, resp))
	assert.False(t, resp.Replay)

	resp = &Response{StatusCode: http.StatusOK}
	req.Attempt = 0
	require.NoError(t, a.OnResponse(context.Background(), req, resp))
	assert.False(t, resp.Replay)
	assert.Equal(t, 0, refresher.Calls())
}

func TestAuthInterceptor_FailedRefreshLeavesResponse(t *testing.T) {
	refresher := &fakeRefresher{results: []refreshResult{{err: errcode.New(errcode.AuthTokenRevoked, "revoked")}}}
	m := newTestManager(t, refresher, RefreshConfig{}, nil)
	storeCredential(t, m, &Credential{Token: "tok", ExpiresAt: fixedNow.Add(time.Hour), RefreshToken: "ref"})

	logger := new(MockLogger)
	logger.On("Warn", "Refresh after 401 failed").Once()
	a := NewAuthInterceptor(m, logger)

	req := NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp := &Response{StatusCode: http.StatusUnauthorized}

	require.NoError(t, a.OnResponse(context.Background(), req, resp))

	assert.False(t, resp.Replay)
	logger.AssertExpectations(t)
}

func TestMetricsInterceptor(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	mi := NewMetricsInterceptor(metrics)

	req := NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, mi.OnResponse(context.Background(), req, &Response{StatusCode: 200, Duration: 10 * time.Millisecond}))
	require.NoError(t, mi.OnResponse(context.Background(), req, &Response{StatusCode: 503}))
	mi.OnError(context.Background(), req, errcode.New(errcode.NetworkConnectionReset, "reset"))
	mi.OnError(context.Background(), req, &errcode.Error{Code: errcode.SystemServiceUnavailable, StatusCode: 503})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("GET", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("GET", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.requestDuration))
}

func TestLoggingInterceptor(t *testing.T) {
	logger := new(MockLogger)
	logger.On("Debug", "Sending request").Once()
	logger.On("Debug", "Received response").Once()
	logger.On("Warn", "Received error response").Once()
	logger.On("Error", "Request failed").Once()

	l := NewLoggingInterceptor(logger)
	req := NewRequest(http.MethodGet, "/", nil)

	require.NoError(t, l.OnRequest(context.Background(), req))
	require.NoError(t, l.OnResponse(context.Background(), req, &Response{StatusCode: 200}))
	require.NoError(t, l.OnResponse(context.Background(), req, &Response{StatusCode: 404}))
	l.OnError(context.Background(), req, errcode.New(errcode.NetworkDNSFailure, "dns"))

	logger.AssertExpectations(t)
}

func TestSentryInterceptor_DoesNotInterfere(t *testing.T) {
	var s SentryInterceptor
	req := NewRequest(http.MethodGet, "/", nil)

	assert.NoError(t, s.OnRequest(context.Background(), req))
	assert.NoError(t, s.OnResponse(context.Background(), req, &Response{StatusCode: 500}))
	assert.NotPanics(t, func() {
		s.OnError(context.Background(), req, errcode.New(errcode.NetworkSSLError, "tls"))
	})
}

func TestBuiltInOrders(t *testing.T) {
	m := newTestManager(t, &fakeRefresher{}, RefreshConfig{}, nil)
	chain := NewChain(
		NewLoggingInterceptor(nil),
		SentryInterceptor{},
		NewMetricsInterceptor(nil),
		NewAuthInterceptor(m, nil),
		RequestIDInterceptor{},
		NewHeadersInterceptor(nil, ""),
	)

	var orders []int
	for _, i := range chain.Interceptors() {
		orders = append(orders, i.Order())
	}
	assert.Equal(t, []int{10, 20, 50, 80, 90, 100}, orders)
}
