package authpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eshaffer321/authpipe/internal/types"
	"github.com/eshaffer321/authpipe/pkg/errcode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal /auth and /api server
type fakeBackend struct {
	t *testing.T

	mu           sync.Mutex
	validToken   string
	refreshToken string
	refreshCalls int32
	apiCalls     int32
	loggedOut    bool
	refreshError string
	lastHeaders  http.Header
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var body map[string]interface{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	switch r.URL.Path {
	case "/auth/login":
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error_code":"INVALID_CREDENTIALS","message":"wrong password"}`))
			return
		}
		b.validToken = "tok-login"
		b.refreshToken = "ref-1"
		writeJSON(w, map[string]interface{}{"token": b.validToken, "refresh_token": b.refreshToken, "expires_in": 3600})

	case "/auth/refresh":
		atomic.AddInt32(&b.refreshCalls, 1)
		if b.refreshError != "" {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]interface{}{"error_code": b.refreshError})
			return
		}
		if body["refresh_token"] != b.refreshToken {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]interface{}{"error_code": "TOKEN_REVOKED"})
			return
		}
		b.validToken = "tok-refreshed"
		writeJSON(w, map[string]interface{}{"access_token": b.validToken, "expires_in": 3600})

	case "/auth/logout":
		b.loggedOut = true
		w.WriteHeader(http.StatusNoContent)

	case "/auth/verify":
		if body["token"] != b.validToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)

	case "/api/items":
		atomic.AddInt32(&b.apiCalls, 1)
		b.lastHeaders = r.Header.Clone()
		if r.Header.Get("Authorization") != "Bearer "+b.validToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, []map[string]interface{}{{"id": "1", "name": "first"}})

	case "/api/broken":
		w.WriteHeader(http.StatusConflict)
		writeJSON(w, map[string]interface{}{"message": "version mismatch"})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newTestClient(t *testing.T, backend *fakeBackend, opts *ClientOptions) *Client {
	t.Helper()
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	if opts == nil {
		opts = &ClientOptions{}
	}
	opts.BaseURL = server.URL
	opts.Refresh.Delay = func(int) time.Duration { return 0 }

	c, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClient_LoginAndCall(t *testing.T) {
	backend := &fakeBackend{t: t}
	c := newTestClient(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "user@example.com", "secret"))

	items, err := Call[[]item](ctx, c, http.MethodGet, "/api/items", nil).Get()

	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "1", Name: "first"}}, items)
	assert.Equal(t, "Bearer tok-login", backend.lastHeaders.Get("Authorization"))
	assert.NotEmpty(t, backend.lastHeaders.Get("X-Request-ID"))
	assert.NotEmpty(t, backend.lastHeaders.Get("device-uuid"))
	assert.Equal(t, UserAgent, backend.lastHeaders.Get("User-Agent"))
}

func TestClient_LoginInvalidCredentials(t *testing.T) {
	c := newTestClient(t, &fakeBackend{t: t}, nil)

	err := c.Login(context.Background(), "user@example.com", "nope")

	assert.Equal(t, errcode.AuthInvalidCredentials, errcode.CodeOf(err))
	_, err = c.TokenManager().Current(context.Background())
	assert.Error(t, err)
}

func TestClient_ReplaysOnceAfterUnauthorized(t *testing.T) {
	backend := &fakeBackend{t: t}
	c := newTestClient(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "user@example.com", "secret"))

	// the backend rotates the access token behind the client's back
	backend.mu.Lock()
	backend.validToken = "tok-server-side"
	backend.mu.Unlock()

	// refresh will issue tok-refreshed which the API then accepts
	items, err := Call[[]item](ctx, c, http.MethodGet, "/api/items", nil).Get()

	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.refreshCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&backend.apiCalls))
	assert.Equal(t, "Bearer tok-refreshed", backend.lastHeaders.Get("Authorization"))
}

func TestClient_ProactiveRefresh(t *testing.T) {
	backend := &fakeBackend{t: t, validToken: "tok-old", refreshToken: "ref-1"}
	now := time.Now()
	c := newTestClient(t, backend, &ClientOptions{
		Refresh: RefreshConfig{Threshold: 5 * time.Second},
		Clock:   func() time.Time { return now },
	})
	ctx := context.Background()
	require.NoError(t, c.TokenManager().Store(ctx, &Credential{Token: "tok-old", ExpiresAt: now.Add(2 * time.Second), RefreshToken: "ref-1"}))

	failures, unsubscribe := c.FailureEvents(4)
	defer unsubscribe()

	resp, err := c.Do(ctx, NewRequest(http.MethodGet, "/api/items", nil))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.refreshCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.apiCalls))
	assert.Empty(t, drain(failures))

	cred, err := c.TokenManager().Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-refreshed", cred.Token)
	assert.Equal(t, "ref-1", cred.RefreshToken)
	assert.True(t, now.Add(time.Hour).Equal(cred.ExpiresAt))
}

func TestClient_RevokedRefreshBroadcastsFailure(t *testing.T) {
	backend := &fakeBackend{t: t, refreshToken: "ref-1", refreshError: "TOKEN_EXPIRED"}
	c := newTestClient(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, c.TokenManager().Store(ctx, &Credential{Token: "tok-old", ExpiresAt: time.Now().Add(-time.Minute), RefreshToken: "ref-1"}))

	failures, unsubscribe := c.FailureEvents(4)
	defer unsubscribe()

	_, err := c.Do(ctx, NewRequest(http.MethodGet, "/api/items", nil))

	require.Error(t, err)
	assert.Equal(t, errcode.AuthTokenExpired, errcode.CodeOf(err))
	assert.Equal(t, []RefreshFailureReason{TokenExpired{}}, drain(failures))
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.refreshCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.apiCalls))
}

func TestClient_HTTPErrorIsCoded(t *testing.T) {
	backend := &fakeBackend{t: t}
	c := newTestClient(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "user@example.com", "secret"))

	res := Call[map[string]interface{}](ctx, c, http.MethodPost, "/api/broken", map[string]string{"v": "1"})

	require.True(t, res.IsFailure())
	var apiErr *errcode.Error
	require.ErrorAs(t, res.Err(), &apiErr)
	assert.Equal(t, errcode.BusinessConflict, apiErr.Code)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "version mismatch")
	assert.NotEmpty(t, apiErr.RequestID)
}

func TestClient_VerifyAndLogout(t *testing.T) {
	backend := &fakeBackend{t: t}
	c := newTestClient(t, backend, nil)
	ctx := context.Background()

	ok, err := c.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no session yet")

	require.NoError(t, c.Login(ctx, "user@example.com", "secret"))

	ok, err = c.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Logout(ctx))
	assert.True(t, backend.loggedOut)

	_, err = c.TokenManager().Current(ctx)
	assert.Error(t, err)

	assert.NoError(t, c.Logout(ctx), "logout without a session is a no-op")
}

func TestClient_SessionFilePersistsAcrossClients(t *testing.T) {
	backend := &fakeBackend{t: t}
	path := filepath.Join(t.TempDir(), "session.json")
	ctx := context.Background()

	first := newTestClient(t, backend, &ClientOptions{SessionFile: path})
	require.NoError(t, first.Login(ctx, "user@example.com", "secret"))

	second := newTestClient(t, backend, &ClientOptions{SessionFile: path})
	cred, err := second.TokenManager().Current(ctx)

	require.NoError(t, err)
	assert.Equal(t, "tok-login", cred.Token)
	assert.Equal(t, "ref-1", cred.RefreshToken)
}

func TestClient_Metrics(t *testing.T) {
	backend := &fakeBackend{t: t}
	reg := prometheus.NewRegistry()
	c := newTestClient(t, backend, &ClientOptions{MetricsRegisterer: reg})
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "user@example.com", "secret"))

	_, err := c.Do(ctx, NewRequest(http.MethodGet, "/api/items", nil))
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "authpipe_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series for the login POST and one for the GET")
}

func TestClient_CustomInterceptor(t *testing.T) {
	backend := &fakeBackend{t: t}
	var log []string
	c := newTestClient(t, backend, &ClientOptions{
		Interceptors: []Interceptor{&recorder{order: 60, name: "custom", log: &log}},
	})
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "user@example.com", "secret"))
	log = nil

	_, err := c.Do(ctx, NewRequest(http.MethodGet, "/api/items", nil))

	require.NoError(t, err)
	assert.Equal(t, []string{"req:custom", "res:custom"}, log)
}

func TestClient_ConcurrentFailuresKeepTheirOwnRequestID(t *testing.T) {
	backend := &fakeBackend{t: t, refreshToken: "ref-1", refreshError: "TOKEN_REVOKED"}
	c := newTestClient(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, c.TokenManager().Store(ctx, &Credential{Token: "tok-old", ExpiresAt: time.Now().Add(-time.Minute), RefreshToken: "ref-1"}))

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := NewRequest(http.MethodGet, "/api/items", nil)
			req.Header.Set("X-Request-ID", fmt.Sprintf("rid-%d", i))
			_, errs[i] = c.Do(ctx, req)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		var apiErr *errcode.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, errcode.AuthTokenRevoked, apiErr.Code)
		assert.Equal(t, fmt.Sprintf("rid-%d", i), apiErr.RequestID)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.apiCalls))
}

func TestClient_UnrecoverableUnauthorizedIsSessionExpired(t *testing.T) {
	backend := &fakeBackend{t: t}
	c := newTestClient(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "user@example.com", "secret"))

	backend.mu.Lock()
	backend.validToken = "tok-server-side"
	backend.refreshError = "TOKEN_REVOKED"
	backend.mu.Unlock()

	resp, err := c.Do(ctx, NewRequest(http.MethodGet, "/api/items", nil))

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSessionExpired)
	assert.Equal(t, errcode.AuthUnauthorized, errcode.CodeOf(err))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.apiCalls))
}

func TestClient_DoLeavesRequestReusable(t *testing.T) {
	backend := &fakeBackend{t: t}
	c := newTestClient(t, backend, nil)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "user@example.com", "secret"))

	req := NewRequest(http.MethodGet, "/api/items", nil)
	for i := 0; i < 2; i++ {
		_, err := c.Do(ctx, req)
		require.NoError(t, err)
	}

	assert.Equal(t, "/api/items", req.URL)
	assert.Empty(t, req.Header.Get("Authorization"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&backend.apiCalls))
}
