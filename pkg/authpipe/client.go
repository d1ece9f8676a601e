// Package authpipe is a client SDK for calling an authenticated backend.
//
// Every call passes through an ordered interceptor chain. The auth
// interceptor obtains its bearer token from a TokenManager, which renews
// the credential before it expires and never runs two refreshes at once.
// Unrecoverable refresh failures are broadcast to subscribers so the
// application can send the user back to login.
package authpipe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/eshaffer321/authpipe/internal/auth"
	"github.com/eshaffer321/authpipe/internal/transport"
	"github.com/eshaffer321/authpipe/internal/types"
	"github.com/eshaffer321/authpipe/pkg/errcode"
	"github.com/eshaffer321/authpipe/pkg/outcome"
	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
)

const (
	// DefaultBaseURL is the default API base URL
	DefaultBaseURL = types.DefaultBaseURL

	// DefaultTimeout is the default HTTP client timeout
	DefaultTimeout = types.DefaultTimeout

	// UserAgent is the user agent string
	UserAgent = types.UserAgent
)

// Client is the main API client
type Client struct {
	baseURL string
	engine  transport.Engine
	backend *auth.Service
	tokens  *TokenManager
	codec   Codec
	logger  Logger
	now     func() time.Time
	options *ClientOptions

	// chain carries the auth interceptor; public is used for the /auth
	// endpoints themselves
	chain  *Chain
	public *Chain
}

// NewClient creates a new client
func NewClient(opts *ClientOptions) (*Client, error) {
	if opts == nil {
		opts = &ClientOptions{}
	}

	// Initialize Sentry if DSN is provided
	if opts.SentryDSN != "" || opts.SentryOptions != nil {
		sentryOpts := sentry.ClientOptions{}

		// Use provided options if available, otherwise create new ones
		if opts.SentryOptions != nil {
			sentryOpts = *opts.SentryOptions
		}

		// Override DSN if provided separately
		if opts.SentryDSN != "" {
			sentryOpts.Dsn = opts.SentryDSN
		}

		// Set default environment if not provided
		if sentryOpts.Environment == "" {
			sentryOpts.Environment = "production"
		}

		// Initialize Sentry
		if err := sentry.Init(sentryOpts); err != nil {
			// Log error but don't fail client creation
			if opts.Logger != nil {
				opts.Logger.Error("Failed to initialize Sentry", "error", err)
			}
		}
	}

	// Set defaults
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout: DefaultTimeout,
		}
	}

	if opts.Timeout > 0 {
		opts.HTTPClient.Timeout = opts.Timeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = NopLogger{}
	}

	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec{}
	}

	store := opts.Store
	if store == nil {
		if opts.SessionFile != "" {
			store = NewFileStore(opts.SessionFile)
		} else {
			store = NewMemoryStore()
		}
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	var metrics *Metrics
	if opts.MetricsRegisterer != nil {
		metrics = NewMetrics(opts.MetricsRegisterer)
	}

	engine := transport.NewHTTPEngine(&transport.Options{
		HTTPClient:  opts.HTTPClient,
		RetryPolicy: opts.RetryPolicy,
		Logger:      opts.Logger,
	})

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		engine:  engine,
		codec:   codec,
		logger:  logger,
		now:     now,
		options: opts,
	}

	base := []Interceptor{
		NewHeadersInterceptor(opts.Headers, opts.DeviceID),
		RequestIDInterceptor{},
		SentryInterceptor{},
		NewLoggingInterceptor(logger),
	}
	if metrics != nil {
		base = append(base, NewMetricsInterceptor(metrics))
	}
	c.public = NewChain(append(base, opts.Interceptors...)...)
	c.backend = auth.NewService(c.baseURL, &chainEngine{client: c, chain: c.public}, logger)

	tokens, err := NewTokenManager(&TokenManagerOptions{
		Store:     store,
		Codec:     codec,
		Refresher: RefresherFunc(c.refresh),
		Refresh:   opts.Refresh,
		Logger:    logger,
		Metrics:   metrics,
		Clock:     now,
	})
	if err != nil {
		return nil, err
	}
	c.tokens = tokens
	c.chain = c.public.With(NewAuthInterceptor(tokens, logger))

	return c, nil
}

// NewClientWithCredential creates a client that starts with credential
func NewClientWithCredential(ctx context.Context, opts *ClientOptions, credential *Credential) (*Client, error) {
	c, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	if err := c.tokens.Store(ctx, credential); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// TokenManager returns the client's token manager
func (c *Client) TokenManager() *TokenManager {
	return c.tokens
}

// FailureEvents subscribes to terminal refresh failures
func (c *Client) FailureEvents(buffer int) (<-chan RefreshFailureReason, func()) {
	return c.tokens.Subscribe(buffer)
}

// Login performs authentication and stores the resulting credential
func (c *Client) Login(ctx context.Context, email, password string) error {
	grant, err := c.backend.Login(ctx, email, password)
	return c.storeGrant(ctx, grant, err)
}

// LoginWithMFA performs login with an MFA code
func (c *Client) LoginWithMFA(ctx context.Context, email, password, mfaCode string) error {
	grant, err := c.backend.LoginWithMFA(ctx, email, password, mfaCode)
	return c.storeGrant(ctx, grant, err)
}

// LoginWithTOTP performs login with TOTP secret
func (c *Client) LoginWithTOTP(ctx context.Context, email, password, totpSecret string) error {
	grant, err := c.backend.LoginWithTOTP(ctx, email, password, totpSecret)
	return c.storeGrant(ctx, grant, err)
}

func (c *Client) storeGrant(ctx context.Context, grant *auth.Grant, err error) error {
	if err != nil {
		return err
	}
	return c.tokens.Store(ctx, c.credentialFrom(grant))
}

// Logout revokes the session on the backend and clears the stored
// credential. The credential is cleared even when the backend call fails.
func (c *Client) Logout(ctx context.Context) error {
	cred, err := c.tokens.Current(ctx)
	if err != nil {
		if errors.Is(err, types.ErrNotAuthenticated) {
			return nil
		}
		return err
	}

	logoutErr := c.backend.Logout(ctx, cred.Token)
	if err := c.tokens.Clear(ctx); err != nil {
		return err
	}
	return logoutErr
}

// Verify reports whether the backend still accepts the stored token
func (c *Client) Verify(ctx context.Context) (bool, error) {
	cred, err := c.tokens.Current(ctx)
	if err != nil {
		if errors.Is(err, types.ErrNotAuthenticated) {
			return false, nil
		}
		return false, err
	}
	return c.backend.Verify(ctx, cred.Token)
}

// Do sends req through the authenticated chain. A request that fails with
// 401 is replayed once after the token has been refreshed. Non-2xx final
// responses are returned together with a coded error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	req = req.Clone()
	if !strings.Contains(req.URL, "://") {
		req.URL = c.baseURL + "/" + strings.TrimLeft(req.URL, "/")
	}

	for {
		resp, err := c.roundTrip(ctx, c.chain, req)
		if err != nil {
			return nil, err
		}

		if resp.Replay && req.Attempt == 0 {
			c.logger.Debug("Replaying request with refreshed token", "method", req.Method, "url", req.URL)
			req = req.Clone()
			req.Attempt++
			req.Header.Del(types.HeaderAuthorization)
			continue
		}

		if !resp.Success() {
			apiErr := transport.HTTPError(resp.StatusCode, resp.Body)
			apiErr.RequestID = resp.Header.Get(types.HeaderRequestID)
			if resp.StatusCode == http.StatusUnauthorized && apiErr.Err == nil {
				apiErr.Err = types.ErrSessionExpired
			}
			c.chain.ApplyError(ctx, req, apiErr)
			return resp, apiErr
		}
		return resp, nil
	}
}

// roundTrip runs one pass of chain around the engine
func (c *Client) roundTrip(ctx context.Context, chain *Chain, req *Request) (*Response, error) {
	if err := chain.ApplyRequest(ctx, req); err != nil {
		chain.ApplyError(ctx, req, err)
		return nil, err
	}

	resp, err := c.engine.Send(ctx, req)
	if err != nil {
		chain.ApplyError(ctx, req, err)
		return nil, err
	}

	if err := chain.ApplyResponse(ctx, req, resp); err != nil {
		chain.ApplyError(ctx, req, err)
		return nil, err
	}
	return resp, nil
}

// Call encodes body with the client codec, sends it and decodes the
// response into T
func Call[T any](ctx context.Context, c *Client, method, path string, body interface{}) outcome.Outcome[T] {
	var payload []byte
	if body != nil {
		data, err := c.codec.Marshal(body)
		if err != nil {
			return outcome.Failure[T](errcode.Wrap(errors.Wrap(err, "failed to marshal request"), errcode.SystemSerializationError, "cannot encode request body"))
		}
		payload = data
	}

	req := NewRequest(method, path, payload)
	req.Header.Set("Accept", c.codec.ContentType())
	if payload != nil {
		req.Header.Set("Content-Type", c.codec.ContentType())
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return outcome.Failure[T](err)
	}

	var result T
	if len(resp.Body) > 0 {
		if err := c.codec.Unmarshal(resp.Body, &result); err != nil {
			return outcome.Failure[T](errcode.Wrap(errors.Wrap(err, "failed to unmarshal response"), errcode.SystemSerializationError, "malformed response body"))
		}
	}
	return outcome.Success(result)
}

// refresh adapts the backend refresh endpoint to Refresher
func (c *Client) refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	grant, err := c.backend.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return c.credentialFrom(grant), nil
}

func (c *Client) credentialFrom(grant *auth.Grant) *Credential {
	return &Credential{
		Token:        grant.AccessToken,
		ExpiresAt:    grant.ExpiresAt(c.now()),
		RefreshToken: grant.RefreshToken,
	}
}

// Close stops the token manager and flushes any pending Sentry events
func (c *Client) Close() {
	c.tokens.Close()

	// Flush Sentry events with a 2 second timeout
	sentry.Flush(2 * time.Second)
}

// chainEngine sends through a chain without converting HTTP errors, so
// the auth service keeps its own error handling
type chainEngine struct {
	client *Client
	chain  *Chain
}

func (e *chainEngine) Send(ctx context.Context, req *types.Request) (*types.Response, error) {
	return e.client.roundTrip(ctx, e.chain, req)
}
