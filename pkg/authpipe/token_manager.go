package authpipe

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/eshaffer321/authpipe/internal/transport"
	"github.com/eshaffer321/authpipe/internal/types"
	"github.com/eshaffer321/authpipe/pkg/errcode"
	"github.com/eshaffer321/authpipe/pkg/outcome"
	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
)

const (
	// CredentialKey is the storage key of the persisted credential
	CredentialKey = "authpipe.credential"

	// DefaultRefreshThreshold renews tokens this long before they expire
	DefaultRefreshThreshold = 5 * time.Minute

	// DefaultMaxRetryAttempts is the number of retries after the first
	// refresh attempt
	DefaultMaxRetryAttempts = 3
)

// Refresher exchanges a refresh token for a new credential
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)
}

// RefresherFunc adapts a function to Refresher
type RefresherFunc func(ctx context.Context, refreshToken string) (*Credential, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	return f(ctx, refreshToken)
}

// RefreshConfig tunes proactive renewal and refresh retries
type RefreshConfig struct {
	// Threshold renews a token when it has this much lifetime left.
	// Non-positive values use DefaultRefreshThreshold.
	Threshold time.Duration

	// MaxRetryAttempts bounds retries after the first attempt. Zero uses
	// DefaultMaxRetryAttempts; a negative value disables retries.
	MaxRetryAttempts int

	// Delay returns the wait before retry n (n >= 1). Defaults to
	// exponential backoff from 1s capped at 30s.
	Delay func(attempt int) time.Duration
}

func (c RefreshConfig) withDefaults() RefreshConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultRefreshThreshold
	}
	switch {
	case c.MaxRetryAttempts == 0:
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	case c.MaxRetryAttempts < 0:
		c.MaxRetryAttempts = 0
	}
	if c.Delay == nil {
		c.Delay = transport.ExponentialBackoff(time.Second, 30*time.Second)
	}
	return c
}

// TokenManagerOptions configures a TokenManager
type TokenManagerOptions struct {
	Store     KVStore
	Codec     Codec
	Refresher Refresher
	Refresh   RefreshConfig
	Logger    Logger
	Metrics   *Metrics

	// Clock overrides time.Now
	Clock func() time.Time
}

type refreshRequest struct {
	ctx   context.Context
	force bool
	reply chan outcome.Outcome[*Credential]
}

// TokenManager owns the credential lifecycle. A single goroutine serializes
// refresh decisions so that concurrent callers share one in-flight refresh
// and all receive its result.
type TokenManager struct {
	store     KVStore
	codec     Codec
	refresher Refresher
	cfg       RefreshConfig
	logger    Logger
	metrics   *Metrics
	now       func() time.Time

	requests chan refreshRequest
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once

	failures *broadcaster[RefreshFailureReason]
	states   *broadcaster[outcome.Outcome[*Credential]]
}

// NewTokenManager starts a token manager. Close must be called to release
// its goroutine.
func NewTokenManager(opts *TokenManagerOptions) (*TokenManager, error) {
	if opts == nil || opts.Refresher == nil {
		return nil, errors.New("token manager requires a refresher")
	}

	logger := opts.Logger
	if logger == nil {
		logger = NopLogger{}
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	m := &TokenManager{
		store:     store,
		codec:     codec,
		refresher: opts.Refresher,
		cfg:       opts.Refresh.withDefaults(),
		logger:    logger,
		metrics:   opts.Metrics,
		now:       now,
		requests:  make(chan refreshRequest),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		failures:  newBroadcaster[RefreshFailureReason]("refresh_failures", logger),
		states:    newBroadcaster[outcome.Outcome[*Credential]]("credential_state", logger),
	}

	go m.run()
	return m, nil
}

// RefreshIfNeeded returns a credential that is valid for longer than the
// refresh threshold, refreshing it first when necessary
func (m *TokenManager) RefreshIfNeeded(ctx context.Context) outcome.Outcome[*Credential] {
	return m.request(ctx, false)
}

// ForceRefresh refreshes regardless of remaining lifetime, joining a
// refresh that is already running
func (m *TokenManager) ForceRefresh(ctx context.Context) outcome.Outcome[*Credential] {
	return m.request(ctx, true)
}

// ShouldRefresh reports whether c is expired or within the threshold
func (m *TokenManager) ShouldRefresh(c *Credential) bool {
	now := m.now()
	return c.IsExpired(now) || c.ExpiresAt.Sub(now) <= m.cfg.Threshold
}

// Current returns the stored credential without refreshing it
func (m *TokenManager) Current(ctx context.Context) (*Credential, error) {
	cred, found, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.ErrNotAuthenticated
	}
	return cred, nil
}

// Store persists a credential obtained outside a refresh, such as at login
func (m *TokenManager) Store(ctx context.Context, c *Credential) error {
	if c == nil || c.Token == "" {
		return errcode.New(errcode.ValidationMissingField, "credential token is empty")
	}
	if err := m.save(ctx, c); err != nil {
		return err
	}
	m.states.publish(outcome.Success(c))
	return nil
}

// Clear removes the stored credential
func (m *TokenManager) Clear(ctx context.Context) error {
	if err := m.store.PutString(ctx, CredentialKey, ""); err != nil {
		return errcode.Wrap(err, errcode.SystemStorageError, "failed to clear credential")
	}
	return nil
}

// Subscribe returns a stream of terminal refresh failures. Each failure
// is delivered once to every subscriber whose buffer has room.
func (m *TokenManager) Subscribe(buffer int) (<-chan RefreshFailureReason, func()) {
	return m.failures.subscribe(buffer)
}

// Watch returns a stream of credential states: Loading when a network
// refresh starts, then Success or Failure when it ends
func (m *TokenManager) Watch(buffer int) (<-chan outcome.Outcome[*Credential], func()) {
	return m.states.subscribe(buffer)
}

// Threshold returns the effective refresh threshold
func (m *TokenManager) Threshold() time.Duration {
	return m.cfg.Threshold
}

// Close stops the manager. Waiting and future callers receive
// ErrManagerClosed and all subscription channels are closed. A refresh
// interrupted while backing off between attempts ends with
// ErrManagerClosed and publishes no failure event.
func (m *TokenManager) Close() {
	m.once.Do(func() {
		close(m.done)
		<-m.stopped
		m.failures.close()
		m.states.close()
	})
}

func (m *TokenManager) request(ctx context.Context, force bool) outcome.Outcome[*Credential] {
	req := refreshRequest{
		ctx:   ctx,
		force: force,
		reply: make(chan outcome.Outcome[*Credential], 1),
	}

	select {
	case m.requests <- req:
	case <-m.done:
		return outcome.Failure[*Credential](types.ErrManagerClosed)
	case <-ctx.Done():
		return outcome.Failure[*Credential](cancelled(ctx))
	}

	select {
	case res := <-req.reply:
		return res
	case <-ctx.Done():
		return outcome.Failure[*Credential](cancelled(ctx))
	}
}

func cancelled(ctx context.Context) error {
	return errcode.Wrap(ctx.Err(), transport.ClassifyTransportError(ctx.Err()), "stopped waiting for credential")
}

// run is the actor loop. It owns the in-flight slot and its waiters.
func (m *TokenManager) run() {
	defer close(m.stopped)

	var waiters []chan outcome.Outcome[*Credential]
	inFlight := false
	results := make(chan outcome.Outcome[*Credential], 1)

	for {
		select {
		case req := <-m.requests:
			if inFlight {
				waiters = append(waiters, req.reply)
				continue
			}

			cred, _, err := m.load(req.ctx)
			if err != nil {
				req.reply <- outcome.Failure[*Credential](err)
				continue
			}
			if !req.force && !m.ShouldRefresh(cred) {
				req.reply <- outcome.Success(cred)
				continue
			}

			inFlight = true
			waiters = append(waiters, req.reply)
			m.states.publish(outcome.Loading[*Credential]())

			ctx := context.WithoutCancel(req.ctx)
			go func() {
				results <- m.performRefresh(ctx, cred)
			}()

		case res := <-results:
			inFlight = false
			for _, w := range waiters {
				w <- ownFailure(res)
			}
			waiters = nil
			m.states.publish(ownFailure(res))

		case <-m.done:
			for _, w := range waiters {
				w <- outcome.Failure[*Credential](types.ErrManagerClosed)
			}
			return
		}
	}
}

// ownFailure gives a receiver its own copy of a refresh failure
func ownFailure(res outcome.Outcome[*Credential]) outcome.Outcome[*Credential] {
	var refreshErr *RefreshFailedError
	if errors.As(res.Err(), &refreshErr) {
		return outcome.Failure[*Credential](refreshErr.copy())
	}
	return res
}

func (m *TokenManager) performRefresh(ctx context.Context, current *Credential) outcome.Outcome[*Credential] {
	if !current.HasRefreshToken() {
		return m.fail(ctx, NoRefreshToken{}, errcode.New(errcode.AuthNoRefreshToken, "no refresh token available"))
	}

	attempts := m.cfg.MaxRetryAttempts + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := m.cfg.Delay(attempt)
			m.logger.Debug("Retrying token refresh", "attempt", attempt+1, "delay", delay)
			if !m.sleep(delay) {
				return outcome.Failure[*Credential](types.ErrManagerClosed)
			}
		}

		next, err := m.refresher.Refresh(ctx, current.RefreshToken)
		if err == nil && (next == nil || next.Token == "") {
			err = errcode.New(errcode.SystemSerializationError, "refresh returned no token")
		}
		if err == nil {
			next = next.withRefreshFallback(current)
			if saveErr := m.save(ctx, next); saveErr != nil {
				m.logger.Error("Failed to persist refreshed credential", "error", saveErr)
			}
			m.metrics.observeRefresh("success")
			m.logger.Info("Token refreshed", "attempts", attempt+1, "expiresAt", next.ExpiresAt)
			return outcome.Success(next)
		}

		lastErr = err
		reason, retry := classifyRefreshError(err)
		if !retry {
			return m.fail(ctx, reason, err)
		}
		m.metrics.observeRefresh("retry")
		m.logger.Warn("Token refresh attempt failed", "attempt", attempt+1, "error", err)
	}

	return m.fail(ctx, NetworkError{Detail: lastErr.Error()}, lastErr)
}

// classifyRefreshError maps a refresh error onto a terminal reason, or
// reports that the attempt may be retried
func classifyRefreshError(err error) (RefreshFailureReason, bool) {
	code := transport.ClassifyTransportError(err)

	switch code {
	case errcode.AuthTokenExpired:
		return TokenExpired{}, false
	case errcode.AuthTokenRevoked, errcode.AuthTokenInvalid, errcode.AuthUnauthorized, errcode.AuthForbidden:
		return TokenRevoked{}, false
	case errcode.AuthNoRefreshToken:
		return NoRefreshToken{}, false
	}

	status := 0
	var apiErr *errcode.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}

	// Any 5xx from the refresh endpoint is transient, whatever its code
	if code.Retryable() || status >= 500 {
		return nil, true
	}
	if code.Category() == errcode.CategoryNetwork {
		return NetworkError{Detail: err.Error()}, false
	}
	return ServerError{Status: status, Detail: err.Error()}, false
}

// fail reports a terminal failure exactly once
func (m *TokenManager) fail(ctx context.Context, reason RefreshFailureReason, err error) outcome.Outcome[*Credential] {
	m.logger.Error("Token refresh failed", "reason", reason.String(), "error", err)
	m.metrics.observeRefresh("failure")

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("refresh.reason", reason.String())
		scope.SetTag("error.code", reason.Code().Name())
		hub.CaptureException(err)
	})

	coded, ok := err.(*errcode.Error)
	if !ok {
		code := reason.Code()
		if errcode.HasCode(err) {
			code = errcode.CodeOf(err)
		}
		coded = errcode.Wrap(err, code, "token refresh failed")
	}

	m.failures.publish(reason)
	return outcome.Failure[*Credential](&RefreshFailedError{Reason: reason, Err: coded})
}

func (m *TokenManager) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.done:
		return false
	}
}

// load reads the stored credential. A missing record yields the zero
// credential, which is always expired.
func (m *TokenManager) load(ctx context.Context) (*Credential, bool, error) {
	raw, err := m.store.GetString(ctx, CredentialKey, "")
	if err != nil {
		return nil, false, errcode.Wrap(err, errcode.SystemStorageError, "failed to read credential")
	}
	if raw == "" {
		return &Credential{}, false, nil
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, false, errcode.Wrap(errors.Wrap(err, "failed to decode credential"), errcode.SystemSerializationError, "corrupt credential record")
	}

	var cred Credential
	if err := m.codec.Unmarshal(data, &cred); err != nil {
		return nil, false, errcode.Wrap(errors.Wrap(err, "failed to unmarshal credential"), errcode.SystemSerializationError, "corrupt credential record")
	}
	return &cred, true, nil
}

func (m *TokenManager) save(ctx context.Context, c *Credential) error {
	data, err := m.codec.Marshal(c)
	if err != nil {
		return errcode.Wrap(errors.Wrap(err, "failed to marshal credential"), errcode.SystemSerializationError, "cannot encode credential")
	}
	if err := m.store.PutString(ctx, CredentialKey, base64.StdEncoding.EncodeToString(data)); err != nil {
		return errcode.Wrap(err, errcode.SystemStorageError, "failed to write credential")
	}
	return nil
}
