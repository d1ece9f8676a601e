package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eshaffer321/authpipe/internal/transport"
	"github.com/eshaffer321/authpipe/internal/types"
	"github.com/eshaffer321/authpipe/pkg/errcode"
	"github.com/pkg/errors"
)

const (
	loginEndpoint   = "/auth/login"
	refreshEndpoint = "/auth/refresh"
	logoutEndpoint  = "/auth/logout"
	verifyEndpoint  = "/auth/verify"

	// defaultTokenLifetime applies when the backend omits expires_in
	defaultTokenLifetime = 24 * time.Hour
)

// Grant is a token set issued by the backend
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	UserID       string
}

// ExpiresAt returns the absolute expiry relative to now
func (g *Grant) ExpiresAt(now time.Time) time.Time {
	return now.Add(g.ExpiresIn)
}

// Service handles the backend authentication endpoints
type Service struct {
	baseURL string
	engine  transport.Engine
	logger  types.Logger
}

// NewService creates a new auth service
func NewService(baseURL string, engine transport.Engine, logger types.Logger) *Service {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		engine:  engine,
		logger:  logger,
	}
}

// Login performs authentication
func (s *Service) Login(ctx context.Context, email, password string) (*Grant, error) {
	return s.login(ctx, email, password, "")
}

// LoginWithMFA performs login with an MFA code
func (s *Service) LoginWithMFA(ctx context.Context, email, password, mfaCode string) (*Grant, error) {
	return s.login(ctx, email, password, mfaCode)
}

// LoginWithTOTP performs login with TOTP secret
func (s *Service) LoginWithTOTP(ctx context.Context, email, password, totpSecret string) (*Grant, error) {
	// Generate TOTP code
	code, err := generateTOTP(totpSecret, time.Now())
	if err != nil {
		return nil, errcode.Wrap(errors.Wrap(err, "failed to generate TOTP code"), errcode.ValidationInvalidFormat, "invalid TOTP secret")
	}
	return s.login(ctx, email, password, code)
}

// Refresh exchanges a refresh token for a new grant
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	if refreshToken == "" {
		return nil, errcode.New(errcode.AuthNoRefreshToken, "refresh token is empty")
	}

	resp, err := s.post(ctx, refreshEndpoint, map[string]interface{}{
		"refresh_token": refreshToken,
	}, "")
	if err != nil {
		return nil, err
	}

	grant, err := decodeGrant(resp)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Token refreshed", "expiresIn", grant.ExpiresIn, "rotated", grant.RefreshToken != "")
	return grant, nil
}

// Logout revokes the access token on the backend
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	_, err := s.post(ctx, logoutEndpoint, map[string]interface{}{}, accessToken)
	if err != nil {
		return err
	}
	s.logger.Info("Logout successful")
	return nil
}

// Verify reports whether the backend still accepts token
func (s *Service) Verify(ctx context.Context, token string) (bool, error) {
	_, err := s.post(ctx, verifyEndpoint, map[string]interface{}{
		"token": token,
	}, "")
	if err == nil {
		return true, nil
	}
	if errcode.IsAuth(err) {
		return false, nil
	}
	return false, err
}

// login performs the login request
func (s *Service) login(ctx context.Context, email, password, mfaCode string) (*Grant, error) {
	// Create login request
	reqBody := map[string]interface{}{
		"email":    email,
		"password": password,
	}

	if mfaCode != "" {
		reqBody["totp"] = mfaCode
	}

	s.logger.Debug("Login request", "email", email)

	resp, err := s.post(ctx, loginEndpoint, reqBody, "")
	if err != nil {
		return nil, err
	}

	grant, err := decodeGrant(resp)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Login successful", "email", email)
	return grant, nil
}

// post sends a JSON body and converts failures into coded errors
func (s *Service) post(ctx context.Context, endpoint string, payload map[string]interface{}, bearer string) (*types.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errcode.Wrap(errors.Wrap(err, "failed to marshal request"), errcode.SystemSerializationError, "invalid auth payload")
	}

	req := types.NewRequest(http.MethodPost, s.baseURL+endpoint, body)
	req.Header.Set("Accept", types.ContentTypeJSON)
	req.Header.Set("Content-Type", types.ContentTypeJSON)
	if bearer != "" {
		req.Header.Set(types.HeaderAuthorization, "Bearer "+bearer)
	}

	resp, err := s.engine.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Auth response", "endpoint", endpoint, "status", resp.StatusCode)

	if !resp.Success() {
		apiErr := transport.HTTPError(resp.StatusCode, resp.Body)
		apiErr.RequestID = resp.Header.Get(types.HeaderRequestID)
		return nil, apiErr
	}

	// Some deployments answer 200 with an error_code in the body
	var envelope struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &envelope) == nil && envelope.ErrorCode != "" {
		code, ok := transport.BackendCode(envelope.ErrorCode)
		if !ok {
			code = errcode.SystemUnknownError
		}
		msg := envelope.Message
		if msg == "" {
			msg = envelope.ErrorCode
		}
		return nil, &errcode.Error{Code: code, Message: msg, StatusCode: resp.StatusCode}
	}

	return resp, nil
}

// tokenResponse represents the login and refresh API responses
type tokenResponse struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       string `json:"userId"`
}

func decodeGrant(resp *types.Response) (*Grant, error) {
	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return nil, errcode.Wrap(errors.Wrap(err, "failed to parse token response"), errcode.SystemSerializationError, "malformed token response")
	}

	token := tr.AccessToken
	if token == "" {
		token = tr.Token
	}
	if token == "" {
		return nil, errcode.New(errcode.SystemSerializationError, "no token in response")
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if tr.ExpiresIn <= 0 {
		lifetime = defaultTokenLifetime
	}

	return &Grant{
		AccessToken:  token,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    lifetime,
		UserID:       tr.UserID,
	}, nil
}

// generateTOTP generates a TOTP code from secret
func generateTOTP(secret string, now time.Time) (string, error) {
	// Remove spaces and convert to uppercase
	secret = strings.ReplaceAll(strings.ToUpper(secret), " ", "")

	// Decode base32 secret
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(secret, "="))
	if err != nil {
		return "", errors.Wrap(err, "failed to decode TOTP secret")
	}

	// Get current time counter (30 second intervals)
	counter := now.Unix() / 30

	// Convert counter to bytes
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(counter))

	// Generate HMAC
	h := hmac.New(sha1.New, key)
	h.Write(buf)
	hash := h.Sum(nil)

	// Dynamic truncation
	offset := hash[len(hash)-1] & 0x0f
	code := binary.BigEndian.Uint32(hash[offset:offset+4]) & 0x7fffffff
	code = code % 1000000

	// Format as 6-digit string
	return fmt.Sprintf("%06d", code), nil
}
