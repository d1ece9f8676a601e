package authpipe

import (
	"fmt"

	"github.com/eshaffer321/authpipe/pkg/errcode"
)

// RefreshFailureReason describes why a session could not be renewed.
// The set of variants is closed: NoRefreshToken, TokenExpired,
// TokenRevoked, NetworkError and ServerError.
type RefreshFailureReason interface {
	fmt.Stringer
	Code() errcode.Code
	refreshFailure()
}

// NoRefreshToken means there was nothing to refresh with
type NoRefreshToken struct{}

// TokenExpired means the backend rejected the refresh token as expired
type TokenExpired struct{}

// TokenRevoked means the backend rejected the refresh token outright
type TokenRevoked struct{}

// NetworkError means retries were exhausted on transient failures
type NetworkError struct {
	Detail string
}

// ServerError means the backend answered with a non-retryable error
type ServerError struct {
	Status int
	Detail string
}

func (NoRefreshToken) refreshFailure() {}
func (TokenExpired) refreshFailure()   {}
func (TokenRevoked) refreshFailure()   {}
func (NetworkError) refreshFailure()   {}
func (ServerError) refreshFailure()    {}

func (NoRefreshToken) String() string { return "no refresh token" }
func (TokenExpired) String() string   { return "refresh token expired" }
func (TokenRevoked) String() string   { return "refresh token revoked" }

func (e NetworkError) String() string {
	return "network error: " + e.Detail
}

func (e ServerError) String() string {
	if e.Status > 0 {
		return fmt.Sprintf("server error %d: %s", e.Status, e.Detail)
	}
	return "server error: " + e.Detail
}

func (NoRefreshToken) Code() errcode.Code { return errcode.AuthNoRefreshToken }
func (TokenExpired) Code() errcode.Code   { return errcode.AuthTokenExpired }
func (TokenRevoked) Code() errcode.Code   { return errcode.AuthTokenRevoked }
func (NetworkError) Code() errcode.Code   { return errcode.NetworkServerError }
func (ServerError) Code() errcode.Code    { return errcode.AuthRefreshFailed }

// RefreshFailedError carries a terminal refresh failure through error returns
type RefreshFailedError struct {
	Reason RefreshFailureReason
	Err    error
}

func (e *RefreshFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("refresh failed: %s: %v", e.Reason, e.Err)
	}
	return "refresh failed: " + e.Reason.String()
}

func (e *RefreshFailedError) Unwrap() error {
	return e.Err
}

// copy returns an error that shares no mutable state with e, so each
// waiter on a refresh may annotate its own coded error
func (e *RefreshFailedError) copy() *RefreshFailedError {
	cp := *e
	if coded, ok := e.Err.(*errcode.Error); ok {
		c := *coded
		cp.Err = &c
	}
	return &cp
}
