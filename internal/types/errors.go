package types

import (
	"errors"
)

// Common errors
var (
	// ErrNotAuthenticated is returned when authentication is required
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSessionExpired is wrapped into the final 401 of an authenticated
	// request once the token could not be renewed
	ErrSessionExpired = errors.New("session expired")

	// ErrManagerClosed is returned once the token manager has been closed
	ErrManagerClosed = errors.New("token manager closed")
)
