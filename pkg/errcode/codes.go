// Package errcode defines the closed catalog of error codes shared by every
// layer of the request pipeline.
//
// Numeric identifiers are logged and tracked outside this module. They are
// stable: a number is never reassigned, and retired codes stay reserved.
package errcode

import (
	"fmt"
	"net/http"
)

// Category groups codes by numeric range
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNetwork
	CategoryAuth
	CategoryValidation
	CategoryBusiness
	CategorySystem
)

// String returns the category name
func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryAuth:
		return "auth"
	case CategoryValidation:
		return "validation"
	case CategoryBusiness:
		return "business"
	case CategorySystem:
		return "system"
	default:
		return "unknown"
	}
}

// Code is a stable numeric error identifier
type Code int

// Network errors (1000-1999)
const (
	NetworkConnectionTimeout Code = 1001
	NetworkNoConnection      Code = 1002
	NetworkDNSFailure        Code = 1003
	NetworkSSLError          Code = 1004
	NetworkConnectionReset   Code = 1005
	NetworkServerError       Code = 1006
	NetworkRequestCancelled  Code = 1007
)

// Authentication errors (2000-2999)
const (
	AuthUnauthorized       Code = 2001
	AuthForbidden          Code = 2002
	AuthTokenExpired       Code = 2003
	AuthTokenInvalid       Code = 2004
	AuthTokenRevoked       Code = 2005
	AuthRefreshFailed      Code = 2006
	AuthNoRefreshToken     Code = 2007
	AuthInvalidCredentials Code = 2008
	AuthMFARequired        Code = 2009
)

// Validation errors (3000-3999)
const (
	ValidationInvalidInput  Code = 3001
	ValidationMissingField  Code = 3002
	ValidationInvalidFormat Code = 3003
	ValidationOutOfRange    Code = 3004
	ValidationUnprocessable Code = 3005
)

// Business errors (4000-4999)
const (
	BusinessResourceNotFound     Code = 4001
	BusinessConflict             Code = 4002
	BusinessRateLimitExceeded    Code = 4003
	BusinessExternalServiceError Code = 4004
	BusinessPreconditionFailed   Code = 4005
	BusinessResourceGone         Code = 4006
)

// System errors (5000-5999)
const (
	SystemInternalError      Code = 5001
	SystemServiceUnavailable Code = 5002
	SystemNotImplemented     Code = 5003
	SystemSerializationError Code = 5004
	SystemStorageError       Code = 5005
	SystemUnknownError       Code = 5999
)

type descriptor struct {
	name        string
	description string
	httpStatus  int
	retryable   bool
}

var catalog = map[Code]descriptor{
	NetworkConnectionTimeout: {"NETWORK_CONNECTION_TIMEOUT", "Connection timed out", http.StatusRequestTimeout, true},
	NetworkNoConnection:      {"NETWORK_NO_CONNECTION", "No network connection", 0, true},
	NetworkDNSFailure:        {"NETWORK_DNS_FAILURE", "Host name could not be resolved", 0, true},
	NetworkSSLError:          {"NETWORK_SSL_ERROR", "TLS handshake or certificate failure", 0, false},
	NetworkConnectionReset:   {"NETWORK_CONNECTION_RESET", "Connection refused, reset or closed", 0, true},
	NetworkServerError:       {"NETWORK_SERVER_ERROR", "Transport failed while talking to the server", 0, true},
	NetworkRequestCancelled:  {"NETWORK_REQUEST_CANCELLED", "Request was cancelled", 0, false},

	AuthUnauthorized:       {"AUTH_UNAUTHORIZED", "Authentication required", http.StatusUnauthorized, false},
	AuthForbidden:          {"AUTH_FORBIDDEN", "Access denied", http.StatusForbidden, false},
	AuthTokenExpired:       {"AUTH_TOKEN_EXPIRED", "Token has expired", 0, false},
	AuthTokenInvalid:       {"AUTH_TOKEN_INVALID", "Token is invalid", 0, false},
	AuthTokenRevoked:       {"AUTH_TOKEN_REVOKED", "Token has been revoked", 0, false},
	AuthRefreshFailed:      {"AUTH_REFRESH_FAILED", "Token refresh failed", 0, false},
	AuthNoRefreshToken:     {"AUTH_NO_REFRESH_TOKEN", "No refresh token available", 0, false},
	AuthInvalidCredentials: {"AUTH_INVALID_CREDENTIALS", "Invalid login credentials", 0, false},
	AuthMFARequired:        {"AUTH_MFA_REQUIRED", "Multi-factor authentication required", 0, false},

	ValidationInvalidInput:  {"VALIDATION_INVALID_INPUT", "Invalid input", http.StatusBadRequest, false},
	ValidationMissingField:  {"VALIDATION_MISSING_FIELD", "Required field is missing", 0, false},
	ValidationInvalidFormat: {"VALIDATION_INVALID_FORMAT", "Value has an invalid format", 0, false},
	ValidationOutOfRange:    {"VALIDATION_OUT_OF_RANGE", "Value is out of range", 0, false},
	ValidationUnprocessable: {"VALIDATION_UNPROCESSABLE", "Request could not be processed", http.StatusUnprocessableEntity, false},

	BusinessResourceNotFound:     {"BUSINESS_RESOURCE_NOT_FOUND", "Resource not found", http.StatusNotFound, false},
	BusinessConflict:             {"BUSINESS_CONFLICT", "Resource conflict", http.StatusConflict, false},
	BusinessRateLimitExceeded:    {"BUSINESS_RATE_LIMIT_EXCEEDED", "Rate limit exceeded", http.StatusTooManyRequests, true},
	BusinessExternalServiceError: {"BUSINESS_EXTERNAL_SERVICE_ERROR", "Upstream service failed", http.StatusBadGateway, true},
	BusinessPreconditionFailed:   {"BUSINESS_PRECONDITION_FAILED", "Precondition failed", http.StatusPreconditionFailed, false},
	BusinessResourceGone:         {"BUSINESS_RESOURCE_GONE", "Resource no longer exists", http.StatusGone, false},

	SystemInternalError:      {"SYSTEM_INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError, false},
	SystemServiceUnavailable: {"SYSTEM_SERVICE_UNAVAILABLE", "Service unavailable", http.StatusServiceUnavailable, true},
	SystemNotImplemented:     {"SYSTEM_NOT_IMPLEMENTED", "Not implemented", http.StatusNotImplemented, false},
	SystemSerializationError: {"SYSTEM_SERIALIZATION_ERROR", "Payload could not be encoded or decoded", 0, false},
	SystemStorageError:       {"SYSTEM_STORAGE_ERROR", "Persistent storage failure", 0, false},
	SystemUnknownError:       {"SYSTEM_UNKNOWN_ERROR", "Unknown error", 0, false},
}

// statusCodes maps HTTP statuses onto the closest code. Statuses shared by
// several entries are listed explicitly here instead of being derived.
var statusCodes = map[int]Code{
	http.StatusBadRequest:          ValidationInvalidInput,
	http.StatusUnauthorized:        AuthUnauthorized,
	http.StatusForbidden:           AuthForbidden,
	http.StatusNotFound:            BusinessResourceNotFound,
	http.StatusRequestTimeout:      NetworkConnectionTimeout,
	http.StatusConflict:            BusinessConflict,
	http.StatusGone:                BusinessResourceGone,
	http.StatusPreconditionFailed:  BusinessPreconditionFailed,
	http.StatusUnprocessableEntity: ValidationUnprocessable,
	http.StatusTooManyRequests:     BusinessRateLimitExceeded,
	http.StatusInternalServerError: SystemInternalError,
	http.StatusNotImplemented:      SystemNotImplemented,
	http.StatusBadGateway:          BusinessExternalServiceError,
	http.StatusServiceUnavailable:  SystemServiceUnavailable,
	http.StatusGatewayTimeout:      BusinessExternalServiceError,
}

// FromHTTPStatus maps a status code to the closest catalog entry.
// Unmapped 5xx statuses become SystemInternalError, anything else unmapped
// becomes SystemUnknownError.
func FromHTTPStatus(status int) Code {
	if c, ok := statusCodes[status]; ok {
		return c
	}
	if status >= 500 && status <= 599 {
		return SystemInternalError
	}
	return SystemUnknownError
}

// Lookup finds a code by its symbolic name
func Lookup(name string) (Code, bool) {
	for c, d := range catalog {
		if d.name == name {
			return c, true
		}
	}
	return 0, false
}

// Codes returns every code in the catalog
func Codes() []Code {
	codes := make([]Code, 0, len(catalog))
	for c := range catalog {
		codes = append(codes, c)
	}
	return codes
}

// Known reports whether c is part of the catalog
func (c Code) Known() bool {
	_, ok := catalog[c]
	return ok
}

// Category derives the category from the numeric range
func (c Code) Category() Category {
	switch {
	case c >= 1000 && c < 2000:
		return CategoryNetwork
	case c >= 2000 && c < 3000:
		return CategoryAuth
	case c >= 3000 && c < 4000:
		return CategoryValidation
	case c >= 4000 && c < 5000:
		return CategoryBusiness
	case c >= 5000 && c < 6000:
		return CategorySystem
	default:
		return CategoryUnknown
	}
}

// Name returns the stable symbolic name
func (c Code) Name() string {
	if d, ok := catalog[c]; ok {
		return d.name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Description returns a human-readable description
func (c Code) Description() string {
	if d, ok := catalog[c]; ok {
		return d.description
	}
	return catalog[SystemUnknownError].description
}

// HTTPStatus returns the associated HTTP status, if any
func (c Code) HTTPStatus() (int, bool) {
	d, ok := catalog[c]
	if !ok || d.httpStatus == 0 {
		return 0, false
	}
	return d.httpStatus, true
}

// Retryable reports whether an operation failing with this code may succeed
// when repeated
func (c Code) Retryable() bool {
	return catalog[c].retryable
}

// String implements fmt.Stringer
func (c Code) String() string {
	return fmt.Sprintf("%s(%d)", c.Name(), int(c))
}
