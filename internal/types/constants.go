package types

import (
	"time"
)

const (
	// DefaultBaseURL is the default backend base URL
	DefaultBaseURL = "https://api.example.com"

	// DefaultTimeout is the default HTTP client timeout
	DefaultTimeout = 30 * time.Second

	// UserAgent is the user agent string
	UserAgent = "authpipe-go/1.0.0"

	// ClientPlatform identifies this SDK to the backend
	ClientPlatform = "go"

	// ContentTypeJSON is the default payload content type
	ContentTypeJSON = "application/json"

	// HeaderAuthorization carries the access token
	HeaderAuthorization = "Authorization"

	// HeaderRequestID carries the per-request correlation id
	HeaderRequestID = "X-Request-ID"

	// HeaderDeviceUUID identifies the installation
	HeaderDeviceUUID = "device-uuid"
)
