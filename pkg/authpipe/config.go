package authpipe

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/eshaffer321/authpipe/internal/transport"
	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RetryPolicy decides which transport failures are retried and how long
// to wait between attempts
type RetryPolicy = transport.RetryPolicy

// DefaultRetryPolicy retries idempotent requests on timeouts, resets and
// 408/429/502/503/504, three attempts with linear backoff
func DefaultRetryPolicy() RetryPolicy {
	return transport.DefaultRetryPolicy()
}

// NoRetryPolicy sends every request exactly once
func NoRetryPolicy() RetryPolicy {
	return transport.NoRetryPolicy()
}

// ClientOptions configures the client
type ClientOptions struct {
	// BaseURL overrides the default API base URL
	BaseURL string

	// HTTPClient allows using a custom HTTP client
	HTTPClient *http.Client

	// Timeout sets the HTTP client timeout
	Timeout time.Duration

	// Headers are added to every request
	Headers map[string]string

	// DeviceID is sent as the device-uuid header; generated when empty
	DeviceID string

	// Logger for debug logging
	Logger Logger

	// RetryPolicy configures transport retries; nil disables them
	RetryPolicy *RetryPolicy

	// Refresh tunes the token manager
	Refresh RefreshConfig

	// Store persists the credential. Defaults to a FileStore when
	// SessionFile is set, otherwise to memory.
	Store KVStore

	// SessionFile path for session persistence
	SessionFile string

	// Codec encodes credential records and Call payloads. Defaults to JSON.
	Codec Codec

	// Interceptors are merged into the built-in chain by order
	Interceptors []Interceptor

	// MetricsRegisterer enables Prometheus metrics when set
	MetricsRegisterer prometheus.Registerer

	// SentryDSN enables Sentry error tracking when set
	SentryDSN string

	// SentryOptions allows custom Sentry configuration
	SentryOptions *sentry.ClientOptions

	// Clock overrides time.Now
	Clock func() time.Time
}

// FileConfig is the YAML representation of ClientOptions
type FileConfig struct {
	BaseURL     string            `yaml:"base_url"`
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
	DeviceID    string            `yaml:"device_id"`
	SessionFile string            `yaml:"session_file"`
	Codec       string            `yaml:"codec"`
	LogLevel    string            `yaml:"log_level"`

	Refresh struct {
		Threshold        time.Duration `yaml:"threshold"`
		MaxRetryAttempts int           `yaml:"max_retry_attempts"`
		BackoffBase      time.Duration `yaml:"backoff_base"`
		BackoffMax       time.Duration `yaml:"backoff_max"`
	} `yaml:"refresh"`

	Retry *struct {
		MaxAttempts        int           `yaml:"max_attempts"`
		BackoffBase        time.Duration `yaml:"backoff_base"`
		BackoffMax         time.Duration `yaml:"backoff_max"`
		Statuses           []int         `yaml:"statuses"`
		RetryNonIdempotent bool          `yaml:"retry_non_idempotent"`
	} `yaml:"retry"`

	Redis *struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	Sentry struct {
		DSN         string `yaml:"dsn"`
		Environment string `yaml:"environment"`
	} `yaml:"sentry"`
}

// LoadConfig reads a YAML config file. Environment variables in the file
// are expanded before parsing.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	return &cfg, nil
}

// ClientOptions converts the file config into client options. A Redis
// section dials the server, so ctx bounds the connection check.
func (f *FileConfig) ClientOptions(ctx context.Context) (*ClientOptions, error) {
	opts := &ClientOptions{
		BaseURL:     f.BaseURL,
		Timeout:     f.Timeout,
		Headers:     f.Headers,
		DeviceID:    f.DeviceID,
		SessionFile: f.SessionFile,
		SentryDSN:   f.Sentry.DSN,
	}

	if f.Sentry.Environment != "" {
		opts.SentryOptions = &sentry.ClientOptions{Environment: f.Sentry.Environment}
	}

	if f.LogLevel != "" {
		level, err := logrus.ParseLevel(f.LogLevel)
		if err != nil {
			return nil, errors.Wrap(err, "invalid log_level")
		}
		l := logrus.New()
		l.SetLevel(level)
		opts.Logger = NewLogrusLogger(l)
	}

	switch strings.ToLower(f.Codec) {
	case "", "json":
		opts.Codec = JSONCodec{}
	case "cbor":
		codec, err := NewCBORCodec()
		if err != nil {
			return nil, err
		}
		opts.Codec = codec
	default:
		return nil, errors.Errorf("unknown codec %q", f.Codec)
	}

	opts.Refresh = RefreshConfig{
		Threshold:        f.Refresh.Threshold,
		MaxRetryAttempts: f.Refresh.MaxRetryAttempts,
	}
	if f.Refresh.BackoffBase > 0 {
		opts.Refresh.Delay = transport.ExponentialBackoff(f.Refresh.BackoffBase, f.Refresh.BackoffMax)
	}

	if f.Retry != nil {
		policy := DefaultRetryPolicy()
		if f.Retry.MaxAttempts > 0 {
			policy.MaxAttempts = f.Retry.MaxAttempts
		}
		if f.Retry.BackoffBase > 0 {
			policy.DelayForAttempt = transport.LinearBackoff(f.Retry.BackoffBase, f.Retry.BackoffMax)
		}
		if len(f.Retry.Statuses) > 0 {
			policy.RetryOnStatus = transport.RetryStatuses(f.Retry.Statuses...)
		}
		policy.RetryNonIdempotent = f.Retry.RetryNonIdempotent
		opts.RetryPolicy = &policy
	}

	if f.Redis != nil && f.Redis.Addr != "" {
		store, err := DialRedisStore(ctx, f.Redis.Addr, f.Redis.Password, f.Redis.DB, &RedisStoreOptions{
			Prefix: f.Redis.Prefix,
			TTL:    f.Redis.TTL,
		})
		if err != nil {
			return nil, err
		}
		opts.Store = store
	}

	return opts, nil
}
