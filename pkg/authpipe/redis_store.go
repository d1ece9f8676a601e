package authpipe

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps values in Redis, letting several processes share one
// session
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisStoreOptions configures a RedisStore
type RedisStoreOptions struct {
	// Prefix is prepended to every key
	Prefix string

	// TTL expires stored values; zero keeps them forever
	TTL time.Duration
}

// NewRedisStore wraps an existing client
func NewRedisStore(client redis.UniversalClient, opts *RedisStoreOptions) *RedisStore {
	if opts == nil {
		opts = &RedisStoreOptions{}
	}
	return &RedisStore{
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
	}
}

// DialRedisStore connects to addr and verifies the connection
func DialRedisStore(ctx context.Context, addr, password string, db int, opts *RedisStoreOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, pkgerrors.Wrap(err, "failed to connect to Redis")
	}

	return NewRedisStore(client, opts), nil
}

func (s *RedisStore) GetString(ctx context.Context, key, def string) (string, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return def, nil
		}
		return def, pkgerrors.Wrap(err, "failed to get key")
	}
	return val, nil
}

func (s *RedisStore) PutString(ctx context.Context, key, value string) error {
	if value == "" {
		if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
			return pkgerrors.Wrap(err, "failed to delete key")
		}
		return nil
	}
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return pkgerrors.Wrap(err, "failed to set key")
	}
	return nil
}

// Close releases the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
