package cache

import (
	"context"
	"fmt"
	"time"
)

type Cache interface {
	// Get retrieves a value from the cache.
	Get(ctx context.Context, key string) (bool, any, error)
	// Set stores a value with a TTL. If expires is zero the configured default TTL is
	// used; NoExpiry keeps the value until it is expired explicitly.
	Set(ctx context.Context, key string, val any, expires time.Duration) error
	// Hits returns the number of times a key has been read.
	Hits(ctx context.Context, key string) (bool, int)
	// Expire removes a key from the cache.
	Expire(ctx context.Context, key string) (bool, error)
	// Close shuts down the cache.
	Close() error
}

// NoExpiry stores a value without a deadline.
const NoExpiry time.Duration = -1

// DefaultExpires is the default TTL used when Set is called with a zero duration.
const DefaultExpires = 5 * time.Minute

type value struct {
	object  any
	expires time.Time // zero means never
	hits    int
}

func (v *value) expired(now time.Time) bool {
	return !v.expires.IsZero() && v.expires.Before(now)
}

// GetTyped retrieves a value and asserts it to T.
func GetTyped[T any](ctx context.Context, c Cache, key string) (bool, T, error) {
	var zero T
	found, val, err := c.Get(ctx, key)
	if !found || err != nil {
		return false, zero, err
	}
	typed, ok := val.(T)
	if !ok {
		return false, zero, fmt.Errorf("cache: cannot convert value of type %T to %T", val, zero)
	}
	return true, typed, nil
}

type config struct {
	defaultExpires time.Duration
	expiryCheck    time.Duration
}

// Option configures a Cache implementation.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{
		defaultExpires: DefaultExpires,
		expiryCheck:    time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExpires sets the default TTL for values stored with a zero duration. Pass
// NoExpiry to keep such values forever.
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// CacheConfig configures the Exec helper.
type CacheConfig struct {
	// Expires is the TTL for cached values. Zero uses the cache default.
	Expires time.Duration
	// Key is the cache key. Required.
	Key string
}

// Invoker produces a value of type T. Returning false signals "not found" and
// nothing is cached.
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// Exec is a cache-aside helper. It returns the cached value for config.Key when
// present, otherwise calls invoke and stores a found result.
func Exec[T any](ctx context.Context, config CacheConfig, c Cache, invoke Invoker[T]) (bool, T, error) {
	var zero T
	if config.Key == "" {
		return false, zero, fmt.Errorf("cache: key is required")
	}
	found, val, err := GetTyped[T](ctx, c, config.Key)
	if err != nil {
		return false, zero, err
	}
	if found {
		return true, val, nil
	}

	result, ok, err := invoke(ctx)
	if err != nil {
		return false, zero, err
	}
	if !ok {
		return false, zero, nil
	}

	// the caller got their value even if storing it fails
	_ = c.Set(ctx, config.Key, result, config.Expires)

	return true, result, nil
}
