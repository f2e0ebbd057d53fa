package session

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// Driver selects a session store backend.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
)

const defaultTimeout = 60 * time.Minute

// StoreOption configures the store factory.
type StoreOption func(*storeConfig)

type storeConfig struct {
	redisClient *redis.Client
	timeout     time.Duration
}

// WithRedisClient supplies the Redis client for the redis driver.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithTimeout sets the inactivity timeout after which sessions expire.
func WithTimeout(d time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.timeout = d
	}
}

// NewStore creates a session store for the given driver. The redis
// driver requires WithRedisClient.
func NewStore(driver Driver, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.timeout <= 0 {
		cfg.timeout = defaultTimeout
	}

	switch driver {
	case DriverMemory, "":
		return newMemoryStore(cfg.timeout), nil
	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return newRedisStore(cfg.redisClient, cfg.timeout), nil
	default:
		return nil, ErrInvalidDriver
	}
}
