package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTTL bounds how long a crashed holder keeps a key locked
	DefaultTTL = 30 * time.Second
	// DefaultRetryInterval is the polling interval while waiting for a lock
	DefaultRetryInterval = 50 * time.Millisecond
	defaultKeyPrefix     = "plangate:lock:"
)

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig configures a RedisLocker
type RedisConfig struct {
	Prefix        string
	TTL           time.Duration
	RetryInterval time.Duration
}

// RedisLocker takes locks with SET NX PX and releases them with a
// compare-and-delete script, so an expired holder never frees a lock
// someone else has since acquired.
type RedisLocker struct {
	client *redis.Client
	cfg    RedisConfig
	logger logrus.FieldLogger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a RedisLocker
func NewRedisLocker(client *redis.Client, cfg RedisConfig, logger logrus.FieldLogger) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisLocker{client: client, cfg: cfg, logger: logger}
}

// Lock polls until the key is acquired or ctx ends
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := l.cfg.Prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.WithField("lock", key).WithError(err).Warn("Failed to release lock")
			}
		})
	}, nil
}
