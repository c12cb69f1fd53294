package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

const (
	defaultTTL        = 30 * time.Second
	defaultRetryDelay = 50 * time.Millisecond
	defaultPrefix     = "dealflow:lock:"
	releaseTimeout    = 2 * time.Second
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	TTL        time.Duration
	RetryDelay time.Duration
	Prefix     string
	Logger     *slog.Logger
}

// Locker is a Redis SET NX lease shared by every api and worker process.
type Locker struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retryDelay time.Duration
	prefix     string
	logger     *slog.Logger
}

func New(client redis.UniversalClient, opts Options) *Locker {
	l := &Locker{
		client:     client,
		ttl:        opts.TTL,
		retryDelay: opts.RetryDelay,
		prefix:     opts.Prefix,
		logger:     opts.Logger,
	}
	if l.ttl <= 0 {
		l.ttl = defaultTTL
	}
	if l.retryDelay <= 0 {
		l.retryDelay = defaultRetryDelay
	}
	if l.prefix == "" {
		l.prefix = defaultPrefix
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, domain.WrapError(domain.ErrTemporary, "acquire lock", fmt.Errorf("%s: %w", key, err))
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Locker) releaser(redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("lock_release_failed", "key", redisKey, "error", err)
			}
		})
	}
}
