// Package userlock serializes one user's turns across processes with a
// short-lived redis lock.
package userlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrBusy = errors.New("user lock busy")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type Config struct {
	Prefix       string
	TTL          time.Duration
	Wait         time.Duration
	PollInterval time.Duration
}

type Locker struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

func New(rdb *redis.Client, cfg Config) *Locker {
	if cfg.Prefix == "" {
		cfg.Prefix = "chatrelay:lock:user"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Locker{redis: rdb, prefix: cfg.Prefix, ttl: cfg.TTL, wait: cfg.Wait, poll: cfg.PollInterval}
}

// Acquire blocks up to the configured wait for the user's lock. The returned
// release only deletes the key while it still holds this caller's token.
func (l *Locker) Acquire(ctx context.Context, userID int64) (func(), error) {
	key := fmt.Sprintf("%s:%d", l.prefix, userID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire user lock: %w", err)
		}
		if ok {
			return func() {
				// The request context may already be done.
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, l.redis, []string{key}, token).Err()
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
