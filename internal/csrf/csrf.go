// Package csrf issues one anti-forgery token per session and keeps it in redis.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenBytes = 32

type Store struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Store{redis: rdb, prefix: "chatrelay:csrf", ttl: ttl}
}

// Issue returns the session's token, creating it on first use.
func (s *Store) Issue(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("issue csrf token: empty session id")
	}
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	token := hex.EncodeToString(buf)

	key := s.key(sessionID)
	ok, err := s.redis.SetNX(ctx, key, token, s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("store csrf token: %w", err)
	}
	if ok {
		return token, nil
	}
	existing, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		if err := s.redis.Set(ctx, key, token, s.ttl).Err(); err != nil {
			return "", fmt.Errorf("store csrf token: %w", err)
		}
		return token, nil
	}
	if err != nil {
		return "", fmt.Errorf("load csrf token: %w", err)
	}
	return existing, nil
}

// Verify compares token to the session's token in constant time. A missing
// token or a redis failure verifies as false.
func (s *Store) Verify(ctx context.Context, sessionID, token string) bool {
	if sessionID == "" || token == "" {
		return false
	}
	want, err := s.redis.Get(ctx, s.key(sessionID)).Result()
	if err != nil || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}
