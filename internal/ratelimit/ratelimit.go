package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
)

// Window is the sliding period the hourly limit counts over.
const Window = time.Hour

type TurnCounter interface {
	CountUserTurnsSince(ctx context.Context, userID int64, since int64) (int64, error)
}

type Config struct {
	Counter  TurnCounter
	FailOpen bool
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Limiter struct {
	counter  TurnCounter
	failOpen bool
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		counter:  cfg.Counter,
		failOpen: cfg.FailOpen,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
}

// Check reports whether userID has sent fewer than perHour messages in the
// last hour. When the count cannot be read the configured policy decides.
func (l *Limiter) Check(ctx context.Context, userID int64, perHour int) bool {
	since := l.now().Add(-Window).Unix()
	count, err := l.counter.CountUserTurnsSince(ctx, userID, since)
	if err != nil {
		l.logger.Error().Err(err).Int64("user_id", userID).Bool("fail_open", l.failOpen).Msg("rate limit count failed")
		if l.metrics != nil {
			if l.failOpen {
				l.metrics.RateLimitFailOpen.Inc()
			} else {
				l.metrics.RateLimitDenied.Inc()
			}
		}
		return l.failOpen
	}
	if count < int64(perHour) {
		return true
	}
	if l.metrics != nil {
		l.metrics.RateLimitDenied.Inc()
	}
	return false
}
