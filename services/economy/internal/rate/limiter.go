package rate

import (
	"context"
	"log/slog"
	"time"
)

// Limiter admits at most a fixed number of hits per key within a window.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

// Fallback asks primary first and degrades to secondary while primary errors,
// so a Redis outage never blocks logins outright.
type Fallback struct {
	primary   Limiter
	secondary Limiter
	logger    *slog.Logger
}

func NewFallback(primary, secondary Limiter, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *Fallback) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	allowed, retryAfter, err := f.primary.Allow(ctx, key, now)
	if err == nil {
		return allowed, retryAfter, nil
	}
	f.logger.Warn("rate limiter degraded to memory", "error", err)
	return f.secondary.Allow(ctx, key, now)
}
