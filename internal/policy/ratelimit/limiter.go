// Package ratelimit implements the token bucket that paces every outbound request.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	Enabled           bool
	TokensPerInterval int
	Interval          time.Duration
	// Adaptive shrinks the effective token count on 429/503 responses and
	// grows it back after SuccessWindow consecutive successes.
	Adaptive      bool
	SuccessWindow int
	MinTokens     int
}

// Limiter is a single run-scoped throttle. It is the only place outbound
// request pacing is enforced.
type Limiter struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger

	mu        sync.Mutex
	effective int
	streak    int
	hits      int64
	requests  int64
}

// New creates a Limiter. Zero values fall back to 5 tokens per second.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokensPerInterval <= 0 {
		cfg.TokensPerInterval = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.SuccessWindow <= 0 {
		cfg.SuccessWindow = 10
	}
	if cfg.MinTokens <= 0 {
		cfg.MinTokens = 1
	}
	if cfg.MinTokens > cfg.TokensPerInterval {
		cfg.MinTokens = cfg.TokensPerInterval
	}
	l := &Limiter{
		cfg:       cfg,
		logger:    logger,
		effective: cfg.TokensPerInterval,
	}
	// Burst 1 keeps completions inside any interval at or below the token count.
	l.limiter = rate.NewLimiter(l.limitFor(cfg.TokensPerInterval), 1)
	logger.Info("rate limiter initialized",
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("tokens_per_interval", cfg.TokensPerInterval),
		zap.Duration("interval", cfg.Interval),
		zap.Bool("adaptive", cfg.Adaptive),
	)
	return l
}

// Acquire blocks until a token is available, respecting the context.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	l.requests++
	l.mu.Unlock()

	if !l.cfg.Enabled {
		return nil
	}
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

// ReportStatus feeds an HTTP status back into the adaptive window.
func (l *Limiter) ReportStatus(statusCode int) {
	switch statusCode {
	case 429, 503:
		l.shrink(statusCode)
	default:
		if statusCode >= 200 && statusCode < 400 {
			l.success()
		}
	}
}

// ReportOutcome feeds a classified failure back into the adaptive window.
func (l *Limiter) ReportOutcome(kind crawler.Kind) {
	if kind == crawler.KindSoftBlock {
		l.shrink(0)
	}
}

// Stats returns a read-only snapshot for end-of-run reporting.
func (l *Limiter) Stats() crawler.LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return crawler.LimiterStats{
		Tokens:         l.limiter.Tokens(),
		Capacity:       l.cfg.TokensPerInterval,
		RefillInterval: l.cfg.Interval,
		Concurrency:    l.effective,
		RateLimitHits:  l.hits,
		TotalRequests:  l.requests,
	}
}

func (l *Limiter) shrink(statusCode int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits++
	l.streak = 0
	metrics.ObserveRateLimitHit()
	if !l.cfg.Adaptive {
		return
	}
	next := max(l.effective/2, l.cfg.MinTokens)
	if next == l.effective {
		return
	}
	l.effective = next
	l.limiter.SetLimit(l.limitFor(next))
	l.logger.Warn("rate limit pressure detected; reducing request rate",
		zap.Int("status", statusCode),
		zap.Int("tokens_per_interval", next),
	)
}

func (l *Limiter) success() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cfg.Adaptive || l.effective >= l.cfg.TokensPerInterval {
		l.streak = 0
		return
	}
	l.streak++
	if l.streak < l.cfg.SuccessWindow {
		return
	}
	l.streak = 0
	l.effective++
	l.limiter.SetLimit(l.limitFor(l.effective))
	l.logger.Debug("rate limiter recovering", zap.Int("tokens_per_interval", l.effective))
}

func (l *Limiter) limitFor(tokens int) rate.Limit {
	return rate.Every(l.cfg.Interval / time.Duration(tokens))
}

// ParseInterval accepts second/minute/hour/day or any Go duration string.
func ParseInterval(raw string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "second", "sec", "s":
		return time.Second, nil
	case "minute", "min", "m":
		return time.Minute, nil
	case "hour", "hr", "h":
		return time.Hour, nil
	case "day", "d":
		return 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse rate limit interval %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("rate limit interval must be positive, got %s", d)
	}
	return d, nil
}
