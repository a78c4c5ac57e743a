// Package network wraps single network operations with pacing, retry with
// exponential backoff, error classification and stealth escalation.
package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/metrics"
)

// Operation performs one attempt. It must honor ctx.
type Operation func(ctx context.Context) (crawler.FetchResponse, error)

// Escalator renders a URL through a stealth-configured browser. visible
// requests a non-headless window.
type Escalator interface {
	Escalate(ctx context.Context, url string, visible bool) (crawler.FetchResponse, error)
}

// Config controls the retry budget.
type Config struct {
	// MaxRetries is the total number of attempts per call.
	MaxRetries int
	// BaseDelay is the first backoff; each later one doubles it.
	BaseDelay time.Duration
}

type state int

const (
	stateAttempting state = iota
	stateRetrying
	stateEscalating
	stateSucceeded
	statePermanentlyFailed
)

func (s state) String() string {
	switch s {
	case stateAttempting:
		return "attempting"
	case stateRetrying:
		return "retrying"
	case stateEscalating:
		return "escalating"
	case stateSucceeded:
		return "succeeded"
	case statePermanentlyFailed:
		return "permanently_failed"
	default:
		return "unknown"
	}
}

// Executor runs operations under the retry state machine.
type Executor struct {
	cfg       Config
	limiter   crawler.Limiter
	escalator Escalator
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// New builds an Executor. escalator may be nil, in which case blocked
// operations fail permanently instead of escalating.
func New(cfg Config, limiter crawler.Limiter, escalator Escalator, logger *zap.Logger) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:       cfg,
		limiter:   limiter,
		escalator: escalator,
		logger:    logger.Named("network"),
		sleep:     sleepContext,
	}
}

// Backoff returns the delay after the given zero-based failed attempt.
func (e *Executor) Backoff(retry int) time.Duration {
	return e.cfg.BaseDelay << retry
}

// call is the per-invocation state of the machine.
type call struct {
	name    string
	url     string
	state   state
	attempt int
	kind    crawler.Kind
	resp    crawler.FetchResponse
	err     error
	visible bool
}

// Execute runs op until it succeeds, fails permanently or escalates.
func (e *Executor) Execute(ctx context.Context, name, url string, op Operation) (crawler.FetchResponse, error) {
	c := &call{name: name, url: url, state: stateAttempting}
	for {
		switch c.state {
		case stateAttempting:
			e.attempt(ctx, c, op)
		case stateRetrying:
			e.retry(ctx, c)
		case stateEscalating:
			e.escalate(ctx, c)
		case stateSucceeded:
			return c.resp, nil
		case statePermanentlyFailed:
			return crawler.FetchResponse{}, c.err
		}
	}
}

func (e *Executor) attempt(ctx context.Context, c *call, op Operation) {
	if e.limiter != nil {
		if err := e.limiter.Acquire(ctx); err != nil {
			e.cancel(c, err)
			return
		}
	}
	c.attempt++
	resp, err := op(ctx)
	if ctx.Err() != nil {
		e.cancel(c, ctx.Err())
		return
	}
	c.resp, c.err = resp, err
	c.kind = Classify(resp, err)
	e.report(resp, c.kind)
	metrics.ObserveFetchAttempt(outcomeLabel(c.kind, err))

	switch c.kind {
	case crawler.KindBotChallenge:
		e.logger.Info("bot challenge detected, escalating to visible browser",
			zap.String("op", c.name), zap.String("url", c.url))
		c.visible = true
		c.state = stateEscalating
	case crawler.KindSoftBlock, crawler.KindNetwork:
		if c.attempt < e.cfg.MaxRetries {
			c.state = stateRetrying
			return
		}
		if c.kind == crawler.KindSoftBlock {
			e.logger.Warn("retries exhausted on blocked request, escalating to stealth browser",
				zap.String("op", c.name), zap.String("url", c.url), zap.Int("attempts", c.attempt))
			c.state = stateEscalating
			return
		}
		c.err = &crawler.Error{
			Kind:     crawler.KindPermanent,
			Op:       c.name,
			URL:      c.url,
			Attempts: c.attempt,
			Msg:      fmt.Sprintf("network operation failed after %d attempts: %v", c.attempt, err),
			Err:      err,
		}
		c.state = statePermanentlyFailed
	default:
		if err != nil {
			c.state = statePermanentlyFailed
			return
		}
		c.state = stateSucceeded
	}
}

func (e *Executor) retry(ctx context.Context, c *call) {
	delay := e.Backoff(c.attempt - 1)
	e.logger.Warn("retrying operation",
		zap.String("op", c.name),
		zap.String("url", c.url),
		zap.Stringer("kind", c.kind),
		zap.Int("attempt", c.attempt),
		zap.Duration("delay", delay),
	)
	if err := e.sleep(ctx, delay); err != nil {
		e.cancel(c, err)
		return
	}
	c.state = stateAttempting
}

func (e *Executor) escalate(ctx context.Context, c *call) {
	fail := func(cause error) {
		err := &crawler.Error{
			Kind:     crawler.KindPermanent,
			Op:       c.name,
			URL:      c.url,
			Attempts: c.attempt,
			Err:      cause,
		}
		if c.visible {
			err.Msg = crawler.CloudflareBypassMessage
		}
		c.err = err
		c.state = statePermanentlyFailed
	}
	if e.escalator == nil {
		fail(c.err)
		return
	}
	resp, err := e.escalator.Escalate(ctx, c.url, c.visible)
	if ctx.Err() != nil {
		e.cancel(c, ctx.Err())
		return
	}
	if err == nil {
		if kind := Classify(resp, nil); kind == crawler.KindBotChallenge || kind == crawler.KindSoftBlock {
			err = fmt.Errorf("escalated render still blocked (status %d)", resp.StatusCode)
		}
	}
	if err != nil {
		e.logger.Error("stealth escalation failed",
			zap.String("op", c.name), zap.String("url", c.url), zap.Bool("visible", c.visible), zap.Error(err))
		fail(err)
		return
	}
	e.report(resp, crawler.KindUnknown)
	c.resp = resp
	c.state = stateSucceeded
}

func (e *Executor) cancel(c *call, cause error) {
	if !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: %w", context.Canceled, cause)
	}
	c.err = &crawler.Error{Kind: crawler.KindCanceled, Op: c.name, URL: c.url, Attempts: c.attempt, Err: cause}
	c.state = statePermanentlyFailed
}

func (e *Executor) report(resp crawler.FetchResponse, kind crawler.Kind) {
	if e.limiter == nil {
		return
	}
	if kind == crawler.KindSoftBlock {
		e.limiter.ReportOutcome(kind)
		return
	}
	if resp.StatusCode > 0 {
		e.limiter.ReportStatus(resp.StatusCode)
	}
}

func outcomeLabel(kind crawler.Kind, err error) string {
	if kind == crawler.KindUnknown {
		if err != nil {
			return "unclassified"
		}
		return "success"
	}
	return kind.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
