// Package shutdown persists partial crawl results exactly once when the
// process is interrupted or a panic escapes the crawl driver.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

// Reason names what triggered a shutdown.
type Reason string

// Shutdown reasons.
const (
	ReasonSignal Reason = "signal"
	ReasonPanic  Reason = "panic"
)

// ExitCode maps a reason to the process exit status.
func (r Reason) ExitCode() int {
	if r == ReasonSignal {
		return 130
	}
	return 1
}

// Flusher writes results at the report boundary.
type Flusher func(ctx context.Context, results *crawler.CrawlResults) error

// Provider returns the in-progress results, or false when there are none.
type Provider func() (*crawler.CrawlResults, bool)

// Config controls the shutdown sequence.
type Config struct {
	// GraceDelay is slept after flushing so buffered log output drains.
	GraceDelay time.Duration
	// FlushTimeout bounds the flush.
	FlushTimeout time.Duration
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(c *Coordinator) { c.exit = exit }
}

type hook struct {
	name string
	fn   func()
}

// Coordinator is the process-wide shutdown latch.
type Coordinator struct {
	cfg    Config
	flush  Flusher
	logger *zap.Logger
	exit   func(code int)

	once     sync.Once
	latched  atomic.Bool
	signaled atomic.Bool

	mu       sync.Mutex
	provider Provider
	hooks    []hook
}

// New builds a Coordinator.
func New(cfg Config, flush Flusher, logger *zap.Logger, opts ...Option) *Coordinator {
	if cfg.GraceDelay < 0 {
		cfg.GraceDelay = 0
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:    cfg,
		flush:  flush,
		logger: logger.Named("shutdown"),
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Track registers the current results provider. A nil provider means
// there is nothing to save.
func (c *Coordinator) Track(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = p
}

// OnTeardown registers fn to run, in registration order, before results
// are flushed.
func (c *Coordinator) OnTeardown(name string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook{name: name, fn: fn})
}

// Latched reports whether shutdown has begun.
func (c *Coordinator) Latched() bool {
	return c.latched.Load()
}

// Notify returns a context canceled on SIGINT or SIGTERM. A received signal
// is recorded before the context is canceled and triggers the shutdown
// sequence. Calling stop releases the signal handler; it never undoes a
// signal that was already delivered.
func (c *Coordinator) Notify(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			c.signaled.Store(true)
			cancel()
			c.logger.Info("received termination signal, saving data before exit", zap.String("signal", sig.String()))
			c.Trigger(ReasonSignal)
		case <-done:
		case <-ctx.Done():
		}
	}()
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
			cancel()
		})
	}
}

// Signaled reports whether a termination signal has been received.
func (c *Coordinator) Signaled() bool {
	return c.signaled.Load()
}

// Guard runs fn, converting an escaping panic into a shutdown and an error.
func (c *Coordinator) Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if st, ok := r.(interface{ PanicStack() []byte }); ok {
				stack = st.PanicStack()
			}
			c.logger.Error("panic in crawl driver",
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
			err = fmt.Errorf("crawl panicked: %v", r)
			c.Trigger(ReasonPanic)
		}
	}()
	return fn()
}

// Trigger runs the shutdown sequence once. Concurrent and later calls block
// until the first has finished, exit included.
func (c *Coordinator) Trigger(reason Reason) {
	c.once.Do(func() {
		c.latched.Store(true)
		c.logger.Info("shutting down", zap.String("reason", string(reason)))

		c.mu.Lock()
		hooks := append([]hook(nil), c.hooks...)
		provider := c.provider
		c.mu.Unlock()

		for _, h := range hooks {
			c.runHook(h)
		}
		c.save(provider)

		_ = c.logger.Sync()
		if c.cfg.GraceDelay > 0 {
			time.Sleep(c.cfg.GraceDelay)
		}
		c.exit(reason.ExitCode())
	})
}

func (c *Coordinator) runHook(h hook) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("teardown hook panicked", zap.String("hook", h.name), zap.Any("panic", r))
		}
	}()
	h.fn()
	c.logger.Debug("teardown hook finished", zap.String("hook", h.name))
}

func (c *Coordinator) save(provider Provider) {
	var (
		results *crawler.CrawlResults
		ok      bool
	)
	if provider != nil {
		results, ok = provider()
	}
	if !ok || results == nil || results.Empty() {
		c.logger.Warn("no results to save during shutdown")
		return
	}
	if c.flush == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushTimeout)
	defer cancel()
	if err := c.flush(ctx, results.Snapshot()); err != nil {
		c.logger.Error("error saving data during shutdown", zap.Error(err))
		return
	}
	c.logger.Info("all data saved successfully", zap.Int("urls", results.Processed()))
}
