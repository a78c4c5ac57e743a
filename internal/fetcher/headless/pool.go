package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/metrics"
)

// ErrPoolShuttingDown is returned to waiting and future callers once
// Shutdown has been called.
var ErrPoolShuttingDown = errors.New("browser pool is shutting down")

// ErrPoolNotReady is returned by Execute before a successful Initialize.
var ErrPoolNotReady = errors.New("browser pool not initialized")

// Task runs against a fresh tab context.
type Task func(tabCtx context.Context) error

// PoolConfig controls the pool size and how its browsers are launched.
type PoolConfig struct {
	Size   int
	Launch LaunchOptions
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Size       int `json:"size"`
	Open       int `json:"open"`
	Idle       int `json:"idle"`
	CheckedOut int `json:"checkedOut"`
}

// Pool holds a fixed set of browser instances. Waiters are served in FIFO
// order and never more than Size instances are checked out at once.
type Pool struct {
	cfg      PoolConfig
	launcher Launcher
	logger   *zap.Logger
	sem      *semaphore.Weighted

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	mu          sync.Mutex
	all         []Instance
	idle        []Instance
	checkedOut  int
	initialized bool
	closed      bool
}

// NewPool constructs an uninitialized pool.
func NewPool(cfg PoolConfig, launcher Launcher, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Size <= 0 {
		cfg.Size = 3
	}
	if launcher == nil {
		launcher = ChromeLauncher{}
	}
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:            cfg,
		launcher:       launcher,
		logger:         logger.Named("browser_pool"),
		sem:            semaphore.NewWeighted(int64(cfg.Size)),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}
}

// Initialize launches Size browsers in parallel. If any launch fails, every
// instance that did start is closed and no partial pool remains.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShuttingDown
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	var (
		launchedMu sync.Mutex
		launched   []Instance
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Size; i++ {
		g.Go(func() error {
			inst, err := p.launcher.Launch(gctx, p.cfg.Launch)
			if err != nil {
				return fmt.Errorf("launch browser %d: %w", i, err)
			}
			launchedMu.Lock()
			launched = append(launched, inst)
			launchedMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.closeAll(launched)
		p.logger.Error("browser pool initialization failed", zap.Error(err))
		return &crawler.Error{Kind: crawler.KindPoolExhausted, Op: "initialize browser pool", Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go p.closeAll(launched)
		return ErrPoolShuttingDown
	}
	p.all = launched
	p.idle = append([]Instance(nil), launched...)
	p.initialized = true
	p.logger.Info("browser pool initialized", zap.Int("size", p.cfg.Size))
	return nil
}

// Ready reports whether Execute can serve tasks.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized && !p.closed
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Execute borrows an instance, runs task in a new tab and returns the
// instance. The tab is closed on every exit path.
func (p *Pool) Execute(ctx context.Context, task Task) error {
	if p.Closed() {
		return ErrPoolShuttingDown
	}
	if !p.Ready() {
		return ErrPoolNotReady
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.shutdownCtx, cancel)
	defer stop()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if p.Closed() {
			return ErrPoolShuttingDown
		}
		return crawler.NewError(crawler.KindCanceled, "wait for browser", err)
	}
	defer p.sem.Release(1)

	inst, err := p.checkout()
	if err != nil {
		return err
	}
	defer p.checkin(inst)

	tabCtx, closeTab := inst.NewTab()
	defer closeTab()
	stopTab := context.AfterFunc(waitCtx, closeTab)
	defer stopTab()

	return task(tabCtx)
}

func (p *Pool) checkout() (Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolShuttingDown
	}
	if len(p.idle) == 0 {
		// The semaphore admits at most Size holders, so this is a bookkeeping bug.
		return nil, &crawler.Error{Kind: crawler.KindPoolExhausted, Op: "checkout browser", Msg: "no idle browser"}
	}
	inst := p.idle[0]
	p.idle = p.idle[1:]
	p.checkedOut++
	metrics.IncBrowserCheckouts()
	return inst, nil
}

func (p *Pool) checkin(inst Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkedOut--
	metrics.DecBrowserCheckouts()
	if p.closed {
		return
	}
	p.idle = append(p.idle, inst)
}

// Stats returns the current pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:       p.cfg.Size,
		Open:       len(p.all),
		Idle:       len(p.idle),
		CheckedOut: p.checkedOut,
	}
}

// Shutdown latches the pool, rejects waiters and closes every instance.
// It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	instances := p.all
	p.all = nil
	p.idle = nil
	p.mu.Unlock()

	p.shutdownCancel()
	p.closeAll(instances)
	p.logger.Info("browser pool shut down", zap.Int("closed", len(instances)))
}

func (p *Pool) closeAll(instances []Instance) {
	for _, inst := range instances {
		if err := inst.Close(); err != nil {
			p.logger.Warn("failed to close browser", zap.Error(err))
		}
	}
}
