package headless

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

// RunOptions selects where a task runs.
type RunOptions struct {
	// Visible requests a headed browser, which the pool never provides.
	Visible bool
}

// Runner sends tasks to the pool when it is usable and otherwise launches
// a one-shot browser for the task.
type Runner struct {
	pool     *Pool
	launcher Launcher
	base     LaunchOptions
	logger   *zap.Logger
}

// NewRunner wraps pool. A nil pool means every task runs on demand.
func NewRunner(pool *Pool, launcher Launcher, base LaunchOptions, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if launcher == nil {
		launcher = ChromeLauncher{}
	}
	return &Runner{pool: pool, launcher: launcher, base: base, logger: logger.Named("browser_runner")}
}

// Run executes task on a pooled tab or, in degraded mode, a dedicated browser.
func (r *Runner) Run(ctx context.Context, opts RunOptions, task Task) error {
	if r.pool != nil {
		if r.pool.Closed() {
			return ErrPoolShuttingDown
		}
		if !opts.Visible && r.pool.Ready() {
			err := r.pool.Execute(ctx, task)
			if !errors.Is(err, ErrPoolNotReady) {
				return err
			}
		}
	}
	return r.runOnce(ctx, opts, task)
}

func (r *Runner) runOnce(ctx context.Context, opts RunOptions, task Task) error {
	launch := r.base
	launch.Headless = r.base.Headless && !opts.Visible
	r.logger.Debug("launching on-demand browser", zap.Bool("headless", launch.Headless))

	inst, err := r.launcher.Launch(ctx, launch)
	if err != nil {
		return &crawler.Error{Kind: crawler.KindPoolExhausted, Op: "launch on-demand browser", Err: err}
	}
	defer func() {
		if cerr := inst.Close(); cerr != nil {
			r.logger.Warn("failed to close on-demand browser", zap.Error(cerr))
		}
	}()

	tabCtx, closeTab := inst.NewTab()
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	return task(tabCtx)
}

// Shutdown closes the underlying pool, if any.
func (r *Runner) Shutdown() {
	if r.pool != nil {
		r.pool.Shutdown()
	}
}

// Stats returns pool occupancy, or zero values without a pool.
func (r *Runner) Stats() PoolStats {
	if r.pool == nil {
		return PoolStats{}
	}
	return r.pool.Stats()
}
