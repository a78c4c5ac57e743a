package shutdown

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/results"
)

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
	done  chan struct{}
}

func newExitRecorder() *exitRecorder {
	return &exitRecorder{done: make(chan struct{}, 1)}
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	e.codes = append(e.codes, code)
	e.mu.Unlock()
	select {
	case e.done <- struct{}{}:
	default:
	}
}

func (e *exitRecorder) calls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func twoPageResults() *crawler.CrawlResults {
	r := crawler.NewCrawlResults("run", time.Unix(0, 0).UTC())
	r.RecordPage(crawler.PageRecord{URL: "https://example.com/a", StatusCode: 200})
	r.RecordPage(crawler.PageRecord{URL: "https://example.com/b", StatusCode: 200})
	return r
}

// Not parallel: delivers a real SIGINT to the test process.
func TestSignalWritesPartialResults(t *testing.T) {
	dir := t.TempDir()
	store := results.New(dir, nil)
	rec := newExitRecorder()
	c := New(Config{}, store.Flush, nil, WithExit(rec.exit))

	r := twoPageResults()
	c.Track(func() (*crawler.CrawlResults, bool) { return r, true })
	var tornDown atomic.Bool
	c.OnTeardown("pool", func() { tornDown.Store(true) })

	ctx, stop := c.Notify(context.Background())
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not run after SIGINT")
	}
	assert.Error(t, ctx.Err())
	assert.True(t, c.Latched())
	stop()
	assert.True(t, c.Signaled(), "releasing the handler keeps the delivered signal")
	assert.True(t, tornDown.Load())
	assert.Equal(t, []int{130}, rec.calls())

	data, err := os.ReadFile(store.Path(results.ResultsFile))
	require.NoError(t, err)
	var saved crawler.CrawlResults
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, saved.URLs)
	assert.Equal(t, results.SchemaVersion, saved.SchemaVersion)
}

func TestTriggerFlushesExactlyOnce(t *testing.T) {
	t.Parallel()

	var flushes atomic.Int32
	rec := newExitRecorder()
	c := New(Config{}, func(context.Context, *crawler.CrawlResults) error {
		flushes.Add(1)
		return nil
	}, nil, WithExit(rec.exit))
	r := twoPageResults()
	c.Track(func() (*crawler.CrawlResults, bool) { return r, true })

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Trigger(ReasonSignal)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), flushes.Load())
	assert.Equal(t, []int{130}, rec.calls())
}

func TestTriggerWithoutResultsWritesNothing(t *testing.T) {
	t.Parallel()

	var flushed atomic.Bool
	rec := newExitRecorder()
	c := New(Config{}, func(context.Context, *crawler.CrawlResults) error {
		flushed.Store(true)
		return nil
	}, nil, WithExit(rec.exit))

	c.Track(func() (*crawler.CrawlResults, bool) {
		return crawler.NewCrawlResults("run", time.Now()), true
	})
	c.Trigger(ReasonSignal)

	assert.False(t, flushed.Load())
	assert.Len(t, rec.calls(), 1)
}

func TestTriggerSurvivesFlushAndHookFailures(t *testing.T) {
	t.Parallel()

	rec := newExitRecorder()
	c := New(Config{}, func(context.Context, *crawler.CrawlResults) error {
		return errors.New("disk full")
	}, nil, WithExit(rec.exit))
	r := twoPageResults()
	c.Track(func() (*crawler.CrawlResults, bool) { return r, true })
	c.OnTeardown("broken", func() { panic("boom") })

	c.Trigger(ReasonSignal)
	assert.Equal(t, []int{130}, rec.calls())
}

func TestGuardRecoversPanic(t *testing.T) {
	t.Parallel()

	var flushes atomic.Int32
	rec := newExitRecorder()
	c := New(Config{}, func(context.Context, *crawler.CrawlResults) error {
		flushes.Add(1)
		return nil
	}, nil, WithExit(rec.exit))
	r := twoPageResults()
	c.Track(func() (*crawler.CrawlResults, bool) { return r, true })

	err := c.Guard(func() error { panic("driver exploded") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver exploded")
	assert.Equal(t, int32(1), flushes.Load())
	assert.Equal(t, []int{1}, rec.calls())
}

func TestGuardPassesThroughErrors(t *testing.T) {
	t.Parallel()

	rec := newExitRecorder()
	c := New(Config{}, nil, nil, WithExit(rec.exit))
	want := errors.New("plain failure")

	assert.ErrorIs(t, c.Guard(func() error { return want }), want)
	assert.False(t, c.Latched())
	assert.Empty(t, rec.calls())
}

func TestNotifyStopDoesNotTrigger(t *testing.T) {
	t.Parallel()

	rec := newExitRecorder()
	c := New(Config{}, nil, nil, WithExit(rec.exit))
	_, stop := c.Notify(context.Background())
	stop()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Latched())
	assert.False(t, c.Signaled())
	assert.Empty(t, rec.calls())
}
