// Package memory provides the in-process crawl frontier.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

// Errors returned by Next when no further target will be handed out.
var (
	ErrDrained      = errors.New("frontier drained")
	ErrStopped      = errors.New("frontier stopped")
	ErrLimitReached = errors.New("frontier limit reached")
)

// Stats is a point-in-time view of the frontier.
type Stats struct {
	Queued    int `json:"queued"`
	InFlight  int `json:"inFlight"`
	Completed int `json:"completed"`
	Seen      int `json:"seen"`
	Started   int `json:"started"`
	Limit     int `json:"limit"`
}

// Frontier is a FIFO of crawl targets deduplicated by normalized URL.
// A URL is handed out at most once per frontier.
type Frontier struct {
	mu       sync.Mutex
	items    []crawler.CrawlTarget
	seen     map[string]struct{}
	done     map[string]struct{}
	inFlight int
	started  int
	limit    int
	stopped  bool
	changed  chan struct{}
}

// NewFrontier constructs an empty frontier. limit caps how many targets
// Next hands out; zero or negative means unlimited.
func NewFrontier(limit int) *Frontier {
	return &Frontier{
		seen:    make(map[string]struct{}),
		done:    make(map[string]struct{}),
		limit:   limit,
		changed: make(chan struct{}),
	}
}

// Key returns the dedup key of a URL.
func Key(rawURL string) string {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	return key
}

// Push appends target unless its URL was already seen. It reports whether
// the target was added.
func (f *Frontier) Push(target crawler.CrawlTarget) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	key := Key(target.URL)
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}
	f.items = append(f.items, target)
	f.notifyLocked()
	return true
}

// Seen reports whether a URL was queued or completed.
func (f *Frontier) Seen(rawURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[Key(rawURL)]
	return ok
}

// Completed reports whether a URL reached a terminal state.
func (f *Frontier) Completed(rawURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.done[Key(rawURL)]
	return ok
}

// Next blocks until a target is available and marks it in flight. It
// returns ErrDrained once the queue is empty with nothing in flight.
func (f *Frontier) Next(ctx context.Context) (crawler.CrawlTarget, error) {
	for {
		f.mu.Lock()
		if f.stopped {
			f.mu.Unlock()
			return crawler.CrawlTarget{}, ErrStopped
		}
		if f.limit > 0 && f.started >= f.limit {
			f.mu.Unlock()
			return crawler.CrawlTarget{}, ErrLimitReached
		}
		for len(f.items) > 0 {
			target := f.items[0]
			f.items = f.items[1:]
			if _, ok := f.done[Key(target.URL)]; ok {
				continue
			}
			f.inFlight++
			f.started++
			f.mu.Unlock()
			return target, nil
		}
		if f.inFlight == 0 {
			f.mu.Unlock()
			return crawler.CrawlTarget{}, ErrDrained
		}
		wait := f.changed
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.CrawlTarget{}, fmt.Errorf("frontier wait canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// MarkDone records a target handed out by Next as terminal.
func (f *Frontier) MarkDone(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := Key(rawURL)
	if _, ok := f.done[key]; ok {
		return
	}
	f.done[key] = struct{}{}
	if f.inFlight > 0 {
		f.inFlight--
	}
	f.notifyLocked()
}

// Stop latches the frontier: Next and Push refuse further work.
func (f *Frontier) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	f.notifyLocked()
}

// Stopped reports whether Stop was called.
func (f *Frontier) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// Len returns the number of queued targets.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Stats returns counters for the status API.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Queued:    len(f.items),
		InFlight:  f.inFlight,
		Completed: len(f.done),
		Seen:      len(f.seen),
		Started:   f.started,
		Limit:     f.limit,
	}
}

// notifyLocked wakes every Next waiting on a change.
func (f *Frontier) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}
