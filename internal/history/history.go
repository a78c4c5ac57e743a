// Package history keeps one summary per crawl run so consecutive runs of the
// same site can be compared.
package history

import (
	"context"
	"net/http"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

// RunSummary is the persisted digest of one run.
type RunSummary struct {
	RunID       string    `json:"runId"`
	Source      string    `json:"source"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	URLs        []string  `json:"urls"`
	Failed      []string  `json:"failed"`
	Succeeded   int       `json:"succeeded"`
	SuccessRate float64   `json:"successRate"`
}

// Store persists run summaries.
type Store interface {
	Save(ctx context.Context, s RunSummary) error
	// Previous returns the latest summary for source started before the
	// given time, or nil when there is none.
	Previous(ctx context.Context, source string, before time.Time) (*RunSummary, error)
	Close() error
}

// Summarize digests results for storage.
func Summarize(source string, r *crawler.CrawlResults, finished time.Time) RunSummary {
	snap := r.Snapshot()
	s := RunSummary{
		RunID:      snap.RunID,
		Source:     source,
		StartedAt:  snap.StartedAt.UTC(),
		FinishedAt: finished.UTC(),
		URLs:       slices.Clone(snap.URLs),
		Failed:     make([]string, 0, len(snap.FailedURLs)),
	}
	if s.URLs == nil {
		s.URLs = []string{}
	}
	for _, f := range snap.FailedURLs {
		s.Failed = append(s.Failed, f.URL)
	}
	for _, p := range snap.Pages {
		if p.StatusCode == http.StatusOK {
			s.Succeeded++
		}
	}
	if len(s.URLs) > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(len(s.URLs))
	}
	return s
}

// Comparison is the difference between two runs.
type Comparison struct {
	NewURLs          []string
	RemovedURLs      []string
	NewlyFailing     []string
	Recovered        []string
	SuccessRateDelta float64
}

// Changed reports whether anything differs.
func (c Comparison) Changed() bool {
	return len(c.NewURLs)+len(c.RemovedURLs)+len(c.NewlyFailing)+len(c.Recovered) > 0 || c.SuccessRateDelta != 0
}

// Compare diffs cur against prev.
func Compare(prev, cur RunSummary) Comparison {
	prevURLs, curURLs := set(prev.URLs), set(cur.URLs)
	prevFailed, curFailed := set(prev.Failed), set(cur.Failed)
	return Comparison{
		NewURLs:          minus(curURLs, prevURLs),
		RemovedURLs:      minus(prevURLs, curURLs),
		NewlyFailing:     minus(curFailed, prevFailed),
		Recovered:        intersect(minus(prevFailed, curFailed), curURLs),
		SuccessRateDelta: cur.SuccessRate - prev.SuccessRate,
	}
}

// Log writes a one-line summary of c, plus the newly failing URLs.
func (c Comparison) Log(logger *zap.Logger, prev RunSummary) {
	logger.Info("compared with previous run",
		zap.String("previous_run", prev.RunID),
		zap.Time("previous_started", prev.StartedAt),
		zap.Int("new_urls", len(c.NewURLs)),
		zap.Int("removed_urls", len(c.RemovedURLs)),
		zap.Int("newly_failing", len(c.NewlyFailing)),
		zap.Int("recovered", len(c.Recovered)),
		zap.Float64("success_rate_delta", c.SuccessRateDelta),
	)
	if len(c.NewlyFailing) > 0 {
		logger.Warn("urls failing since previous run", zap.Strings("urls", c.NewlyFailing))
	}
}

func set(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func minus(a, b map[string]struct{}) []string {
	out := []string{}
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func intersect(items []string, in map[string]struct{}) []string {
	out := []string{}
	for _, it := range items {
		if _, ok := in[it]; ok {
			out = append(out, it)
		}
	}
	return out
}
