package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

var t0 = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func TestSummarize(t *testing.T) {
	t.Parallel()

	r := crawler.NewCrawlResults("run-1", t0)
	r.RecordPage(crawler.PageRecord{URL: "https://a/1", StatusCode: 200})
	r.RecordPage(crawler.PageRecord{URL: "https://a/2", StatusCode: 404})
	r.RecordFailure("https://a/3", "timeout")
	r.RecordPage(crawler.PageRecord{URL: "https://a/4", StatusCode: 200})

	s := Summarize("https://a/sitemap.xml", r, t0.Add(time.Minute))
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, "https://a/sitemap.xml", s.Source)
	assert.Equal(t, []string{"https://a/1", "https://a/2", "https://a/3", "https://a/4"}, s.URLs)
	assert.Equal(t, []string{"https://a/3"}, s.Failed)
	assert.Equal(t, 2, s.Succeeded)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
	assert.Equal(t, t0.Add(time.Minute), s.FinishedAt)
}

func TestSummarizeEmpty(t *testing.T) {
	t.Parallel()

	s := Summarize("src", crawler.NewCrawlResults("r", t0), t0)
	assert.Empty(t, s.URLs)
	assert.NotNil(t, s.URLs)
	assert.Zero(t, s.SuccessRate)
}

func TestCompare(t *testing.T) {
	t.Parallel()

	prev := RunSummary{
		RunID:       "prev",
		URLs:        []string{"a", "b", "c", "d"},
		Failed:      []string{"b", "d"},
		SuccessRate: 0.5,
	}
	cur := RunSummary{
		URLs:        []string{"a", "b", "c", "e"},
		Failed:      []string{"c"},
		SuccessRate: 0.75,
	}
	c := Compare(prev, cur)
	assert.Equal(t, []string{"e"}, c.NewURLs)
	assert.Equal(t, []string{"d"}, c.RemovedURLs)
	assert.Equal(t, []string{"c"}, c.NewlyFailing)
	assert.Equal(t, []string{"b"}, c.Recovered)
	assert.InDelta(t, 0.25, c.SuccessRateDelta, 1e-9)
	assert.True(t, c.Changed())

	assert.False(t, Compare(cur, cur).Changed())
}

func TestComparisonLog(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	c := Comparison{NewlyFailing: []string{"x"}}
	c.Log(zap.New(core), RunSummary{RunID: "prev"})

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "compared with previous run", logs.All()[0].Message)
	assert.Equal(t, "urls failing since previous run", logs.All()[1].Message)
}

func TestJSONStorePrevious(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "history")
	store := NewJSONStore(dir)

	prev, err := store.Previous(ctx, "site", t0)
	require.NoError(t, err)
	assert.Nil(t, prev)

	require.NoError(t, store.Save(ctx, RunSummary{RunID: "r1", Source: "site", StartedAt: t0}))
	require.NoError(t, store.Save(ctx, RunSummary{RunID: "r2", Source: "site", StartedAt: t0.Add(time.Hour)}))
	require.NoError(t, store.Save(ctx, RunSummary{RunID: "r3", Source: "other", StartedAt: t0.Add(2 * time.Hour)}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "results-garbage.json"), []byte("{}"), 0o600))

	_, err = os.Stat(filepath.Join(dir, "results-2024-05-01T09-30-00.000Z.json"))
	require.NoError(t, err)

	prev, err = store.Previous(ctx, "site", t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "r2", prev.RunID)

	prev, err = store.Previous(ctx, "site", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "r1", prev.RunID)

	prev, err = store.Previous(ctx, "other", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, prev)
	require.NoError(t, store.Close())
}
