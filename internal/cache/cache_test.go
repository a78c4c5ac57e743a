package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddttom/invisible-users-sub000/internal/clock/system"
	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	collyfetcher "github.com/ddttom/invisible-users-sub000/internal/fetcher/colly"
	"github.com/ddttom/invisible-users-sub000/internal/fetcher/headless"
	"github.com/ddttom/invisible-users-sub000/internal/network"
	"github.com/ddttom/invisible-users-sub000/internal/storage/local"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const samplePage = `<!doctype html>
<html lang="en">
<head>
  <title>Example Domain</title>
  <meta name="description" content="An example page">
  <meta name="viewport" content="width=device-width">
  <meta property="og:title" content="Example">
  <link rel="canonical" href="https://example.com/">
</head>
<body>
  <nav><a href="/about">About</a> <a href="/contact#form">Contact</a></nav>
  <main>
    <h1>Hello</h1>
    <form><label for="email">Email</label><input id="email" name="email" type="email"></form>
    <a href="https://other.example.org/">Elsewhere</a>
  </main>
</body>
</html>`

type harness struct {
	cache *Cache
	store *local.BlobStore
	dir   string
	clock *system.Fixed
}

func newHarness(t *testing.T, cfg Config, renderer Renderer) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	clock := system.NewFixed(t0)
	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second})
	exec := network.New(network.Config{MaxRetries: 1, BaseDelay: time.Millisecond}, nil, nil, nil)
	return &harness{
		cache: New(cfg, store, exec, fetcher, fetcher, renderer, clock, nil),
		store: store,
		dir:   dir,
		clock: clock,
	}
}

func (h *harness) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(h.dir, rel))
	return err == nil
}

func lastModifiedServer(t *testing.T, lastModified *time.Time) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lastModified != nil {
			w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
		}
		w.Header().Set("Content-Type", "text/html")
		if r.Method == http.MethodGet {
			gets.Add(1)
			_, _ = w.Write([]byte(samplePage))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &gets
}

func TestGenerateCacheKeyDeterministicAndDistinct(t *testing.T) {
	t.Parallel()

	assert.Equal(t, GenerateCacheKey("https://example.com/"), GenerateCacheKey("https://example.com/"))
	assert.Len(t, GenerateCacheKey("https://example.com/"), 32)

	seen := make(map[string]string)
	for i := 0; i < 2000; i++ {
		u := fmt.Sprintf("https://example.com/page/%d?ref=%d", i, i%7)
		key := GenerateCacheKey(u)
		prev, dup := seen[key]
		require.False(t, dup, "collision between %s and %s", prev, u)
		seen[key] = u
	}
}

func TestGetOrRenderFetchWritesEntryUnderHash(t *testing.T) {
	t.Parallel()

	srv, gets := lastModifiedServer(t, nil)
	h := newHarness(t, Config{}, nil)
	url := srv.URL + "/"

	res := h.cache.GetOrRender(context.Background(), url, Options{NoBrowser: true})
	require.NoError(t, res.Err)
	require.NotNil(t, res.Entry)
	assert.False(t, res.FromCache)
	assert.Equal(t, http.StatusOK, res.Entry.StatusCode)
	assert.Equal(t, crawler.RenderModeHTTP, res.Entry.RenderMode)
	assert.Equal(t, "Example Domain", res.Entry.PageData.Title)
	require.NotNil(t, res.Entry.ContentFreshness)
	assert.Equal(t, StatusPotentiallyFresh, res.Entry.ContentFreshness.FreshnessStatus)

	key := GenerateCacheKey(url)
	assert.True(t, h.exists(key+".json"))
	assert.True(t, h.exists(filepath.Join("served", key+".html")))

	again := h.cache.GetOrRender(context.Background(), url, Options{NoBrowser: true})
	require.NoError(t, again.Err)
	assert.True(t, again.FromCache)
	assert.Equal(t, int32(1), gets.Load(), "cache hit must not refetch")
	assert.Equal(t, t0, again.Entry.LastCrawled)
}

func TestGetInvalidatesWhenOriginModifiedLater(t *testing.T) {
	t.Parallel()

	modified := t0.Add(time.Hour)
	srv, _ := lastModifiedServer(t, &modified)
	h := newHarness(t, Config{}, nil)
	url := srv.URL + "/page"
	key := GenerateCacheKey(url)

	require.NoError(t, h.cache.Set(context.Background(), url, &crawler.CacheEntry{HTML: "<html></html>"}))
	for _, rel := range []string{servedPath(key), renderedPath(key), consolePath(key)} {
		_, err := h.store.PutObject(context.Background(), rel, []byte("x"))
		require.NoError(t, err)
	}

	entry, ok := h.cache.Get(context.Background(), url)
	assert.False(t, ok)
	assert.Nil(t, entry)
	for _, rel := range []string{entryPath(key), servedPath(key), renderedPath(key), consolePath(key)} {
		assert.False(t, h.exists(rel), "%s should be removed", rel)
	}
}

func TestGetKeepsEntryWhenOriginNotNewer(t *testing.T) {
	t.Parallel()

	earlier := t0.Add(-time.Hour)
	same := t0
	tests := []struct {
		name     string
		modified *time.Time
	}{
		{name: "earlier", modified: &earlier},
		{name: "equal", modified: &same},
		{name: "absent", modified: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := lastModifiedServer(t, tt.modified)
			h := newHarness(t, Config{}, nil)
			url := srv.URL + "/page"
			require.NoError(t, h.cache.Set(context.Background(), url, &crawler.CacheEntry{HTML: "<p>cached</p>"}))

			entry, ok := h.cache.Get(context.Background(), url)
			require.True(t, ok)
			assert.Equal(t, "<p>cached</p>", entry.HTML)
			assert.Equal(t, http.StatusOK, entry.StatusCode, "missing status defaults to 200")
		})
	}
}

func TestGetStalenessPolicies(t *testing.T) {
	t.Parallel()

	t.Run("missing header treated as stale", func(t *testing.T) {
		t.Parallel()
		srv, _ := lastModifiedServer(t, nil)
		h := newHarness(t, Config{MissingLastModified: PolicyStale}, nil)
		url := srv.URL + "/"
		require.NoError(t, h.cache.Set(context.Background(), url, &crawler.CacheEntry{}))
		_, ok := h.cache.Get(context.Background(), url)
		assert.False(t, ok)
	})

	t.Run("probe failure fails open", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL + "/"
		srv.Close()
		h := newHarness(t, Config{ProbeTimeout: 200 * time.Millisecond}, nil)
		require.NoError(t, h.cache.Set(context.Background(), url, &crawler.CacheEntry{}))
		_, ok := h.cache.Get(context.Background(), url)
		assert.True(t, ok)
	})

	t.Run("probe failure treated as stale", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL + "/"
		srv.Close()
		h := newHarness(t, Config{ProbeTimeout: 200 * time.Millisecond, ProbeError: PolicyStale}, nil)
		require.NoError(t, h.cache.Set(context.Background(), url, &crawler.CacheEntry{}))
		_, ok := h.cache.Get(context.Background(), url)
		assert.False(t, ok)
	})
}

func TestGetRejectsInvalidAndCorruptEntries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	_, err := h.store.PutObject(ctx, entryPath(GenerateCacheKey("https://example.com/bad")), []byte("{not json"))
	require.NoError(t, err)
	_, ok := h.cache.Get(ctx, "https://example.com/bad")
	assert.False(t, ok)

	require.NoError(t, h.cache.Set(ctx, "https://example.com/ftp", &crawler.CacheEntry{
		PageData: &crawler.PageData{TestURL: "ftp://example.com/file"},
	}))
	_, ok = h.cache.Get(ctx, "https://example.com/ftp")
	assert.False(t, ok)
}

func TestGetOrRenderCacheOnlyMiss(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	res := h.cache.GetOrRender(context.Background(), "https://example.com/", Options{CacheOnly: true})
	assert.True(t, res.NotAvailable)
	assert.Nil(t, res.Entry)
	assert.NoError(t, res.Err)
}

func TestGetOrRenderNoCacheDoesNotPersist(t *testing.T) {
	t.Parallel()

	srv, gets := lastModifiedServer(t, nil)
	h := newHarness(t, Config{}, nil)
	url := srv.URL + "/"

	for i := 0; i < 2; i++ {
		res := h.cache.GetOrRender(context.Background(), url, Options{NoBrowser: true, NoCache: true})
		require.NoError(t, res.Err)
		assert.False(t, res.FromCache)
	}
	assert.Equal(t, int32(2), gets.Load())
	assert.False(t, h.exists(GenerateCacheKey(url)+".json"))
}

func TestGetOrRenderFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/"
	srv.Close()
	h := newHarness(t, Config{}, nil)

	res := h.cache.GetOrRender(context.Background(), url, Options{NoBrowser: true})
	require.Error(t, res.Err)
	assert.Nil(t, res.Entry)
	assert.False(t, h.exists(GenerateCacheKey(url)+".json"))
}

type fakeRenderer struct {
	result headless.RenderResult
	err    error
	calls  int
}

func (f *fakeRenderer) Render(_ context.Context, url string, _ headless.RenderOptions) (headless.RenderResult, error) {
	f.calls++
	if f.err != nil {
		return headless.RenderResult{}, f.err
	}
	res := f.result
	res.URL = url
	return res, nil
}

func TestGetOrRenderBrowserPathWritesCompanions(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{result: headless.RenderResult{
		StatusCode:   http.StatusOK,
		Headers:      http.Header{"Content-Type": {"text/html"}},
		ServedHTML:   `<html><body><div id="app"></div></body></html>`,
		RenderedHTML: `<html><body><div id="app"><span class="price">$19.99</span></div></body></html>`,
		Console: []headless.ConsoleMessage{
			{Time: t0, Type: "error", Text: "boom"},
		},
		JSErrors:    []string{"boom"},
		Performance: &crawler.Performance{LoadTime: 120, DOMContentLoaded: 80},
		Dynamism:    &crawler.Dynamism{Detected: true, UniqueStates: 2},
		Mode:        crawler.RenderModeBrowser,
	}}
	h := newHarness(t, Config{}, renderer)
	url := "https://shop.example.com/item"

	res := h.cache.GetOrRender(context.Background(), url, Options{})
	require.NoError(t, res.Err)
	require.NotNil(t, res.Entry.Pricing)
	assert.True(t, res.Entry.Pricing.JSDependent)
	assert.Equal(t, []string{"boom"}, res.Entry.JSErrors)
	assert.Equal(t, crawler.RenderModeBrowser, res.Entry.RenderMode)
	require.NotNil(t, res.Entry.Dynamism)
	assert.Equal(t, 2, res.Entry.Dynamism.UniqueStates)

	key := GenerateCacheKey(url)
	for _, rel := range []string{entryPath(key), servedPath(key), renderedPath(key), consolePath(key)} {
		assert.True(t, h.exists(rel), "%s should exist", rel)
	}
	log, err := h.store.GetObject(context.Background(), consolePath(key))
	require.NoError(t, err)
	assert.Equal(t, "[2024-05-01T12:00:00Z] [ERROR] boom", string(log))
}

func TestGetOrRenderBrowserError(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{err: errors.New("unsupported page payload")}
	h := newHarness(t, Config{}, renderer)
	res := h.cache.GetOrRender(context.Background(), "https://example.com/", Options{})
	require.Error(t, res.Err)
	assert.Equal(t, 1, renderer.calls)
}
