package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

var fastWaits = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

// scriptedTrip replays results in order and repeats the last one.
type scriptedTrip struct {
	mu      sync.Mutex
	results []tripResult
	calls   int
}

type tripResult struct {
	resp *http.Response
	err  error
}

func (s *scriptedTrip) RoundTrip(_ *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := min(s.calls, len(s.results)-1)
	s.calls++
	return s.results[idx].resp, s.results[idx].err
}

func (s *scriptedTrip) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRobotsTransportFallsBackAfterHandshakeTimeouts(t *testing.T) {
	t.Parallel()

	base := &scriptedTrip{results: []tripResult{{err: context.DeadlineExceeded}}}
	transport := &robotsTransport{base: base, waits: fastWaits}

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, RobotsAllowAllBody, string(body))
	assert.Equal(t, handshakeFallbackCause, resp.Header.Get(crawler.RobotsFallbackHeader))
	assert.Equal(t, len(fastWaits)+1, base.count())
}

func TestRobotsTransportStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	base := &scriptedTrip{results: []tripResult{
		{err: context.DeadlineExceeded},
		{resp: httptest.NewRecorder().Result()},
	}}
	transport := &robotsTransport{base: base, waits: fastWaits}

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Empty(t, resp.Header.Get(crawler.RobotsFallbackHeader))
	assert.Equal(t, 2, base.count())
}

func TestRobotsTransportLeavesOtherFailuresAlone(t *testing.T) {
	t.Parallel()

	refused := errors.New("dial tcp: connection refused")

	page := &scriptedTrip{results: []tripResult{{err: refused}}}
	_, err := (&robotsTransport{base: page}).RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/page", nil))
	require.ErrorIs(t, err, refused)
	assert.Equal(t, 1, page.count())

	robots := &scriptedTrip{results: []tripResult{{err: refused}}}
	_, err = (&robotsTransport{base: robots}).RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.ErrorIs(t, err, refused)
	assert.Equal(t, 1, robots.count())
}

func TestRobotsTransportHonoursCancelDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	base := &scriptedTrip{results: []tripResult{{err: context.DeadlineExceeded}}}
	transport := &robotsTransport{base: base, waits: []time.Duration{time.Hour}}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil).WithContext(ctx)
	_, err := transport.RoundTrip(req)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, base.count())
}

func TestFetchSurfacesRobotsFallbackHeader(t *testing.T) {
	t.Parallel()

	base := &scriptedTrip{results: []tripResult{{err: context.DeadlineExceeded}}}
	f := New(Config{Timeout: time.Second, Transport: base, RobotsWaits: fastWaits})

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com/robots.txt"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, RobotsAllowAllBody, string(resp.Body))
	assert.Equal(t, handshakeFallbackCause, resp.Headers.Get(crawler.RobotsFallbackHeader))
}
