package crawler

import (
	"context"
	"net/http"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Prober issues a lightweight existence check and returns response headers.
type Prober interface {
	Head(ctx context.Context, url string, timeout time.Duration) (int, http.Header, error)
}

// Limiter paces outbound requests and learns from their outcome.
type Limiter interface {
	Acquire(ctx context.Context) error
	ReportStatus(statusCode int)
	ReportOutcome(kind Kind)
	Stats() LimiterStats
}

// RobotsPolicy answers whether a URL may be crawled and on what basis.
type RobotsPolicy interface {
	Check(ctx context.Context, rawURL string) RobotsVerdict
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
