package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/metrics"
)

// RobotsAllowAllBody replaces a robots.txt that never got past the TLS
// handshake. Responses carrying it set crawler.RobotsFallbackHeader.
const RobotsAllowAllBody = "User-agent: *\nAllow: /"

const handshakeFallbackCause = "tls handshake timeout"

var defaultRobotsWaits = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport gives robots.txt requests one extra attempt per wait when
// the handshake times out, then answers with an allow-all document. Other
// requests go to base untouched.
type robotsTransport struct {
	base  http.RoundTripper
	waits []time.Duration
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip: %w", err)
		}
		return resp, nil
	}

	waits := t.waits
	if waits == nil {
		waits = defaultRobotsWaits
	}
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil:
			return resp, nil
		case !handshakeTimedOut(err):
			return nil, fmt.Errorf("robots.txt roundtrip: %w", err)
		case attempt == len(waits):
			metrics.ObserveRobotsFallback()
			return allowAllRobots(req), nil
		}

		timer := time.NewTimer(waits[attempt])
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, fmt.Errorf("robots.txt retry wait: %w", req.Context().Err())
		case <-timer.C:
		}
	}
}

func allowAllRobots(req *http.Request) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	h.Set(crawler.RobotsFallbackHeader, handshakeFallbackCause)
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(RobotsAllowAllBody)),
		ContentLength: int64(len(RobotsAllowAllBody)),
		Request:       req,
	}
}

func handshakeTimedOut(err error) bool {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &netErr):
		return netErr.Timeout()
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
