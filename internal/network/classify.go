package network

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

var challengeMarkers = []string{"cloudflare", "cf-chl", "just a moment", "challenge-platform"}

var blockMarkers = []string{"blocked", "denied", "restricted", "rate limit", "captcha"}

var networkMarkers = []string{
	"enotfound",
	"econnreset",
	"econnrefused",
	"etimedout",
	"ehostunreach",
	"enetunreach",
	"eai_again",
	"net::err_",
	"no such host",
	"connection reset",
	"connection refused",
	"i/o timeout",
	"network is unreachable",
	"host is unreachable",
	"tls handshake timeout",
}

// Classify maps the outcome of one attempt onto an error kind. A nil
// error with a non-blocking response yields KindUnknown, which callers
// treat as success. Checks run in order: bot challenge, soft block,
// network error.
func Classify(resp crawler.FetchResponse, err error) crawler.Kind {
	if IsBotChallenge(resp) {
		return crawler.KindBotChallenge
	}
	if isSoftBlock(resp, err) {
		return crawler.KindSoftBlock
	}
	if err != nil && isNetworkError(err) {
		return crawler.KindNetwork
	}
	return crawler.KindUnknown
}

// IsBotChallenge reports whether resp is an interactive anti-bot page: a
// 403 carrying a cf-ray header and a recognizable challenge body.
func IsBotChallenge(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusForbidden || resp.Headers.Get("cf-ray") == "" {
		return false
	}
	return containsAny(strings.ToLower(string(resp.Body)), challengeMarkers)
}

func isSoftBlock(resp crawler.FetchResponse, err error) bool {
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), blockMarkers)
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, code := range []syscall.Errno{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.ETIMEDOUT,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
	} {
		if errors.Is(err, code) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), networkMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
