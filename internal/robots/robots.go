// Package robots evaluates robots.txt rules, fetched once per host.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

// Summary describes the rules loaded for one host.
type Summary struct {
	Host     string
	Found    bool
	Basis    crawler.RobotsBasis
	Sitemaps []string
}

// Policy implements crawler.RobotsPolicy. Hosts without usable rules allow
// everything, and the verdict names why.
type Policy struct {
	fetcher   crawler.Fetcher
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger

	cache sync.Map // host -> hostRules
	mu    sync.Mutex
}

type hostRules struct {
	data  *robotstxt.RobotsData
	basis crawler.RobotsBasis
}

// New builds a Policy fetching robots.txt through fetcher.
func New(fetcher crawler.Fetcher, userAgent string, timeout time.Duration, logger *zap.Logger) *Policy {
	if userAgent == "" {
		userAgent = "*"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		fetcher:   fetcher,
		userAgent: userAgent,
		timeout:   timeout,
		logger:    logger.Named("robots"),
	}
}

// Load fetches and caches the rules for rawURL's host ahead of crawling.
func (p *Policy) Load(ctx context.Context, rawURL string) (Summary, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Summary{}, fmt.Errorf("robots: invalid url %q", rawURL)
	}
	rules := p.rules(ctx, u)
	s := Summary{
		Host:  strings.ToLower(u.Host),
		Found: rules.data != nil,
		Basis: rules.basis,
	}
	if rules.data != nil {
		s.Sitemaps = append(s.Sitemaps, rules.data.Sitemaps...)
	}
	return s, nil
}

// Allowed reports whether rawURL may be crawled by the configured agent.
func (p *Policy) Allowed(ctx context.Context, rawURL string) bool {
	return p.Check(ctx, rawURL).Allowed
}

// Check evaluates rawURL for the configured agent. Relative or unparseable
// URLs are refused with an empty basis.
func (p *Policy) Check(ctx context.Context, rawURL string) crawler.RobotsVerdict {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return crawler.RobotsVerdict{}
	}
	rules := p.rules(ctx, u)
	verdict := crawler.RobotsVerdict{Allowed: true, Basis: rules.basis}
	if rules.data == nil {
		return verdict
	}
	group := rules.data.FindGroup(p.userAgent)
	if group == nil {
		return verdict
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	verdict.Allowed = group.Test(path)
	return verdict
}

func (p *Policy) rules(ctx context.Context, u *url.URL) hostRules {
	host := strings.ToLower(u.Host)
	if v, ok := p.cache.Load(host); ok {
		return v.(hostRules)
	}

	// One fetch per host even under concurrent callers.
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.cache.Load(host); ok {
		return v.(hostRules)
	}

	rules, err := p.fetch(ctx, u.Scheme+"://"+u.Host+"/robots.txt")
	if err != nil {
		p.logger.Warn("robots fetch failed, allowing access", zap.String("host", host), zap.Error(err))
		if ctx.Err() != nil {
			return rules
		}
	}
	p.cache.Store(host, rules)
	return rules
}

func (p *Policy) fetch(ctx context.Context, robotsURL string) (hostRules, error) {
	unavailable := hostRules{basis: crawler.RobotsBasisUnavailable}
	p.logger.Info("fetching robots.txt", zap.String("url", robotsURL))
	resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     robotsURL,
		Timeout: p.timeout,
	})
	switch {
	case err != nil:
		return unavailable, fmt.Errorf("fetch robots.txt: %w", err)
	case resp.Headers.Get(crawler.RobotsFallbackHeader) != "":
		p.logger.Warn("robots.txt unreachable, treating as allow-all",
			zap.String("url", robotsURL),
			zap.String("cause", resp.Headers.Get(crawler.RobotsFallbackHeader)),
		)
		return hostRules{basis: crawler.RobotsBasisFallback}, nil
	case resp.StatusCode == http.StatusNotFound:
		p.logger.Info("robots.txt not found, allowing all urls", zap.String("url", robotsURL))
		return hostRules{basis: crawler.RobotsBasisMissing}, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return unavailable, fmt.Errorf("robots.txt returned status %d", resp.StatusCode)
	}
	data, err := robotstxt.FromBytes(resp.Body)
	if err != nil {
		return unavailable, fmt.Errorf("parse robots.txt: %w", err)
	}
	p.logger.Info("robots.txt loaded", zap.String("url", robotsURL), zap.Int("sitemaps", len(data.Sitemaps)))
	return hostRules{data: data, basis: crawler.RobotsBasisRules}, nil
}
