package headless

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// StealthUserAgent is the desktop Chrome identity presented by stealth tabs.
const StealthUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

const stealthScript = `(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
  Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
  Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
  if (!window.chrome) {
    window.chrome = { runtime: {} };
  }
})();`

// StealthConfig bounds the human-like pauses around an operation.
type StealthConfig struct {
	DelayMin time.Duration
	DelayMax time.Duration
}

// Stealth masks automation fingerprints on a tab. It is safe for
// concurrent use.
type Stealth struct {
	cfg StealthConfig

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewStealth builds a Stealth. A nil src draws from a time-seeded PCG.
func NewStealth(cfg StealthConfig, src rand.Source) *Stealth {
	if cfg.DelayMin <= 0 {
		cfg.DelayMin = 500 * time.Millisecond
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin + time.Second
	}
	if src == nil {
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now>>1|1)
	}
	return &Stealth{cfg: cfg, rnd: rand.New(src)}
}

// Headers are sent with every request of a stealth tab.
func (s *Stealth) Headers() network.Headers {
	return network.Headers{
		"Accept-Language": "en-US,en;q=0.9",
		"Accept-Encoding": "gzip, deflate, br",
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8",
		"Referer":         "https://www.google.com/",
		"Connection":      "keep-alive",
	}
}

// Viewport returns a randomized desktop viewport near 1920x1080.
func (s *Stealth) Viewport() (width, height int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 1920 + s.rnd.Int64N(100), 1080 + s.rnd.Int64N(100)
}

// NextDelay returns a pause within [DelayMin, DelayMax).
func (s *Stealth) NextDelay() time.Duration {
	span := s.cfg.DelayMax - s.cfg.DelayMin
	if span <= 0 {
		return s.cfg.DelayMin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DelayMin + time.Duration(s.rnd.Int64N(int64(span)))
}

// Between returns a random duration within [lo, hi).
func (s *Stealth) Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + time.Duration(s.rnd.Int64N(int64(hi-lo)))
}

// Delay sleeps for NextDelay or until ctx is done.
func (s *Stealth) Delay(ctx context.Context) error {
	timer := time.NewTimer(s.NextDelay())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply returns the action that configures a tab before navigation.
func (s *Stealth) Apply() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx); err != nil {
			return fmt.Errorf("install stealth script: %w", err)
		}
		if err := emulation.SetUserAgentOverride(StealthUserAgent).
			WithAcceptLanguage("en-US,en").
			WithPlatform("Win32").
			Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if err := network.SetExtraHTTPHeaders(s.Headers()).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		width, height := s.Viewport()
		if err := emulation.SetDeviceMetricsOverride(width, height, 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}
