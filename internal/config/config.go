// Package config loads and validates webaudit configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ddttom/invisible-users-sub000/internal/policy/ratelimit"
)

// Config captures all run configuration knobs loaded via Viper.
type Config struct {
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Network   NetworkConfig   `mapstructure:"network"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Output    OutputConfig    `mapstructure:"output"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
}

// CrawlConfig governs the queue and per-URL retry behavior.
type CrawlConfig struct {
	Sitemap        string        `mapstructure:"sitemap"`
	Count          int           `mapstructure:"count"`
	Recursive      bool          `mapstructure:"recursive"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	IncludeLLMsTxt bool          `mapstructure:"include_llms_txt"`
	AllLanguages   bool          `mapstructure:"include_all_languages"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// CacheConfig controls the on-disk content cache.
type CacheConfig struct {
	Dir                 string        `mapstructure:"dir"`
	ForceDelete         bool          `mapstructure:"force_delete"`
	NoCache             bool          `mapstructure:"no_cache"`
	CacheOnly           bool          `mapstructure:"cache_only"`
	NoBrowser           bool          `mapstructure:"no_browser"`
	StaleProbeTimeout   time.Duration `mapstructure:"stale_probe_timeout"`
	MissingLastModified string        `mapstructure:"missing_last_modified"`
	ProbeError          string        `mapstructure:"probe_error"`
}

// RateLimitConfig configures the run-scoped token bucket.
type RateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	TokensPerInterval int    `mapstructure:"tokens_per_interval"`
	Interval          string `mapstructure:"interval"`
	Adaptive          bool   `mapstructure:"adaptive"`
	SuccessWindow     int    `mapstructure:"success_window"`
	MinTokens         int    `mapstructure:"min_tokens"`
}

// NetworkConfig configures the executor retry loop and timeouts.
type NetworkConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
}

// BrowserConfig configures the headless browser pool and render probes.
type BrowserConfig struct {
	PoolSize        int           `mapstructure:"pool_size"`
	Headless        bool          `mapstructure:"headless"`
	ExecPath        string        `mapstructure:"exec_path"`
	StealthDelayMin time.Duration `mapstructure:"stealth_delay_min"`
	StealthDelayMax time.Duration `mapstructure:"stealth_delay_max"`
	DynamismProbe   bool          `mapstructure:"dynamism_probe"`
	DynamismMinWait time.Duration `mapstructure:"dynamism_min_wait"`
	DynamismMaxWait time.Duration `mapstructure:"dynamism_max_wait"`
}

// OutputConfig sets where results and run history land.
type OutputConfig struct {
	Dir          string `mapstructure:"dir"`
	History      string `mapstructure:"history"`
	HistoryDSN   string `mapstructure:"history_dsn"`
	HistoryTable string `mapstructure:"history_table"`
}

// ServerConfig controls the optional status API.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ShutdownConfig tunes the interrupt path.
type ShutdownConfig struct {
	GraceDelay time.Duration `mapstructure:"grace_delay"`
}

// History backends accepted by output.history.
const (
	HistoryNone     = "none"
	HistoryJSON     = "json"
	HistorySQLite   = "sqlite"
	HistoryPostgres = "postgres"
)

// Cache staleness policies.
const (
	PolicyFresh = "fresh"
	PolicyStale = "stale"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWithFlags(path, nil, nil)
}

// LoadWithFlags builds a Config where explicitly set CLI flags override
// file and environment values. bindings maps config keys to flag names.
func LoadWithFlags(path string, flags *pflag.FlagSet, bindings map[string]string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for key, name := range bindings {
			flag := flags.Lookup(name)
			if flag == nil {
				return Config{}, fmt.Errorf("bind flag %q: not defined", name)
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %q: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.sitemap", "")
	v.SetDefault("crawl.count", -1)
	v.SetDefault("crawl.recursive", true)
	v.SetDefault("crawl.max_retries", 3)
	v.SetDefault("crawl.retry_delay", 5*time.Second)
	v.SetDefault("crawl.include_llms_txt", true)
	v.SetDefault("crawl.include_all_languages", false)
	v.SetDefault("crawl.respect_robots", false)
	v.SetDefault("crawl.user_agent", "webaudit/1.0")
	v.SetDefault("cache.dir", ".cache")
	v.SetDefault("cache.force_delete", false)
	v.SetDefault("cache.no_cache", false)
	v.SetDefault("cache.cache_only", false)
	v.SetDefault("cache.no_browser", false)
	v.SetDefault("cache.stale_probe_timeout", 5*time.Second)
	v.SetDefault("cache.missing_last_modified", PolicyFresh)
	v.SetDefault("cache.probe_error", PolicyFresh)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.tokens_per_interval", 5)
	v.SetDefault("rate_limit.interval", "second")
	v.SetDefault("rate_limit.adaptive", true)
	v.SetDefault("rate_limit.success_window", 10)
	v.SetDefault("rate_limit.min_tokens", 1)
	v.SetDefault("network.max_retries", 3)
	v.SetDefault("network.base_delay", time.Second)
	v.SetDefault("network.http_timeout", 30*time.Second)
	v.SetDefault("network.nav_timeout", 45*time.Second)
	v.SetDefault("browser.pool_size", 3)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.stealth_delay_min", 500*time.Millisecond)
	v.SetDefault("browser.stealth_delay_max", 1500*time.Millisecond)
	v.SetDefault("browser.dynamism_probe", true)
	v.SetDefault("browser.dynamism_min_wait", 2*time.Second)
	v.SetDefault("browser.dynamism_max_wait", 5*time.Second)
	v.SetDefault("output.dir", "results")
	v.SetDefault("output.history", HistoryNone)
	v.SetDefault("output.history_dsn", "")
	v.SetDefault("output.history_table", "crawl_runs")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 9090)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("shutdown.grace_delay", 100*time.Millisecond)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Browser.PoolSize <= 0 {
		return errors.New("browser.pool_size must be > 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.TokensPerInterval <= 0 {
		return errors.New("rate_limit.tokens_per_interval must be > 0 when rate limiting is enabled")
	}
	if _, err := ratelimit.ParseInterval(c.RateLimit.Interval); err != nil {
		return fmt.Errorf("rate_limit.interval: %w", err)
	}
	if c.Crawl.MaxRetries < 1 {
		return errors.New("crawl.max_retries must be >= 1")
	}
	if c.Network.MaxRetries < 0 {
		return errors.New("network.max_retries must be >= 0")
	}
	if c.Cache.Dir == "" {
		return errors.New("cache.dir must be set")
	}
	if c.Output.Dir == "" {
		return errors.New("output.dir must be set")
	}
	if c.Cache.CacheOnly && c.Cache.NoCache {
		return errors.New("cache.cache_only and cache.no_cache are mutually exclusive")
	}
	for key, policy := range map[string]string{
		"cache.missing_last_modified": c.Cache.MissingLastModified,
		"cache.probe_error":           c.Cache.ProbeError,
	} {
		if policy != PolicyFresh && policy != PolicyStale {
			return fmt.Errorf("%s must be %q or %q, got %q", key, PolicyFresh, PolicyStale, policy)
		}
	}
	switch c.Output.History {
	case HistoryNone, HistoryJSON, HistorySQLite:
	case HistoryPostgres:
		if c.Output.HistoryDSN == "" {
			return errors.New("output.history_dsn must be set for the postgres history backend")
		}
	default:
		return fmt.Errorf("output.history must be one of none, json, sqlite, postgres; got %q", c.Output.History)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return errors.New("server.port must be > 0 when the status server is enabled")
	}
	return nil
}

// RateInterval returns the parsed rate limit interval.
func (c Config) RateInterval() time.Duration {
	d, err := ratelimit.ParseInterval(c.RateLimit.Interval)
	if err != nil {
		return time.Second
	}
	return d
}
