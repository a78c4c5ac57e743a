package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ddttom/invisible-users-sub000/internal/config"
	"github.com/ddttom/invisible-users-sub000/internal/logging"
)

// crawlBindings maps config keys to the crawl flags that override them.
var crawlBindings = map[string]string{
	"crawl.sitemap":               "sitemap",
	"crawl.count":                 "count",
	"crawl.respect_robots":        "respect-robots",
	"crawl.include_llms_txt":      "llms-txt",
	"crawl.include_all_languages": "all-languages",
	"cache.dir":                   "cache-dir",
	"cache.no_cache":              "no-cache",
	"cache.cache_only":            "cache-only",
	"cache.force_delete":          "force-delete-cache",
	"cache.no_browser":            "no-browser",
	"browser.pool_size":           "pool-size",
	"output.dir":                  "output",
	"output.history":              "history",
	"server.enabled":              "serve",
	"server.port":                 "port",
	"logging.level":               "log-level",
}

func newCrawlCmd(root *rootOptions) *cobra.Command {
	var noRecursive bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the URLs of a sitemap into the cache",
		Example: `  webaudit crawl --sitemap https://example.com/sitemap.xml
  webaudit crawl -s https://example.com/ --count 20 --no-recursive
  webaudit crawl -s https://example.com/sitemap.xml --cache-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFlags(root.configFile, cmd.Flags(), crawlBindings)
			if err != nil {
				return err
			}
			if noRecursive {
				cfg.Crawl.Recursive = false
			}
			if cfg.Crawl.Sitemap == "" {
				return errors.New("a sitemap or page URL is required (--sitemap)")
			}

			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}

			runner, err := newRunner(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return err
			}
			defer runner.Close()
			return runner.Run(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.StringP("sitemap", "s", "", "sitemap URL or page URL to start from")
	f.IntP("count", "c", -1, "maximum number of URLs to process (-1 for all)")
	f.BoolVar(&noRecursive, "no-recursive", false, "only process URLs from the sitemap")
	f.Bool("respect-robots", false, "skip URLs disallowed by robots.txt")
	f.Bool("llms-txt", true, "also crawl /llms.txt at the site origin")
	f.Bool("all-languages", false, "keep language-variant URLs such as /de/...")
	f.String("cache-dir", ".cache", "content cache directory")
	f.Bool("no-cache", false, "ignore and do not write the cache")
	f.Bool("cache-only", false, "use cached pages only; never fetch")
	f.Bool("force-delete-cache", false, "remove the cache and output directories first")
	f.Bool("no-browser", false, "fetch over plain HTTP instead of rendering in Chrome")
	f.Int("pool-size", 3, "browser pool size and page concurrency")
	f.StringP("output", "o", "results", "output directory")
	f.String("history", config.HistoryNone, "run history backend: none, json, sqlite or postgres")
	f.Bool("serve", false, "expose the status server while crawling")
	f.Int("port", 9090, "status server port")
	f.String("log-level", "info", "log level")
	cmd.MarkFlagsMutuallyExclusive("no-cache", "cache-only")
	return cmd
}
