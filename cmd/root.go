// Package cmd defines the webaudit command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/app"
	"github.com/ddttom/invisible-users-sub000/internal/config"
)

// Version is stamped at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

// Runner is the part of app.App the commands drive. Tests inject fakes.
type Runner interface {
	Run(ctx context.Context) error
	Close()
}

// newRunner is the application factory. It is a variable so tests can
// replace it.
var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return a, nil
}

type rootOptions struct {
	configFile string
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "webaudit",
		Short: "Crawl a site from its sitemap and cache every page for analysis.",
		Long: `webaudit reads a sitemap (or a single page), crawls every URL it lists,
optionally follows same-origin links, and stores served and rendered HTML
plus extracted page data in an on-disk cache. Results are written to
results.json and can be resumed after an interruption.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newCrawlCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the webaudit version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "webaudit %s\n", Version)
		},
	}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := newRootCmd(os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
