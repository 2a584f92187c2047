// Package cmd defines and implements the CLI commands for the sitesearch
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitesearch/internal/config"
	"github.com/JakeFAU/sitesearch/internal/coordinator"
	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/server"
)

// App defines the application surface that commands use. It allows tests
// to inject a fake.
type App interface {
	Run(ctx context.Context) error
	Scrape(ctx context.Context, siteID int64) (indexer.JobResult, error)
	ReindexScan(ctx context.Context) (coordinator.ScanResult, error)
	Close() error
}

// newApp is the application factory. It is a variable so tests can replace
// it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

type rootOptions struct {
	cfgFile string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "sitesearch",
		Short: "Crawl websites and serve full-text search over their pages.",
		Long: `sitesearch registers websites, crawls them through an external crawler,
stores the pages in Postgres and indexes them in Meilisearch. Sites are
re-indexed periodically once their refresh interval has elapsed.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (env SITESEARCH_* overrides)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newScrapeCmd(opts))
	cmd.AddCommand(newReindexScanCmd(opts))
	return cmd
}

// withApp loads configuration, builds the application, runs fn and closes
// the application afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(App) error) error {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() { _ = app.Close() }()
	return fn(app)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
