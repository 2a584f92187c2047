package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the worker pool and the reindex scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(app App) error {
				return app.Run(cmd.Context())
			})
		},
	}
}

func newScrapeCmd(opts *rootOptions) *cobra.Command {
	var siteID int64
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Crawl and index one site in the foreground, with retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if siteID <= 0 {
				return errors.New("--site-id must be a positive integer")
			}
			return withApp(cmd, opts, func(app App) error {
				res, err := app.Scrape(cmd.Context(), siteID)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().Int64Var(&siteID, "site-id", 0, "id of the site to scrape")
	_ = cmd.MarkFlagRequired("site-id")
	return cmd
}

func newReindexScanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex-scan",
		Short: "Enqueue and run reindex jobs for every site that is due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(app App) error {
				res, err := app.ReindexScan(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
