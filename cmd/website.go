package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitegraph-crawler/internal/clock/system"
	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/id/uuid"
	"github.com/JakeFAU/sitegraph-crawler/internal/storage"
)

func newWebsiteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "website",
		Short: "Manages website records",
	}
	cmd.AddCommand(newWebsiteAddCmd())
	cmd.AddCommand(newWebsiteListCmd())
	return cmd
}

func newWebsiteAddCmd() *cobra.Command {
	var (
		site     crawler.WebsiteRecord
		period   string
		tags     string
		inactive bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Registers a website to crawl",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := uuid.New().NewID()
			if err != nil {
				return fmt.Errorf("generate website id: %w", err)
			}
			site.ID = id
			site.Periodicity = crawler.Periodicity(period)
			site.Tags = storage.SplitTags(tags)
			site.Active = !inactive
			site.CreatedAt = system.New().Now().UTC()
			if err := site.Validate(); err != nil {
				return err
			}
			if err := appInstance.Store().CreateWebsite(cmd.Context(), site); err != nil {
				return fmt.Errorf("create website: %w", err)
			}
			appInstance.Logger().Info("website added", zap.String("website_id", site.ID), zap.String("label", site.Label))
			return writeJSON(cmd, site)
		},
	}
	cmd.Flags().StringVar(&site.URL, "url", "", "start URL (absolute http or https)")
	cmd.Flags().StringVar(&site.Label, "label", "", "unique label")
	cmd.Flags().StringVar(&site.BoundaryPattern, "boundary", "", "regular expression bounding the crawl, matched at the start of each URL")
	cmd.Flags().StringVar(&period, "periodicity", string(crawler.PeriodDay), "re-crawl interval: minute, hour or day")
	cmd.Flags().StringVar(&tags, "tags", "", `tags separated by "; "`)
	cmd.Flags().BoolVar(&inactive, "inactive", false, "register without scheduling crawls")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func newWebsiteListCmd() *cobra.Command {
	var filter crawler.WebsiteFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lists website records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sites, err := appInstance.Store().ListWebsites(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list websites: %w", err)
			}
			return writeJSON(cmd, sites)
		},
	}
	cmd.Flags().StringVar(&filter.URL, "url", "", "URL substring")
	cmd.Flags().StringVar(&filter.Label, "label", "", "label substring")
	cmd.Flags().StringSliceVar(&filter.Tags, "tag", nil, "tag to match; repeat for any of several")
	cmd.Flags().StringVar(&filter.Sort, "sort", "", "url, -url, label, -label, last_crawled or -last_crawled")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
