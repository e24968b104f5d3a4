package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one execution of a
// website in the foreground and prints the finished execution as JSON.
func newCrawlCmd() *cobra.Command {
	var website string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls one website now and waits for the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, website)
		},
	}
	cmd.Flags().StringVar(&website, "website", "", "website id or label")
	_ = cmd.MarkFlagRequired("website")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, website string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec, err := appInstance.CrawlOnce(ctx, website)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}

	if encErr := writeJSON(cmd, exec); encErr != nil {
		return encErr
	}
	appInstance.Logger().Info("crawl command finished",
		zap.String("execution_id", exec.ID),
		zap.String("status", string(exec.Status)),
		zap.Int("pages_crawled", exec.PagesCrawled),
	)
	if exec.Status == crawler.ExecutionFailed {
		return fmt.Errorf("execution %s failed: %s", exec.ID, exec.ErrorText)
	}
	return err
}
