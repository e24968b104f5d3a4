// Package engine drives breadth-first crawls of a website and tracks the
// lifecycle of each execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/metrics"
	"github.com/JakeFAU/sitegraph-crawler/internal/telemetry"
)

const defaultPageWorkers = 4

// Config controls Engine behavior.
type Config struct {
	// PageWorkers bounds concurrent page tasks within one run.
	PageWorkers int
	// MaxPages caps the number of pages dispatched per run. Zero means no cap.
	MaxPages int
}

// Engine crawls one website per Run call.
type Engine struct {
	repo    crawler.Repository
	fetcher crawler.Fetcher
	parser  crawler.Parser
	retry   crawler.RetryPolicy
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Engine. retry may be nil to disable retries.
func New(
	repo crawler.Repository,
	fetcher crawler.Fetcher,
	parser crawler.Parser,
	retry crawler.RetryPolicy,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.PageWorkers <= 0 {
		cfg.PageWorkers = defaultPageWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:    repo,
		fetcher: fetcher,
		parser:  parser,
		retry:   retry,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run crawls site under the tracked execution until the frontier is
// exhausted, a fatal error occurs or ctx is cancelled. The execution is
// always left in a terminal status. Cancelling ctx stops dispatching new
// pages; pages already in flight are allowed to finish.
func (e *Engine) Run(ctx context.Context, site crawler.WebsiteRecord, run *Run) error {
	exec := run.Snapshot()
	logger := e.logger.With(zap.String("execution_id", exec.ID), zap.String("website_id", site.ID))

	ctx, span := telemetry.Tracer().Start(ctx, "engine.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("website.id", site.ID),
		attribute.String("website.url", site.URL),
	)

	if err := run.Start(context.WithoutCancel(ctx)); err != nil {
		if !errors.Is(err, ErrFinished) {
			e.finalize(ctx, run, err, logger)
		}
		return err
	}

	err := e.crawl(ctx, site, run, logger)
	e.finalize(ctx, run, err, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) crawl(ctx context.Context, site crawler.WebsiteRecord, run *Run, logger *zap.Logger) error {
	boundary, err := crawler.CompileBoundary(site.BoundaryPattern)
	if err != nil {
		return err
	}
	seed, err := crawler.NormalizeURL(site.URL)
	if err != nil {
		return fmt.Errorf("seed url: %w", err)
	}

	t := &traversal{
		engine:   e,
		run:      run,
		execID:   run.Snapshot().ID,
		boundary: boundary,
		frontier: crawler.NewFrontier(),
		logger:   logger,
	}
	t.frontier.Seed(seed)
	logger.Info("crawl started", zap.String("seed", seed), zap.String("boundary", boundary.Pattern()))

	err = t.loop(ctx)
	_, visited, _ := t.frontier.Stats()
	logger.Info("crawl stopped",
		zap.Int64("pages_crawled", t.crawled.Load()),
		zap.Int("pages_dispatched", visited),
		zap.Error(err),
	)
	return err
}

// finalize records the terminal status. It runs detached from ctx so that a
// cancelled run is still written down.
func (e *Engine) finalize(ctx context.Context, run *Run, cause error, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if cause == nil {
		err = run.Complete(ctx)
	} else {
		err = run.Fail(ctx, cause)
	}
	if err != nil && !errors.Is(err, ErrFinished) {
		logger.Error("finalize execution failed", zap.Error(err))
	}
}

// traversal holds the state of one run.
type traversal struct {
	engine   *Engine
	run      *Run
	execID   string
	boundary *crawler.Boundary
	frontier *crawler.Frontier
	logger   *zap.Logger
	crawled  atomic.Int64
}

func (t *traversal) loop(ctx context.Context) error {
	// Page tasks are detached from ctx cancellation so that in-flight pages
	// drain; a fatal task error still cancels gctx.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(t.engine.cfg.PageWorkers)

	var (
		dispatched int
		stopErr    error
	)
	for {
		if ctx.Err() != nil {
			stopErr = fmt.Errorf("crawl canceled: %w", context.Cause(ctx))
			break
		}
		if gctx.Err() != nil {
			break
		}
		if limit := t.engine.cfg.MaxPages; limit > 0 && dispatched >= limit {
			t.logger.Info("page cap reached", zap.Int("max_pages", limit))
			break
		}

		url, ok := t.frontier.Poll()
		if ok {
			if ctx.Err() != nil {
				// Cancelled between the check above and Poll.
				t.frontier.Complete()
				continue
			}
			dispatched++
			g.Go(func() error {
				defer t.frontier.Complete()
				return t.process(gctx, url)
			})
			continue
		}
		if t.frontier.IsDone() {
			break
		}
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		case <-t.frontier.Changed():
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return stopErr
}

// process fetches, parses and persists one page. Only persistence failures
// are returned; everything else is logged and the page is skipped.
func (t *traversal) process(ctx context.Context, url string) error {
	if ctx.Err() != nil {
		return nil
	}
	ctx, span := telemetry.Tracer().Start(ctx, "engine.process")
	defer span.End()
	span.SetAttributes(attribute.String("page.url", url))

	logger := t.logger.With(zap.String("url", url))

	resp, err := t.fetch(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("fetch failed, skipping page", zap.Error(err))
		metrics.ObservePage(url, metrics.OutcomeFetchError, 0, 0)
		return nil
	}
	if !resp.OK() {
		logger.Warn("non-success status, skipping page", zap.Int("status", resp.StatusCode))
		metrics.ObservePage(url, metrics.OutcomeHTTPError, len(resp.Body), resp.Elapsed)
		return nil
	}

	base := url
	if resp.URL != "" {
		if final, err := crawler.NormalizeURL(resp.URL); err == nil {
			base = final
		}
	}
	outcome := metrics.OutcomeCrawled
	parsed, err := t.engine.parser.Parse(base, resp.Body)
	if err != nil {
		logger.Warn("parse failed, recording page without title or links", zap.Error(err))
		parsed = crawler.ParsedPage{}
		outcome = metrics.OutcomeParseError
	}

	now := t.engine.clock.Now()
	page := crawler.CrawledPage{
		URL:         url,
		ExecutionID: t.execID,
		CrawledAt:   now,
		StatusCode:  resp.StatusCode,
		Elapsed:     resp.Elapsed,
	}
	if parsed.Title != "" {
		title := parsed.Title
		page.Title = &title
	}
	if err := t.engine.repo.UpsertCrawledPage(ctx, page); err != nil {
		return &crawler.PersistenceError{Op: "upsert crawled page", Err: err}
	}

	var inScope, outOfScope int
	for _, link := range parsed.Links {
		if err := t.engine.repo.EnsurePage(ctx, link, t.execID, now); err != nil {
			return &crawler.PersistenceError{Op: "ensure page", Err: err}
		}
		if err := t.engine.repo.UpsertLink(ctx, crawler.Link{From: url, To: link}); err != nil {
			return &crawler.PersistenceError{Op: "upsert link", Err: err}
		}
		if !t.boundary.Match(link) {
			outOfScope++
			continue
		}
		inScope++
		t.frontier.Offer(link)
	}

	n := t.crawled.Add(1)
	if err := t.run.Progress(ctx, int(n)); err != nil {
		return err
	}
	metrics.ObservePage(url, outcome, len(resp.Body), resp.Elapsed)
	metrics.ObserveLinks(url, inScope, outOfScope)
	logger.Debug("page crawled",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", resp.Elapsed),
		zap.Int("links_in_scope", inScope),
		zap.Int("links_out_of_scope", outOfScope),
	)
	return nil
}

func (t *traversal) fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	request := crawler.FetchRequest{ExecutionID: t.execID, URL: url}
	for attempt := 1; ; attempt++ {
		resp, err := t.engine.fetcher.Fetch(ctx, request)
		if err == nil {
			return resp, nil
		}
		var fetchErr *crawler.FetchError
		if !errors.As(err, &fetchErr) {
			err = &crawler.FetchError{URL: url, Err: err}
		}
		retry := t.engine.retry
		if retry == nil || !retry.ShouldRetry(err, attempt) {
			return crawler.FetchResponse{}, err
		}
		delay := retry.Backoff(attempt)
		t.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.FetchResponse{}, err
		case <-timer.C:
		}
	}
}
