// Package scheduler re-crawls active websites on their periodicity.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
)

const listBatch = 100

// Starter starts a crawl for a website reference. Starting a website that
// already has a run in flight returns that run.
type Starter interface {
	StartCrawl(ctx context.Context, ref string) (string, error)
}

// Scheduler periodically starts crawls for websites that are due. It keeps
// no state of its own; due-ness comes from stored execution history.
type Scheduler struct {
	catalog crawler.Catalog
	starter Starter
	clock   crawler.Clock
	tick    time.Duration
	logger  *zap.Logger
}

// New constructs a Scheduler that checks every tick.
func New(catalog crawler.Catalog, starter Starter, clock crawler.Clock, tick time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		catalog: catalog,
		starter: starter,
		clock:   clock,
		tick:    tick,
		logger:  logger,
	}
}

// Run checks immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick starts a crawl for every active website whose last execution began at
// least one periodicity interval ago, or that was never crawled. It returns
// the number of crawls started. A failure for one website is logged and does
// not stop the others.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	active := true
	now := s.clock.Now()
	started := 0
	for offset := 0; ; offset += listBatch {
		sites, err := s.catalog.ListWebsites(ctx, crawler.WebsiteFilter{
			Active: &active,
			Limit:  listBatch,
			Offset: offset,
		})
		if err != nil {
			return started, fmt.Errorf("list active websites: %w", err)
		}
		for _, site := range sites {
			if ctx.Err() != nil {
				return started, ctx.Err()
			}
			ok, err := s.due(ctx, site, now)
			if err != nil {
				s.logger.Warn("skip website", zap.String("website_id", site.ID), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			execID, err := s.starter.StartCrawl(ctx, site.ID)
			if err != nil {
				s.logger.Warn("scheduled crawl failed to start", zap.String("website_id", site.ID), zap.Error(err))
				continue
			}
			started++
			s.logger.Info("scheduled crawl started",
				zap.String("website_id", site.ID),
				zap.String("execution_id", execID),
				zap.String("periodicity", string(site.Periodicity)),
			)
		}
		if len(sites) < listBatch {
			return started, nil
		}
	}
}

func (s *Scheduler) due(ctx context.Context, site crawler.WebsiteRecord, now time.Time) (bool, error) {
	latest, err := s.catalog.LatestExecution(ctx, site.ID)
	if errors.Is(err, crawler.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("latest execution: %w", err)
	}
	return now.Sub(latest.StartTime) >= site.Periodicity.Interval(), nil
}
