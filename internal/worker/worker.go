// Package worker consumes queued crawl runs and hands them to a Runner.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/metrics"
)

// Runner executes one queued crawl run.
type Runner interface {
	Execute(ctx context.Context, item crawler.QueueItem) error
}

// Worker pulls queue items and executes them one at a time.
type Worker struct {
	id     int
	queue  crawler.Queue
	runner Runner
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, queue crawler.Queue, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		queue:  queue,
		runner: runner,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued execution",
			zap.String("execution_id", item.ExecutionID),
			zap.String("website_id", item.WebsiteID),
		)
		if err := w.execute(ctx, item); err != nil {
			w.logger.Warn("execution ended with error",
				zap.String("execution_id", item.ExecutionID),
				zap.String("website_id", item.WebsiteID),
				zap.Error(err),
			)
		}
	}
}

func (w *Worker) execute(ctx context.Context, item crawler.QueueItem) (err error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	return w.runner.Execute(ctx, item)
}
