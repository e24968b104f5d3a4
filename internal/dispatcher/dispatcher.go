// Package dispatcher starts crawl runs and fans them out to a worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/engine"
	"github.com/JakeFAU/sitegraph-crawler/internal/worker"
)

var (
	// ErrCanceled is the cause recorded when a run is cancelled on request.
	ErrCanceled = errors.New("canceled by request")
	// ErrStopped is the cause recorded for runs that never started before shutdown.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrInactive is returned when a crawl is requested for an inactive website.
	ErrInactive = errors.New("website is inactive")
)

// Config controls the worker pool.
type Config struct {
	// Workers is the number of executions that may run at once.
	Workers int
}

// Dispatcher owns the registry of active runs. At most one run per website
// is registered at any time; StartCrawl for a website that already has one
// returns the existing execution ID.
type Dispatcher struct {
	queue   crawler.Queue
	repo    crawler.Repository
	engine  *engine.Engine
	tracker *engine.Tracker
	workers []*worker.Worker
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	exec    crawler.Execution
	ctx     context.Context
	cancel  context.CancelCauseFunc
	started bool
}

// New creates a Dispatcher with cfg.Workers workers reading from queue.
func New(
	queue crawler.Queue,
	repo crawler.Repository,
	eng *engine.Engine,
	tracker *engine.Tracker,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	d := &Dispatcher{
		queue:   queue,
		repo:    repo,
		engine:  eng,
		tracker: tracker,
		logger:  logger,
		active:  make(map[string]*activeRun),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.workers = append(d.workers, worker.New(i+1, queue, d, logger.Named("worker")))
	}
	return d
}

// Run starts all workers and blocks until the context finishes. Runs still
// waiting in the queue at shutdown are marked failed.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	d.abandonPending()
}

// StartCrawl opens (or reuses) an execution for the website identified by
// ref, which may be a website ID or label, and queues it for a worker.
func (d *Dispatcher) StartCrawl(ctx context.Context, ref string) (string, error) {
	site, err := d.resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	if !site.Active {
		return "", fmt.Errorf("start crawl for %s: %w", site.ID, ErrInactive)
	}

	d.mu.Lock()
	if run, ok := d.active[site.ID]; ok {
		d.mu.Unlock()
		d.logger.Debug("crawl already active",
			zap.String("website_id", site.ID),
			zap.String("execution_id", run.exec.ID),
		)
		return run.exec.ID, nil
	}
	exec, err := d.tracker.Open(ctx, site.ID)
	if err != nil {
		d.mu.Unlock()
		return "", err
	}
	runCtx, cancel := context.WithCancelCause(context.Background())
	run := &activeRun{exec: exec, ctx: runCtx, cancel: cancel}
	d.active[site.ID] = run
	d.mu.Unlock()

	item := crawler.QueueItem{
		ExecutionID: exec.ID,
		WebsiteID:   site.ID,
		Attempt:     1,
		Submitted:   time.Now().Unix(),
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		d.release(site.ID, run)
		if failErr := d.tracker.Track(exec).Fail(context.WithoutCancel(ctx), err); failErr != nil {
			d.logger.Error("fail unqueued execution", zap.String("execution_id", exec.ID), zap.Error(failErr))
		}
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Info("crawl queued",
		zap.String("website_id", site.ID),
		zap.String("execution_id", exec.ID),
	)
	return exec.ID, nil
}

// Cancel stops the active run of a website. Pages in flight finish; the
// execution is then marked failed. It reports whether a run was active.
func (d *Dispatcher) Cancel(websiteID string) bool {
	d.mu.Lock()
	run, ok := d.active[websiteID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel(ErrCanceled)
	d.logger.Info("crawl cancel requested",
		zap.String("website_id", websiteID),
		zap.String("execution_id", run.exec.ID),
	)
	return true
}

// Active returns the execution ID of the website's registered run.
func (d *Dispatcher) Active(websiteID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	run, ok := d.active[websiteID]
	if !ok {
		return "", false
	}
	return run.exec.ID, true
}

// Execute runs one queued execution. It implements worker.Runner.
func (d *Dispatcher) Execute(ctx context.Context, item crawler.QueueItem) error {
	d.mu.Lock()
	run, ok := d.active[item.WebsiteID]
	if ok && run.exec.ID == item.ExecutionID {
		run.started = true
	}
	d.mu.Unlock()
	if !ok || run.exec.ID != item.ExecutionID {
		return fmt.Errorf("execution %s is not registered", item.ExecutionID)
	}
	defer d.release(item.WebsiteID, run)

	// Worker shutdown cancels the run as well.
	stop := context.AfterFunc(ctx, func() { run.cancel(context.Cause(ctx)) })
	defer stop()

	tracked := d.tracker.Track(run.exec)
	site, err := d.repo.GetWebsite(run.ctx, item.WebsiteID)
	if err != nil {
		err = &crawler.PersistenceError{Op: "get website", Err: err}
		if failErr := tracked.Fail(context.WithoutCancel(run.ctx), err); failErr != nil {
			d.logger.Error("fail execution", zap.String("execution_id", item.ExecutionID), zap.Error(failErr))
		}
		return err
	}
	if err := d.engine.Run(run.ctx, site, tracked); err != nil {
		return fmt.Errorf("run execution %s: %w", item.ExecutionID, err)
	}
	return nil
}

func (d *Dispatcher) resolve(ctx context.Context, ref string) (crawler.WebsiteRecord, error) {
	site, err := d.repo.GetWebsite(ctx, ref)
	if err == nil {
		return site, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.WebsiteRecord{}, fmt.Errorf("get website: %w", err)
	}
	site, err = d.repo.GetWebsiteByLabel(ctx, ref)
	if err != nil {
		return crawler.WebsiteRecord{}, fmt.Errorf("get website %q: %w", ref, err)
	}
	return site, nil
}

func (d *Dispatcher) release(websiteID string, run *activeRun) {
	d.mu.Lock()
	if d.active[websiteID] == run {
		delete(d.active, websiteID)
	}
	d.mu.Unlock()
	run.cancel(nil)
}

func (d *Dispatcher) abandonPending() {
	d.mu.Lock()
	var pending []*activeRun
	for id, run := range d.active {
		if !run.started {
			pending = append(pending, run)
			delete(d.active, id)
		}
	}
	d.mu.Unlock()

	for _, run := range pending {
		run.cancel(ErrStopped)
		if err := d.tracker.Track(run.exec).Fail(context.Background(), ErrStopped); err != nil {
			d.logger.Error("fail abandoned execution", zap.String("execution_id", run.exec.ID), zap.Error(err))
		}
	}
}
