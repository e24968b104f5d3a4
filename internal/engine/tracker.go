package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/metrics"
)

// ErrFinished is returned when a transition is requested on a terminal execution.
var ErrFinished = errors.New("execution already finished")

// Notification is the payload published on every terminal transition.
type Notification struct {
	ExecutionID  string                  `json:"execution_id"`
	WebsiteID    string                  `json:"website_id"`
	Status       crawler.ExecutionStatus `json:"status"`
	PagesCrawled int                     `json:"pages_crawled"`
	StartTime    time.Time               `json:"start_time"`
	EndTime      *time.Time              `json:"end_time,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

// Tracker owns execution records: it opens them and hands out a Run that
// drives one execution through pending, running and a terminal status.
type Tracker struct {
	repo      crawler.Repository
	publisher crawler.Publisher
	ids       crawler.IDGenerator
	clock     crawler.Clock
	topic     string
	logger    *zap.Logger
}

// NewTracker constructs a Tracker. publisher may be nil.
func NewTracker(
	repo crawler.Repository,
	publisher crawler.Publisher,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	topic string,
	logger *zap.Logger,
) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		repo:      repo,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		topic:     topic,
		logger:    logger,
	}
}

// Open returns the non-terminal execution of the website, creating a pending
// one when there is none.
func (t *Tracker) Open(ctx context.Context, websiteID string) (crawler.Execution, error) {
	id, err := t.ids.NewID()
	if err != nil {
		return crawler.Execution{}, fmt.Errorf("generate execution id: %w", err)
	}
	exec, err := t.repo.GetOrCreateExecution(ctx, websiteID, id, t.clock.Now())
	if err != nil {
		return crawler.Execution{}, &crawler.PersistenceError{Op: "get or create execution", Err: err}
	}
	return exec, nil
}

// Track wraps an execution for lifecycle updates.
func (t *Tracker) Track(exec crawler.Execution) *Run {
	return &Run{
		tracker: t,
		exec:    exec,
		logger:  t.logger.With(zap.String("execution_id", exec.ID), zap.String("website_id", exec.WebsiteID)),
	}
}

// Run is the mutable lifecycle of one execution. It is safe for concurrent use.
type Run struct {
	tracker *Tracker
	logger  *zap.Logger

	mu   sync.Mutex
	exec crawler.Execution
}

// Snapshot returns a copy of the current execution state.
func (r *Run) Snapshot() crawler.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec
}

// Start moves a pending execution to running and stamps its start time.
// Starting an execution that is already running is a no-op.
func (r *Run) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.exec.Status.Terminal():
		return ErrFinished
	case r.exec.Status == crawler.ExecutionRunning:
		return nil
	}

	next := r.exec
	next.Status = crawler.ExecutionRunning
	next.StartTime = r.tracker.clock.Now()
	if err := r.tracker.repo.UpdateExecution(ctx, next); err != nil {
		return &crawler.PersistenceError{Op: "start execution", Err: err}
	}
	r.exec = next
	metrics.IncActiveExecutions()
	r.logger.Info("execution running")
	return nil
}

// Progress records the number of pages processed so far. Counts lower than
// or equal to the stored value are ignored, so the count never decreases.
func (r *Run) Progress(ctx context.Context, pages int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exec.Status != crawler.ExecutionRunning || pages <= r.exec.PagesCrawled {
		return nil
	}
	next := r.exec
	next.PagesCrawled = pages
	if err := r.tracker.repo.UpdateExecution(ctx, next); err != nil {
		return &crawler.PersistenceError{Op: "update progress", Err: err}
	}
	r.exec = next
	return nil
}

// Complete finalizes the execution as completed.
func (r *Run) Complete(ctx context.Context) error {
	return r.finish(ctx, crawler.ExecutionCompleted, "")
}

// Fail finalizes the execution as failed, capturing cause as its error text.
func (r *Run) Fail(ctx context.Context, cause error) error {
	text := "unknown failure"
	if cause != nil {
		text = cause.Error()
	}
	return r.finish(ctx, crawler.ExecutionFailed, text)
}

func (r *Run) finish(ctx context.Context, status crawler.ExecutionStatus, errText string) error {
	r.mu.Lock()
	if r.exec.Status.Terminal() {
		r.mu.Unlock()
		return ErrFinished
	}
	wasRunning := r.exec.Status == crawler.ExecutionRunning

	next := r.exec
	next.Finish(status, r.tracker.clock.Now(), errText)
	if err := r.tracker.repo.UpdateExecution(ctx, next); err != nil {
		r.mu.Unlock()
		return &crawler.PersistenceError{Op: "finish execution", Err: err}
	}
	r.exec = next
	r.mu.Unlock()

	if wasRunning {
		metrics.DecActiveExecutions()
	}
	metrics.ObserveExecution(string(status))
	r.logger.Info("execution finished",
		zap.String("status", string(status)),
		zap.Int("pages_crawled", next.PagesCrawled),
		zap.String("error", errText),
	)
	r.notify(ctx, next)
	return nil
}

func (r *Run) notify(ctx context.Context, exec crawler.Execution) {
	if r.tracker.publisher == nil || r.tracker.topic == "" {
		return
	}
	payload := Notification{
		ExecutionID:  exec.ID,
		WebsiteID:    exec.WebsiteID,
		Status:       exec.Status,
		PagesCrawled: exec.PagesCrawled,
		StartTime:    exec.StartTime,
		EndTime:      exec.EndTime,
		Error:        exec.ErrorText,
	}
	id, err := r.tracker.publisher.Publish(ctx, r.tracker.topic, payload)
	if err != nil {
		r.logger.Warn("publish execution notification failed", zap.Error(err))
		return
	}
	r.logger.Debug("published execution notification", zap.String("message_id", id))
}
