// Package dispatcher contains tests for run registration and worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/engine"
	"github.com/JakeFAU/sitegraph-crawler/internal/id/uuid"
	"github.com/JakeFAU/sitegraph-crawler/internal/parser"
	"github.com/JakeFAU/sitegraph-crawler/internal/publisher/memory"
	queuememory "github.com/JakeFAU/sitegraph-crawler/internal/queue/memory"
	storememory "github.com/JakeFAU/sitegraph-crawler/internal/storage/memory"
)

// gatedFetcher blocks every fetch until the gate is opened.
type gatedFetcher struct {
	mu      sync.Mutex
	calls   int
	started chan string
	gate    chan struct{}
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{started: make(chan string, 16), gate: make(chan struct{})}
}

func (f *gatedFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.started <- req.URL
	<-f.gate
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: 200,
		Body:       []byte(`<html><title>t</title><a href="/next">n</a></html>`),
	}, nil
}

func (f *gatedFetcher) open() { close(f.gate) }

func (f *gatedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store      *storememory.Store
	queue      *queuememory.Queue
	fetcher    *gatedFetcher
	dispatcher *Dispatcher
	publisher  *memory.Publisher
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

func newFixture(t *testing.T, maxPages int) *fixture {
	t.Helper()
	store := storememory.New()
	q := queuememory.NewQueue(4)
	fetcher := newGatedFetcher()
	pub := memory.New()
	tracker := engine.NewTracker(store, pub, uuid.New(), utcClock{}, "executions", zap.NewNop())
	eng := engine.New(store, fetcher, parser.New(), nil, utcClock{}, engine.Config{PageWorkers: 2, MaxPages: maxPages}, zap.NewNop())
	return &fixture{
		store:      store,
		queue:      q,
		fetcher:    fetcher,
		publisher:  pub,
		dispatcher: New(q, store, eng, tracker, Config{Workers: 2}, zap.NewNop()),
	}
}

func (f *fixture) addSite(t *testing.T, id, label string, active bool) {
	t.Helper()
	require.NoError(t, f.store.CreateWebsite(context.Background(), crawler.WebsiteRecord{
		ID:              id,
		URL:             "https://" + label + ".example/",
		BoundaryPattern: `https://` + label + `\.example/`,
		Periodicity:     crawler.PeriodHour,
		Label:           label,
		Active:          active,
	}))
}

func (f *fixture) run(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.dispatcher.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return cancel
}

func (f *fixture) waitStatus(t *testing.T, execID string, want crawler.ExecutionStatus) crawler.Execution {
	t.Helper()
	var exec crawler.Execution
	require.Eventually(t, func() bool {
		var err error
		exec, err = f.store.GetExecution(context.Background(), execID)
		return err == nil && exec.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return exec
}

func TestStartCrawlIsReentrant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.addSite(t, "site-1", "docs", true)
	f.run(t)

	first, err := f.dispatcher.StartCrawl(context.Background(), "site-1")
	require.NoError(t, err)

	select {
	case <-f.fetcher.started:
	case <-time.After(time.Second):
		t.Fatal("crawl did not start")
	}

	second, err := f.dispatcher.StartCrawl(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, first, second, "label and id resolve to the same active run")

	active, ok := f.dispatcher.Active("site-1")
	require.True(t, ok)
	assert.Equal(t, first, active)

	f.fetcher.open()
	exec := f.waitStatus(t, first, crawler.ExecutionCompleted)
	assert.Equal(t, 1, exec.PagesCrawled)
	assert.Equal(t, 1, f.fetcher.callCount())
	require.Eventually(t, func() bool {
		return len(f.publisher.Messages()) == 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := f.dispatcher.Active("site-1")
		return !ok
	}, time.Second, 10*time.Millisecond)

	third, err := f.dispatcher.StartCrawl(context.Background(), "site-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "a finished run is not reused")
	f.waitStatus(t, third, crawler.ExecutionCompleted)
}

func TestCancelStopsActiveRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	f.addSite(t, "site-1", "docs", true)
	f.run(t)

	execID, err := f.dispatcher.StartCrawl(context.Background(), "site-1")
	require.NoError(t, err)
	<-f.fetcher.started

	assert.True(t, f.dispatcher.Cancel("site-1"))
	assert.False(t, f.dispatcher.Cancel("site-2"))
	f.fetcher.open()

	exec := f.waitStatus(t, execID, crawler.ExecutionFailed)
	require.NotNil(t, exec.EndTime)
	assert.Equal(t, "crawl canceled: "+ErrCanceled.Error(), exec.ErrorText)
	assert.Equal(t, 1, f.fetcher.callCount(), "no page is dispatched after cancel")
}

func TestStartCrawlRejectsInactiveAndUnknown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.addSite(t, "site-1", "docs", false)

	_, err := f.dispatcher.StartCrawl(context.Background(), "site-1")
	require.ErrorIs(t, err, ErrInactive)

	_, err = f.dispatcher.StartCrawl(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	<-ctx.Done()
	return crawler.QueueItem{}, ctx.Err()
}

func TestStartCrawlEnqueueFailureFailsExecution(t *testing.T) {
	t.Parallel()
	store := storememory.New()
	tracker := engine.NewTracker(store, nil, uuid.New(), utcClock{}, "", zap.NewNop())
	d := New(&errorQueue{err: errors.New("boom")}, store, nil, tracker, Config{Workers: 1}, zap.NewNop())
	require.NoError(t, store.CreateWebsite(context.Background(), crawler.WebsiteRecord{
		ID: "site-1", URL: "https://a.example/", BoundaryPattern: ".*", Periodicity: crawler.PeriodDay, Label: "a", Active: true,
	}))

	_, err := d.StartCrawl(context.Background(), "site-1")
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	_, ok := d.Active("site-1")
	assert.False(t, ok)

	exec, err := store.LatestExecution(context.Background(), "site-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.ExecutionFailed, exec.Status)
}

func TestShutdownFailsQueuedRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.addSite(t, "site-1", "docs", true)

	execID, err := f.dispatcher.StartCrawl(context.Background(), "site-1")
	require.NoError(t, err)
	f.fetcher.open()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.dispatcher.Run(ctx)

	exec, err := f.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, crawler.ExecutionFailed, exec.Status)
	assert.Equal(t, ErrStopped.Error(), exec.ErrorText)
	require.NotNil(t, exec.EndTime)
	assert.Zero(t, f.fetcher.callCount())
}
