package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
)

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.addSite(t, "w1", "https://example.com/", scope)
	ctx := context.Background()

	exec, err := h.tracker.Open(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, crawler.ExecutionPending, exec.Status)
	assert.Nil(t, exec.EndTime)

	again, err := h.tracker.Open(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, exec.ID, again.ID, "an open execution is reused")

	run := h.tracker.Track(exec)
	require.NoError(t, run.Start(ctx))
	require.NoError(t, run.Start(ctx), "starting twice is harmless")

	stored, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.ExecutionRunning, stored.Status)
	assert.Nil(t, stored.EndTime)

	require.NoError(t, run.Progress(ctx, 3))
	require.NoError(t, run.Progress(ctx, 2))
	assert.Equal(t, 3, run.Snapshot().PagesCrawled, "count never decreases")

	require.NoError(t, run.Complete(ctx))
	require.ErrorIs(t, run.Fail(ctx, errors.New("late")), ErrFinished)
	require.ErrorIs(t, run.Start(ctx), ErrFinished)

	stored, err = h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.ExecutionCompleted, stored.Status)
	require.NotNil(t, stored.EndTime)
	assert.Equal(t, 3, stored.PagesCrawled)
	assert.Empty(t, stored.ErrorText)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "executions", msgs[0].Topic)
	var note Notification
	require.NoError(t, msgs[0].Decode(&note))
	assert.Equal(t, exec.ID, note.ExecutionID)
	assert.Equal(t, crawler.ExecutionCompleted, note.Status)
	assert.Equal(t, 3, note.PagesCrawled)
}

func TestTrackerFailKeepsPartialCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.addSite(t, "w1", "https://example.com/", scope)
	ctx := context.Background()

	exec, err := h.tracker.Open(ctx, "w1")
	require.NoError(t, err)
	run := h.tracker.Track(exec)
	require.NoError(t, run.Start(ctx))
	require.NoError(t, run.Progress(ctx, 7))
	require.NoError(t, run.Fail(ctx, errors.New("disk full")))

	stored, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.ExecutionFailed, stored.Status)
	require.NotNil(t, stored.EndTime)
	assert.Equal(t, 7, stored.PagesCrawled)
	assert.Equal(t, "disk full", stored.ErrorText)
}

func TestTrackerConcurrentProgressIsMonotonic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.addSite(t, "w1", "https://example.com/", scope)
	ctx := context.Background()

	exec, err := h.tracker.Open(ctx, "w1")
	require.NoError(t, err)
	run := h.tracker.Track(exec)
	require.NoError(t, run.Start(ctx))

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, run.Progress(ctx, n))
		}(i)
	}
	wg.Wait()

	stored, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.PagesCrawled)
}

func TestTrackerOpenUnknownWebsite(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	_, err := h.tracker.Open(context.Background(), "missing")
	var persistErr *crawler.PersistenceError
	require.ErrorAs(t, err, &persistErr)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
