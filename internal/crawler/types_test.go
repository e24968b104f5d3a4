package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSite() WebsiteRecord {
	return WebsiteRecord{
		ID:              "site-1",
		URL:             "https://example.com/",
		BoundaryPattern: `https://example\.com/.*`,
		Periodicity:     PeriodHour,
		Label:           "example",
		Active:          true,
	}
}

func TestWebsiteRecordValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validSite().Validate())

	cases := map[string]func(*WebsiteRecord){
		"missing label": func(w *WebsiteRecord) { w.Label = " " },
		"relative url":  func(w *WebsiteRecord) { w.URL = "/start" },
		"ftp url":       func(w *WebsiteRecord) { w.URL = "ftp://example.com/" },
		"bad period":    func(w *WebsiteRecord) { w.Periodicity = "weekly" },
		"bad boundary":  func(w *WebsiteRecord) { w.BoundaryPattern = "(" },
	}
	for name, mutate := range cases {
		site := validSite()
		mutate(&site)
		assert.ErrorIs(t, site.Validate(), ErrInvalidWebsite, name)
	}
}

func TestExecutionFinish(t *testing.T) {
	t.Parallel()

	exec := Execution{ID: "e", Status: ExecutionRunning}
	require.Nil(t, exec.EndTime)
	assert.False(t, exec.Status.Terminal())

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	exec.Finish(ExecutionFailed, at, "boom")

	require.NotNil(t, exec.EndTime)
	assert.Equal(t, at, *exec.EndTime)
	assert.True(t, exec.Status.Terminal())
	assert.Equal(t, "boom", exec.ErrorText)
}

func TestPeriodicityInterval(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Minute, PeriodMinute.Interval())
	assert.Equal(t, time.Hour, PeriodHour.Interval())
	assert.Equal(t, 24*time.Hour, PeriodDay.Interval())
	assert.False(t, Periodicity("weekly").Valid())
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(2, 10*time.Millisecond, 40*time.Millisecond)
	timeout := &FetchError{URL: "u", Err: context.DeadlineExceeded}

	assert.True(t, p.ShouldRetry(timeout, 1))
	assert.True(t, p.ShouldRetry(timeout, 2))
	assert.False(t, p.ShouldRetry(timeout, 3))
	assert.False(t, p.ShouldRetry(nil, 1))

	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}

	none := NewExponentialRetryPolicy(0, 0, 0)
	assert.False(t, none.ShouldRetry(timeout, 1))
}
