package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerPagesTotal == nil || crawlerBytesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil ||
		crawlerExecutionsTotal == nil || crawlerActiveExecutions == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservePage(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("pages.example", OutcomeCrawled))
	bytesBefore := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("pages.example"))

	ObservePage("https://Pages.Example/a", OutcomeCrawled, 128, 20*time.Millisecond)
	ObservePage("https://pages.example/b", OutcomeFetchError, 0, 0)

	if val := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("pages.example", OutcomeCrawled)); val != before+1 {
		t.Errorf("Expected crawled pages to grow by 1, got %f", val-before)
	}
	if val := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("pages.example")); val != bytesBefore+128 {
		t.Errorf("Expected 128 bytes recorded, got %f", val-bytesBefore)
	}
}

func TestObserveLinksAndExecutions(t *testing.T) {
	Init()
	inBefore := testutil.ToFloat64(crawlerLinksTotal.WithLabelValues("links.example", "in"))
	outBefore := testutil.ToFloat64(crawlerLinksTotal.WithLabelValues("links.example", "out"))
	execBefore := testutil.ToFloat64(crawlerExecutionsTotal.WithLabelValues("completed"))

	ObserveLinks("https://links.example/", 3, 1)
	ObserveExecution("completed")
	IncActiveExecutions()
	DecActiveExecutions()

	if val := testutil.ToFloat64(crawlerLinksTotal.WithLabelValues("links.example", "in")); val != inBefore+3 {
		t.Errorf("Expected 3 in-scope links, got %f", val-inBefore)
	}
	if val := testutil.ToFloat64(crawlerLinksTotal.WithLabelValues("links.example", "out")); val != outBefore+1 {
		t.Errorf("Expected 1 out-of-scope link, got %f", val-outBefore)
	}
	if val := testutil.ToFloat64(crawlerExecutionsTotal.WithLabelValues("completed")); val != execBefore+1 {
		t.Errorf("Expected completed executions to grow by 1, got %f", val-execBefore)
	}
}

func TestSetQueueDepth(t *testing.T) {
	Init()
	SetQueueDepth(3)
	if val := testutil.ToFloat64(crawlerQueueDepth); val != 3 {
		t.Errorf("Expected queue depth 3, got %f", val)
	}
	SetQueueDepth(0)
}

func TestObserveThrottled(t *testing.T) {
	Init()
	before := testutil.ToFloat64(httpThrottledTotal.WithLabelValues("POST"))
	ObserveThrottled("POST")
	if val := testutil.ToFloat64(httpThrottledTotal.WithLabelValues("POST")); val != before+1 {
		t.Errorf("Expected throttled count to grow by 1, got %f", val-before)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
