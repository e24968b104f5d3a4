package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitegraph-crawler/internal/config"
	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
)

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, TimeoutSeconds: 5},
		Crawler: config.CrawlerConfig{Concurrency: 1, PageWorkers: 2, QueueDepth: 4, UserAgent: "test-bot"},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 2, BackoffInitialMs: 10, BackoffMaxMs: 20},
		DB:      config.DBConfig{Driver: config.DriverMemory, Migrate: true},
		Logging: config.LoggingConfig{Level: "error"},
	}
}

func newSite(t *testing.T) (*httptest.Server, crawler.WebsiteRecord) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><title>Home</title><a href="/about">about</a><a href="https://elsewhere.invalid/">x</a></html>`))
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><title>About</title><a href="/">home</a></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, crawler.WebsiteRecord{
		ID:              "site-1",
		URL:             srv.URL + "/",
		BoundaryPattern: regexp.QuoteMeta(srv.URL) + "/",
		Periodicity:     crawler.PeriodHour,
		Label:           "local",
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.DB.Driver = "mongo"
	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "invalid config")
}

func TestCrawlOnceWithMemoryStore(t *testing.T) {
	app, err := Build(context.Background(), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	_, site := newSite(t)
	require.NoError(t, app.Store().CreateWebsite(context.Background(), site))

	exec, err := app.CrawlOnce(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, crawler.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.PagesCrawled)
	require.NotNil(t, exec.EndTime)

	graph, err := app.Store().WebsiteGraph(context.Background(), site.ID)
	require.NoError(t, err)
	assert.Len(t, graph.Pages, 3)
	assert.Len(t, graph.Links, 3)
}

func TestCrawlOnceWithSQLiteStore(t *testing.T) {
	cfg := testConfig()
	cfg.DB.Driver = config.DriverSQLite
	cfg.DB.SQLitePath = filepath.Join(t.TempDir(), "crawl.db")

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	_, site := newSite(t)
	require.NoError(t, app.Store().CreateWebsite(context.Background(), site))

	exec, err := app.CrawlOnce(context.Background(), site.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.PagesCrawled)

	history, err := app.Store().ListExecutions(context.Background(), crawler.ExecutionFilter{WebsiteID: site.ID})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCrawlOnceUnknownWebsite(t *testing.T) {
	app, err := Build(context.Background(), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	_, err = app.CrawlOnce(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestRunServesAPIUntilCanceled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := testConfig()
	cfg.Server.Port = port
	cfg.Scheduler = config.SchedulerConfig{Enabled: true, TickSeconds: 1}
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test probe
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandlerReportsReadiness(t *testing.T) {
	cfg := testConfig()
	cfg.DB.Driver = config.DriverSQLite
	cfg.DB.SQLitePath = filepath.Join(t.TempDir(), "ready.db")
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
