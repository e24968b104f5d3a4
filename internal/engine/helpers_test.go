package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/parser"
	"github.com/JakeFAU/sitegraph-crawler/internal/publisher/memory"
	memstore "github.com/JakeFAU/sitegraph-crawler/internal/storage/memory"
)

type fakePage struct {
	status int
	body   string
	err    error
}

// fakeFetcher serves canned pages and counts calls per URL.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]fakePage
	calls   map[string]int
	onFetch func(url string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]fakePage{}, calls: map[string]int{}}
}

func (f *fakeFetcher) html(url, title string, links ...string) {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body>", title)
	for _, l := range links {
		fmt.Fprintf(&b, `<a href="%s">x</a>`, l)
	}
	b.WriteString("</body></html>")
	f.set(url, fakePage{status: 200, body: b.String()})
}

func (f *fakeFetcher) set(url string, page fakePage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = page
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	page, ok := f.pages[req.URL]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(req.URL)
	}
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: 404}, nil
	}
	if page.err != nil {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, Err: page.err}
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: page.status,
		Body:       []byte(page.body),
		Elapsed:    5 * time.Millisecond,
	}, nil
}

func (f *fakeFetcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeFetcher) maxCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	highest := 0
	for _, n := range f.calls {
		highest = max(highest, n)
	}
	return highest
}

// stepClock advances one second on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("exec-%d", s.n), nil
}

// failingStore fails UpsertLink after the configured number of calls.
type failingStore struct {
	*memstore.Store
	mu        sync.Mutex
	linkCalls int
	failAfter int
}

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) UpsertLink(ctx context.Context, link crawler.Link) error {
	s.mu.Lock()
	s.linkCalls++
	fail := s.linkCalls > s.failAfter
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.Store.UpsertLink(ctx, link)
}

type harness struct {
	store     *memstore.Store
	repo      crawler.Repository
	fetcher   *fakeFetcher
	publisher *memory.Publisher
	tracker   *Tracker
	engine    *Engine
	clock     *stepClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := memstore.New()
	return newHarnessWithRepo(t, store, store, cfg)
}

func newHarnessWithRepo(t *testing.T, store *memstore.Store, repo crawler.Repository, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:     store,
		repo:      repo,
		fetcher:   newFakeFetcher(),
		publisher: memory.New(),
		clock:     newStepClock(),
	}
	h.tracker = NewTracker(repo, h.publisher, &seqIDs{}, h.clock, "executions", zap.NewNop())
	h.engine = New(repo, h.fetcher, parser.New(), nil, h.clock, cfg, zap.NewNop())
	return h
}

func (h *harness) addSite(t *testing.T, id, url, pattern string) crawler.WebsiteRecord {
	t.Helper()
	site := crawler.WebsiteRecord{
		ID:              id,
		URL:             url,
		BoundaryPattern: pattern,
		Periodicity:     crawler.PeriodHour,
		Label:           id,
		Active:          true,
	}
	require.NoError(t, h.store.CreateWebsite(context.Background(), site))
	return site
}

// crawl opens an execution for site and runs it to completion.
func (h *harness) crawl(ctx context.Context, t *testing.T, site crawler.WebsiteRecord) (crawler.Execution, error) {
	t.Helper()
	exec, err := h.tracker.Open(context.Background(), site.ID)
	require.NoError(t, err)
	runErr := h.engine.Run(ctx, site, h.tracker.Track(exec))
	stored, err := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	return stored, runErr
}
