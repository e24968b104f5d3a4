// Package memory provides an in-memory store for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
)

// Store implements crawler.Store with maps guarded by a single lock.
type Store struct {
	mu         sync.RWMutex
	websites   map[string]crawler.WebsiteRecord
	executions map[string]crawler.Execution
	pages      map[string]crawler.CrawledPage
	links      map[crawler.Link]struct{}
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		websites:   make(map[string]crawler.WebsiteRecord),
		executions: make(map[string]crawler.Execution),
		pages:      make(map[string]crawler.CrawledPage),
		links:      make(map[crawler.Link]struct{}),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// CreateWebsite stores a new record. URL and label must be unique.
func (s *Store) CreateWebsite(_ context.Context, site crawler.WebsiteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.websites[site.ID]; exists {
		return fmt.Errorf("website %s: %w", site.ID, crawler.ErrDuplicate)
	}
	if err := s.checkUniqueLocked(site); err != nil {
		return err
	}
	s.websites[site.ID] = cloneWebsite(site)
	return nil
}

// UpdateWebsite overwrites an existing record.
func (s *Store) UpdateWebsite(_ context.Context, site crawler.WebsiteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.websites[site.ID]
	if !ok {
		return fmt.Errorf("website %s: %w", site.ID, crawler.ErrNotFound)
	}
	if err := s.checkUniqueLocked(site); err != nil {
		return err
	}
	site.CreatedAt = current.CreatedAt
	s.websites[site.ID] = cloneWebsite(site)
	return nil
}

func (s *Store) checkUniqueLocked(site crawler.WebsiteRecord) error {
	for id, other := range s.websites {
		if id == site.ID {
			continue
		}
		if other.URL == site.URL {
			return fmt.Errorf("website url %q: %w", site.URL, crawler.ErrDuplicate)
		}
		if other.Label == site.Label {
			return fmt.Errorf("website label %q: %w", site.Label, crawler.ErrDuplicate)
		}
	}
	return nil
}

// DeleteWebsite removes the record with its executions, their pages and
// every link touching those pages.
func (s *Store) DeleteWebsite(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.websites[id]; !ok {
		return fmt.Errorf("website %s: %w", id, crawler.ErrNotFound)
	}
	delete(s.websites, id)

	owned := make(map[string]struct{})
	for execID, exec := range s.executions {
		if exec.WebsiteID == id {
			owned[execID] = struct{}{}
			delete(s.executions, execID)
		}
	}
	removed := make(map[string]struct{})
	for url, page := range s.pages {
		if _, ok := owned[page.ExecutionID]; ok {
			removed[url] = struct{}{}
			delete(s.pages, url)
		}
	}
	for link := range s.links {
		_, from := removed[link.From]
		_, to := removed[link.To]
		if from || to {
			delete(s.links, link)
		}
	}
	return nil
}

// GetWebsite fetches a record by ID.
func (s *Store) GetWebsite(_ context.Context, id string) (crawler.WebsiteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.websites[id]
	if !ok {
		return crawler.WebsiteRecord{}, fmt.Errorf("website %s: %w", id, crawler.ErrNotFound)
	}
	return cloneWebsite(site), nil
}

// GetWebsiteByLabel fetches a record by its unique label.
func (s *Store) GetWebsiteByLabel(_ context.Context, label string) (crawler.WebsiteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, site := range s.websites {
		if site.Label == label {
			return cloneWebsite(site), nil
		}
	}
	return crawler.WebsiteRecord{}, fmt.Errorf("website label %q: %w", label, crawler.ErrNotFound)
}

// ListWebsites returns records matching filter.
func (s *Store) ListWebsites(_ context.Context, filter crawler.WebsiteFilter) ([]crawler.WebsiteRecord, error) {
	s.mu.RLock()
	out := make([]crawler.WebsiteRecord, 0, len(s.websites))
	for _, site := range s.websites {
		if matchWebsite(site, filter) {
			out = append(out, cloneWebsite(site))
		}
	}
	lastCrawled := make(map[string]time.Time)
	for _, exec := range s.executions {
		if exec.StartTime.After(lastCrawled[exec.WebsiteID]) {
			lastCrawled[exec.WebsiteID] = exec.StartTime
		}
	}
	s.mu.RUnlock()

	sortWebsites(out, filter.Sort, lastCrawled)
	return paginate(out, filter.Limit, filter.Offset), nil
}

func matchWebsite(site crawler.WebsiteRecord, filter crawler.WebsiteFilter) bool {
	if filter.URL != "" && !containsFold(site.URL, filter.URL) {
		return false
	}
	if filter.Label != "" && !containsFold(site.Label, filter.Label) {
		return false
	}
	if len(filter.Tags) > 0 && !slices.ContainsFunc(filter.Tags, func(tag string) bool {
		return slices.Contains(site.Tags, tag)
	}) {
		return false
	}
	if filter.Active != nil && site.Active != *filter.Active {
		return false
	}
	return true
}

// sortWebsites orders sites by the filter's sort key. Sites never crawled
// come first in last_crawled order and last in -last_crawled order.
func sortWebsites(sites []crawler.WebsiteRecord, order string, lastCrawled map[string]time.Time) {
	desc := strings.HasPrefix(order, "-")
	var cmp func(a, b crawler.WebsiteRecord) int
	switch strings.TrimPrefix(order, "-") {
	case "url":
		cmp = func(a, b crawler.WebsiteRecord) int { return strings.Compare(a.URL, b.URL) }
	case "label":
		cmp = func(a, b crawler.WebsiteRecord) int { return strings.Compare(a.Label, b.Label) }
	case "last_crawled":
		cmp = func(a, b crawler.WebsiteRecord) int { return lastCrawled[a.ID].Compare(lastCrawled[b.ID]) }
	default:
		desc = false
		cmp = func(a, b crawler.WebsiteRecord) int { return a.CreatedAt.Compare(b.CreatedAt) }
	}
	slices.SortStableFunc(sites, func(a, b crawler.WebsiteRecord) int {
		c := cmp(a, b)
		if desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// GetOrCreateExecution returns the non-terminal execution of the website or
// stores a new pending one with newID.
func (s *Store) GetOrCreateExecution(
	_ context.Context,
	websiteID string,
	newID string,
	at time.Time,
) (crawler.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.websites[websiteID]; !ok {
		return crawler.Execution{}, fmt.Errorf("website %s: %w", websiteID, crawler.ErrNotFound)
	}
	for _, exec := range s.executions {
		if exec.WebsiteID == websiteID && !exec.Status.Terminal() {
			return cloneExecution(exec), nil
		}
	}
	exec := crawler.Execution{
		ID:        newID,
		WebsiteID: websiteID,
		Status:    crawler.ExecutionPending,
		StartTime: at,
	}
	s.executions[newID] = exec
	return cloneExecution(exec), nil
}

// UpdateExecution overwrites an existing execution.
func (s *Store) UpdateExecution(_ context.Context, exec crawler.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return fmt.Errorf("execution %s: %w", exec.ID, crawler.ErrNotFound)
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// GetExecution fetches an execution by ID.
func (s *Store) GetExecution(_ context.Context, id string) (crawler.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return crawler.Execution{}, fmt.Errorf("execution %s: %w", id, crawler.ErrNotFound)
	}
	return cloneExecution(exec), nil
}

// ListExecutions returns executions matching filter, newest first unless
// sorted by "start_time".
func (s *Store) ListExecutions(_ context.Context, filter crawler.ExecutionFilter) ([]crawler.Execution, error) {
	s.mu.RLock()
	out := make([]crawler.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		if filter.WebsiteID != "" && exec.WebsiteID != filter.WebsiteID {
			continue
		}
		if filter.Label != "" && !containsFold(s.websites[exec.WebsiteID].Label, filter.Label) {
			continue
		}
		out = append(out, cloneExecution(exec))
	}
	s.mu.RUnlock()

	asc := filter.Sort == "start_time"
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.StartTime.Equal(b.StartTime) {
			if asc {
				return a.StartTime.Before(b.StartTime)
			}
			return a.StartTime.After(b.StartTime)
		}
		if asc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// LatestExecution returns the most recently started execution of a website.
func (s *Store) LatestExecution(ctx context.Context, websiteID string) (crawler.Execution, error) {
	execs, err := s.ListExecutions(ctx, crawler.ExecutionFilter{WebsiteID: websiteID, Limit: 1})
	if err != nil {
		return crawler.Execution{}, err
	}
	if len(execs) == 0 {
		return crawler.Execution{}, fmt.Errorf("executions of website %s: %w", websiteID, crawler.ErrNotFound)
	}
	return execs[0], nil
}

// UpsertCrawledPage inserts or overwrites the page keyed by URL. The
// execution must still exist.
func (s *Store) UpsertCrawledPage(_ context.Context, page crawler.CrawledPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[page.ExecutionID]; !ok {
		return fmt.Errorf("page %s execution %s: %w", page.URL, page.ExecutionID, crawler.ErrNotFound)
	}
	s.pages[page.URL] = clonePage(page)
	return nil
}

// EnsurePage creates a leaf page when the URL is unknown.
func (s *Store) EnsurePage(_ context.Context, url string, executionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[url]; ok {
		return nil
	}
	if _, ok := s.executions[executionID]; !ok {
		return fmt.Errorf("page %s execution %s: %w", url, executionID, crawler.ErrNotFound)
	}
	s.pages[url] = crawler.CrawledPage{URL: url, ExecutionID: executionID, CrawledAt: at}
	return nil
}

// UpsertLink records a directed edge once.
func (s *Store) UpsertLink(_ context.Context, link crawler.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link] = struct{}{}
	return nil
}

// WebsiteGraph returns the pages owned by the website's executions, every
// link leaving them, and the pages those links point at.
func (s *Store) WebsiteGraph(_ context.Context, websiteID string) (crawler.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.websites[websiteID]; !ok {
		return crawler.Graph{}, fmt.Errorf("website %s: %w", websiteID, crawler.ErrNotFound)
	}

	nodes := make(map[string]crawler.CrawledPage)
	for url, page := range s.pages {
		if exec, ok := s.executions[page.ExecutionID]; ok && exec.WebsiteID == websiteID {
			nodes[url] = clonePage(page)
		}
	}
	graph := crawler.Graph{Pages: []crawler.CrawledPage{}, Links: []crawler.Link{}}
	for link := range s.links {
		if _, ok := nodes[link.From]; ok {
			graph.Links = append(graph.Links, link)
		}
	}
	for _, link := range graph.Links {
		if _, ok := nodes[link.To]; ok {
			continue
		}
		if page, ok := s.pages[link.To]; ok {
			nodes[link.To] = clonePage(page)
		}
	}
	for _, page := range nodes {
		graph.Pages = append(graph.Pages, page)
	}
	sort.Slice(graph.Pages, func(i, j int) bool { return graph.Pages[i].URL < graph.Pages[j].URL })
	sort.Slice(graph.Links, func(i, j int) bool {
		if graph.Links[i].From != graph.Links[j].From {
			return graph.Links[i].From < graph.Links[j].From
		}
		return graph.Links[i].To < graph.Links[j].To
	})
	return graph, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func cloneWebsite(site crawler.WebsiteRecord) crawler.WebsiteRecord {
	site.Tags = slices.Clone(site.Tags)
	return site
}

func cloneExecution(exec crawler.Execution) crawler.Execution {
	if exec.EndTime != nil {
		end := *exec.EndTime
		exec.EndTime = &end
	}
	return exec
}

func clonePage(page crawler.CrawledPage) crawler.CrawledPage {
	if page.Title != nil {
		title := *page.Title
		page.Title = &title
	}
	return page
}
