package crawler

import (
	"context"
	"time"
)

// Repository is the persistence contract the crawl engine depends on.
type Repository interface {
	GetWebsite(ctx context.Context, id string) (WebsiteRecord, error)
	GetWebsiteByLabel(ctx context.Context, label string) (WebsiteRecord, error)
	// GetOrCreateExecution returns the non-terminal execution of the website
	// if one exists, otherwise it stores and returns a new pending one.
	GetOrCreateExecution(ctx context.Context, websiteID string, newID string, at time.Time) (Execution, error)
	UpdateExecution(ctx context.Context, exec Execution) error
	// UpsertCrawledPage inserts or overwrites the page keyed by its URL.
	UpsertCrawledPage(ctx context.Context, page CrawledPage) error
	// EnsurePage creates a leaf page (no title, never fetched) if the URL is
	// unknown. Existing pages are left untouched.
	EnsurePage(ctx context.Context, url string, executionID string, at time.Time) error
	UpsertLink(ctx context.Context, link Link) error
}

// Catalog covers record management and read models used by the API and scheduler.
type Catalog interface {
	CreateWebsite(ctx context.Context, site WebsiteRecord) error
	UpdateWebsite(ctx context.Context, site WebsiteRecord) error
	DeleteWebsite(ctx context.Context, id string) error
	ListWebsites(ctx context.Context, filter WebsiteFilter) ([]WebsiteRecord, error)
	GetExecution(ctx context.Context, id string) (Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
	// LatestExecution returns the most recently started execution of a website.
	LatestExecution(ctx context.Context, websiteID string) (Execution, error)
	WebsiteGraph(ctx context.Context, websiteID string) (Graph, error)
}

// Store is the full persistence surface implemented by every backend.
type Store interface {
	Repository
	Catalog
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser extracts the title and outbound links from a page body.
type Parser interface {
	Parse(sourceURL string, body []byte) (ParsedPage, error)
}

// Publisher pushes execution lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for crawl runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// RetryPolicy decides whether a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces execution and website IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
