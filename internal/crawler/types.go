// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionStatus represents the lifecycle state of a crawl execution.
type ExecutionStatus string

// Execution status values persisted in the repository.
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed:
		return true
	default:
		return false
	}
}

// Periodicity is how often the scheduler re-crawls a website.
type Periodicity string

// Supported periodicities.
const (
	PeriodMinute Periodicity = "minute"
	PeriodHour   Periodicity = "hour"
	PeriodDay    Periodicity = "day"
)

// Interval converts the periodicity into a duration. Unknown values fall back
// to a minute, matching the scheduler default.
func (p Periodicity) Interval() time.Duration {
	switch p {
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Valid reports whether p is one of the supported values.
func (p Periodicity) Valid() bool {
	switch p {
	case PeriodMinute, PeriodHour, PeriodDay:
		return true
	default:
		return false
	}
}

// WebsiteRecord describes a site to crawl and the rule bounding traversal.
type WebsiteRecord struct {
	ID              string      `json:"id"`
	URL             string      `json:"url"`
	BoundaryPattern string      `json:"boundary_pattern"`
	Periodicity     Periodicity `json:"periodicity"`
	Label           string      `json:"label"`
	Active          bool        `json:"active"`
	Tags            []string    `json:"tags"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Validate checks the fields a crawl depends on.
func (w WebsiteRecord) Validate() error {
	if strings.TrimSpace(w.Label) == "" {
		return fmt.Errorf("%w: label is required", ErrInvalidWebsite)
	}
	if _, err := NormalizeURL(w.URL); err != nil {
		return fmt.Errorf("%w: url %q is not absolute", ErrInvalidWebsite, w.URL)
	}
	if !strings.HasPrefix(strings.ToLower(w.URL), "http://") &&
		!strings.HasPrefix(strings.ToLower(w.URL), "https://") {
		return fmt.Errorf("%w: url must use http or https", ErrInvalidWebsite)
	}
	if !w.Periodicity.Valid() {
		return fmt.Errorf("%w: periodicity must be minute, hour or day", ErrInvalidWebsite)
	}
	if _, err := CompileBoundary(w.BoundaryPattern); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWebsite, err)
	}
	return nil
}

// Execution is one timestamped crawl run against a WebsiteRecord.
type Execution struct {
	ID           string          `json:"id"`
	WebsiteID    string          `json:"website_id"`
	Status       ExecutionStatus `json:"status"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	PagesCrawled int             `json:"pages_crawled"`
	ErrorText    string          `json:"error_text,omitempty"`
}

// Finish moves the execution into a terminal status and stamps EndTime.
func (e *Execution) Finish(status ExecutionStatus, at time.Time, errText string) {
	e.Status = status
	end := at
	e.EndTime = &end
	e.ErrorText = errText
}

// CrawledPage is one page in the corpus. URL is unique across all executions.
type CrawledPage struct {
	URL         string        `json:"url"`
	ExecutionID string        `json:"execution_id"`
	CrawledAt   time.Time     `json:"crawled_at"`
	Title       *string       `json:"title,omitempty"`
	StatusCode  int           `json:"status_code"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Fetched reports whether the page body was ever retrieved, as opposed to a
// page known only as the target of a link.
func (p CrawledPage) Fetched() bool {
	return p.StatusCode != 0
}

// Link is a directed edge between two crawled pages.
type Link struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the stored page graph for one website.
type Graph struct {
	Pages []CrawledPage `json:"pages"`
	Links []Link        `json:"links"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	ExecutionID string
	URL         string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Elapsed    time.Duration
}

// OK reports a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ParsedPage is what the parser extracts from an HTML body.
type ParsedPage struct {
	Title string
	Links []string
}

// WebsiteFilter narrows ListWebsites results. A record matches Tags when
// it carries any of them.
type WebsiteFilter struct {
	URL    string
	Label  string
	Tags   []string
	Active *bool
	Sort   string
	Limit  int
	Offset int
}

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter struct {
	WebsiteID string
	Label     string
	Sort      string
	Limit     int
	Offset    int
}

// QueueItem wraps an execution ready to run.
type QueueItem struct {
	ExecutionID string
	WebsiteID   string
	Attempt     int
	Submitted   int64
}
