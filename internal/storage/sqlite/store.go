// Package sqlite provides a single-file SQLite store built on the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/storage"
)

//go:embed schema.sql
var schema string

const (
	websiteColumns   = `id, url, boundary_pattern, periodicity, label, active, tags, created_at`
	executionColumns = `e.id, e.website_id, e.status, e.start_time, e.end_time, e.pages_crawled, e.error_text`
	pageColumns      = `url, execution_id, crawled_at, title, status_code, elapsed_ms`
)

// Store implements crawler.Store on a SQLite database file. Timestamps are
// stored as Unix nanoseconds.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. Foreign keys are enforced on
// every connection and the journal runs in WAL mode.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := "file:" + path + "?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks that the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateWebsite inserts a new record.
func (s *Store) CreateWebsite(ctx context.Context, site crawler.WebsiteRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO websites (`+websiteColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		site.ID, site.URL, site.BoundaryPattern, string(site.Periodicity),
		site.Label, site.Active, storage.JoinTags(site.Tags), site.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert website %s: %w", site.ID, mapError(err))
	}
	return nil
}

// UpdateWebsite overwrites the mutable fields of an existing record.
func (s *Store) UpdateWebsite(ctx context.Context, site crawler.WebsiteRecord) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE websites
SET url = ?, boundary_pattern = ?, periodicity = ?, label = ?, active = ?, tags = ?
WHERE id = ?`,
		site.URL, site.BoundaryPattern, string(site.Periodicity),
		site.Label, site.Active, storage.JoinTags(site.Tags), site.ID,
	)
	if err != nil {
		return fmt.Errorf("update website %s: %w", site.ID, mapError(err))
	}
	return requireRow(res, "update website "+site.ID)
}

// DeleteWebsite removes a record; executions, pages and links cascade.
func (s *Store) DeleteWebsite(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM websites WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete website %s: %w", id, mapError(err))
	}
	return requireRow(res, "delete website "+id)
}

// GetWebsite fetches a record by ID.
func (s *Store) GetWebsite(ctx context.Context, id string) (crawler.WebsiteRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+websiteColumns+` FROM websites WHERE id = ?`, id)
	site, err := scanWebsite(row)
	if err != nil {
		return crawler.WebsiteRecord{}, fmt.Errorf("get website %s: %w", id, mapError(err))
	}
	return site, nil
}

// GetWebsiteByLabel fetches a record by its unique label.
func (s *Store) GetWebsiteByLabel(ctx context.Context, label string) (crawler.WebsiteRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+websiteColumns+` FROM websites WHERE label = ?`, label)
	site, err := scanWebsite(row)
	if err != nil {
		return crawler.WebsiteRecord{}, fmt.Errorf("get website label %q: %w", label, mapError(err))
	}
	return site, nil
}

// ListWebsites returns records matching filter.
func (s *Store) ListWebsites(ctx context.Context, filter crawler.WebsiteFilter) ([]crawler.WebsiteRecord, error) {
	q := storage.NewQuery(storage.Question)
	if filter.URL != "" {
		q.Where(`url LIKE %s ESCAPE '\'`, storage.Contains(filter.URL))
	}
	if filter.Label != "" {
		q.Where(`label LIKE %s ESCAPE '\'`, storage.Contains(filter.Label))
	}
	if len(filter.Tags) > 0 {
		conds := make([]string, len(filter.Tags))
		args := make([]any, len(filter.Tags))
		for i, tag := range filter.Tags {
			conds[i] = `instr('; ' || tags || '; ', %s) > 0`
			args[i] = "; " + tag + "; "
		}
		q.Where("("+strings.Join(conds, " OR ")+")", args...)
	}
	if filter.Active != nil {
		q.Where(`active = %s`, *filter.Active)
	}
	query := `SELECT ` + websiteColumns + ` FROM websites` + q.Clause() +
		storage.WebsiteOrder(filter.Sort) + q.Page(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, q.Args()...)
	if err != nil {
		return nil, fmt.Errorf("list websites: %w", err)
	}
	defer rows.Close()

	out := []crawler.WebsiteRecord{}
	for rows.Next() {
		site, err := scanWebsite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan website: %w", err)
		}
		out = append(out, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list websites: %w", err)
	}
	return out, nil
}

// GetOrCreateExecution returns the non-terminal execution of the website or
// stores a new pending one with newID. Both statements run on the single
// connection inside one transaction.
func (s *Store) GetOrCreateExecution(
	ctx context.Context,
	websiteID string,
	newID string,
	at time.Time,
) (crawler.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.Execution{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO executions (id, website_id, status, start_time)
VALUES (?, ?, ?, ?)
ON CONFLICT (website_id) WHERE status IN ('pending', 'running') DO NOTHING`,
		newID, websiteID, string(crawler.ExecutionPending), at.UnixNano(),
	)
	if err != nil {
		return crawler.Execution{}, fmt.Errorf("create execution for website %s: %w", websiteID, mapError(err))
	}
	row := tx.QueryRowContext(ctx, `
SELECT `+executionColumns+`
FROM executions e
WHERE e.website_id = ? AND e.status IN ('pending', 'running')`, websiteID)
	exec, err := scanExecution(row)
	if err != nil {
		return crawler.Execution{}, fmt.Errorf("read open execution for website %s: %w", websiteID, mapError(err))
	}
	if err := tx.Commit(); err != nil {
		return crawler.Execution{}, fmt.Errorf("commit: %w", err)
	}
	return exec, nil
}

// UpdateExecution overwrites the mutable fields of an execution.
func (s *Store) UpdateExecution(ctx context.Context, exec crawler.Execution) error {
	var end sql.NullInt64
	if exec.EndTime != nil {
		end = sql.NullInt64{Int64: exec.EndTime.UnixNano(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE executions
SET status = ?, start_time = ?, end_time = ?, pages_crawled = ?, error_text = ?
WHERE id = ?`,
		string(exec.Status), exec.StartTime.UnixNano(), end, exec.PagesCrawled, exec.ErrorText, exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, mapError(err))
	}
	return requireRow(res, "update execution "+exec.ID)
}

// GetExecution fetches an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (crawler.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions e WHERE e.id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		return crawler.Execution{}, fmt.Errorf("get execution %s: %w", id, mapError(err))
	}
	return exec, nil
}

// ListExecutions returns executions matching filter, newest first unless
// sorted by "start_time".
func (s *Store) ListExecutions(ctx context.Context, filter crawler.ExecutionFilter) ([]crawler.Execution, error) {
	q := storage.NewQuery(storage.Question)
	if filter.WebsiteID != "" {
		q.Where(`e.website_id = %s`, filter.WebsiteID)
	}
	if filter.Label != "" {
		q.Where(`w.label LIKE %s ESCAPE '\'`, storage.Contains(filter.Label))
	}
	query := `SELECT ` + executionColumns + ` FROM executions e JOIN websites w ON w.id = e.website_id` +
		q.Clause() + storage.ExecutionOrder(filter.Sort) + q.Page(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, q.Args()...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := []crawler.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
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

// UpsertCrawledPage inserts or overwrites the page keyed by URL.
func (s *Store) UpsertCrawledPage(ctx context.Context, page crawler.CrawledPage) error {
	var title sql.NullString
	if page.Title != nil {
		title = sql.NullString{String: *page.Title, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO crawled_pages (`+pageColumns+`)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (url) DO UPDATE SET
	execution_id = excluded.execution_id,
	crawled_at = excluded.crawled_at,
	title = excluded.title,
	status_code = excluded.status_code,
	elapsed_ms = excluded.elapsed_ms`,
		page.URL, page.ExecutionID, page.CrawledAt.UnixNano(), title, page.StatusCode, page.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("upsert page %s: %w", page.URL, mapError(err))
	}
	return nil
}

// EnsurePage creates a leaf page when the URL is unknown.
func (s *Store) EnsurePage(ctx context.Context, url string, executionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO crawled_pages (url, execution_id, crawled_at)
VALUES (?, ?, ?)
ON CONFLICT (url) DO NOTHING`, url, executionID, at.UnixNano())
	if err != nil {
		return fmt.Errorf("ensure page %s: %w", url, mapError(err))
	}
	return nil
}

// UpsertLink records a directed edge once.
func (s *Store) UpsertLink(ctx context.Context, link crawler.Link) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO links (from_url, to_url)
VALUES (?, ?)
ON CONFLICT (from_url, to_url) DO NOTHING`, link.From, link.To)
	if err != nil {
		return fmt.Errorf("upsert link %s -> %s: %w", link.From, link.To, mapError(err))
	}
	return nil
}

// WebsiteGraph returns the pages owned by the website's executions, every
// link leaving them, and the pages those links point at.
func (s *Store) WebsiteGraph(ctx context.Context, websiteID string) (crawler.Graph, error) {
	if _, err := s.GetWebsite(ctx, websiteID); err != nil {
		return crawler.Graph{}, err
	}
	graph := crawler.Graph{Pages: []crawler.CrawledPage{}, Links: []crawler.Link{}}

	pages, err := s.db.QueryContext(ctx, `
SELECT p.url, p.execution_id, p.crawled_at, p.title, p.status_code, p.elapsed_ms
FROM crawled_pages p
JOIN executions e ON e.id = p.execution_id
WHERE e.website_id = ?
UNION
SELECT t.url, t.execution_id, t.crawled_at, t.title, t.status_code, t.elapsed_ms
FROM links l
JOIN crawled_pages p ON p.url = l.from_url
JOIN executions e ON e.id = p.execution_id
JOIN crawled_pages t ON t.url = l.to_url
WHERE e.website_id = ?
ORDER BY url`, websiteID, websiteID)
	if err != nil {
		return crawler.Graph{}, fmt.Errorf("graph pages: %w", err)
	}
	defer pages.Close()
	for pages.Next() {
		page, err := scanPage(pages)
		if err != nil {
			return crawler.Graph{}, fmt.Errorf("scan page: %w", err)
		}
		graph.Pages = append(graph.Pages, page)
	}
	if err := pages.Err(); err != nil {
		return crawler.Graph{}, fmt.Errorf("graph pages: %w", err)
	}
	// The single connection must be free before the next query.
	_ = pages.Close()

	links, err := s.db.QueryContext(ctx, `
SELECT l.from_url, l.to_url
FROM links l
JOIN crawled_pages p ON p.url = l.from_url
JOIN executions e ON e.id = p.execution_id
WHERE e.website_id = ?
ORDER BY l.from_url, l.to_url`, websiteID)
	if err != nil {
		return crawler.Graph{}, fmt.Errorf("graph links: %w", err)
	}
	defer links.Close()
	for links.Next() {
		var link crawler.Link
		if err := links.Scan(&link.From, &link.To); err != nil {
			return crawler.Graph{}, fmt.Errorf("scan link: %w", err)
		}
		graph.Links = append(graph.Links, link)
	}
	if err := links.Err(); err != nil {
		return crawler.Graph{}, fmt.Errorf("graph links: %w", err)
	}
	return graph, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWebsite(row scanner) (crawler.WebsiteRecord, error) {
	var (
		site        crawler.WebsiteRecord
		periodicity string
		tags        string
		created     int64
	)
	err := row.Scan(
		&site.ID, &site.URL, &site.BoundaryPattern, &periodicity,
		&site.Label, &site.Active, &tags, &created,
	)
	if err != nil {
		return crawler.WebsiteRecord{}, err
	}
	site.Periodicity = crawler.Periodicity(periodicity)
	site.Tags = storage.SplitTags(tags)
	site.CreatedAt = fromNanos(created)
	return site, nil
}

func scanExecution(row scanner) (crawler.Execution, error) {
	var (
		exec   crawler.Execution
		status string
		start  int64
		end    sql.NullInt64
	)
	err := row.Scan(&exec.ID, &exec.WebsiteID, &status, &start, &end, &exec.PagesCrawled, &exec.ErrorText)
	if err != nil {
		return crawler.Execution{}, err
	}
	exec.Status = crawler.ExecutionStatus(status)
	exec.StartTime = fromNanos(start)
	if end.Valid {
		t := fromNanos(end.Int64)
		exec.EndTime = &t
	}
	return exec, nil
}

func scanPage(row scanner) (crawler.CrawledPage, error) {
	var (
		page    crawler.CrawledPage
		crawled int64
		title   sql.NullString
		elapsed int64
	)
	err := row.Scan(&page.URL, &page.ExecutionID, &crawled, &title, &page.StatusCode, &elapsed)
	if err != nil {
		return crawler.CrawledPage{}, err
	}
	page.CrawledAt = fromNanos(crawled)
	if title.Valid {
		t := title.String
		page.Title = &t
	}
	page.Elapsed = time.Duration(elapsed) * time.Millisecond
	return page, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, crawler.ErrNotFound)
	}
	return nil
}

// mapError translates driver errors into crawler sentinels.
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ErrNotFound
	}
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return err
	}
	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %s", crawler.ErrDuplicate, sqlErr.Error())
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: %s", crawler.ErrNotFound, sqlErr.Error())
	}
	if sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		switch msg := sqlErr.Error(); {
		case strings.Contains(msg, "UNIQUE"):
			return fmt.Errorf("%w: %s", crawler.ErrDuplicate, msg)
		case strings.Contains(msg, "FOREIGN KEY"):
			return fmt.Errorf("%w: %s", crawler.ErrNotFound, msg)
		}
	}
	return err
}
