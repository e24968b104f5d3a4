// Package postgres provides the Postgres-backed crawler store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/storage"
)

//go:embed schema.sql
var schema string

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

const (
	websiteColumns   = `id, url, boundary_pattern, periodicity, label, active, tags, created_at`
	executionColumns = `e.id, e.website_id, e.status, e.start_time, e.end_time, e.pages_crawled, e.error_text`
	pageColumns      = `url, execution_id, crawled_at, title, status_code, elapsed_ms`
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool pool
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// CreateWebsite inserts a new record.
func (s *Store) CreateWebsite(ctx context.Context, site crawler.WebsiteRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO websites (`+websiteColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		site.ID, site.URL, site.BoundaryPattern, string(site.Periodicity),
		site.Label, site.Active, tagsOrEmpty(site.Tags), site.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert website %s: %w", site.ID, mapError(err))
	}
	return nil
}

// UpdateWebsite overwrites the mutable fields of an existing record.
func (s *Store) UpdateWebsite(ctx context.Context, site crawler.WebsiteRecord) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE websites
SET url = $2, boundary_pattern = $3, periodicity = $4, label = $5, active = $6, tags = $7
WHERE id = $1`,
		site.ID, site.URL, site.BoundaryPattern, string(site.Periodicity),
		site.Label, site.Active, tagsOrEmpty(site.Tags),
	)
	if err != nil {
		return fmt.Errorf("update website %s: %w", site.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update website %s: %w", site.ID, crawler.ErrNotFound)
	}
	return nil
}

// DeleteWebsite removes a record; executions, pages and links cascade.
func (s *Store) DeleteWebsite(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM websites WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete website %s: %w", id, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete website %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// GetWebsite fetches a record by ID.
func (s *Store) GetWebsite(ctx context.Context, id string) (crawler.WebsiteRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+websiteColumns+` FROM websites WHERE id = $1`, id)
	site, err := scanWebsite(row)
	if err != nil {
		return crawler.WebsiteRecord{}, fmt.Errorf("get website %s: %w", id, mapError(err))
	}
	return site, nil
}

// GetWebsiteByLabel fetches a record by its unique label.
func (s *Store) GetWebsiteByLabel(ctx context.Context, label string) (crawler.WebsiteRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+websiteColumns+` FROM websites WHERE label = $1`, label)
	site, err := scanWebsite(row)
	if err != nil {
		return crawler.WebsiteRecord{}, fmt.Errorf("get website label %q: %w", label, mapError(err))
	}
	return site, nil
}

// ListWebsites returns records matching filter.
func (s *Store) ListWebsites(ctx context.Context, filter crawler.WebsiteFilter) ([]crawler.WebsiteRecord, error) {
	q := storage.NewQuery(storage.Dollar)
	if filter.URL != "" {
		q.Where(`url ILIKE %s ESCAPE '\'`, storage.Contains(filter.URL))
	}
	if filter.Label != "" {
		q.Where(`label ILIKE %s ESCAPE '\'`, storage.Contains(filter.Label))
	}
	if len(filter.Tags) > 0 {
		q.Where(`tags && %s`, filter.Tags)
	}
	if filter.Active != nil {
		q.Where(`active = %s`, *filter.Active)
	}
	sql := `SELECT ` + websiteColumns + ` FROM websites` + q.Clause() +
		storage.WebsiteOrder(filter.Sort) + q.Page(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, sql, q.Args()...)
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
// stores a new pending one with newID. The executions_one_active index makes
// the insert a no-op when another execution is still open.
func (s *Store) GetOrCreateExecution(
	ctx context.Context,
	websiteID string,
	newID string,
	at time.Time,
) (crawler.Execution, error) {
	// An open execution may finish between the insert and the read; retry.
	for attempt := 0; attempt < 3; attempt++ {
		_, err := s.pool.Exec(ctx, `
INSERT INTO executions (id, website_id, status, start_time)
VALUES ($1, $2, $3, $4)
ON CONFLICT (website_id) WHERE status IN ('pending', 'running') DO NOTHING`,
			newID, websiteID, string(crawler.ExecutionPending), at,
		)
		if err != nil {
			return crawler.Execution{}, fmt.Errorf("create execution for website %s: %w", websiteID, mapError(err))
		}
		row := s.pool.QueryRow(ctx, `
SELECT `+executionColumns+`
FROM executions e
WHERE e.website_id = $1 AND e.status IN ('pending', 'running')`, websiteID)
		exec, err := scanExecution(row)
		if err == nil {
			return exec, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return crawler.Execution{}, fmt.Errorf("read open execution for website %s: %w", websiteID, err)
		}
	}
	return crawler.Execution{}, fmt.Errorf("open execution for website %s: lost race with concurrent runs", websiteID)
}

// UpdateExecution overwrites the mutable fields of an execution.
func (s *Store) UpdateExecution(ctx context.Context, exec crawler.Execution) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE executions
SET status = $2, start_time = $3, end_time = $4, pages_crawled = $5, error_text = $6
WHERE id = $1`,
		exec.ID, string(exec.Status), exec.StartTime, exec.EndTime, exec.PagesCrawled, exec.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update execution %s: %w", exec.ID, crawler.ErrNotFound)
	}
	return nil
}

// GetExecution fetches an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (crawler.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions e WHERE e.id = $1`, id)
	exec, err := scanExecution(row)
	if err != nil {
		return crawler.Execution{}, fmt.Errorf("get execution %s: %w", id, mapError(err))
	}
	return exec, nil
}

// ListExecutions returns executions matching filter, newest first unless
// sorted by "start_time".
func (s *Store) ListExecutions(ctx context.Context, filter crawler.ExecutionFilter) ([]crawler.Execution, error) {
	q := storage.NewQuery(storage.Dollar)
	if filter.WebsiteID != "" {
		q.Where(`e.website_id = %s`, filter.WebsiteID)
	}
	if filter.Label != "" {
		q.Where(`w.label ILIKE %s ESCAPE '\'`, storage.Contains(filter.Label))
	}
	sql := `SELECT ` + executionColumns + ` FROM executions e JOIN websites w ON w.id = e.website_id` +
		q.Clause() + storage.ExecutionOrder(filter.Sort) + q.Page(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, sql, q.Args()...)
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
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawled_pages (`+pageColumns+`)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (url) DO UPDATE SET
	execution_id = EXCLUDED.execution_id,
	crawled_at = EXCLUDED.crawled_at,
	title = EXCLUDED.title,
	status_code = EXCLUDED.status_code,
	elapsed_ms = EXCLUDED.elapsed_ms`,
		page.URL, page.ExecutionID, page.CrawledAt, page.Title, page.StatusCode, page.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("upsert page %s: %w", page.URL, mapError(err))
	}
	return nil
}

// EnsurePage creates a leaf page when the URL is unknown.
func (s *Store) EnsurePage(ctx context.Context, url string, executionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawled_pages (url, execution_id, crawled_at)
VALUES ($1, $2, $3)
ON CONFLICT (url) DO NOTHING`, url, executionID, at)
	if err != nil {
		return fmt.Errorf("ensure page %s: %w", url, mapError(err))
	}
	return nil
}

// UpsertLink records a directed edge once.
func (s *Store) UpsertLink(ctx context.Context, link crawler.Link) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO links (from_url, to_url)
VALUES ($1, $2)
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

	rows, err := s.pool.Query(ctx, `
SELECT p.url, p.execution_id, p.crawled_at, p.title, p.status_code, p.elapsed_ms
FROM crawled_pages p
JOIN executions e ON e.id = p.execution_id
WHERE e.website_id = $1
UNION
SELECT t.url, t.execution_id, t.crawled_at, t.title, t.status_code, t.elapsed_ms
FROM links l
JOIN crawled_pages p ON p.url = l.from_url
JOIN executions e ON e.id = p.execution_id
JOIN crawled_pages t ON t.url = l.to_url
WHERE e.website_id = $1
ORDER BY url`, websiteID)
	if err != nil {
		return crawler.Graph{}, fmt.Errorf("graph pages: %w", err)
	}
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			rows.Close()
			return crawler.Graph{}, fmt.Errorf("scan page: %w", err)
		}
		graph.Pages = append(graph.Pages, page)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return crawler.Graph{}, fmt.Errorf("graph pages: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
SELECT l.from_url, l.to_url
FROM links l
JOIN crawled_pages p ON p.url = l.from_url
JOIN executions e ON e.id = p.execution_id
WHERE e.website_id = $1
ORDER BY l.from_url, l.to_url`, websiteID)
	if err != nil {
		return crawler.Graph{}, fmt.Errorf("graph links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var link crawler.Link
		if err := rows.Scan(&link.From, &link.To); err != nil {
			return crawler.Graph{}, fmt.Errorf("scan link: %w", err)
		}
		graph.Links = append(graph.Links, link)
	}
	if err := rows.Err(); err != nil {
		return crawler.Graph{}, fmt.Errorf("graph links: %w", err)
	}
	return graph, nil
}

func scanWebsite(row pgx.Row) (crawler.WebsiteRecord, error) {
	var (
		site        crawler.WebsiteRecord
		periodicity string
	)
	err := row.Scan(
		&site.ID, &site.URL, &site.BoundaryPattern, &periodicity,
		&site.Label, &site.Active, &site.Tags, &site.CreatedAt,
	)
	if err != nil {
		return crawler.WebsiteRecord{}, err
	}
	site.Periodicity = crawler.Periodicity(periodicity)
	site.Tags = tagsOrEmpty(site.Tags)
	return site, nil
}

func scanExecution(row pgx.Row) (crawler.Execution, error) {
	var (
		exec   crawler.Execution
		status string
	)
	err := row.Scan(
		&exec.ID, &exec.WebsiteID, &status, &exec.StartTime,
		&exec.EndTime, &exec.PagesCrawled, &exec.ErrorText,
	)
	if err != nil {
		return crawler.Execution{}, err
	}
	exec.Status = crawler.ExecutionStatus(status)
	return exec, nil
}

func scanPage(row pgx.Row) (crawler.CrawledPage, error) {
	var (
		page    crawler.CrawledPage
		elapsed int64
	)
	err := row.Scan(&page.URL, &page.ExecutionID, &page.CrawledAt, &page.Title, &page.StatusCode, &elapsed)
	if err != nil {
		return crawler.CrawledPage{}, err
	}
	page.Elapsed = time.Duration(elapsed) * time.Millisecond
	return page, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// mapError translates driver errors into crawler sentinels.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", crawler.ErrDuplicate, pgErr.ConstraintName)
		case codeForeignKeyViolation:
			return fmt.Errorf("%w: %s", crawler.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
