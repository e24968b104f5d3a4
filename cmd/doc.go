// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, the website catalog, crawl start/cancel, the page
//     graph and execution history. Creating or re-activating a website starts a crawl right away.
//   - Dispatcher & queue: crawl runs flow through a bounded in-memory queue sized by crawler.queue_depth and are
//     fanned out to a fixed worker pool sized by crawler.concurrency. The dispatcher keeps at most one active run
//     per website; asking again returns the running execution.
//   - Crawl engine: each run walks the site breadth-first from its start URL. Pages are fetched by the Colly-based
//     fetcher with up to crawler.page_workers requests in flight, titles and links are extracted with goquery, and
//     only links matching the website's boundary pattern are followed. Every discovered link is stored.
//   - Persistence & fanout: websites, executions, pages and links live in the configured store (memory, SQLite or
//     Postgres). A JSON notification is published for every finished execution, to Pub/Sub when a topic is
//     configured.
//   - Scheduling: the scheduler re-crawls active websites once their periodicity has elapsed since the last run.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler; OpenTelemetry spans wrap each run.
//
// Quick checklist:
//   - Configure env vars: CRAWLER_SERVER_PORT, CRAWLER_CRAWLER_CONCURRENCY, CRAWLER_CRAWLER_PAGE_WORKERS,
//     CRAWLER_HTTP_TIMEOUT_SECONDS, CRAWLER_DB_DRIVER (memory, sqlite, postgres) with CRAWLER_DB_DSN or
//     CRAWLER_DB_SQLITE_PATH, and CRAWLER_PUBSUB_PROJECT_ID / CRAWLER_PUBSUB_TOPIC_NAME for notifications.
//   - Run locally: go run . serve --config config.yaml, or go run . crawl --website <label> for a one-off run.
package cmd
