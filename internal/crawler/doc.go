// Package crawler holds the domain model shared by the crawl engine, the
// stores and the API: website records, executions, pages and links, plus the
// link normalizer, the boundary matcher and the traversal frontier.
package crawler
