// Package storage holds helpers shared by the SQL-backed stores.
package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Placeholder renders the n-th (1-based) bind parameter of a dialect.
type Placeholder func(n int) string

// Dollar renders Postgres placeholders ($1, $2, ...).
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Question renders SQLite placeholders.
func Question(int) string { return "?" }

// Query accumulates WHERE conditions and their arguments.
type Query struct {
	ph    Placeholder
	conds []string
	args  []any
}

// NewQuery starts an empty condition list.
func NewQuery(ph Placeholder) *Query {
	return &Query{ph: ph}
}

// Where appends a condition. Every %s in cond is replaced by the placeholder
// of the next argument, in order.
func (q *Query) Where(cond string, args ...any) *Query {
	marks := make([]any, len(args))
	for i, arg := range args {
		q.args = append(q.args, arg)
		marks[i] = q.ph(len(q.args))
	}
	q.conds = append(q.conds, fmt.Sprintf(cond, marks...))
	return q
}

// Arg appends an argument that is not part of a condition (LIMIT, OFFSET)
// and returns its placeholder.
func (q *Query) Arg(arg any) string {
	q.args = append(q.args, arg)
	return q.ph(len(q.args))
}

// Clause renders " WHERE a AND b", or "" when there are no conditions.
func (q *Query) Clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

// Args returns the accumulated arguments.
func (q *Query) Args() []any {
	return q.args
}

// Page renders LIMIT/OFFSET for a filter. A non-positive limit means all rows.
func (q *Query) Page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		b.WriteString(" LIMIT " + q.Arg(limit))
	}
	if offset > 0 {
		if limit <= 0 {
			// SQLite rejects OFFSET without LIMIT.
			b.WriteString(" LIMIT -1")
		}
		b.WriteString(" OFFSET " + q.Arg(offset))
	}
	return b.String()
}

// lastCrawled is the start time of a website's most recent execution.
const lastCrawled = `(SELECT MAX(e.start_time) FROM executions e WHERE e.website_id = websites.id)`

// WebsiteOrder maps a user-supplied sort key onto a whitelisted ORDER BY.
func WebsiteOrder(sort string) string {
	switch sort {
	case "url":
		return " ORDER BY url ASC"
	case "-url":
		return " ORDER BY url DESC"
	case "label":
		return " ORDER BY label ASC"
	case "-label":
		return " ORDER BY label DESC"
	case "last_crawled":
		return " ORDER BY " + lastCrawled + " ASC NULLS FIRST, id ASC"
	case "-last_crawled":
		return " ORDER BY " + lastCrawled + " DESC NULLS LAST, id ASC"
	default:
		return " ORDER BY created_at ASC, id ASC"
	}
}

// ExecutionOrder returns executions newest first unless sort is "start_time".
func ExecutionOrder(sort string) string {
	if sort == "start_time" {
		return " ORDER BY e.start_time ASC, e.id ASC"
	}
	return " ORDER BY e.start_time DESC, e.id DESC"
}

// JoinTags flattens tags into the "; "-separated column form.
func JoinTags(tags []string) string {
	return strings.Join(tags, "; ")
}

// SplitTags parses the "; "-separated column form. Blank entries are dropped.
func SplitTags(raw string) []string {
	out := []string{}
	for _, tag := range strings.Split(raw, ";") {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Contains builds a LIKE pattern matching s as a literal substring. Use it
// with ESCAPE '\'.
func Contains(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
