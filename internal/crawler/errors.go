package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidLink is returned when a link cannot be turned into an absolute URL.
	ErrInvalidLink = errors.New("invalid link")
	// ErrInvalidWebsite wraps validation failures on a WebsiteRecord.
	ErrInvalidWebsite = errors.New("invalid website record")
	// ErrDuplicate signals a uniqueness violation (e.g. website label).
	ErrDuplicate = errors.New("record already exists")
	// ErrQueueClosed is returned by a Queue after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// FetchError reports a network failure or timeout for one page.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports content that could not be parsed. The page is still
// recorded, with no title and no links.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PatternError reports a boundary pattern that does not compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid boundary pattern %q: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// PersistenceError reports a store failure. It is fatal to the run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	var pattern *PatternError
	var persistence *PersistenceError
	return errors.As(err, &pattern) || errors.As(err, &persistence)
}
