package crawler

import "regexp"

// Boundary decides whether a discovered URL is eligible for traversal.
type Boundary struct {
	pattern string
	re      *regexp.Regexp
}

// CompileBoundary compiles a boundary pattern. The expression must match at
// the start of the candidate URL; it does not need to consume all of it.
func CompileBoundary(pattern string) (*Boundary, error) {
	// The raw expression is checked first so that an unbalanced pattern such
	// as "a)|(b" cannot become valid once wrapped.
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, &PatternError{Pattern: pattern, Err: err}
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil, &PatternError{Pattern: pattern, Err: err}
	}
	return &Boundary{pattern: pattern, re: re}, nil
}

// Match reports whether candidate is in scope.
func (b *Boundary) Match(candidate string) bool {
	return b.re.MatchString(candidate)
}

// Pattern returns the expression as supplied.
func (b *Boundary) Pattern() string {
	return b.pattern
}
