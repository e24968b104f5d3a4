package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundaryMatch(t *testing.T) {
	t.Parallel()

	b, err := CompileBoundary(`https://example\.com/.*`)
	require.NoError(t, err)

	assert.True(t, b.Match("https://example.com/a"))
	assert.True(t, b.Match("https://example.com/"))
	assert.False(t, b.Match("https://other.com/a"))
	assert.False(t, b.Match("http://example.com/a"))
	assert.Equal(t, `https://example\.com/.*`, b.Pattern())
}

func TestBoundaryAnchoredAtStart(t *testing.T) {
	t.Parallel()

	b, err := CompileBoundary(`https://example\.com/docs`)
	require.NoError(t, err)

	assert.True(t, b.Match("https://example.com/docs/intro"))
	assert.False(t, b.Match("https://mirror.net/?u=https://example.com/docs"))
}

func TestBoundaryAlternationStaysAnchored(t *testing.T) {
	t.Parallel()

	b, err := CompileBoundary(`https://a\.com/|https://b\.com/`)
	require.NoError(t, err)

	assert.True(t, b.Match("https://b.com/x"))
	assert.False(t, b.Match("https://c.com/https://b.com/"))
}

func TestCompileBoundaryInvalid(t *testing.T) {
	t.Parallel()

	for _, pattern := range []string{"(unclosed", "a)|(b", "[z-a]"} {
		_, err := CompileBoundary(pattern)
		require.Error(t, err, pattern)

		var patternErr *PatternError
		require.True(t, errors.As(err, &patternErr), pattern)
		assert.Equal(t, pattern, patternErr.Pattern)
		assert.True(t, IsFatal(err))
	}
}
