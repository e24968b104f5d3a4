package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTitleAndLinks(t *testing.T) {
	t.Parallel()

	body := `<html><head><title>  Home Page </title></head><body>
		<a href="/about">About</a>
		<a href="team">Team</a>
		<a href="https://other.com/a#x">Other</a>
		<a href="/about#contact">About again</a>
		<a href="mailto:hi@example.com">Mail</a>
		<a href="#top">Top</a>
		<a>No href</a>
	</body></html>`

	page, err := New().Parse("https://example.com/x/y", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "Home Page", page.Title)
	assert.Equal(t, []string{
		"https://example.com/about",
		"https://example.com/x/team",
		"https://other.com/a",
		"https://example.com/x/y",
	}, page.Links)
}

func TestParseFragmentLinkPointsAtPage(t *testing.T) {
	t.Parallel()

	body := `<html><body><a href="#top">Top</a><a href="#">Here</a></body></html>`
	page, err := New().Parse("https://example.com/docs?v=2#intro", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/docs?v=2"}, page.Links)
}

func TestParseHonoursBaseElement(t *testing.T) {
	t.Parallel()

	body := `<html><head><base href="https://cdn.example.com/root/"></head>
		<body><a href="page">p</a></body></html>`

	page, err := New().Parse("https://example.com/", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/root/page"}, page.Links)
}

func TestParseMissingTitle(t *testing.T) {
	t.Parallel()

	page, err := New().Parse("https://example.com/", []byte(`<p>hello</p>`))
	require.NoError(t, err)
	assert.Empty(t, page.Title)
	assert.Empty(t, page.Links)
}

func TestParseMalformedHTML(t *testing.T) {
	t.Parallel()

	body := `<html><title>Broken</title><body><a href="/one">1<a href="/two"><div></span>`
	page, err := New().Parse("https://example.com/", []byte(body))
	require.NoError(t, err)
	assert.Contains(t, page.Links, "https://example.com/one")
	assert.Contains(t, page.Links, "https://example.com/two")
}

func TestParseTruncatesLongTitle(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", MaxTitleLength+20)
	page, err := New().Parse("https://example.com/", []byte("<title>"+long+"</title>"))
	require.NoError(t, err)
	assert.Equal(t, MaxTitleLength, len([]rune(page.Title)))
}
