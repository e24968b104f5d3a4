// Package parser extracts titles and outbound links from HTML pages.
package parser

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
)

// MaxTitleLength caps stored titles, counted in runes.
const MaxTitleLength = 200

// HTMLParser implements crawler.Parser with goquery.
type HTMLParser struct{}

// New returns an HTMLParser.
func New() *HTMLParser {
	return &HTMLParser{}
}

// Parse returns the first <title> text and every <a href> resolved against
// sourceURL. Links that cannot be normalized are skipped. Duplicates are
// removed while preserving document order.
func (p *HTMLParser) Parse(sourceURL string, body []byte) (crawler.ParsedPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.ParsedPage{}, &crawler.ParseError{URL: sourceURL, Err: err}
	}

	base := sourceURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := crawler.NormalizeLink(sourceURL, href); err == nil {
			base = resolved
		}
	}

	page := crawler.ParsedPage{
		Title: truncate(strings.TrimSpace(doc.Find("title").First().Text()), MaxTitleLength),
	}

	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		link, err := crawler.NormalizeLink(base, href)
		if err != nil {
			return
		}
		if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		page.Links = append(page.Links, link)
	})
	return page, nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
