package crawler

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageLink is one outbound anchor extracted from a fetched page.
type PageLink struct {
	URL  string
	Text string
}

// spaShellWordThreshold marks a page as a likely JS-rendered shell when its
// visible text carries fewer words than this while script tags are present.
const spaShellWordThreshold = 10

var yearPattern = regexp.MustCompile(`\b(20[0-4][0-9])\b`)

// validFromPattern matches the German validity phrasing operators put on
// tariff sheets, e.g. "gültig ab 01.01.2025".
var validFromPattern = regexp.MustCompile(`(?i)g(?:ü|ue?)ltig\s+ab(?:\s+dem)?\s+\d{1,2}\.\d{1,2}\.(20[0-4][0-9])`)

const (
	plausibleYearMin = 2000
	plausibleYearMax = 2040
)

// HTMLPage wraps one parsed document and answers the questions the crawler
// and verifier ask of page content.
type HTMLPage struct {
	doc     *goquery.Document
	pageURL string
}

// ParseHTML parses a fetched body. The URL is kept for link resolution.
func ParseHTML(pageURL string, body []byte) (*HTMLPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &HTMLPage{doc: doc, pageURL: pageURL}, nil
}

// Links returns all resolvable same-scheme anchors with their text.
// Unparseable and non-HTTP hrefs are skipped.
func (p *HTMLPage) Links() []PageLink {
	var links []PageLink
	p.doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		resolved, err := ResolveLink(p.pageURL, href)
		if err != nil {
			return
		}
		links = append(links, PageLink{URL: resolved, Text: normalizeSpace(sel.Text())})
	})
	return links
}

// VisibleText returns the page's rendered text with script and style
// contents removed and whitespace collapsed.
func (p *HTMLPage) VisibleText() string {
	clone := p.doc.Selection.Clone()
	clone.Find("script, style, noscript").Remove()
	return normalizeSpace(clone.Text())
}

// Title returns the document title, falling back to the first h1.
func (p *HTMLPage) Title() string {
	if title := normalizeSpace(p.doc.Find("title").First().Text()); title != "" {
		return title
	}
	return normalizeSpace(p.doc.Find("h1").First().Text())
}

// IsLikelyShell reports whether the page looks like an unrendered SPA
// shell: nearly no visible text but at least one script tag.
func (p *HTMLPage) IsLikelyShell() bool {
	if p.doc.Find("script").Length() == 0 {
		return false
	}
	words := strings.Fields(p.VisibleText())
	return len(words) < spaShellWordThreshold
}

// DataTableMatches counts how many vocabulary entries appear across the
// page's tables and reports whether any single table qualifies as a data
// table (two or more distinct vocabulary hits).
func (p *HTMLPage) DataTableMatches(vocabulary []string) (int, bool) {
	best := 0
	p.doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		text := strings.ToLower(normalizeSpace(table.Text()))
		hits := 0
		for _, term := range vocabulary {
			if strings.Contains(text, strings.ToLower(term)) {
				hits++
			}
		}
		if hits > best {
			best = hits
		}
	})
	return best, best >= 2
}

// HeaderKeywordHits counts distinct header keywords appearing in headings,
// the title, or the leading body text.
func (p *HTMLPage) HeaderKeywordHits(keywords []string) []string {
	headings := make([]string, 0, 8)
	p.doc.Find("h1, h2, h3, th, caption, title").Each(func(_ int, sel *goquery.Selection) {
		headings = append(headings, sel.Text())
	})
	haystack := strings.ToLower(normalizeSpace(strings.Join(headings, " ")))
	body := strings.ToLower(p.VisibleText())
	var found []string
	for _, kw := range keywords {
		lower := strings.ToLower(kw)
		if strings.Contains(haystack, lower) || strings.Contains(body, lower) {
			found = append(found, kw)
		}
	}
	return found
}

// Years returns the plausible four-digit years mentioned in the page text,
// deduplicated in first-seen order, plus any year named in a "gültig ab"
// validity phrase.
func (p *HTMLPage) Years() []int {
	return extractYears(p.VisibleText())
}

// ValidFromYear returns the year of a "gültig ab 01.01.<year>" phrase, or
// zero when the page carries none.
func (p *HTMLPage) ValidFromYear() int {
	return validFromYear(p.VisibleText())
}

func extractYears(text string) []int {
	matches := yearPattern.FindAllString(text, -1)
	seen := make(map[int]struct{}, len(matches))
	var years []int
	for _, m := range matches {
		year, err := strconv.Atoi(m)
		if err != nil || year < plausibleYearMin || year > plausibleYearMax {
			continue
		}
		if _, dup := seen[year]; dup {
			continue
		}
		seen[year] = struct{}{}
		years = append(years, year)
	}
	return years
}

func validFromYear(text string) int {
	m := validFromPattern.FindStringSubmatch(text)
	if len(m) != 2 {
		return 0
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return year
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
