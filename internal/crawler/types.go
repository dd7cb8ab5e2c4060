package crawler

import (
	"net/http"
	"sort"
	"time"
)

// DataType identifies which tariff data set a discovery run is after.
type DataType string

// Supported tariff data types.
const (
	DataTypeNetzentgelte DataType = "netzentgelte"
	DataTypeHLZF         DataType = "hlzf"
)

// Valid reports whether the data type is one the engine knows how to score.
func (d DataType) Valid() bool {
	return d == DataTypeNetzentgelte || d == DataTypeHLZF
}

// FileType classifies a candidate resource by its apparent format.
type FileType string

// File types recognized by the scorer, ordered by how often operators use
// them for tariff publications.
const (
	FileTypePDF     FileType = "pdf"
	FileTypeXLSX    FileType = "xlsx"
	FileTypeXLS     FileType = "xls"
	FileTypeHTML    FileType = "html"
	FileTypeDoc     FileType = "doc"
	FileTypeUnknown FileType = "unknown"
)

// Strategy records which discovery path produced a result.
type Strategy string

// Discovery strategies.
const (
	StrategySitemap Strategy = "sitemap"
	StrategyBFS     Strategy = "bfs"
	StrategyHintURL Strategy = "hint_url"
	StrategyManual  Strategy = "manual"
)

// DiscoveredDocument is a scored candidate resource. Instances are immutable
// once produced; merge logic builds replacements instead of mutating.
type DiscoveredDocument struct {
	URL           string    `json:"url"`
	Score         float64   `json:"score"`
	FileType      FileType  `json:"file_type"`
	FoundOnPage   string    `json:"found_on_page,omitempty"`
	LinkText      string    `json:"link_text,omitempty"`
	KeywordsFound []string  `json:"keywords_found,omitempty"`
	HasTargetYear bool      `json:"has_target_year"`
	IsHTMLData    bool      `json:"is_html_data"`
	YearsInPage   []int     `json:"years_in_page,omitempty"`
	IsExternal    bool      `json:"is_external"`
	DiscoveredAt  time.Time `json:"discovered_at"`
}

// DiscoveryRequest carries everything a discovery run needs to know.
type DiscoveryRequest struct {
	StartURL   string
	DataType   DataType
	TargetYear int
	HintURLs   []string
	Limits     Limits
}

// Limits bounds a single discovery run.
type Limits struct {
	MaxDepth         int
	MaxPages         int
	FetchConcurrency int
	// MinPriority prunes frontier entries scoring below it.
	MinPriority float64
	// EarlyStopScore short-circuits the crawl once a candidate reaches it.
	EarlyStopScore float64
	// MaxSitemapFetches caps how many sitemap files one run will read.
	MaxSitemapFetches int
}

// DiscoveryResult aggregates one discovery invocation.
type DiscoveryResult struct {
	StartURL           string               `json:"start_url"`
	DataType           DataType             `json:"data_type"`
	TargetYear         int                  `json:"target_year,omitempty"`
	Strategy           Strategy             `json:"strategy"`
	Documents          []DiscoveredDocument `json:"documents"`
	PagesCrawled       int                  `json:"pages_crawled"`
	SitemapURLsChecked int                  `json:"sitemap_urls_checked"`
	Errors             []string             `json:"errors,omitempty"`
}

// SortDocuments orders documents by score descending, preferring candidates
// carrying the target year, then non-HTML formats, keeping the original
// discovery order for full ties.
func (r *DiscoveryResult) SortDocuments() {
	sort.SliceStable(r.Documents, func(i, j int) bool {
		a, b := r.Documents[i], r.Documents[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.HasTargetYear != b.HasTargetYear {
			return a.HasTargetYear
		}
		if a.IsHTMLData != b.IsHTMLData {
			return !a.IsHTMLData
		}
		return false
	})
}

// TopDocument returns the best candidate after sorting, or false when the
// run found nothing.
func (r *DiscoveryResult) TopDocument() (DiscoveredDocument, bool) {
	if len(r.Documents) == 0 {
		return DiscoveredDocument{}, false
	}
	r.SortDocuments()
	return r.Documents[0], true
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Method  string
	Headers http.Header
	// MaxBodyBytes truncates the response body when > 0.
	MaxBodyBytes int64
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	UsedJS     bool
}

// ContentType returns the response media type without parameters.
func (r FetchResponse) ContentType() string {
	return mediaType(r.Headers.Get("Content-Type"))
}
