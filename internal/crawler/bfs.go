package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultMaxPageBytes = 2 << 20

// BFSCrawler traverses a site's link graph best-first: a scored frontier
// decides visit order, depth and page budgets bound the walk, and every
// fetch passes the robots, SSRF, and politeness gates.
type BFSCrawler struct {
	fetcher      Fetcher
	renderer     Renderer
	robots       RobotsPolicy
	guard        *SSRFGuard
	pauser       Pauser
	retry        *ExponentialRetryPolicy
	htmlWeight   float64
	maxPageBytes int64
	logger       *zap.Logger
}

// NewBFSCrawler wires the traversal engine. renderer may be nil, which
// downgrades SPA shells to a soft warning. htmlWeight maps content
// confidence onto the URL score scale when ranking HTML data pages.
func NewBFSCrawler(
	fetcher Fetcher,
	renderer Renderer,
	robots RobotsPolicy,
	guard *SSRFGuard,
	pauser Pauser,
	retry *ExponentialRetryPolicy,
	htmlWeight float64,
	logger *zap.Logger,
) *BFSCrawler {
	if htmlWeight <= 0 {
		htmlWeight = defaultHTMLContentWeight
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy()
	}
	return &BFSCrawler{
		fetcher:      fetcher,
		renderer:     renderer,
		robots:       robots,
		guard:        guard,
		pauser:       pauser,
		retry:        retry,
		htmlWeight:   htmlWeight,
		maxPageBytes: defaultMaxPageBytes,
		logger:       logger,
	}
}

// defaultHTMLContentWeight converts verifier confidence (0..1) to the URL
// score scale. Tunable via config; 60 keeps a strong HTML data page just
// below a year-matched PDF.
const defaultHTMLContentWeight = 60

type pageOutcome struct {
	entry     FrontierEntry
	fetched   bool
	documents []DiscoveredDocument
	links     []PageLink
	warning   string
	err       error
}

// Crawl runs the bounded traversal from req.StartURL.
func (c *BFSCrawler) Crawl(ctx context.Context, req DiscoveryRequest) (*DiscoveryResult, error) {
	limits := req.Limits.withDefaults()

	result := &DiscoveryResult{
		StartURL:   req.StartURL,
		DataType:   req.DataType,
		TargetYear: req.TargetYear,
		Strategy:   StrategyBFS,
	}

	start, err := NormalizeURL(req.StartURL)
	if err != nil {
		return nil, fmt.Errorf("normalize start url: %w", err)
	}

	visited := newConcurrentVisitTracker()
	blocker := newThresholdDomainBlocker(0)
	frontier := NewFrontier()
	docs := newDocumentSet()
	warned := make(map[string]struct{})

	startScore := ScoreLink(start, "", req.DataType, req.TargetYear)
	frontier.Push(FrontierEntry{Priority: startScore.Score, URL: start, Depth: 0})

	for frontier.Len() > 0 && result.PagesCrawled < limits.MaxPages {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("crawl canceled: %v", err))
			break
		}
		if best, ok := docs.best(); ok && best >= limits.EarlyStopScore {
			c.logger.Info("early stop: high-confidence candidate found",
				zap.Float64("score", best), zap.String("start_url", start))
			break
		}

		wave := c.nextWave(frontier, visited, blocker, limits, result)
		if len(wave) == 0 {
			continue
		}

		outcomes := make([]pageOutcome, len(wave))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limits.FetchConcurrency)
		for i, entry := range wave {
			g.Go(func() error {
				outcomes[i] = c.processEntry(gctx, entry, req, blocker)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("fetch wave: %v", err))
		}

		for _, outcome := range outcomes {
			c.mergeOutcome(outcome, req, start, limits, frontier, docs, warned, result)
		}
	}

	result.Documents = docs.list()
	result.SortDocuments()
	return result, nil
}

// nextWave pops up to FetchConcurrency eligible entries. Visited, depth,
// budget, priority-floor, and blocked-host filtering happen here so workers
// only ever see entries worth fetching.
func (c *BFSCrawler) nextWave(
	frontier *Frontier,
	visited visitTracker,
	blocker domainBlocker,
	limits Limits,
	result *DiscoveryResult,
) []FrontierEntry {
	var wave []FrontierEntry
	for len(wave) < limits.FetchConcurrency && result.PagesCrawled+len(wave) < limits.MaxPages {
		entry, ok := frontier.Pop()
		if !ok {
			break
		}
		if entry.Depth > limits.MaxDepth {
			continue
		}
		if entry.Priority < limits.MinPriority && entry.Depth > 0 {
			continue
		}
		if host := hostOf(entry.URL); blocker.IsBlocked(host) {
			continue
		}
		if !visited.MarkIfNew(entry.URL) {
			continue
		}
		wave = append(wave, entry)
	}
	return wave
}

func (c *BFSCrawler) processEntry(ctx context.Context, entry FrontierEntry, req DiscoveryRequest, blocker domainBlocker) pageOutcome {
	outcome := pageOutcome{entry: entry}

	if c.guard != nil {
		if err := c.guard.ValidateURL(ctx, entry.URL); err != nil {
			c.logger.Warn("skipping unsafe url", zap.String("url", entry.URL), zap.Error(err))
			return outcome
		}
	}
	if c.robots != nil && !c.robots.Allowed(ctx, entry.URL) {
		c.logger.Info("robots disallow", zap.String("url", entry.URL))
		TotalRobotsDenied.Inc()
		return outcome
	}
	if c.pauser != nil {
		if err := c.pauser.Wait(ctx, entry.URL); err != nil {
			outcome.err = err
			return outcome
		}
	}

	if shouldHeadProbe(entry.URL) {
		if probe, ok := c.headProbe(ctx, entry, req); ok {
			outcome.fetched = true
			outcome.documents = append(outcome.documents, probe)
			return outcome
		}
	}

	resp, err := c.fetchPage(ctx, entry.URL)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusForbidden {
			TotalForbiddenHits.Inc()
			if blocker.MarkForbidden(hostOf(entry.URL)) {
				outcome.err = fmt.Errorf("host %s blocked after repeated 403s", hostOf(entry.URL))
				return outcome
			}
		}
		outcome.err = fmt.Errorf("fetch %s: %w", entry.URL, err)
		return outcome
	}
	outcome.fetched = true

	if ft := FileTypeForContentType(resp.ContentType()); IsDocumentType(ft) {
		score := ScoreLink(entry.URL, entry.LinkText, req.DataType, req.TargetYear)
		doc := score.Document(entry.URL, entry.FoundOnPage, entry.LinkText, false)
		doc.FileType = ft
		outcome.documents = append(outcome.documents, doc)
		return outcome
	}

	page, err := ParseHTML(entry.URL, resp.Body)
	if err != nil {
		outcome.err = fmt.Errorf("parse %s: %w", entry.URL, err)
		return outcome
	}

	if page.IsLikelyShell() {
		rendered, renderErr := c.renderShell(ctx, entry.URL)
		if renderErr != nil {
			outcome.warning = fmt.Sprintf("likely JS-rendered shell: %s", entry.URL)
			return outcome
		}
		page = rendered
	}

	if analysis := AnalyzeHTMLContent(page, req.DataType, req.TargetYear); analysis.Confidence > 0 {
		if doc, ok := c.htmlDataDocument(entry, analysis, req); ok {
			outcome.documents = append(outcome.documents, doc)
		}
	}

	outcome.links = page.Links()
	return outcome
}

// htmlDataDocument promotes a page that embeds tariff data into a
// candidate. Pages with keyword evidence alone skip promotion; a
// qualified table or high combined confidence is required.
func (c *BFSCrawler) htmlDataDocument(entry FrontierEntry, analysis Verification, req DiscoveryRequest) (DiscoveredDocument, bool) {
	profile := profileFor(req.DataType)
	if analysis.Confidence < profile.tableBonus {
		return DiscoveredDocument{}, false
	}
	hasTargetYear := req.TargetYear > 0 && containsYear(analysis.YearsFound, req.TargetYear)
	return DiscoveredDocument{
		URL:           entry.URL,
		Score:         analysis.Confidence * c.htmlWeight,
		FileType:      FileTypeHTML,
		FoundOnPage:   entry.FoundOnPage,
		LinkText:      entry.LinkText,
		KeywordsFound: analysis.KeywordsFound,
		HasTargetYear: hasTargetYear,
		IsHTMLData:    true,
		YearsInPage:   analysis.YearsFound,
	}, true
}

func (c *BFSCrawler) mergeOutcome(
	outcome pageOutcome,
	req DiscoveryRequest,
	start string,
	limits Limits,
	frontier *Frontier,
	docs *documentSet,
	warned map[string]struct{},
	result *DiscoveryResult,
) {
	if outcome.fetched {
		result.PagesCrawled++
		TotalPagesFetched.Inc()
	}
	if outcome.err != nil {
		result.Errors = append(result.Errors, outcome.err.Error())
		TotalFetchErrors.Inc()
	}
	if outcome.warning != "" {
		if _, dup := warned[outcome.warning]; !dup {
			warned[outcome.warning] = struct{}{}
			result.Errors = append(result.Errors, outcome.warning)
			c.logger.Warn("spa shell detected", zap.String("url", outcome.entry.URL))
		}
	}
	for _, doc := range outcome.documents {
		doc.DiscoveredAt = nowUTC()
		if docs.add(doc) {
			TotalDocumentsDiscovered.WithLabelValues(string(req.DataType), string(doc.FileType)).Inc()
		}
	}
	for _, link := range outcome.links {
		if link.URL == outcome.entry.URL {
			continue
		}
		score := ScoreLink(link.URL, link.Text, req.DataType, req.TargetYear)
		external := !SameHost(start, link.URL)

		if IsDocumentType(score.FileType) {
			doc := score.Document(link.URL, outcome.entry.URL, link.Text, external)
			doc.DiscoveredAt = nowUTC()
			if docs.add(doc) {
				TotalDocumentsDiscovered.WithLabelValues(string(req.DataType), string(doc.FileType)).Inc()
			}
			continue
		}
		if external {
			continue
		}
		childDepth := outcome.entry.Depth + 1
		if childDepth > limits.MaxDepth {
			continue
		}
		frontier.Push(FrontierEntry{
			Priority:    score.Score,
			URL:         link.URL,
			Depth:       childDepth,
			FoundOnPage: outcome.entry.URL,
			LinkText:    link.Text,
		})
	}
}

// shouldHeadProbe flags URLs that may serve a binary despite not carrying a
// document extension: unknown extensions, query-driven endpoints, and the
// usual download path segments.
func shouldHeadProbe(rawURL string) bool {
	if FileTypeForURL(rawURL) == FileTypeUnknown {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if parsed.RawQuery != "" {
		return true
	}
	lower := strings.ToLower(parsed.Path)
	return strings.Contains(lower, "download") || strings.Contains(lower, "/media/") || strings.Contains(lower, "/files/")
}

// headProbe issues a HEAD request and, when the target turns out to be a
// binary document, returns it as a candidate so the body is never fetched.
// Any probe failure falls back to a normal GET.
func (c *BFSCrawler) headProbe(ctx context.Context, entry FrontierEntry, req DiscoveryRequest) (DiscoveredDocument, bool) {
	resp, err := c.fetcher.Fetch(ctx, FetchRequest{URL: entry.URL, Method: http.MethodHead})
	if err != nil || resp.StatusCode != http.StatusOK {
		return DiscoveredDocument{}, false
	}
	ft := FileTypeForContentType(resp.ContentType())
	if !IsDocumentType(ft) {
		return DiscoveredDocument{}, false
	}
	score := ScoreLink(entry.URL, entry.LinkText, req.DataType, req.TargetYear)
	doc := score.Document(entry.URL, entry.FoundOnPage, entry.LinkText, false)
	doc.FileType = ft
	return doc, true
}

func (c *BFSCrawler) fetchPage(ctx context.Context, rawURL string) (FetchResponse, error) {
	var resp FetchResponse
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		resp, fetchErr = c.fetcher.Fetch(ctx, FetchRequest{
			URL:          rawURL,
			Method:       http.MethodGet,
			MaxBodyBytes: c.maxPageBytes,
		})
		if fetchErr != nil {
			return fetchErr
		}
		if resp.StatusCode != http.StatusOK {
			return &HTTPStatusError{
				StatusCode: resp.StatusCode,
				URL:        rawURL,
				RetryAfter: ParseRetryAfter(resp.Headers.Get("Retry-After"), nowUTC()),
			}
		}
		return nil
	})
	return resp, err
}

func (c *BFSCrawler) renderShell(ctx context.Context, rawURL string) (*HTMLPage, error) {
	if c.renderer == nil {
		return nil, ErrRendererDisabled
	}
	resp, err := c.renderer.Render(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", rawURL, err)
	}
	page, err := ParseHTML(rawURL, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse rendered %s: %w", rawURL, err)
	}
	return page, nil
}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = 3
	}
	if l.MaxPages <= 0 {
		l.MaxPages = 50
	}
	if l.FetchConcurrency <= 0 {
		l.FetchConcurrency = 3
	}
	if l.EarlyStopScore <= 0 {
		l.EarlyStopScore = 80
	}
	if l.MaxSitemapFetches <= 0 {
		l.MaxSitemapFetches = 25
	}
	return l
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func containsYear(years []int, year int) bool {
	for _, y := range years {
		if y == year {
			return true
		}
	}
	return false
}

// ErrRendererDisabled indicates rendering has been disabled via configuration.
var ErrRendererDisabled = errors.New("renderer disabled")
