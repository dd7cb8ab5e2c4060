package crawler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// defaultMinCandidateScore is the floor a sitemap or hint candidate must
// reach before the manager will skip the BFS fallback.
const defaultMinCandidateScore = 30

// Manager orchestrates the discovery strategies: operator hints first,
// then the sitemap fast path, then BFS traversal, merging everything into
// one ranked candidate list.
type Manager struct {
	sitemap  *SitemapDiscoverer
	bfs      *BFSCrawler
	minScore float64
	logger   *zap.Logger
}

// NewManager wires the discovery policy. A zero minScore selects the
// default floor.
func NewManager(sitemap *SitemapDiscoverer, bfs *BFSCrawler, minScore float64, logger *zap.Logger) *Manager {
	if minScore <= 0 {
		minScore = defaultMinCandidateScore
	}
	return &Manager{
		sitemap:  sitemap,
		bfs:      bfs,
		minScore: minScore,
		logger:   logger,
	}
}

// MinScore exposes the confidence floor for callers composing messages.
func (m *Manager) MinScore() float64 {
	return m.minScore
}

// Discover produces the ranked candidate list for one (site, data type,
// year) goal. Hint URLs that clear the score floor short-circuit every
// crawl; a productive sitemap skips BFS; otherwise BFS runs and absorbs
// whatever the cheaper strategies found.
func (m *Manager) Discover(ctx context.Context, req DiscoveryRequest) (*DiscoveryResult, error) {
	if hinted, ok := m.fromHints(req); ok {
		return hinted, nil
	}

	sitemapResult, err := m.sitemap.Discover(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sitemap discovery: %w", err)
	}
	if top, ok := sitemapResult.TopDocument(); ok && top.Score >= m.minScore {
		m.logger.Info("sitemap discovery sufficient",
			zap.String("start_url", req.StartURL),
			zap.String("top_url", top.URL),
			zap.Float64("score", top.Score),
			zap.Int("urls_checked", sitemapResult.SitemapURLsChecked),
		)
		m.mergeHints(req, sitemapResult)
		return sitemapResult, nil
	}

	bfsResult, err := m.bfs.Crawl(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bfs discovery: %w", err)
	}

	merged := mergeResults(bfsResult, sitemapResult)
	m.mergeHints(req, merged)
	m.logger.Info("discovery finished",
		zap.String("start_url", req.StartURL),
		zap.String("strategy", string(merged.Strategy)),
		zap.Int("documents", len(merged.Documents)),
		zap.Int("pages_crawled", merged.PagesCrawled),
	)
	return merged, nil
}

// fromHints turns operator-supplied URLs into a result when at least one
// clears the score floor. Hints below the floor are kept for merging but do
// not suppress crawling.
func (m *Manager) fromHints(req DiscoveryRequest) (*DiscoveryResult, bool) {
	if len(req.HintURLs) == 0 {
		return nil, false
	}
	result := &DiscoveryResult{
		StartURL:   req.StartURL,
		DataType:   req.DataType,
		TargetYear: req.TargetYear,
		Strategy:   StrategyHintURL,
	}
	docs := newDocumentSet()
	cleared := false
	for _, hint := range req.HintURLs {
		doc, err := m.hintDocument(hint, req)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		docs.add(doc)
		if doc.Score >= m.minScore {
			cleared = true
		}
	}
	if !cleared {
		return nil, false
	}
	result.Documents = docs.list()
	result.SortDocuments()
	return result, true
}

func (m *Manager) mergeHints(req DiscoveryRequest, result *DiscoveryResult) {
	if len(req.HintURLs) == 0 {
		return
	}
	docs := newDocumentSet()
	for _, doc := range result.Documents {
		docs.add(doc)
	}
	for _, hint := range req.HintURLs {
		doc, err := m.hintDocument(hint, req)
		if err != nil {
			continue
		}
		docs.add(doc)
	}
	result.Documents = docs.list()
	result.SortDocuments()
}

func (m *Manager) hintDocument(hint string, req DiscoveryRequest) (DiscoveredDocument, error) {
	normalized, err := NormalizeURL(hint)
	if err != nil {
		return DiscoveredDocument{}, fmt.Errorf("hint url %q: %w", hint, err)
	}
	score := ScoreLink(normalized, "", req.DataType, req.TargetYear)
	doc := score.Document(normalized, "", "", !SameHost(req.StartURL, normalized))
	doc.DiscoveredAt = nowUTC()
	return doc, nil
}

// mergeResults folds the secondary result into the primary one, keeping
// the primary's strategy and combining counters, errors, and documents by
// normalized URL.
func mergeResults(primary, secondary *DiscoveryResult) *DiscoveryResult {
	if secondary == nil {
		return primary
	}
	docs := newDocumentSet()
	for _, doc := range primary.Documents {
		docs.add(doc)
	}
	for _, doc := range secondary.Documents {
		docs.add(doc)
	}
	primary.Documents = docs.list()
	primary.SitemapURLsChecked += secondary.SitemapURLsChecked
	primary.PagesCrawled += secondary.PagesCrawled
	primary.Errors = append(primary.Errors, secondary.Errors...)
	primary.SortDocuments()
	return primary
}

// documentSet merges documents by normalized URL: the higher score wins
// the slot, keywordsFound are unioned in first-seen order, and the target
// year flag survives either source.
type documentSet struct {
	index map[string]int
	docs  []DiscoveredDocument
}

func newDocumentSet() *documentSet {
	return &documentSet{index: make(map[string]int)}
}

// add merges doc into the set and reports whether the URL was new.
func (s *documentSet) add(doc DiscoveredDocument) bool {
	key, err := NormalizeURL(doc.URL)
	if err != nil {
		key = doc.URL
	}
	at, exists := s.index[key]
	if !exists {
		s.index[key] = len(s.docs)
		s.docs = append(s.docs, doc)
		return true
	}
	existing := s.docs[at]
	merged := existing
	if doc.Score > existing.Score {
		merged = doc
	}
	merged.KeywordsFound = unionKeywords(existing.KeywordsFound, doc.KeywordsFound)
	merged.HasTargetYear = existing.HasTargetYear || doc.HasTargetYear
	merged.IsHTMLData = existing.IsHTMLData || doc.IsHTMLData
	merged.YearsInPage = unionYears(existing.YearsInPage, doc.YearsInPage)
	s.docs[at] = merged
	return false
}

func (s *documentSet) list() []DiscoveredDocument {
	return append([]DiscoveredDocument(nil), s.docs...)
}

func (s *documentSet) best() (float64, bool) {
	if len(s.docs) == 0 {
		return 0, false
	}
	best := s.docs[0].Score
	for _, doc := range s.docs[1:] {
		if doc.Score > best {
			best = doc.Score
		}
	}
	return best, true
}

func unionKeywords(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, kw := range list {
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
		}
	}
	return out
}

func unionYears(a, b []int) []int {
	seen := make(map[int]struct{}, len(a)+len(b))
	var out []int
	for _, list := range [][]int{a, b} {
		for _, year := range list {
			if _, dup := seen[year]; dup {
				continue
			}
			seen[year] = struct{}{}
			out = append(out, year)
		}
	}
	return out
}
