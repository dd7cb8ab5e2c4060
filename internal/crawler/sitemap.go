package crawler

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

const sitemapMaxBytes = 5 << 20

// sitemapIndex and urlSet mirror the two top-level shapes of
// https://www.sitemaps.org/protocol.html documents.
type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

// SitemapDiscoverer enumerates candidate URLs from a site's sitemaps
// without traversing any pages. Sub-sitemaps are followed breadth-first up
// to the run's sitemap fetch cap.
type SitemapDiscoverer struct {
	fetcher Fetcher
	guard   *SSRFGuard
	pauser  Pauser
	retry   *ExponentialRetryPolicy
	logger  *zap.Logger
}

// NewSitemapDiscoverer wires the sitemap fast path.
func NewSitemapDiscoverer(fetcher Fetcher, guard *SSRFGuard, pauser Pauser, retry *ExponentialRetryPolicy, logger *zap.Logger) *SitemapDiscoverer {
	if retry == nil {
		retry = NewExponentialRetryPolicy()
	}
	return &SitemapDiscoverer{
		fetcher: fetcher,
		guard:   guard,
		pauser:  pauser,
		retry:   retry,
		logger:  logger,
	}
}

// Discover reads the site's sitemap tree and scores every listed URL.
// An absent sitemap is not an error; the result simply carries no
// documents and the caller falls back to traversal.
func (d *SitemapDiscoverer) Discover(ctx context.Context, req DiscoveryRequest) (*DiscoveryResult, error) {
	limits := req.Limits.withDefaults()

	result := &DiscoveryResult{
		StartURL:   req.StartURL,
		DataType:   req.DataType,
		TargetYear: req.TargetYear,
		Strategy:   StrategySitemap,
	}

	base, err := url.Parse(req.StartURL)
	if err != nil {
		return nil, fmt.Errorf("parse start url: %w", err)
	}

	docs := newDocumentSet()
	seen := make(map[string]struct{})
	queue := []string{
		(&url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/sitemap.xml"}).String(),
		(&url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/sitemap_index.xml"}).String(),
	}

	fetches := 0
	for len(queue) > 0 && fetches < limits.MaxSitemapFetches {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sitemap discovery canceled: %v", err))
			break
		}
		sitemapURL := queue[0]
		queue = queue[1:]
		normalized, err := NormalizeURL(sitemapURL)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}

		body, fetchErr := d.fetchSitemap(ctx, normalized)
		fetches++
		if fetchErr != nil {
			d.logger.Debug("sitemap fetch failed", zap.String("url", normalized), zap.Error(fetchErr))
			continue
		}

		var index sitemapIndex
		if xml.Unmarshal(body, &index) == nil && len(index.Sitemaps) > 0 {
			for _, child := range index.Sitemaps {
				if child.Loc != "" {
					queue = append(queue, child.Loc)
				}
			}
			continue
		}

		var set urlSet
		if err := xml.Unmarshal(body, &set); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("parse sitemap %s: %v", normalized, err))
			continue
		}
		d.scoreEntries(set, normalized, req, docs, result)
	}

	result.Documents = docs.list()
	result.SortDocuments()
	return result, nil
}

func (d *SitemapDiscoverer) scoreEntries(set urlSet, sitemapURL string, req DiscoveryRequest, docs *documentSet, result *DiscoveryResult) {
	for _, entry := range set.URLs {
		if entry.Loc == "" {
			continue
		}
		normalized, err := NormalizeURL(entry.Loc)
		if err != nil {
			continue
		}
		result.SitemapURLsChecked++

		score := ScoreLink(normalized, "", req.DataType, req.TargetYear)
		// Sitemaps carry no link text; only URLs with keyword or
		// file-type evidence become candidates.
		if len(score.KeywordsFound) == 0 && !IsDocumentType(score.FileType) {
			continue
		}
		if score.Score <= 0 {
			continue
		}
		doc := score.Document(normalized, sitemapURL, "", !SameHost(req.StartURL, normalized))
		doc.DiscoveredAt = nowUTC()
		docs.add(doc)
	}
}

func (d *SitemapDiscoverer) fetchSitemap(ctx context.Context, sitemapURL string) ([]byte, error) {
	if d.guard != nil {
		if err := d.guard.ValidateURL(ctx, sitemapURL); err != nil {
			return nil, fmt.Errorf("sitemap url rejected: %w", err)
		}
	}
	if d.pauser != nil {
		if err := d.pauser.Wait(ctx, sitemapURL); err != nil {
			return nil, err
		}
	}
	var resp FetchResponse
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		resp, fetchErr = d.fetcher.Fetch(ctx, FetchRequest{
			URL:          sitemapURL,
			Method:       http.MethodGet,
			MaxBodyBytes: sitemapMaxBytes,
		})
		if fetchErr != nil {
			return fetchErr
		}
		if resp.StatusCode != http.StatusOK {
			return &HTTPStatusError{
				StatusCode: resp.StatusCode,
				URL:        sitemapURL,
				RetryAfter: ParseRetryAfter(resp.Headers.Get("Retry-After"), nowUTC()),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
