// Package collyfetcher implements the discovery Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/netzbureau/tariffscout/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// RedirectHandler mirrors http.Client.CheckRedirect and is applied to every
// hop the collector follows.
type RedirectHandler func(req *http.Request, via []*http.Request) error

// Fetcher implements crawler.Fetcher using the Colly collector. HTTP-level
// failures come back as responses with their status code; only transport
// failures surface as errors, so the engine can apply its own status
// taxonomy.
type Fetcher struct {
	cfg             Config
	baseCollector   *colly.Collector
	redirectHandler RedirectHandler
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. transport and redirectHandler usually come from the
// SSRF guard so every dial and hop is validated; nil values fall back to a
// pooled default transport and Go's redirect policy.
func New(cfg Config, transport http.RoundTripper, redirectHandler RedirectHandler) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	// Robots gating happens in the engine before any fetch.
	c.IgnoreRobotsTxt = true
	// The frontier dedups; verification refetches the same URL.
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true

	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	if redirectHandler != nil {
		c.SetRedirectHandler(redirectHandler)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	c.SetRequestTimeout(timeout)

	return &Fetcher{
		cfg:             cfg,
		baseCollector:   c,
		redirectHandler: redirectHandler,
	}
}

// Fetch executes a single HTTP request using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	result.URL = request.URL
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	if f.redirectHandler != nil {
		collector.SetRedirectHandler(f.redirectHandler)
	}

	switch {
	case request.MaxBodyBytes > 0:
		collector.MaxBodySize = int(request.MaxBodyBytes)
	case f.cfg.MaxBodyBytes > 0:
		collector.MaxBodySize = int(f.cfg.MaxBodyBytes)
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        request.URL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, request crawler.FetchRequest, fetchErr *error) error {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	done := make(chan error, 1)
	go func() {
		switch method {
		case http.MethodHead:
			done <- collector.Head(request.URL)
		default:
			done <- collector.Visit(request.URL)
		}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
