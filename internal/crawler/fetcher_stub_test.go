package crawler

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// stubFetcher serves scripted responses keyed by URL. Unknown URLs get a
// 404 so discovery code exercises its fallback paths.
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]FetchResponse
	errs      map[string]error
	requests  []FetchRequest
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		responses: make(map[string]FetchResponse),
		errs:      make(map[string]error),
	}
}

func (f *stubFetcher) addHTML(url, body string) {
	f.responses[url] = FetchResponse{
		URL:        url,
		FinalURL:   url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func (f *stubFetcher) addXML(url, body string) {
	f.responses[url] = FetchResponse{
		URL:        url,
		FinalURL:   url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"application/xml"}},
		Body:       []byte(body),
	}
}

func (f *stubFetcher) add(url string, resp FetchResponse) {
	f.responses[url] = resp
}

func (f *stubFetcher) Fetch(_ context.Context, request FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	f.mu.Unlock()

	if err, ok := f.errs[request.URL]; ok {
		return FetchResponse{}, err
	}
	if resp, ok := f.responses[request.URL]; ok {
		return resp, nil
	}
	return FetchResponse{
		URL:        request.URL,
		StatusCode: http.StatusNotFound,
		Headers:    http.Header{},
	}, nil
}

func (f *stubFetcher) calls() []FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FetchRequest(nil), f.requests...)
}

func (f *stubFetcher) fetchedURLs() []string {
	var urls []string
	for _, req := range f.calls() {
		urls = append(urls, req.URL)
	}
	return urls
}

// noRetry keeps discovery tests fast: one attempt, no backoff sleeps.
func noRetry() *ExponentialRetryPolicy {
	p := NewRetryPolicy(1, 1, 1)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}
