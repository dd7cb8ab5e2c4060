package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata. Implementations
// must honor ctx cancellation and the request's MaxBodyBytes cap.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Renderer executes a page with JavaScript enabled and returns the DOM
// snapshot. Used as the escalation path for SPA shells.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (FetchResponse, error)
	Close(ctx context.Context) error
}

// RobotsPolicy answers whether a URL may be fetched for the configured
// user agent. Implementations are fail-open on robots.txt fetch errors.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Pauser enforces the per-host minimum inter-request delay.
type Pauser interface {
	Wait(ctx context.Context, rawURL string) error
}

// Hasher computes digests for artifact integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and document IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
