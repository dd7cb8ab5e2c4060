package headless

import (
	"context"

	"github.com/netzbureau/tariffscout/internal/crawler"
)

// Noop implements crawler.Renderer but always reports that rendering is
// unavailable, so SPA shells degrade to a warning instead of a crash when
// the headless subsystem is disabled.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render returns ErrRendererDisabled since this is a stub implementation.
func (Noop) Render(_ context.Context, _ string) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, crawler.ErrRendererDisabled
}

// Close is a no-op.
func (Noop) Close(_ context.Context) error {
	return nil
}
