// Package storage defines the blob archive abstraction for downloaded
// tariff documents. Implementations back it with Google Cloud Storage, the
// local filesystem, or memory; the pipeline only sees the Provider.
package storage

import (
	"context"
	"fmt"
	"io"
)

// Provider uploads archive objects and returns a stable URI for each.
type Provider interface {
	// Put streams body into the store under objectName and returns the
	// object's URI (gs://, file://, memory://).
	Put(ctx context.Context, objectName, contentType string, body io.Reader) (string, error)
}

// Noop discards uploads. Useful for dry runs where documents are fetched
// and verified but not archived.
type Noop struct{}

// Put drains the body and reports a pseudo URI.
func (Noop) Put(_ context.Context, objectName, _ string, body io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", fmt.Errorf("drain body: %w", err)
	}
	return fmt.Sprintf("noop://%s", objectName), nil
}
