// Package extract turns downloaded tariff artifacts into structured
// records. HTML tables are parsed in-process; binary formats (PDF, XLSX)
// are delegated to an external extraction service when one is configured.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/netzbureau/tariffscout/internal/crawler"
)

// ErrUnsupportedType signals that no extractor handles the artifact's file
// type. The pipeline treats this as a skip, not a failure.
var ErrUnsupportedType = errors.New("unsupported file type for extraction")

// Request identifies one artifact to extract.
type Request struct {
	// FilePath is the spooled artifact on the local filesystem.
	FilePath string
	// FileType is the sniffed format of the artifact.
	FileType crawler.FileType
	// DataType selects the vocabulary used to locate the relevant table.
	DataType crawler.DataType
	// TargetYear is the tariff year the job hunts, zero when unpinned.
	TargetYear int
}

// Result carries the structured records pulled from one artifact.
type Result struct {
	// Records are row-shaped maps keyed by normalized column name.
	Records []map[string]any `json:"records"`
	// Warnings notes non-fatal extraction oddities.
	Warnings []string `json:"warnings,omitempty"`
}

// Extractor converts one artifact into records.
type Extractor interface {
	Extract(ctx context.Context, req Request) (Result, error)
}

// Registry routes extraction requests by file type.
type Registry struct {
	byType map[crawler.FileType]Extractor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[crawler.FileType]Extractor)}
}

// Register binds an extractor to a file type, replacing any previous one.
func (r *Registry) Register(fileType crawler.FileType, ex Extractor) {
	r.byType[fileType] = ex
}

// Extract dispatches to the extractor registered for the request's file
// type. ErrUnsupportedType is returned when none is registered.
func (r *Registry) Extract(ctx context.Context, req Request) (Result, error) {
	ex, ok := r.byType[req.FileType]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedType, req.FileType)
	}
	return ex.Extract(ctx, req)
}

// Supports reports whether a file type has a registered extractor.
func (r *Registry) Supports(fileType crawler.FileType) bool {
	_, ok := r.byType[fileType]
	return ok
}
