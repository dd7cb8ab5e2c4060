package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netzbureau/tariffscout/internal/crawler"
)

type stubExtractor struct {
	result Result
	err    error
	calls  int
}

func (s *stubExtractor) Extract(_ context.Context, _ Request) (Result, error) {
	s.calls++
	return s.result, s.err
}

func TestRegistryDispatchesByFileType(t *testing.T) {
	reg := NewRegistry()
	html := &stubExtractor{result: Result{Records: []map[string]any{{"zeitraum": "Winter"}}}}
	reg.Register(crawler.FileTypeHTML, html)

	require.True(t, reg.Supports(crawler.FileTypeHTML))
	require.False(t, reg.Supports(crawler.FileTypePDF))

	res, err := reg.Extract(context.Background(), Request{FileType: crawler.FileTypeHTML})
	require.NoError(t, err)
	require.Equal(t, 1, html.calls)
	require.Len(t, res.Records, 1)
}

func TestRegistryUnsupportedFileType(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Extract(context.Background(), Request{FileType: crawler.FileTypeXLSX})
	require.ErrorIs(t, err, ErrUnsupportedType)
	require.Contains(t, err.Error(), "xlsx")
}

func TestRegistryReplacesBinding(t *testing.T) {
	reg := NewRegistry()
	first := &stubExtractor{}
	second := &stubExtractor{}
	reg.Register(crawler.FileTypeHTML, first)
	reg.Register(crawler.FileTypeHTML, second)

	_, err := reg.Extract(context.Background(), Request{FileType: crawler.FileTypeHTML})
	require.NoError(t, err)
	require.Equal(t, 0, first.calls)
	require.Equal(t, 1, second.calls)
}
