package crawler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeValid(t *testing.T) {
	assert.True(t, DataTypeNetzentgelte.Valid())
	assert.True(t, DataTypeHLZF.Valid())
	assert.False(t, DataType("strompreise").Valid())
	assert.False(t, DataType("").Valid())
}

func TestSortDocumentsRanking(t *testing.T) {
	result := DiscoveryResult{Documents: []DiscoveredDocument{
		{URL: "https://x.de/a", Score: 50, FileType: FileTypePDF},
		{URL: "https://x.de/b", Score: 80, FileType: FileTypeHTML, IsHTMLData: true},
		{URL: "https://x.de/c", Score: 80, FileType: FileTypePDF},
		{URL: "https://x.de/d", Score: 80, FileType: FileTypePDF, HasTargetYear: true},
	}}

	result.SortDocuments()

	var order []string
	for _, doc := range result.Documents {
		order = append(order, doc.URL)
	}
	assert.Equal(t, []string{"https://x.de/d", "https://x.de/c", "https://x.de/b", "https://x.de/a"}, order,
		"ties rank target-year candidates first, then non-HTML formats")
}

func TestSortDocumentsStableOnFullTies(t *testing.T) {
	result := DiscoveryResult{Documents: []DiscoveredDocument{
		{URL: "https://x.de/first", Score: 40, FileType: FileTypePDF},
		{URL: "https://x.de/second", Score: 40, FileType: FileTypePDF},
	}}

	result.SortDocuments()

	assert.Equal(t, "https://x.de/first", result.Documents[0].URL, "full ties keep discovery order")
}

func TestTopDocument(t *testing.T) {
	empty := DiscoveryResult{}
	_, ok := empty.TopDocument()
	assert.False(t, ok)

	result := DiscoveryResult{Documents: []DiscoveredDocument{
		{URL: "https://x.de/low", Score: 10},
		{URL: "https://x.de/high", Score: 70},
	}}
	top, ok := result.TopDocument()
	require.True(t, ok)
	assert.Equal(t, "https://x.de/high", top.URL)
}

func TestFetchResponseContentType(t *testing.T) {
	resp := FetchResponse{Headers: http.Header{"Content-Type": []string{"text/HTML; charset=utf-8"}}}
	assert.Equal(t, "text/html", resp.ContentType())

	assert.Empty(t, FetchResponse{Headers: http.Header{}}.ContentType())
}
