package crawler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Confidence contributions. The table bonus comes from the data-type
// profile; it only counts when at least one header keyword for the same
// data type matched, so a topic-less table cannot verify the wrong type.
const (
	defaultVerifyThreshold   = 0.5
	verifyPrefixBytes        = 15 * 1024
	confidencePerKeyword     = 0.1
	confidenceKeywordCap     = 0.3
	confidenceValidFromMatch = 0.25
	confidenceTargetYear     = 0.15
	confidenceAnyYear        = 0.05
	confidenceBinaryMagic    = 0.1
)

// Verification is the verifier's judgment of one candidate resource.
type Verification struct {
	IsVerified       bool     `json:"is_verified"`
	Confidence       float64  `json:"confidence"`
	DetectedDataType DataType `json:"detected_data_type,omitempty"`
	DetectedFileType FileType `json:"detected_file_type"`
	KeywordsFound    []string `json:"keywords_found,omitempty"`
	YearsFound       []int    `json:"years_found,omitempty"`
}

// ContentVerifier confirms, independent of URL heuristics, that a
// candidate's content matches the expected data type. Network verification
// reads only a bounded prefix of the resource.
type ContentVerifier struct {
	fetcher     Fetcher
	retry       *ExponentialRetryPolicy
	threshold   float64
	prefixBytes int64
	logger      *zap.Logger
}

// NewContentVerifier builds a verifier. A zero threshold selects the
// default of 0.5; a non-positive prefixBytes selects the default 15 KiB
// network prefix.
func NewContentVerifier(fetcher Fetcher, retry *ExponentialRetryPolicy, threshold float64, prefixBytes int64, logger *zap.Logger) *ContentVerifier {
	if threshold <= 0 {
		threshold = defaultVerifyThreshold
	}
	if prefixBytes <= 0 {
		prefixBytes = verifyPrefixBytes
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy()
	}
	return &ContentVerifier{
		fetcher:     fetcher,
		retry:       retry,
		threshold:   threshold,
		prefixBytes: prefixBytes,
		logger:      logger,
	}
}

// Verify fetches the configured prefix of the resource and scores its
// content against the expected data type.
func (v *ContentVerifier) Verify(ctx context.Context, rawURL string, dataType DataType, targetYear int) (Verification, error) {
	var resp FetchResponse
	err := v.retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		resp, fetchErr = v.fetcher.Fetch(ctx, FetchRequest{
			URL:          rawURL,
			Method:       http.MethodGet,
			Headers:      http.Header{"Range": []string{fmt.Sprintf("bytes=0-%d", v.prefixBytes-1)}},
			MaxBodyBytes: v.prefixBytes,
		})
		if fetchErr != nil {
			return fetchErr
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return &HTTPStatusError{
				StatusCode: resp.StatusCode,
				URL:        rawURL,
				RetryAfter: ParseRetryAfter(resp.Headers.Get("Retry-After"), nowUTC()),
			}
		}
		return nil
	})
	if err != nil {
		return Verification{}, fmt.Errorf("verify fetch %s: %w", rawURL, err)
	}

	result := v.VerifyBytes(resp.Body, resp.ContentType(), dataType, targetYear)
	observeVerification(dataType, result.IsVerified)
	v.logger.Debug("content verification",
		zap.String("url", rawURL),
		zap.String("data_type", string(dataType)),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("verified", result.IsVerified),
	)
	return result, nil
}

// VerifyBytes scores already-fetched content. Used directly by the
// post-download artifact check, where the full body is on hand.
func (v *ContentVerifier) VerifyBytes(body []byte, contentType string, dataType DataType, targetYear int) Verification {
	fileType := sniffFileType(body, contentType)
	if fileType == FileTypeHTML {
		return v.verifyHTML(body, dataType, targetYear, fileType)
	}
	return v.verifyBinary(body, dataType, targetYear, fileType)
}

// Threshold returns the verify cutoff, used by callers composing messages.
func (v *ContentVerifier) Threshold() float64 {
	return v.threshold
}

func (v *ContentVerifier) verifyHTML(body []byte, dataType DataType, targetYear int, fileType FileType) Verification {
	page, err := ParseHTML("", body)
	if err != nil {
		return Verification{DetectedFileType: fileType}
	}
	result := AnalyzeHTMLContent(page, dataType, targetYear)
	result.DetectedFileType = fileType
	result.IsVerified = result.Confidence >= v.threshold
	return result
}

// AnalyzeHTMLContent scores already-parsed HTML against a data type without
// applying the verify threshold. The BFS crawler uses it to rate pages that
// embed tariff data directly; the verifier layers the threshold on top.
func AnalyzeHTMLContent(page *HTMLPage, dataType DataType, targetYear int) Verification {
	result := Verification{DetectedFileType: FileTypeHTML}
	profile := profileFor(dataType)

	headerHits := page.HeaderKeywordHits(profile.headerKeywords)
	result.KeywordsFound = headerHits
	result.Confidence += keywordConfidence(len(headerHits))

	if _, qualified := page.DataTableMatches(profile.tableVocabulary); qualified && len(headerHits) > 0 {
		result.Confidence += profile.tableBonus
	}

	result.YearsFound = page.Years()
	result.Confidence += yearConfidence(strings.ToLower(page.VisibleText()), page.ValidFromYear(), result.YearsFound, targetYear)

	result.DetectedDataType = detectDataType(page)
	result.Confidence = capConfidence(result.Confidence)
	return result
}

// verifyBinary scans the raw prefix of a PDF/XLS(X)/DOC candidate. Tariff
// PDFs regularly carry their title and validity line as plain text in the
// first kilobytes, which is all the evidence available without a full
// parse.
func (v *ContentVerifier) verifyBinary(body []byte, dataType DataType, targetYear int, fileType FileType) Verification {
	result := Verification{DetectedFileType: fileType}
	if IsDocumentType(fileType) {
		result.Confidence += confidenceBinaryMagic
	}
	text := strings.ToLower(string(body))
	profile := profileFor(dataType)

	for _, kw := range profile.positive {
		if strings.Contains(text, kw) {
			result.KeywordsFound = append(result.KeywordsFound, kw)
		}
	}
	result.Confidence += keywordConfidence(len(result.KeywordsFound))

	result.YearsFound = extractYears(text)
	result.Confidence += yearConfidence(text, validFromYear(text), result.YearsFound, targetYear)

	if len(result.KeywordsFound) > 0 {
		result.DetectedDataType = dataType
	}
	result.Confidence = capConfidence(result.Confidence)
	result.IsVerified = result.Confidence >= v.threshold
	return result
}

func keywordConfidence(distinctHits int) float64 {
	c := float64(distinctHits) * confidencePerKeyword
	if c > confidenceKeywordCap {
		return confidenceKeywordCap
	}
	return c
}

func yearConfidence(text string, validFrom int, years []int, targetYear int) float64 {
	if targetYear <= 0 {
		if len(years) > 0 {
			return confidenceAnyYear
		}
		return 0
	}
	if validFrom == targetYear {
		return confidenceValidFromMatch
	}
	if strings.Contains(text, strconv.Itoa(targetYear)) {
		return confidenceTargetYear
	}
	if len(years) > 0 {
		return confidenceAnyYear
	}
	return 0
}

// detectDataType picks the data type whose header vocabulary dominates the
// page, if any does.
func detectDataType(page *HTMLPage) DataType {
	bestType := DataType("")
	bestHits := 0
	for dataType, profile := range profiles {
		hits := len(page.HeaderKeywordHits(profile.headerKeywords))
		if hits > bestHits {
			bestHits = hits
			bestType = dataType
		}
	}
	return bestType
}

func capConfidence(c float64) float64 {
	if c > 1 {
		return 1
	}
	return c
}

var (
	pdfMagic = []byte("%PDF")
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0}
)

// sniffFileType prefers content evidence (magic bytes) over the declared
// Content-Type, falling back to the header when the body is inconclusive.
func sniffFileType(body []byte, contentType string) FileType {
	switch {
	case bytes.HasPrefix(body, pdfMagic):
		return FileTypePDF
	case bytes.HasPrefix(body, zipMagic):
		return FileTypeXLSX
	case bytes.HasPrefix(body, oleMagic):
		return FileTypeXLS
	}
	head := bytes.ToLower(body[:min(len(body), 512)])
	if bytes.Contains(head, []byte("<html")) || bytes.Contains(head, []byte("<!doctype html")) {
		return FileTypeHTML
	}
	if ft := FileTypeForContentType(contentType); ft != FileTypeUnknown {
		return ft
	}
	return FileTypeUnknown
}
