package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxServiceResponseBytes caps how much of the extraction service response
// is read, so a misbehaving service cannot exhaust memory.
const maxServiceResponseBytes = 8 << 20

// HTTPExtractor forwards binary artifacts (PDF, spreadsheets) to an external
// extraction service as a multipart upload and decodes the JSON records it
// returns. serviceURL is the full endpoint, e.g. "http://extractor:8081/v1/extract".
type HTTPExtractor struct {
	serviceURL string
	client     *http.Client
	logger     *zap.Logger
}

// NewHTTPExtractor returns an extractor that delegates to serviceURL.
func NewHTTPExtractor(serviceURL string, client *http.Client, logger *zap.Logger) *HTTPExtractor {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExtractor{
		serviceURL: serviceURL,
		client:     client,
		logger:     logger.Named("extract.http"),
	}
}

// Extract uploads the spooled artifact together with its data type and
// target year and returns the service's records.
func (e *HTTPExtractor) Extract(ctx context.Context, req Request) (Result, error) {
	body, err := os.ReadFile(req.FilePath)
	if err != nil {
		return Result{}, fmt.Errorf("read artifact: %w", err)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filepath.Base(req.FilePath))
	if err != nil {
		return Result{}, fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(body); err != nil {
		return Result{}, fmt.Errorf("build upload: %w", err)
	}
	fields := map[string]string{
		"data_type":   string(req.DataType),
		"file_type":   string(req.FileType),
		"target_year": strconv.Itoa(req.TargetYear),
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return Result{}, fmt.Errorf("build upload: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return Result{}, fmt.Errorf("build upload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serviceURL, &buf)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	started := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxServiceResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read extraction response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, snippet(data))
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("decode extraction response: %w", err)
	}
	e.logger.Debug("extraction service answered",
		zap.String("data_type", string(req.DataType)),
		zap.Int("records", len(result.Records)),
		zap.Duration("dur", time.Since(started)))
	return result, nil
}

// snippet trims a response body to a log-friendly excerpt.
func snippet(data []byte) string {
	const max = 256
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
