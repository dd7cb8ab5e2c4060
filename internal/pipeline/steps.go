package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/netzbureau/tariffscout/internal/config"
	"github.com/netzbureau/tariffscout/internal/crawler"
	"github.com/netzbureau/tariffscout/internal/extract"
	"github.com/netzbureau/tariffscout/internal/publisher"
	"github.com/netzbureau/tariffscout/internal/storage"
	"github.com/netzbureau/tariffscout/internal/store"
)

// Step labels in execution order.
const (
	StepStrategize = "strategize"
	StepSearch     = "search"
	StepDiscover   = "discover"
	StepDownload   = "download"
	StepVerify     = "verify"
	StepExtract    = "extract"
	StepValidate   = "validate"
	StepFinalize   = "finalize"
)

// maxArtifactBytes caps a full artifact download.
const maxArtifactBytes = 64 << 20

// maxStoredCandidates bounds how many ranked candidates the discover step
// records in the job context.
const maxStoredCandidates = 10

// timeWindowPattern recognizes clock times in extracted HLZF values,
// e.g. "06:00 - 22:00 Uhr".
var timeWindowPattern = regexp.MustCompile(`\d{1,2}[:.]\d{2}`)

// tariffSections are the site sections German network operators
// conventionally publish tariff documents under, probed per data type
// before any crawl.
var tariffSections = map[crawler.DataType][]string{
	crawler.DataTypeNetzentgelte: {
		"netzentgelte",
		"netzentgelte-strom",
		"preisblaetter",
		"veroeffentlichungen",
		"downloads",
	},
	crawler.DataTypeHLZF: {
		"hochlastzeitfenster",
		"atypische-netznutzung",
		"netzentgelte",
		"veroeffentlichungen",
		"downloads",
	},
}

// Deps carries everything the default steps need. All collaborators are
// constructed once at startup and shared across runs.
type Deps struct {
	Store     store.Store
	Discovery *crawler.Manager
	Verifier  *crawler.ContentVerifier
	Fetcher   crawler.Fetcher
	Retry     *crawler.ExponentialRetryPolicy
	Archive   storage.Provider
	Extract   *extract.Registry
	Publisher publisher.Publisher
	Hasher    crawler.Hasher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Crawl     config.CrawlerConfig
	Pipeline  config.PipelineConfig
	Topic     string
	Logger    *zap.Logger
}

// DefaultSteps builds the eight-step tariff crawl pipeline.
func DefaultSteps(d Deps) []Step {
	if d.Clock == nil {
		d.Clock = systemClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Topic == "" {
		d.Topic = "documents"
	}
	if d.Pipeline.MaxDownloadAttempts <= 0 {
		d.Pipeline.MaxDownloadAttempts = 3
	}
	if d.Pipeline.SpoolDir == "" {
		d.Pipeline.SpoolDir = filepath.Join(os.TempDir(), "tariffscout-spool")
	}
	s := &stepSet{d: d, log: d.Logger.Named("steps")}
	return []Step{
		{Name: StepStrategize, Run: s.strategize},
		{Name: StepSearch, Run: s.search},
		{Name: StepDiscover, Run: s.discover},
		{Name: StepDownload, Run: s.download},
		{Name: StepVerify, Run: s.verify},
		{Name: StepExtract, Run: s.extract},
		{Name: StepValidate, Run: s.validate},
		{Name: StepFinalize, Run: s.finalize},
	}
}

type stepSet struct {
	d   Deps
	log *zap.Logger
}

// strategize loads the target and records the crawl plan: entry URL,
// operator hints, and which discovery strategies apply.
func (s *stepSet) strategize(ctx context.Context, job *store.CrawlJob) (string, error) {
	if !job.DataType.Valid() {
		return "", fmt.Errorf("unsupported data type %q", job.DataType)
	}
	target, err := s.d.Store.GetTarget(ctx, job.TargetID)
	if err != nil {
		return "", fmt.Errorf("load target %s: %w", job.TargetID, err)
	}
	if len(target.DataTypes) > 0 && !containsDataType(target.DataTypes, job.DataType) {
		return "", fmt.Errorf("target %s does not publish %s", target.ID, job.DataType)
	}

	setCtx(job, "base_url", target.BaseURL)
	if len(target.HintURLs) > 0 {
		setCtx(job, "hint_urls", toAnySlice(target.HintURLs))
	}
	strategy := "sitemap, then breadth-first crawl"
	if len(target.HintURLs) > 0 {
		strategy = "operator hints, then sitemap, then breadth-first crawl"
	}
	setCtx(job, "strategy", strategy)
	return fmt.Sprintf("plan ready for %s: %s", target.Name, strategy), nil
}

// search composes the entry points the discovery run will probe: operator
// hints first, then the conventional tariff sections of the operator site.
func (s *stepSet) search(_ context.Context, job *store.CrawlJob) (string, error) {
	baseURL := ctxString(job, "base_url")
	if baseURL == "" {
		return "", errors.New("no base URL recorded for target")
	}

	seen := make(map[string]struct{})
	var queries []string
	add := func(raw string) {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		queries = append(queries, normalized)
	}

	for _, hint := range ctxStrings(job, "hint_urls") {
		add(hint)
	}
	for _, section := range tariffSections[job.DataType] {
		resolved, err := crawler.ResolveLink(baseURL, "/"+section)
		if err != nil {
			continue
		}
		add(resolved)
	}

	setCtx(job, "search_queries", toAnySlice(queries))
	return fmt.Sprintf("%d entry points prepared", len(queries)), nil
}

// discover runs the discovery manager and records the ranked candidates.
// An empty result is a job failure with a user-facing message, distinct
// from a crawl error.
func (s *stepSet) discover(ctx context.Context, job *store.CrawlJob) (string, error) {
	req := crawler.DiscoveryRequest{
		StartURL:   ctxString(job, "base_url"),
		DataType:   job.DataType,
		TargetYear: job.TargetYear,
		HintURLs:   ctxStrings(job, "search_queries"),
		Limits: crawler.Limits{
			MaxDepth:          s.d.Crawl.MaxDepth,
			MaxPages:          s.d.Crawl.MaxPages,
			FetchConcurrency:  s.d.Crawl.FetchConcurrency,
			EarlyStopScore:    float64(s.d.Crawl.EarlyStopScore),
			MaxSitemapFetches: s.d.Crawl.MaxSitemapFetches,
		},
	}
	result, err := s.d.Discovery.Discover(ctx, req)
	if err != nil {
		return "", fmt.Errorf("discovery for %s: %w", req.StartURL, err)
	}
	if len(result.Documents) == 0 {
		return "", errors.New("no document found")
	}

	result.SortDocuments()
	stored := result.Documents
	if len(stored) > maxStoredCandidates {
		stored = stored[:maxStoredCandidates]
	}
	candidates := make([]any, 0, len(stored))
	for _, doc := range stored {
		candidates = append(candidates, map[string]any{
			"url":             doc.URL,
			"score":           doc.Score,
			"file_type":       string(doc.FileType),
			"link_text":       doc.LinkText,
			"has_target_year": doc.HasTargetYear,
		})
	}
	setCtx(job, "candidates", candidates)
	setCtx(job, "pages_crawled", result.PagesCrawled)
	setCtx(job, "strategy", string(result.Strategy))

	top := result.Documents[0]
	return fmt.Sprintf("%d candidates via %s (%d pages crawled, top score %.0f)",
		len(result.Documents), result.Strategy, result.PagesCrawled, top.Score), nil
}

// download walks the ranked candidates, prefix-verifies each, and commits
// to the first one whose content matches. The artifact is spooled for
// extraction and archived together with a metadata document.
func (s *stepSet) download(ctx context.Context, job *store.CrawlJob) (string, error) {
	candidates := ctxMaps(job, "candidates")
	if len(candidates) == 0 {
		return "", errors.New("no candidates recorded by discovery")
	}
	attempts := s.d.Pipeline.MaxDownloadAttempts
	if len(candidates) < attempts {
		attempts = len(candidates)
	}

	var rejections []string
	for i := 0; i < attempts; i++ {
		candidate := candidates[i]
		rawURL, _ := candidate["url"].(string)
		if rawURL == "" {
			continue
		}

		verification, err := s.d.Verifier.Verify(ctx, rawURL, job.DataType, job.TargetYear)
		if err != nil {
			rejections = append(rejections, fmt.Sprintf("%s: %v", rawURL, err))
			continue
		}
		if !verification.IsVerified {
			rejections = append(rejections, fmt.Sprintf("%s: content mismatch (confidence %.2f)", rawURL, verification.Confidence))
			continue
		}
		if verification.DetectedDataType != "" && verification.DetectedDataType != job.DataType {
			rejections = append(rejections, fmt.Sprintf("%s: detected %s, wanted %s", rawURL, verification.DetectedDataType, job.DataType))
			continue
		}

		message, err := s.commitDownload(ctx, job, rawURL, candidate, verification)
		if err != nil {
			rejections = append(rejections, fmt.Sprintf("%s: %v", rawURL, err))
			continue
		}
		return message, nil
	}
	return "", fmt.Errorf("no candidate passed verification after %d attempts: %s",
		attempts, strings.Join(rejections, "; "))
}

// commitDownload fetches the full artifact, spools it for extraction, and
// archives the bytes plus a metadata JSON document.
func (s *stepSet) commitDownload(ctx context.Context, job *store.CrawlJob, rawURL string, candidate map[string]any, verification crawler.Verification) (string, error) {
	var resp crawler.FetchResponse
	err := s.d.Retry.Do(ctx, func(ctx context.Context) error {
		fetched, err := s.d.Fetcher.Fetch(ctx, crawler.FetchRequest{
			URL:          rawURL,
			MaxBodyBytes: maxArtifactBytes,
		})
		if err != nil {
			return err
		}
		resp = fetched
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	if len(resp.Body) == 0 {
		return "", errors.New("download: empty body")
	}

	fileType := verification.DetectedFileType
	if fileType == "" || fileType == crawler.FileTypeUnknown {
		if ct, ok := candidate["file_type"].(string); ok && ct != "" {
			fileType = crawler.FileType(ct)
		}
	}
	ext := fileExtension(fileType)

	digest, err := s.d.Hasher.Hash(resp.Body)
	if err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}

	if err := os.MkdirAll(s.d.Pipeline.SpoolDir, 0o755); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}
	spoolPath := filepath.Join(s.d.Pipeline.SpoolDir, fmt.Sprintf("%s.%s", job.ID, ext))
	if err := os.WriteFile(spoolPath, resp.Body, 0o644); err != nil {
		return "", fmt.Errorf("spool artifact: %w", err)
	}

	objectName := fmt.Sprintf("%s/%d/%s.%s", job.TargetID, job.TargetYear, job.DataType, ext)
	archiveURI, err := s.d.Archive.Put(ctx, objectName, resp.ContentType(), bytes.NewReader(resp.Body))
	if err != nil {
		return "", fmt.Errorf("archive artifact: %w", err)
	}
	if err := s.archiveMetadata(ctx, job, objectName, resp, digest, fileType); err != nil {
		return "", err
	}

	sourceURL := resp.FinalURL
	if sourceURL == "" {
		sourceURL = rawURL
	}
	setCtx(job, "selected_url", sourceURL)
	setCtx(job, "downloaded_file", spoolPath)
	setCtx(job, "content_type", resp.ContentType())
	setCtx(job, "detected_file_type", string(fileType))
	setCtx(job, "file_sha256", digest)
	setCtx(job, "file_size_bytes", len(resp.Body))
	setCtx(job, "archive_uri", archiveURI)
	setCtx(job, "verified_confidence", verification.Confidence)

	return fmt.Sprintf("downloaded %s (%d bytes, %s) to %s",
		sourceURL, len(resp.Body), fileType, archiveURI), nil
}

func (s *stepSet) archiveMetadata(ctx context.Context, job *store.CrawlJob, objectName string, resp crawler.FetchResponse, digest string, fileType crawler.FileType) error {
	meta := map[string]any{
		"job_id":        job.ID,
		"target_id":     job.TargetID,
		"data_type":     string(job.DataType),
		"target_year":   job.TargetYear,
		"source_url":    resp.FinalURL,
		"content_type":  resp.ContentType(),
		"file_type":     string(fileType),
		"sha256":        digest,
		"size_bytes":    len(resp.Body),
		"downloaded_at": s.d.Clock.Now().UTC(),
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode artifact metadata: %w", err)
	}
	if _, err := s.d.Archive.Put(ctx, objectName+".json", "application/json", bytes.NewReader(encoded)); err != nil {
		return fmt.Errorf("archive metadata: %w", err)
	}
	return nil
}

// verify re-verifies the spooled artifact in full, independent of the
// prefix check the download step ran against the live URL.
func (s *stepSet) verify(_ context.Context, job *store.CrawlJob) (string, error) {
	path := ctxString(job, "downloaded_file")
	if path == "" {
		return "", errors.New("no spooled artifact recorded")
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read spooled artifact: %w", err)
	}

	verification := s.d.Verifier.VerifyBytes(body, ctxString(job, "content_type"), job.DataType, job.TargetYear)
	if verification.DetectedDataType != "" && verification.DetectedDataType != job.DataType {
		return "", fmt.Errorf("artifact content is %s, wanted %s", verification.DetectedDataType, job.DataType)
	}
	if !verification.IsVerified {
		return "", fmt.Errorf("artifact confidence %.2f below threshold %.2f",
			verification.Confidence, s.d.Verifier.Threshold())
	}

	setCtx(job, "verified_confidence", verification.Confidence)
	setCtx(job, "detected_file_type", string(verification.DetectedFileType))
	if len(verification.YearsFound) > 0 {
		setCtx(job, "years_found", toAnyInts(verification.YearsFound))
	}
	return fmt.Sprintf("artifact verified (confidence %.2f)", verification.Confidence), nil
}

// extract turns the artifact into structured records. Artifacts with no
// registered extractor are archived as-is and extraction is skipped.
func (s *stepSet) extract(ctx context.Context, job *store.CrawlJob) (string, error) {
	fileType := crawler.FileType(ctxString(job, "detected_file_type"))
	result, err := s.d.Extract.Extract(ctx, extract.Request{
		FilePath:   ctxString(job, "downloaded_file"),
		FileType:   fileType,
		DataType:   job.DataType,
		TargetYear: job.TargetYear,
	})
	if errors.Is(err, extract.ErrUnsupportedType) {
		setCtx(job, "extraction_skipped", true)
		return fmt.Sprintf("no extractor for %s artifacts; archived for downstream processing", fileType), nil
	}
	if err != nil {
		return "", err
	}

	records := make([]any, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, rec)
	}
	setCtx(job, "extracted_data", records)
	setCtx(job, "record_count", len(records))
	if len(result.Warnings) > 0 {
		setCtx(job, "extraction_warnings", toAnySlice(result.Warnings))
	}
	return fmt.Sprintf("extracted %d records (%d warnings)", len(records), len(result.Warnings)), nil
}

// validate checks the extracted records for plausibility, or the artifact
// metadata when extraction was skipped.
func (s *stepSet) validate(_ context.Context, job *store.CrawlJob) (string, error) {
	if ctxBool(job, "extraction_skipped") {
		var issues []string
		if len(ctxString(job, "file_sha256")) != 64 {
			issues = append(issues, "missing or malformed artifact digest")
		}
		if ctxInt(job, "file_size_bytes") <= 0 {
			issues = append(issues, "artifact is empty")
		}
		if ctxString(job, "archive_uri") == "" {
			issues = append(issues, "artifact was not archived")
		}
		if len(issues) > 0 {
			setCtx(job, "is_valid", false)
			setCtx(job, "validation_issues", toAnySlice(issues))
			return "", fmt.Errorf("validation failed: %s", strings.Join(issues, "; "))
		}
		setCtx(job, "is_valid", true)
		return "artifact metadata validated (content extraction deferred)", nil
	}

	records := ctxMaps(job, "extracted_data")
	issues := validateRecords(job.DataType, records)
	if len(issues) > 0 {
		setCtx(job, "is_valid", false)
		setCtx(job, "validation_issues", toAnySlice(issues))
		return "", fmt.Errorf("validation failed: %s", strings.Join(issues, "; "))
	}
	setCtx(job, "is_valid", true)
	return fmt.Sprintf("%d records passed validation", len(records)), nil
}

// validateRecords applies the per-data-type plausibility rules.
func validateRecords(dataType crawler.DataType, records []map[string]any) []string {
	var issues []string
	if len(records) == 0 {
		return []string{"no records extracted"}
	}
	switch dataType {
	case crawler.DataTypeNetzentgelte:
		if !anyRecord(records, hasPositiveNumber) {
			issues = append(issues, "no numeric tariff values found")
		}
	case crawler.DataTypeHLZF:
		if !anyRecord(records, hasTimeWindow) {
			issues = append(issues, "no peak-load time windows found")
		}
	}
	return issues
}

func anyRecord(records []map[string]any, match func(map[string]any) bool) bool {
	for _, rec := range records {
		if match(rec) {
			return true
		}
	}
	return false
}

func hasPositiveNumber(rec map[string]any) bool {
	for _, v := range rec {
		switch n := v.(type) {
		case float64:
			if n > 0 {
				return true
			}
		case int:
			if n > 0 {
				return true
			}
		}
	}
	return false
}

func hasTimeWindow(rec map[string]any) bool {
	for _, v := range rec {
		if s, ok := v.(string); ok && timeWindowPattern.MatchString(s) {
			return true
		}
	}
	return false
}

// finalize records the document, publishes the completion event, and
// cleans the spool file. Saving the document row is the step's single
// database write; everything after it is best-effort.
func (s *stepSet) finalize(ctx context.Context, job *store.CrawlJob) (string, error) {
	id, err := s.d.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("mint document id: %w", err)
	}
	doc := store.Document{
		ID:           id,
		JobID:        job.ID,
		TargetID:     job.TargetID,
		DataType:     job.DataType,
		Year:         job.TargetYear,
		SourceURL:    ctxString(job, "selected_url"),
		FileType:     crawler.FileType(ctxString(job, "detected_file_type")),
		SHA256:       ctxString(job, "file_sha256"),
		SizeBytes:    int64(ctxInt(job, "file_size_bytes")),
		ArchiveURI:   ctxString(job, "archive_uri"),
		Confidence:   ctxFloat(job, "verified_confidence"),
		DownloadedAt: s.d.Clock.Now().UTC(),
	}
	if err := s.d.Store.SaveDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("save document: %w", err)
	}
	setCtx(job, "document_id", doc.ID)

	if s.d.Publisher != nil {
		payload := map[string]any{
			"job_id":      job.ID,
			"target_id":   job.TargetID,
			"data_type":   string(job.DataType),
			"target_year": job.TargetYear,
			"document_id": doc.ID,
			"archive_uri": doc.ArchiveURI,
			"source_url":  doc.SourceURL,
			"sha256":      doc.SHA256,
		}
		if _, err := s.d.Publisher.Publish(ctx, s.d.Topic, payload); err != nil {
			s.log.Warn("publish completion event",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}

	if spool := ctxString(job, "downloaded_file"); spool != "" {
		if err := os.Remove(spool); err != nil && !os.IsNotExist(err) {
			s.log.Warn("remove spool file", zap.String("path", spool), zap.Error(err))
		}
	}
	return fmt.Sprintf("document %s recorded at %s", doc.ID, doc.ArchiveURI), nil
}

func containsDataType(list []crawler.DataType, want crawler.DataType) bool {
	for _, dt := range list {
		if dt == want {
			return true
		}
	}
	return false
}

func fileExtension(ft crawler.FileType) string {
	switch ft {
	case crawler.FileTypePDF, crawler.FileTypeXLSX, crawler.FileTypeXLS,
		crawler.FileTypeHTML, crawler.FileTypeDoc:
		return string(ft)
	default:
		return "bin"
	}
}
