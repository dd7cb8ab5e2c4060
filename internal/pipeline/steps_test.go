package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netzbureau/tariffscout/internal/config"
	"github.com/netzbureau/tariffscout/internal/crawler"
	"github.com/netzbureau/tariffscout/internal/extract"
	sha256hash "github.com/netzbureau/tariffscout/internal/hash/sha256"
	pubmemory "github.com/netzbureau/tariffscout/internal/publisher/memory"
	storagememory "github.com/netzbureau/tariffscout/internal/storage/memory"
	"github.com/netzbureau/tariffscout/internal/store"
	memstore "github.com/netzbureau/tariffscout/internal/store/memory"
)

const hlzfPageFixture = `<!DOCTYPE html>
<html lang="de">
<head><title>Hochlastzeitfenster 2025 | Musterstadt Netz GmbH</title></head>
<body>
<h2>Hochlastzeitfenster nach &sect; 19 Abs. 2 StromNEV</h2>
<table>
<tr><th>Zeitraum</th><th>Montag bis Freitag</th></tr>
<tr><td>Winter (Dezember - Februar)</td><td>06:00 - 22:00 Uhr</td></tr>
<tr><td>Sommer (Juni - August)</td><td>keine Hochlastzeitfenster</td></tr>
</table>
</body>
</html>`

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]crawler.FetchResponse
	calls []string
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{pages: make(map[string]crawler.FetchResponse)}
}

func (f *stubFetcher) add(url, contentType string, body []byte) {
	f.pages[url] = crawler.FetchResponse{
		URL:        url,
		FinalURL:   url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{contentType}},
		Body:       body,
	}
}

func (f *stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	resp, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, &crawler.HTTPStatusError{StatusCode: http.StatusNotFound, URL: req.URL}
	}
	if req.MaxBodyBytes > 0 && int64(len(resp.Body)) > req.MaxBodyBytes {
		resp.Body = resp.Body[:req.MaxBodyBytes]
	}
	return resp, nil
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("doc-%04d", s.n), nil
}

func testDeps(t *testing.T, st store.Store, fetcher crawler.Fetcher) Deps {
	t.Helper()
	retry := crawler.NewRetryPolicy(2, time.Millisecond, 5*time.Millisecond)
	registry := extract.NewRegistry()
	registry.Register(crawler.FileTypeHTML, extract.NewTableExtractor(zap.NewNop()))
	sitemap := crawler.NewSitemapDiscoverer(fetcher, nil, nil, retry, zap.NewNop())
	bfs := crawler.NewBFSCrawler(fetcher, nil, nil, nil, nil, retry, 0, zap.NewNop())
	return Deps{
		Store:     st,
		Discovery: crawler.NewManager(sitemap, bfs, 0, zap.NewNop()),
		Verifier:  crawler.NewContentVerifier(fetcher, retry, 0.5, 0, zap.NewNop()),
		Fetcher:   fetcher,
		Retry:     retry,
		Archive:   storagememory.NewBlobStore(),
		Extract:   registry,
		Publisher: pubmemory.New(),
		Hasher:    sha256hash.New(),
		IDs:       &seqIDs{},
		Clock:     fixedClock{t: time.Now().UTC()},
		Crawl: config.CrawlerConfig{
			MaxDepth:          2,
			MaxPages:          10,
			FetchConcurrency:  1,
			MinCandidateScore: 30,
			EarlyStopScore:    100,
			MaxSitemapFetches: 3,
		},
		Pipeline: config.PipelineConfig{
			MaxDownloadAttempts: 3,
			SpoolDir:            t.TempDir(),
		},
		Topic:  "documents",
		Logger: zap.NewNop(),
	}
}

func TestPipelineEndToEndHLZF(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	hintURL := "https://www.netze-musterstadt.de/hochlastzeitfenster-2025"
	require.NoError(t, st.UpsertTarget(ctx, store.Target{
		ID:       "muster-dno",
		Name:     "Musterstadt Netz GmbH",
		BaseURL:  "https://www.netze-musterstadt.de",
		HintURLs: []string{hintURL},
	}))
	job := store.CrawlJob{
		ID:         "job-e2e",
		TargetID:   "muster-dno",
		DataType:   crawler.DataTypeHLZF,
		TargetYear: 2025,
		Status:     store.JobPending,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.CreateJob(ctx, job))

	fetcher := newStubFetcher()
	fetcher.add(hintURL, "text/html; charset=utf-8", []byte(hlzfPageFixture))

	deps := testDeps(t, st, fetcher)
	archive := deps.Archive.(*storagememory.BlobStore)
	pub := deps.Publisher.(*pubmemory.Publisher)

	runner := NewRunner(st, DefaultSteps(deps), &captureEmitter{}, deps.Clock, zap.NewNop())
	res, err := runner.Run(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobCompleted, res.Status)

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 100, final.Progress)
	require.Equal(t, StepFinalize, final.CurrentStep)
	require.Equal(t, true, final.Context["is_valid"])
	require.Equal(t, "doc-0001", final.Context["document_id"])

	steps, err := st.ListSteps(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, steps, 8)
	names := make([]string, len(steps))
	for i, s := range steps {
		require.Equal(t, store.StepDone, s.Status)
		names[i] = s.StepName
	}
	require.Equal(t, []string{
		StepStrategize, StepSearch, StepDiscover, StepDownload,
		StepVerify, StepExtract, StepValidate, StepFinalize,
	}, names)

	docs, err := st.ListJobDocuments(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	doc := docs[0]
	require.Equal(t, "doc-0001", doc.ID)
	require.Equal(t, crawler.DataTypeHLZF, doc.DataType)
	require.Equal(t, 2025, doc.Year)
	require.Equal(t, hintURL, doc.SourceURL)
	require.Equal(t, crawler.FileTypeHTML, doc.FileType)
	require.Len(t, doc.SHA256, 64)
	require.Greater(t, doc.Confidence, 0.5)

	archived, ok := archive.Object("muster-dno/2025/hlzf.html")
	require.True(t, ok, "artifact must be archived")
	require.Equal(t, []byte(hlzfPageFixture), archived)
	_, ok = archive.Object("muster-dno/2025/hlzf.html.json")
	require.True(t, ok, "metadata document must be archived")

	messages := pub.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "documents", messages[0].Topic)

	spool := filepath.Join(deps.Pipeline.SpoolDir, "job-e2e.html")
	_, statErr := os.Stat(spool)
	require.True(t, os.IsNotExist(statErr), "spool file must be removed after finalize")

	target, err := st.GetTarget(ctx, job.TargetID)
	require.NoError(t, err)
	require.Equal(t, store.CrawlIdle, target.CrawlState)
}

func TestStrategizeRecordsPlan(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.UpsertTarget(ctx, store.Target{
		ID:       "dno",
		Name:     "DNO",
		BaseURL:  "https://dno.de",
		HintURLs: []string{"https://dno.de/netzentgelte.pdf"},
	}))

	deps := testDeps(t, st, newStubFetcher())
	s := &stepSet{d: deps, log: zap.NewNop()}
	job := &store.CrawlJob{ID: "j", TargetID: "dno", DataType: crawler.DataTypeNetzentgelte, TargetYear: 2025}

	msg, err := s.strategize(ctx, job)
	require.NoError(t, err)
	require.Contains(t, msg, "DNO")
	require.Equal(t, "https://dno.de", ctxString(job, "base_url"))
	require.Equal(t, []string{"https://dno.de/netzentgelte.pdf"}, ctxStrings(job, "hint_urls"))
	require.Contains(t, ctxString(job, "strategy"), "operator hints")
}

func TestStrategizeRejectsUnsupportedDataType(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.UpsertTarget(ctx, store.Target{
		ID:        "pdf-only",
		Name:      "PDF Only",
		BaseURL:   "https://pdf-only.de",
		DataTypes: []crawler.DataType{crawler.DataTypeNetzentgelte},
	}))

	deps := testDeps(t, st, newStubFetcher())
	s := &stepSet{d: deps, log: zap.NewNop()}
	job := &store.CrawlJob{ID: "j", TargetID: "pdf-only", DataType: crawler.DataTypeHLZF}

	_, err := s.strategize(ctx, job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not publish hlzf")
}

func TestSearchComposesEntryPoints(t *testing.T) {
	deps := testDeps(t, memstore.New(), newStubFetcher())
	s := &stepSet{d: deps, log: zap.NewNop()}
	job := &store.CrawlJob{ID: "j", DataType: crawler.DataTypeNetzentgelte}
	setCtx(job, "base_url", "https://dno.de")
	setCtx(job, "hint_urls", []any{"https://dno.de/downloads", "https://dno.de/preisblatt-2025.pdf"})

	msg, err := s.search(context.Background(), job)
	require.NoError(t, err)
	require.Contains(t, msg, "entry points")

	queries := ctxStrings(job, "search_queries")
	require.NotEmpty(t, queries)
	require.Equal(t, "https://dno.de/downloads", queries[0], "operator hints come first")

	seen := make(map[string]int)
	for _, q := range queries {
		seen[q]++
		require.LessOrEqual(t, seen[q], 1, "entry points must be deduplicated")
	}
	require.Contains(t, queries, "https://dno.de/netzentgelte")
}

func TestDiscoverFailsWithUserFacingMessageWhenNothingFound(t *testing.T) {
	// The fetcher serves nothing: no sitemap, dead start page. All three
	// strategies come back empty.
	deps := testDeps(t, memstore.New(), newStubFetcher())
	s := &stepSet{d: deps, log: zap.NewNop()}

	job := &store.CrawlJob{ID: "j", DataType: crawler.DataTypeNetzentgelte, TargetYear: 2025}
	setCtx(job, "base_url", "https://dno.de")

	_, err := s.discover(context.Background(), job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no document found")
}

func TestDiscoverRanksHintCandidates(t *testing.T) {
	deps := testDeps(t, memstore.New(), newStubFetcher())
	s := &stepSet{d: deps, log: zap.NewNop()}

	job := &store.CrawlJob{ID: "j", DataType: crawler.DataTypeNetzentgelte, TargetYear: 2025}
	setCtx(job, "base_url", "https://dno.de")
	setCtx(job, "search_queries", []any{
		"https://dno.de/kontakt",
		"https://dno.de/netzentgelte-strom-2025.pdf",
	})

	msg, err := s.discover(context.Background(), job)
	require.NoError(t, err)
	require.Contains(t, msg, "candidates via hint_url")

	candidates := ctxMaps(job, "candidates")
	require.NotEmpty(t, candidates)
	require.Equal(t, "https://dno.de/netzentgelte-strom-2025.pdf", candidates[0]["url"])
	require.Equal(t, "pdf", candidates[0]["file_type"])
	require.Equal(t, true, candidates[0]["has_target_year"])
}

func TestDownloadTriesNextCandidateOnMismatch(t *testing.T) {
	fetcher := newStubFetcher()
	// First candidate serves content for the wrong data type, second one
	// matches. Both parse as HTML.
	wrongURL := "https://dno.de/hochlastzeitfenster"
	rightURL := "https://dno.de/netzentgelte-2025"
	fetcher.add(wrongURL, "text/html", []byte(hlzfPageFixture))
	fetcher.add(rightURL, "text/html", []byte(`<!DOCTYPE html>
<html><head><title>Preisblatt Netzentgelte Strom 2025</title></head><body>
<h1>Netzentgelte Strom</h1>
<p>G&uuml;ltig ab 01.01.2025</p>
<table>
<tr><th>Netzebene</th><th>Leistungspreis [&euro;/kW]</th><th>Arbeitspreis [ct/kWh]</th></tr>
<tr><th>Hochspannung</th><td>58,12</td><td>1,25</td></tr>
</table>
</body></html>`))

	deps := testDeps(t, memstore.New(), fetcher)
	s := &stepSet{d: deps, log: zap.NewNop()}
	job := &store.CrawlJob{ID: "job-next", TargetID: "dno", DataType: crawler.DataTypeNetzentgelte, TargetYear: 2025}
	setCtx(job, "candidates", []any{
		map[string]any{"url": wrongURL, "file_type": "html", "score": 80.0},
		map[string]any{"url": rightURL, "file_type": "html", "score": 60.0},
	})

	msg, err := s.download(context.Background(), job)
	require.NoError(t, err)
	require.Contains(t, msg, rightURL)
	require.Equal(t, rightURL, ctxString(job, "selected_url"))
	require.NotEmpty(t, ctxString(job, "downloaded_file"))
	require.Len(t, ctxString(job, "file_sha256"), 64)
}

func TestDownloadExhaustsCandidates(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.add("https://dno.de/impressum", "text/html", []byte(`<html><body><h1>Impressum</h1></body></html>`))

	deps := testDeps(t, memstore.New(), fetcher)
	s := &stepSet{d: deps, log: zap.NewNop()}
	job := &store.CrawlJob{ID: "job-none", TargetID: "dno", DataType: crawler.DataTypeNetzentgelte, TargetYear: 2025}
	setCtx(job, "candidates", []any{
		map[string]any{"url": "https://dno.de/impressum", "file_type": "html"},
		map[string]any{"url": "https://dno.de/404", "file_type": "pdf"},
	})

	_, err := s.download(context.Background(), job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no candidate passed verification")
}

func TestVerifyRejectsCrossTypeArtifact(t *testing.T) {
	deps := testDeps(t, memstore.New(), newStubFetcher())
	s := &stepSet{d: deps, log: zap.NewNop()}

	spool := filepath.Join(t.TempDir(), "artifact.html")
	require.NoError(t, os.WriteFile(spool, []byte(hlzfPageFixture), 0o644))

	job := &store.CrawlJob{ID: "j", DataType: crawler.DataTypeNetzentgelte, TargetYear: 2025}
	setCtx(job, "downloaded_file", spool)
	setCtx(job, "content_type", "text/html")

	_, err := s.verify(context.Background(), job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "artifact content is hlzf")
}

func TestExtractSkipsUnsupportedFileType(t *testing.T) {
	deps := testDeps(t, memstore.New(), newStubFetcher())
	s := &stepSet{d: deps, log: zap.NewNop()}
	job := &store.CrawlJob{ID: "j", DataType: crawler.DataTypeNetzentgelte}
	setCtx(job, "detected_file_type", "pdf")
	setCtx(job, "downloaded_file", "/nonexistent.pdf")

	msg, err := s.extract(context.Background(), job)
	require.NoError(t, err, "unsupported artifacts skip extraction instead of failing")
	require.Contains(t, msg, "no extractor for pdf")
	require.True(t, ctxBool(job, "extraction_skipped"))
}

func TestValidateMetadataOnlyPath(t *testing.T) {
	deps := testDeps(t, memstore.New(), newStubFetcher())
	s := &stepSet{d: deps, log: zap.NewNop()}
	job := &store.CrawlJob{ID: "j", DataType: crawler.DataTypeNetzentgelte}
	setCtx(job, "extraction_skipped", true)
	setCtx(job, "file_sha256", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setCtx(job, "file_size_bytes", 2048)
	setCtx(job, "archive_uri", "memory://dno/2025/netzentgelte.pdf")

	msg, err := s.validate(context.Background(), job)
	require.NoError(t, err)
	require.Contains(t, msg, "metadata validated")
	require.Equal(t, true, job.Context["is_valid"])
}

func TestValidateRejectsRecordsWithoutSubstance(t *testing.T) {
	deps := testDeps(t, memstore.New(), newStubFetcher())
	s := &stepSet{d: deps, log: zap.NewNop()}

	job := &store.CrawlJob{ID: "j", DataType: crawler.DataTypeHLZF}
	setCtx(job, "extracted_data", []any{
		map[string]any{"zeitraum": "Winter", "fenster": "keine"},
	})

	_, err := s.validate(context.Background(), job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no peak-load time windows")
	require.Equal(t, false, job.Context["is_valid"])
}

func TestValidateAcceptsJSONRoundTrippedNumbers(t *testing.T) {
	deps := testDeps(t, memstore.New(), newStubFetcher())
	s := &stepSet{d: deps, log: zap.NewNop()}

	// Numbers come back from the store as float64.
	job := &store.CrawlJob{ID: "j", DataType: crawler.DataTypeNetzentgelte}
	setCtx(job, "extracted_data", []any{
		map[string]any{"netzebene": "Hochspannung", "leistungspreis": float64(58.12)},
	})

	msg, err := s.validate(context.Background(), job)
	require.NoError(t, err)
	require.Contains(t, msg, "passed validation")
}

func TestFinalizeRecordsDocumentAndPublishes(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	deps := testDeps(t, st, newStubFetcher())
	pub := deps.Publisher.(*pubmemory.Publisher)
	s := &stepSet{d: deps, log: zap.NewNop()}

	spool := filepath.Join(t.TempDir(), "job-fin.html")
	require.NoError(t, os.WriteFile(spool, []byte("<html></html>"), 0o644))

	job := &store.CrawlJob{ID: "job-fin", TargetID: "dno", DataType: crawler.DataTypeHLZF, TargetYear: 2025}
	setCtx(job, "selected_url", "https://dno.de/hlzf")
	setCtx(job, "detected_file_type", "html")
	setCtx(job, "file_sha256", "abc")
	setCtx(job, "file_size_bytes", 13)
	setCtx(job, "archive_uri", "memory://dno/2025/hlzf.html")
	setCtx(job, "verified_confidence", 0.8)
	setCtx(job, "downloaded_file", spool)

	msg, err := s.finalize(ctx, job)
	require.NoError(t, err)
	require.Contains(t, msg, "doc-0001")

	docs, err := st.ListJobDocuments(ctx, "job-fin")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, int64(13), docs[0].SizeBytes)
	require.Equal(t, 0.8, docs[0].Confidence)

	require.Len(t, pub.Messages(), 1)
	_, statErr := os.Stat(spool)
	require.True(t, os.IsNotExist(statErr))
}
