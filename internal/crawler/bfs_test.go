package crawler

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBFSCrawler(fetcher Fetcher, robots RobotsPolicy) *BFSCrawler {
	return NewBFSCrawler(fetcher, nil, robots, nil, nil, noRetry(), 0, zap.NewNop())
}

type denyAllRobots struct{}

func (denyAllRobots) Allowed(context.Context, string) bool { return false }

func TestBFSCrawlerFindsLinkedPriceSheet(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addHTML("https://netz.example.de/", `<html><body>
<p>Willkommen beim Netzbetreiber. Hier finden Sie alle Unterlagen zum Netzzugang.</p>
<a href="/netzentgelte/preisblatt-2025.pdf">Preisblatt Netzentgelte 2025</a>
<a href="/impressum">Impressum</a>
</body></html>`)

	c := newTestBFSCrawler(fetcher, nil)
	result, err := c.Crawl(context.Background(), DiscoveryRequest{
		StartURL:   "https://netz.example.de",
		DataType:   DataTypeNetzentgelte,
		TargetYear: 2025,
	})
	require.NoError(t, err)

	assert.Equal(t, StrategyBFS, result.Strategy)
	assert.Equal(t, 1, result.PagesCrawled, "the linked PDF is promoted from its link, not fetched")

	top, ok := result.TopDocument()
	require.True(t, ok)
	assert.Equal(t, "https://netz.example.de/netzentgelte/preisblatt-2025.pdf", top.URL)
	assert.Equal(t, FileTypePDF, top.FileType)
	assert.True(t, top.HasTargetYear)
	assert.Equal(t, "https://netz.example.de/", top.FoundOnPage)
}

func TestBFSCrawlerRespectsRobots(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addHTML("https://netz.example.de/", `<html><body><a href="/netzentgelte.pdf">Preisblatt</a></body></html>`)

	c := newTestBFSCrawler(fetcher, denyAllRobots{})
	result, err := c.Crawl(context.Background(), DiscoveryRequest{
		StartURL: "https://netz.example.de",
		DataType: DataTypeNetzentgelte,
	})
	require.NoError(t, err)

	assert.Zero(t, result.PagesCrawled)
	assert.Empty(t, result.Documents)
	assert.Empty(t, fetcher.calls(), "disallowed URLs are never fetched")
}

func TestBFSCrawlerStopsAtPageBudget(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addHTML("https://netz.example.de/", `<html><body>
<p>Startseite mit ausreichend sichtbarem Text für die Schwellenwerte des Crawlers.</p>
<a href="/a">Seite A</a><a href="/b">Seite B</a><a href="/c">Seite C</a>
</body></html>`)
	for _, path := range []string{"/a", "/b", "/c"} {
		fetcher.addHTML("https://netz.example.de"+path,
			`<html><body><p>Eine weitere Seite ohne relevante Inhalte oder Verweise darauf.</p></body></html>`)
	}

	c := newTestBFSCrawler(fetcher, nil)
	result, err := c.Crawl(context.Background(), DiscoveryRequest{
		StartURL: "https://netz.example.de",
		DataType: DataTypeNetzentgelte,
		Limits:   Limits{MaxPages: 2, FetchConcurrency: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.PagesCrawled)
}

func TestBFSCrawlerStopsAtMaxDepth(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addHTML("https://netz.example.de/", `<html><body>
<p>Startseite mit einem Verweis auf die erste Ebene der Dokumentstruktur.</p>
<a href="/ebene1">Ebene 1</a>
</body></html>`)
	fetcher.addHTML("https://netz.example.de/ebene1", `<html><body>
<p>Die erste Ebene verweist weiter in die Tiefe der Seitenstruktur.</p>
<a href="/ebene2">Ebene 2</a>
</body></html>`)
	fetcher.addHTML("https://netz.example.de/ebene2", `<html><body>
<p>Diese Ebene liegt unterhalb der konfigurierten Tiefengrenze.</p>
</body></html>`)

	c := newTestBFSCrawler(fetcher, nil)
	result, err := c.Crawl(context.Background(), DiscoveryRequest{
		StartURL: "https://netz.example.de",
		DataType: DataTypeNetzentgelte,
		Limits:   Limits{MaxDepth: 1, FetchConcurrency: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.PagesCrawled)
	for _, req := range fetcher.calls() {
		assert.NotEqual(t, "https://netz.example.de/ebene2", req.URL,
			"pages beyond the depth limit are never fetched")
	}
}

func TestBFSCrawlerVisitsEachURLOnce(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addHTML("https://netz.example.de/", `<html><body>
<p>Die Startseite und beide Unterseiten verweisen wechselseitig aufeinander.</p>
<a href="/a">Seite A</a><a href="/a#inhalt">Seite A Abschnitt</a><a href="/b">Seite B</a>
</body></html>`)
	fetcher.addHTML("https://netz.example.de/a", `<html><body>
<p>Seite A verweist zurück zur Startseite und hinüber zu Seite B.</p>
<a href="/">Start</a><a href="/b">Seite B</a>
</body></html>`)
	fetcher.addHTML("https://netz.example.de/b", `<html><body>
<p>Seite B verweist zurück zur Startseite und hinüber zu Seite A.</p>
<a href="/">Start</a><a href="/a">Seite A</a>
</body></html>`)

	c := newTestBFSCrawler(fetcher, nil)
	result, err := c.Crawl(context.Background(), DiscoveryRequest{
		StartURL: "https://netz.example.de",
		DataType: DataTypeNetzentgelte,
		Limits:   Limits{FetchConcurrency: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.PagesCrawled)
	counts := make(map[string]int)
	for _, req := range fetcher.calls() {
		counts[req.URL]++
	}
	for url, n := range counts {
		assert.Equal(t, 1, n, "url %s fetched %d times", url, n)
	}
}

func TestBFSCrawlerStaysOnHost(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addHTML("https://netz.example.de/", `<html><body>
<p>Verweise auf fremde Seiten werden nicht weiterverfolgt, nur notiert.</p>
<a href="https://www.vnbdigital.de/netzentgelte-2025.pdf">Preisblatt beim Dienstleister</a>
<a href="https://anderes-portal.de/seite">Portal</a>
</body></html>`)

	c := newTestBFSCrawler(fetcher, nil)
	result, err := c.Crawl(context.Background(), DiscoveryRequest{
		StartURL:   "https://netz.example.de",
		DataType:   DataTypeNetzentgelte,
		TargetYear: 2025,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.PagesCrawled, "external pages are never traversed")

	require.Len(t, result.Documents, 1, "external documents are still recorded as candidates")
	assert.True(t, result.Documents[0].IsExternal)
	assert.Equal(t, "https://www.vnbdigital.de/netzentgelte-2025.pdf", result.Documents[0].URL)
}

func TestBFSCrawlerFlagsSPAShell(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addHTML("https://netz.example.de/", `<html><body><div id="root"></div><script src="/bundle.js"></script></body></html>`)

	c := newTestBFSCrawler(fetcher, nil)
	result, err := c.Crawl(context.Background(), DiscoveryRequest{
		StartURL: "https://netz.example.de",
		DataType: DataTypeNetzentgelte,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.PagesCrawled)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "JS-rendered shell")
}

func TestBFSCrawlerHeadProbesDownloadEndpoints(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addHTML("https://netz.example.de/", `<html><body>
<p>Das Preisblatt steht über unseren Dokumentenserver zum Abruf bereit.</p>
<a href="/download?id=preisblatt-netzentgelte">Preisblatt Netzentgelte herunterladen</a>
</body></html>`)
	fetcher.add("https://netz.example.de/download?id=preisblatt-netzentgelte", FetchResponse{
		URL:        "https://netz.example.de/download?id=preisblatt-netzentgelte",
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"application/pdf"}},
	})

	c := newTestBFSCrawler(fetcher, nil)
	result, err := c.Crawl(context.Background(), DiscoveryRequest{
		StartURL: "https://netz.example.de",
		DataType: DataTypeNetzentgelte,
	})
	require.NoError(t, err)

	var probed bool
	for _, req := range fetcher.calls() {
		if req.Method == http.MethodHead {
			probed = true
		}
	}
	assert.True(t, probed, "query-driven endpoints get a HEAD probe before any GET")

	require.NotEmpty(t, result.Documents)
	var found *DiscoveredDocument
	for i := range result.Documents {
		if result.Documents[i].URL == "https://netz.example.de/download?id=preisblatt-netzentgelte" {
			found = &result.Documents[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, FileTypePDF, found.FileType, "the probe's content type overrides the extension guess")
}

func TestBFSCrawlerMarksHTMLDataPages(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addHTML("https://netz.example.de/", `<html><body>
<p>Unsere Veröffentlichungen nach StromNEV finden Sie direkt auf dieser Seite.</p>
<a href="/hochlastzeitfenster">Hochlastzeitfenster</a>
</body></html>`)
	fetcher.addHTML("https://netz.example.de/hochlastzeitfenster", `<html><head><title>Hochlastzeitfenster</title></head><body>
<h1>Hochlastzeitfenster nach 19 Abs. 2 StromNEV</h1>
<table><tr><th>Saison</th><th>Zeitfenster</th></tr>
<tr><td>Winter</td><td>07:00 - 13:00 Uhr</td></tr>
<tr><td>Sommer</td><td>09:15 - 11:45 Uhr</td></tr></table>
<p>Die Fenster gelten für das Jahr 2025.</p>
</body></html>`)

	c := newTestBFSCrawler(fetcher, nil)
	result, err := c.Crawl(context.Background(), DiscoveryRequest{
		StartURL:   "https://netz.example.de",
		DataType:   DataTypeHLZF,
		TargetYear: 2025,
	})
	require.NoError(t, err)

	var htmlDoc *DiscoveredDocument
	for i := range result.Documents {
		if result.Documents[i].IsHTMLData {
			htmlDoc = &result.Documents[i]
		}
	}
	require.NotNil(t, htmlDoc, "a page embedding the time windows becomes a candidate itself")
	assert.Equal(t, "https://netz.example.de/hochlastzeitfenster", htmlDoc.URL)
	assert.Equal(t, FileTypeHTML, htmlDoc.FileType)
	assert.True(t, htmlDoc.HasTargetYear)
	assert.Contains(t, htmlDoc.YearsInPage, 2025)
}

func TestBFSCrawlerEarlyStopsOnStrongCandidate(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addHTML("https://netz.example.de/", `<html><body>
<p>Alle Preisblätter zum Netzzugang stehen hier zum Abruf bereit.</p>
<a href="/netzentgelte/preisblatt-2025.pdf">Preisblatt Netzentgelte 2025</a>
<a href="/a">Seite A</a><a href="/b">Seite B</a>
</body></html>`)
	fetcher.addHTML("https://netz.example.de/a", `<html><body><p>Inhalt A</p></body></html>`)
	fetcher.addHTML("https://netz.example.de/b", `<html><body><p>Inhalt B</p></body></html>`)

	c := newTestBFSCrawler(fetcher, nil)
	result, err := c.Crawl(context.Background(), DiscoveryRequest{
		StartURL:   "https://netz.example.de",
		DataType:   DataTypeNetzentgelte,
		TargetYear: 2025,
		Limits:     Limits{EarlyStopScore: 80, FetchConcurrency: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.PagesCrawled, "a candidate above the stop score ends the walk")
}
