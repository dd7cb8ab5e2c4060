package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://netz.example.de/path", "netz.example.de"},
		{"standard https", "https://Netz.Example.de/path", "netz.example.de"},
		{"no scheme", "netz.example.de/path", "netz.example.de"},
		{"just host", "netz.example.de", "netz.example.de"},
		{"host with port", "netz.example.de:8080", "netz.example.de"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveJob("completed")
	if val := testutil.ToFloat64(scoutJobsTotal.WithLabelValues("completed")); val != 1 {
		t.Errorf("Expected scoutJobsTotal to be 1, got %f", val)
	}

	ObserveStep("download", 150*time.Millisecond)
	if val := testutil.CollectAndCount(scoutStepDurationSeconds); val <= 0 {
		t.Errorf("Expected scoutStepDurationSeconds to be observed, got %d", val)
	}

	ObserveHTTPRequest("POST", "/v1/jobs", 202, 30*time.Millisecond)
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")); val != 1 {
		t.Errorf("Expected httpRequestsTotal to be 1, got %f", val)
	}

	IncActiveWorkers()
	if val := testutil.ToFloat64(scoutActiveWorkers); val != 1 {
		t.Errorf("Expected scoutActiveWorkers to be 1, got %f", val)
	}
	DecActiveWorkers()
	if val := testutil.ToFloat64(scoutActiveWorkers); val != 0 {
		t.Errorf("Expected scoutActiveWorkers to be 0, got %f", val)
	}
}

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	// Make requests to the test server.
	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}()

	resp, err = http.Get(ts.URL + "/notfound")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}()

	// Check the metrics.
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET /test to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")); val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET /notfound to be 1, got %f", val)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val <= 0 {
		t.Errorf("Expected httpRequestDurationSeconds to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://netz.example.de", "https://www.example.de", "ftp://example.de"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
