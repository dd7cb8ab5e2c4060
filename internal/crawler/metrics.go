package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TotalPagesFetched tracks the number of pages fetched during discovery.
	TotalPagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scout_discovery_pages_total",
		Help: "The total number of pages fetched while discovering documents.",
	})
	// TotalFetchErrors tracks the number of fetches that resulted in an error.
	TotalFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scout_discovery_fetch_errors_total",
		Help: "The total number of failed page fetches.",
	})
	// TotalDocumentsDiscovered tracks candidate documents found, by data type and file type.
	TotalDocumentsDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scout_discovery_documents_total",
		Help: "The total number of candidate documents discovered.",
	}, []string{"data_type", "file_type"})
	// TotalRobotsDenied tracks URLs skipped because robots.txt disallowed them.
	TotalRobotsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scout_discovery_robots_denied_total",
		Help: "The total number of URLs skipped due to robots.txt rules.",
	})
	// TotalForbiddenHits tracks forbidden responses (HTTP 403) seen during discovery.
	TotalForbiddenHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scout_discovery_forbidden_hits_total",
		Help: "The total number of forbidden responses received.",
	})
	// TotalFetchRetries tracks fetch attempts that were retried.
	TotalFetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scout_discovery_fetch_retries_total",
		Help: "The total number of fetch attempts that were retried.",
	})
	// TotalVerifications tracks content verification outcomes, by data type and outcome.
	TotalVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scout_verifications_total",
		Help: "The total number of content verifications performed.",
	}, []string{"data_type", "outcome"})
	// RateLimitDelaySeconds tracks per-domain politeness wait durations.
	RateLimitDelaySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scout_discovery_rate_limit_delay_seconds",
		Help:    "Histogram of per-domain rate limit wait durations.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"domain"})
)

func observeVerification(dataType DataType, accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	TotalVerifications.WithLabelValues(string(dataType), outcome).Inc()
}
