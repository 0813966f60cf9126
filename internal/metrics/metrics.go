package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imigrate",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imigrate",
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal state, by status.",
		},
		[]string{"status"},
	)

	rowsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imigrate",
			Name:      "rows_processed_total",
			Help:      "Row insertion attempts by environment and outcome.",
		},
		[]string{"environment", "outcome"},
	)

	pagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imigrate",
			Name:      "pages_fetched_total",
			Help:      "Extraction pages by environment and outcome.",
		},
		[]string{"environment", "outcome"},
	)

	reauthentications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imigrate",
			Name:      "reauthentications_total",
			Help:      "Token acquisitions by environment.",
		},
		[]string{"environment"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, jobsFinished, rowsProcessed, pagesFetched, reauthentications)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncJobFinished counts a terminal job transition.
func IncJobFinished(status string) {
	jobsFinished.WithLabelValues(status).Inc()
}

// IncRowProcessed counts one row attempt outcome ("success" or "failed").
func IncRowProcessed(environment, outcome string) {
	rowsProcessed.WithLabelValues(environment, outcome).Inc()
}

// IncPageFetched counts one extraction page outcome ("success" or "failed").
func IncPageFetched(environment, outcome string) {
	pagesFetched.WithLabelValues(environment, outcome).Inc()
}

// IncReauthentication counts one token acquisition.
func IncReauthentication(environment string) {
	reauthentications.WithLabelValues(environment).Inc()
}
