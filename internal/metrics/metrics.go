package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "telm_"

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec
	ingestRecords  *prometheus.CounterVec
	publishTotal   *prometheus.CounterVec

	consumerEntries *prometheus.CounterVec
	consumerSkipped *prometheus.CounterVec
	bulkRequests    *prometheus.CounterVec
	bulkLatency     *prometheus.HistogramVec
	bulkDocuments   *prometheus.CounterVec

	recoveryResults *prometheus.CounterVec
)

// Init registers collectors on the default registry. Safe to call more than
// once; helpers are no-ops until it has run.
func Init() {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Ingest requests by response status code",
			},
			[]string{"status"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		)
		ingestRecords = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_records_total",
				Help: "Telemetry records seen by ingest, by result",
			},
			[]string{"result"},
		)
		publishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "publish_total",
				Help: "Topic publishes by result",
			},
			[]string{"result"},
		)
		consumerEntries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "consumer_entries_total",
				Help: "Queue entries handled by the indexer, by result",
			},
			[]string{"result"},
		)
		consumerSkipped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "consumer_records_skipped_total",
				Help: "Records dropped before indexing, by reason",
			},
			[]string{"reason"},
		)
		bulkRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bulk_requests_total",
				Help: "Bulk index requests by result",
			},
			[]string{"result"},
		)
		bulkLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "bulk_latency_seconds",
				Help:    "Bulk index request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		bulkDocuments = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bulk_documents_total",
				Help: "Documents sent to the search engine, by outcome",
			},
			[]string{"result"},
		)
		recoveryResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "recovery_reports_total",
				Help: "Recovery feed entries by reconciliation outcome",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestLatency,
			ingestRecords,
			publishTotal,
			consumerEntries,
			consumerSkipped,
			bulkRequests,
			bulkLatency,
			bulkDocuments,
			recoveryResults,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngest records one ingest invocation.
func ObserveIngest(status int, duration time.Duration) {
	label := strconv.Itoa(status)
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(label).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(label).Observe(duration.Seconds())
	}
}

func AddIngestRecords(accepted, rejected int) {
	if ingestRecords == nil {
		return
	}
	if accepted > 0 {
		ingestRecords.WithLabelValues("accepted").Add(float64(accepted))
	}
	if rejected > 0 {
		ingestRecords.WithLabelValues("rejected").Add(float64(rejected))
	}
}

func IncPublish(err error) {
	if publishTotal != nil {
		publishTotal.WithLabelValues(resultOf(err)).Inc()
	}
}

func IncConsumerEntry(result string) {
	if result == "" {
		result = "unknown"
	}
	if consumerEntries != nil {
		consumerEntries.WithLabelValues(result).Inc()
	}
}

func IncSkippedRecord(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if consumerSkipped != nil {
		consumerSkipped.WithLabelValues(reason).Inc()
	}
}

// ObserveBulk records one bulk request along with how many documents were
// indexed and how many were dropped as unindexable.
func ObserveBulk(err error, duration time.Duration, indexed, dropped int) {
	result := resultOf(err)
	if bulkRequests != nil {
		bulkRequests.WithLabelValues(result).Inc()
	}
	if bulkLatency != nil {
		bulkLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if bulkDocuments != nil {
		if indexed > 0 {
			bulkDocuments.WithLabelValues("indexed").Add(float64(indexed))
		}
		if dropped > 0 {
			bulkDocuments.WithLabelValues("dropped").Add(float64(dropped))
		}
	}
}

func IncRecovery(result string) {
	if result == "" {
		result = "unknown"
	}
	if recoveryResults != nil {
		recoveryResults.WithLabelValues(result).Inc()
	}
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
