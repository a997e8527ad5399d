package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "clara_dicom_adapter"

// Metrics holds every Prometheus metric the gateway's workers publish.
//
// # Thread Safety
//
// All fields are safe for concurrent use; Prometheus client types handle
// their own locking.
type Metrics struct {
	// CStoreTotal counts inbound C-STORE outcomes by AE title and result
	// (stored, skipped_exists, ignored_sop_class, rejected_ae,
	// rejected_storage, failed).
	CStoreTotal *prometheus.CounterVec

	// InferenceRequestsTotal counts terminal inference-request outcomes.
	InferenceRequestsTotal *prometheus.CounterVec

	// JobStateTransitionsTotal counts InferenceJob state transitions.
	JobStateTransitionsTotal *prometheus.CounterVec

	// CleanupQueueDepth is the current length of the instance-cleanup queue.
	CleanupQueueDepth prometheus.Gauge

	// DedupSetFillRatio is the inference-request dedup LRU's fill ratio.
	DedupSetFillRatio prometheus.Gauge

	// UploadFailuresTotal counts payload-upload file failures.
	UploadFailuresTotal prometheus.Counter

	// ExportTasksTotal counts export task outcomes by result
	// (success, failure_retriable, failure_permanent).
	ExportTasksTotal *prometheus.CounterVec

	// RetryAttemptsTotal counts retry combinator attempts by component.
	RetryAttemptsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns the gateway's metric set against reg.
// A nil reg registers against prometheus.DefaultRegisterer, the
// production path exposed by RegisterMetricsRoute; tests pass a fresh
// prometheus.NewRegistry() so repeated construction within one process
// never collides on duplicate collector names.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		CStoreTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scp",
			Name:      "cstore_total",
			Help:      "Inbound C-STORE requests by AE title and outcome.",
		}, []string{"ae_title", "outcome"}),

		InferenceRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "inference_request",
			Name:      "terminal_total",
			Help:      "Terminal inference-request outcomes.",
		}, []string{"status"}),

		JobStateTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "job",
			Name:      "state_transitions_total",
			Help:      "InferenceJob state transitions by target state.",
		}, []string{"state"}),

		CleanupQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cleanup",
			Name:      "queue_depth",
			Help:      "Current length of the instance-cleanup queue.",
		}),

		DedupSetFillRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "inference_request",
			Name:      "dedup_fill_ratio",
			Help:      "Fraction of the dedup LRU's capacity currently in use.",
		}),

		UploadFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "job",
			Name:      "payload_upload_failures_total",
			Help:      "Payload file uploads that failed.",
		}),

		ExportTasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "export",
			Name:      "tasks_total",
			Help:      "Export task outcomes.",
		}, []string{"result"}),

		RetryAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Retry combinator attempts by component.",
		}, []string{"component"}),
	}
}
