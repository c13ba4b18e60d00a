package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests      prometheus.Counter
	ResponderOutcomes *prometheus.CounterVec
	ResponderLatency  *prometheus.HistogramVec
	DetectRequests    prometheus.Counter
	DetectionsFound   prometheus.Counter
	RecordsWritten    prometheus.Counter
	RecordsFailed     prometheus.Counter
	RecordsDropped    prometheus.Counter
	RateLimited       prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dentai",
				Name:      "chat_requests_total",
				Help:      "Total chat prompts fanned out to responders",
			}),
			ResponderOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dentai",
				Name:      "responder_outcomes_total",
				Help:      "Responder results by responder and outcome (ok, error, timeout)",
			}, []string{"responder", "outcome"}),
			ResponderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dentai",
				Name:      "responder_duration_seconds",
				Help:      "Wall-clock time per responder call",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			}, []string{"responder"}),
			DetectRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dentai",
				Name:      "detect_requests_total",
				Help:      "Total images submitted for detection",
			}),
			DetectionsFound: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dentai",
				Name:      "detections_total",
				Help:      "Total bounding boxes returned by the detector",
			}),
			RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dentai",
				Name:      "interaction_records_written_total",
				Help:      "Interaction records persisted to storage and journal",
			}),
			RecordsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dentai",
				Name:      "interaction_records_failed_total",
				Help:      "Interaction records that could not be persisted",
			}),
			RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dentai",
				Name:      "interaction_records_dropped_total",
				Help:      "Queued records abandoned after exhausting worker retries",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dentai",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the hourly rate limit",
			}),
		}
		prometheus.MustRegister(
			global.ChatRequests,
			global.ResponderOutcomes,
			global.ResponderLatency,
			global.DetectRequests,
			global.DetectionsFound,
			global.RecordsWritten,
			global.RecordsFailed,
			global.RecordsDropped,
			global.RateLimited,
		)
	})
	return global
}
