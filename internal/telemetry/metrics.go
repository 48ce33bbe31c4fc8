package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_submitted_total", Help: "Jobs accepted by admission"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_rate_limit_rejects_total", Help: "Submissions rejected by rate limiting"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_completed_total", Help: "Jobs that reached done"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_failed_total", Help: "Jobs that reached failed"})
	StageRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_stage_retries_total", Help: "Stage attempts released for retry"})
	PanelsRendered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_panels_rendered_total", Help: "Panel images rendered"})
	WebhookDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_webhooks_delivered_total", Help: "Webhooks delivered"})
	WebhookDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_webhooks_dropped_total", Help: "Webhooks dropped after retries"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "comics_claimable_jobs", Help: "Jobs ready to be claimed"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "comics_inflight", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			StageRetries,
			PanelsRendered,
			WebhookDelivered,
			WebhookDropped,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
