package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the automation pipeline.
type Metrics struct {
	// Bot execution wall-clock duration by project, bot and outcome.
	BotExecutionDuration *prometheus.HistogramVec

	// Webhook delivery attempts by outcome ("success", "failure", "retry").
	WebhookDeliveries *prometheus.CounterVec

	// Outbound webhook fetch duration.
	WebhookFetchDuration prometheus.Histogram

	// Time a job spent queued before its first attempt.
	QueuedDuration prometheus.Histogram
}

// New creates a new Metrics instance with all pipeline metrics registered.
func New() *Metrics {
	return &Metrics{
		BotExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carehooks_bot_execution_duration_seconds",
			Help:    "Wall-clock duration of bot executions by project, bot and outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"project", "bot", "outcome"}),

		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "carehooks_webhook_deliveries_total",
			Help: "Total webhook delivery attempts by outcome",
		}, []string{"outcome"}),

		WebhookFetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "carehooks_webhook_fetch_duration_seconds",
			Help:    "Duration of outbound webhook HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
		}),

		QueuedDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "carehooks_job_queued_duration_seconds",
			Help:    "Time between enqueue and first execution attempt",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}),
	}
}

// ObserveBotExecution records the duration of one bot execution attempt.
func (m *Metrics) ObserveBotExecution(project, bot, outcome string, d time.Duration) {
	if m != nil {
		m.BotExecutionDuration.WithLabelValues(project, bot, outcome).Observe(d.Seconds())
	}
}

// CountWebhookDelivery records one webhook delivery attempt outcome.
func (m *Metrics) CountWebhookDelivery(outcome string) {
	if m != nil {
		m.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}
}

// ObserveWebhookFetch records the duration of one outbound webhook request.
func (m *Metrics) ObserveWebhookFetch(d time.Duration) {
	if m != nil {
		m.WebhookFetchDuration.Observe(d.Seconds())
	}
}

// ObserveQueuedDuration records how long a job waited before its first attempt.
func (m *Metrics) ObserveQueuedDuration(d time.Duration) {
	if m != nil {
		m.QueuedDuration.Observe(d.Seconds())
	}
}
