package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

// Metrics groups the collectors exported by the issuance path and the recorder.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts       *prometheus.CounterVec
	ledgerDuration prometheus.Histogram
	queueDepth     prometheus.Gauge
	recorded       *prometheus.CounterVec
	writeRetries   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_issue_attempts_total",
				Help: "Issuance attempts by outcome and reject reason.",
			},
			[]string{"outcome", "reason"},
		),
		ledgerDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coupon_ledger_duration_seconds",
				Help:    "Latency of the ledger check-and-issue script.",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coupon_recorder_queue_depth",
				Help: "Issuance records waiting for durable write-back.",
			},
		),
		recorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_recorder_records_total",
				Help: "Issuance records by recorder result.",
			},
			[]string{"result"},
		),
		writeRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coupon_recorder_write_retries_total",
				Help: "Book-of-record write retries.",
			},
		),
	}
}

func (m *Metrics) ObserveAttempt(res domain.Result) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(res.Outcome.String(), res.Reason.String()).Inc()
}

func (m *Metrics) ObserveLedger(d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerDuration.Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Record results.
const (
	ResultPersisted = "persisted"
	ResultDiverted  = "diverted"
	ResultDropped   = "dropped"
	ResultAlerted   = "alerted"
)

func (m *Metrics) Recorded(result string) {
	if m == nil {
		return
	}
	m.recorded.WithLabelValues(result).Inc()
}

func (m *Metrics) WriteRetry() {
	if m == nil {
		return
	}
	m.writeRetries.Inc()
}
