package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Open outcomes reported by [Metrics].
const (
	OutcomeReady     = "ready"
	OutcomeRecovered = "recovered"
	OutcomeCancelled = "cancelled"
	OutcomeMismatch  = "mismatch"
	OutcomeCorrupt   = "corrupt"
	OutcomeInUse     = "in_use"
	OutcomeFailed    = "failed"
)

// Metrics collects lifecycle counters. A nil *Metrics records nothing.
type Metrics struct {
	opens        *prometheus.CounterVec
	openDuration prometheus.Histogram
	saves        *prometheus.CounterVec
	saveDuration prometheus.Histogram
	migrations   *prometheus.CounterVec
	watchEvents  *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		opens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cfdoc_opens_total",
			Help: "Document open attempts by outcome",
		}, []string{"outcome"}),
		openDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cfdoc_open_duration_seconds",
			Help:    "Time from open request to ready or failure",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cfdoc_saves_total",
			Help: "Document saves by status",
		}, []string{"status"}),
		saveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cfdoc_save_duration_seconds",
			Help:    "Time to pack and swap a document",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		migrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cfdoc_migration_steps_total",
			Help: "Migration step runs by step and result",
		}, []string{"step", "result"}),
		watchEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cfdoc_watch_events_total",
			Help: "External document events handled by op",
		}, []string{"op"}),
	}
}

func (m *Metrics) observeOpen(outcome string, d time.Duration) {
	if m == nil {
		return
	}

	m.opens.WithLabelValues(outcome).Inc()
	m.openDuration.Observe(d.Seconds())
}

func (m *Metrics) observeSave(err error, d time.Duration) {
	if m == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}

	m.saves.WithLabelValues(status).Inc()
	m.saveDuration.Observe(d.Seconds())
}

func (m *Metrics) observeMigration(step string, changed bool, err error) {
	if m == nil {
		return
	}

	result := "unchanged"

	switch {
	case err != nil:
		result = "error"
	case changed:
		result = "changed"
	}

	m.migrations.WithLabelValues(step, result).Inc()
}

// ObserveWatchEvent counts an external event of kind op.
func (m *Metrics) ObserveWatchEvent(op string) {
	if m == nil {
		return
	}

	m.watchEvents.WithLabelValues(op).Inc()
}
