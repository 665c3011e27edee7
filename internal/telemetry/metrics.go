// Package telemetry registers phaseline's prometheus metrics.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the counters the engine and scheduler update.
//
//   - phaseline_actions_total{action,outcome}
//   - phaseline_verifications_scheduled_total{kind}
//   - phaseline_phases_completed_total
type Metrics struct {
	ActionsTotal                *prometheus.CounterVec
	VerificationsScheduledTotal *prometheus.CounterVec
	PhasesCompletedTotal        prometheus.Counter
}

// NewMetrics registers the metrics with the default registry once and
// returns the shared instance on every call.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ActionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "phaseline_actions_total",
					Help: "Attempted phase and execution actions by outcome",
				},
				[]string{"action", "outcome"},
			),
			VerificationsScheduledTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "phaseline_verifications_scheduled_total",
					Help: "Deferred confirmations handed to the verification scheduler",
				},
				[]string{"kind"},
			),
			PhasesCompletedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "phaseline_phases_completed_total",
					Help: "Phases approved as completed",
				},
			),
		}
	})
	return globalMetrics
}

// ObserveAction counts one attempt. Nil receivers are ignored.
func (m *Metrics) ObserveAction(action, outcome string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveScheduled(kind string) {
	if m == nil {
		return
	}
	m.VerificationsScheduledTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObservePhaseCompleted() {
	if m == nil {
		return
	}
	m.PhasesCompletedTotal.Inc()
}
