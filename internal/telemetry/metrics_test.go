package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetricsIsShared(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	assert.Same(t, a, b)
}

func TestObserveAction(t *testing.T) {
	m := NewMetrics()
	before := testutil.ToFloat64(m.ActionsTotal.WithLabelValues("sendPayment", "rejected"))
	m.ObserveAction("sendPayment", "rejected")
	after := testutil.ToFloat64(m.ActionsTotal.WithLabelValues("sendPayment", "rejected"))
	assert.Equal(t, before+1, after)

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.ObserveAction("x", "y")
		nilMetrics.ObserveScheduled("payment")
		nilMetrics.ObservePhaseCompleted()
	})
}
