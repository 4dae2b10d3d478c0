package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg, func() int64 { return 0 })

	s.IncIncomingExternal()
	s.IncCompleted(5 * time.Millisecond)
	s.IncFailed()
	s.IncDispatchFailure()
	s.IncDiscarded()

	assert.Equal(t, 1.0, counterValue(t, s.incomingExternal))
	assert.Equal(t, 1.0, counterValue(t, s.completed))
	assert.Equal(t, 1.0, counterValue(t, s.failed))
	assert.Equal(t, 1.0, counterValue(t, s.dispatchFailures))
	assert.Equal(t, 1.0, counterValue(t, s.discardedCalls))
}

func TestInFlightGaugeReflectsCallback(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := int64(3)
	s := New(reg, func() int64 { return n })

	var m dto.Metric
	require.NoError(t, s.inFlightGauge.Write(&m))
	assert.Equal(t, 3.0, m.GetGauge().GetValue())
}

func TestInstantRPSWindowDecays(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg, func() int64 { return 0 })

	s.IncIncomingExternal()
	s.IncIncomingExternal()

	var m dto.Metric
	require.NoError(t, s.instantRPS.Write(&m))
	assert.Equal(t, 2.0, m.GetGauge().GetValue())

	s.mu.Lock()
	for i := range s.rpsWindow {
		s.rpsWindow[i] = s.rpsWindow[i].Add(-2 * time.Second)
	}
	s.mu.Unlock()
	s.refreshRPS()

	require.NoError(t, s.instantRPS.Write(&m))
	assert.Equal(t, 0.0, m.GetGauge().GetValue())
}
