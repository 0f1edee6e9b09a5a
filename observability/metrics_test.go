package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestStreamStateIsExclusive(t *testing.T) {
	m := Sync()
	m.SetStreamState("live")
	require.Equal(t, 1.0, gaugeValue(t, m.streamStatus.WithLabelValues("live")))
	require.Equal(t, 0.0, gaugeValue(t, m.streamStatus.WithLabelValues("degraded")))

	m.SetStreamState("degraded")
	require.Equal(t, 0.0, gaugeValue(t, m.streamStatus.WithLabelValues("live")))
	require.Equal(t, 1.0, gaugeValue(t, m.streamStatus.WithLabelValues("degraded")))
}

func TestFallbackHeadOnlyMovesOnSuccess(t *testing.T) {
	m := Sync()
	m.RecordFallbackTick("ok", 120)
	m.RecordFallbackTick("error", 999)
	require.Equal(t, 120.0, gaugeValue(t, m.fallbackHead))
}

func TestCountersAccumulate(t *testing.T) {
	m := Sync()
	before := counterValue(t, m.notifications.WithLabelValues("unknown", "applied"))
	m.RecordNotification("", "applied")
	require.Equal(t, before+1, counterValue(t, m.notifications.WithLabelValues("unknown", "applied")))

	okBefore := counterValue(t, m.reconcileCells.WithLabelValues("ok"))
	m.ObserveReconcile(time.Second, 7, 1)
	require.Equal(t, okBefore+7, counterValue(t, m.reconcileCells.WithLabelValues("ok")))

	m.SetSessionBalance(big.NewInt(5_000))
	require.Equal(t, 5000.0, gaugeValue(t, m.sessionBalance))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *SyncMetrics
	m.SetStreamState("live")
	m.RecordReconnect()
	m.RecordClaim("committed")
	m.SetSessionBalance(big.NewInt(1))
}
