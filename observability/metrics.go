package observability

import (
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics wraps the collectors tracking the synchronization engine and the
// session key lifecycle.
type SyncMetrics struct {
	streamStatus      *prometheus.GaugeVec
	reconnects        prometheus.Counter
	fallbackTicks     *prometheus.CounterVec
	fallbackHead      prometheus.Gauge
	notifications     *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	reconcileSkipped  prometheus.Counter
	reconcileCells    *prometheus.CounterVec
	claims            *prometheus.CounterVec
	fundings          *prometheus.CounterVec
	sessionBalance    prometheus.Gauge
	drains            *prometheus.CounterVec
}

var (
	syncMetricsOnce sync.Once
	syncRegistry    *SyncMetrics
)

var streamStates = []string{"connecting", "live", "degraded"}

// Sync returns the lazily-initialised metrics registry for the sync engine.
func Sync() *SyncMetrics {
	syncMetricsOnce.Do(func() {
		syncRegistry = &SyncMetrics{
			streamStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "pixelwar",
				Subsystem: "stream",
				Name:      "status",
				Help:      "Event stream connection state (1 for the current state, 0 otherwise).",
			}, []string{"state"}),
			reconnects: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pixelwar",
				Subsystem: "stream",
				Name:      "reconnects_total",
				Help:      "Count of scheduled event stream reconnect attempts.",
			}),
			fallbackTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pixelwar",
				Subsystem: "fallback",
				Name:      "ticks_total",
				Help:      "Polling fallback ticks segmented by outcome.",
			}, []string{"outcome"}),
			fallbackHead: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pixelwar",
				Subsystem: "fallback",
				Name:      "last_scanned_block",
				Help:      "Newest block scanned by the polling fallback.",
			}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pixelwar",
				Subsystem: "feed",
				Name:      "notifications_total",
				Help:      "Cell notifications segmented by source and disposition.",
			}, []string{"source", "result"}),
			reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "pixelwar",
				Subsystem: "recon",
				Name:      "pass_duration_seconds",
				Help:      "Duration of full grid reconciliation passes.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}),
			reconcileSkipped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pixelwar",
				Subsystem: "recon",
				Name:      "skipped_total",
				Help:      "Reconciliation passes skipped because one was already running.",
			}),
			reconcileCells: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pixelwar",
				Subsystem: "recon",
				Name:      "cells_total",
				Help:      "Cells visited by reconciliation segmented by outcome.",
			}, []string{"outcome"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pixelwar",
				Subsystem: "claim",
				Name:      "attempts_total",
				Help:      "Optimistic claim attempts segmented by outcome.",
			}, []string{"outcome"}),
			fundings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pixelwar",
				Subsystem: "session",
				Name:      "fundings_total",
				Help:      "Session credential funding transfers segmented by outcome.",
			}, []string{"outcome"}),
			sessionBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pixelwar",
				Subsystem: "session",
				Name:      "balance_wei",
				Help:      "Last observed session credential balance in wei.",
			}),
			drains: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pixelwar",
				Subsystem: "session",
				Name:      "drains_total",
				Help:      "Session credential reclamation attempts segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			syncRegistry.streamStatus,
			syncRegistry.reconnects,
			syncRegistry.fallbackTicks,
			syncRegistry.fallbackHead,
			syncRegistry.notifications,
			syncRegistry.reconcileDuration,
			syncRegistry.reconcileSkipped,
			syncRegistry.reconcileCells,
			syncRegistry.claims,
			syncRegistry.fundings,
			syncRegistry.sessionBalance,
			syncRegistry.drains,
		)
	})
	return syncRegistry
}

// SetStreamState flips the stream status gauge to the supplied state.
func (m *SyncMetrics) SetStreamState(state string) {
	if m == nil {
		return
	}
	for _, candidate := range streamStates {
		value := 0.0
		if candidate == state {
			value = 1
		}
		m.streamStatus.WithLabelValues(candidate).Set(value)
	}
}

// RecordReconnect counts a scheduled reconnect.
func (m *SyncMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// RecordFallbackTick records a fallback tick outcome ("ok", "error", "idle").
func (m *SyncMetrics) RecordFallbackTick(outcome string, lastScanned uint64) {
	if m == nil {
		return
	}
	m.fallbackTicks.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.fallbackHead.Set(float64(lastScanned))
	}
}

// RecordNotification counts a decoded notification by source ("stream", "fallback")
// and result ("applied", "noop", "discarded").
func (m *SyncMetrics) RecordNotification(source, result string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.notifications.WithLabelValues(source, result).Inc()
}

// ObserveReconcile records a completed reconciliation pass.
func (m *SyncMetrics) ObserveReconcile(d time.Duration, ok, failed int) {
	if m == nil {
		return
	}
	m.reconcileDuration.Observe(d.Seconds())
	m.reconcileCells.WithLabelValues("ok").Add(float64(ok))
	m.reconcileCells.WithLabelValues("failed").Add(float64(failed))
}

// RecordReconcileSkipped counts a pass skipped by the single-flight guard.
func (m *SyncMetrics) RecordReconcileSkipped() {
	if m == nil {
		return
	}
	m.reconcileSkipped.Inc()
}

// RecordClaim counts a claim attempt outcome.
func (m *SyncMetrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// RecordFunding counts a funding transfer outcome.
func (m *SyncMetrics) RecordFunding(outcome string) {
	if m == nil {
		return
	}
	m.fundings.WithLabelValues(outcome).Inc()
}

// SetSessionBalance records the last polled session balance.
func (m *SyncMetrics) SetSessionBalance(balance *big.Int) {
	if m == nil || balance == nil {
		return
	}
	value, _ := new(big.Float).SetInt(balance).Float64()
	m.sessionBalance.Set(value)
}

// RecordDrain counts a reclamation outcome.
func (m *SyncMetrics) RecordDrain(outcome string) {
	if m == nil {
		return
	}
	m.drains.WithLabelValues(outcome).Inc()
}
