// Package metrics provides Prometheus instrumentation for the matcher and
// the gateway: queue depth, engine scans, match outcomes, session ends,
// quota denials and WebSocket connections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the number of entries left in the wait queue after
	// the most recent scan.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matcher_queue_size",
		Help: "Entries in the wait queue after the last scan",
	})

	// EngineState is 0 while Idle and 1 while Active.
	EngineState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matcher_engine_state",
		Help: "Match engine polling mode (0 idle, 1 active)",
	})

	// ScansTotal counts completed and failed scan passes.
	ScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matcher_scans_total",
		Help: "Total number of queue scans started",
	})

	// ScansSkipped counts ticks dropped because a scan was still running.
	ScansSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matcher_scans_skipped_total",
		Help: "Scan ticks skipped because another scan was in progress",
	})

	// ScanDuration records how long one pass takes.
	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matcher_scan_duration_seconds",
		Help:    "Duration of one queue scan",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MatchesTotal counts sessions created by the engine, labeled by the
	// pass that produced them: "exact", "fallback" or "random".
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matcher_matches_total",
		Help: "Pairs turned into sessions",
	}, []string{"kind"})

	// MatchFailures counts pairs requeued after a session error.
	MatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matcher_match_failures_total",
		Help: "Pairs requeued because the session could not be created",
	})

	// MatchWait records each matched user's time in the queue.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matcher_match_wait_seconds",
		Help:    "Time from enqueue to match",
		Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	// WaitingSignals counts match_waiting events sent.
	WaitingSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matcher_waiting_signals_total",
		Help: "match_waiting events sent to users past the queue timeout",
	})

	// EnqueueTotal counts match requests by outcome: "accepted",
	// "already_queued", "quota_exceeded" or "error".
	EnqueueTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matcher_enqueue_total",
		Help: "Match requests by outcome",
	}, []string{"result"})

	// SessionsCreated counts random sessions persisted.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matcher_sessions_created_total",
		Help: "Random chat sessions created",
	})

	// SessionsEnded counts sessions ended, labeled by reason.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matcher_sessions_ended_total",
		Help: "Random chat sessions ended",
	}, []string{"reason"})

	// GatewayConnections tracks open WebSocket connections on a gateway.
	GatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections",
		Help: "Current number of open WebSocket connections",
	})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		EngineState,
		ScansTotal,
		ScansSkipped,
		ScanDuration,
		MatchesTotal,
		MatchFailures,
		MatchWait,
		WaitingSignals,
		EnqueueTotal,
		SessionsCreated,
		SessionsEnded,
		GatewayConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
