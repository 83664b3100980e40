/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Exposes the engine's operational signals: how many sessions are open
  right now, how many have been started and settled, how many coins have
  been credited, and how often settlements fail and retry.

COLLECTION:
  Counters are incremented at the call sites in handlers.go and by the
  sweeper wrapper in cmd/server. The open-session gauge is sampled from
  storage at scrape time, so it is correct even after a restart.

SEE ALSO:
  - server.go: Mounts the /metrics endpoint
*/
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studyhall/session-engine/engine"
)

// Metrics holds the Prometheus collectors for the engine.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted    prometheus.Counter
	SessionsSettled    prometheus.Counter
	CoinsCredited      prometheus.Counter
	SettlementFailures prometheus.Counter
}

// NewMetrics creates a registry with all engine collectors. The store is
// sampled at scrape time for the open-session gauge.
func NewMetrics(store engine.TxStore) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_engine_sessions_started_total",
			Help: "Sessions opened since process start.",
		}),
		SessionsSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_engine_sessions_settled_total",
			Help: "Sessions closed and settled since process start.",
		}),
		CoinsCredited: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_engine_coins_credited_total",
			Help: "Coins credited by session settlement since process start.",
		}),
		SettlementFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_engine_settlement_failures_total",
			Help: "Settlement attempts that failed and are retryable.",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "session_engine_open_sessions",
		Help: "Open sessions currently tracked in storage.",
	}, func() float64 {
		sessions, err := store.ListSessions(context.Background())
		if err != nil {
			return 0
		}
		return float64(len(sessions))
	})

	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSettlement records the outcome of one settlement attempt.
func (m *Metrics) ObserveSettlement(reward engine.Coins, err error) {
	if err != nil {
		if engine.IsRetryable(err) {
			m.SettlementFailures.Inc()
		}
		return
	}
	m.SessionsSettled.Inc()
	m.CoinsCredited.Add(float64(reward))
}
