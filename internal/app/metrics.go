package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
)

// Metrics owns the service's prometheus registry. A nil *Metrics records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	claims          *prometheus.CounterVec
	poolBalance     prometheus.Gauge
	clockOffset     prometheus.Gauge
	cooldown        prometheus.Gauge
	outboxPublished *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faucet",
			Name:      "claims_total",
			Help:      "Claim attempts by outcome.",
		}, []string{"outcome"}),
		poolBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "faucet",
			Name:      "pool_balance",
			Help:      "Tokens currently held by the faucet pool.",
		}),
		clockOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "faucet",
			Name:      "clock_offset_seconds",
			Help:      "Offset of the authoritative clock from the host clock at the last sync.",
		}),
		cooldown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "faucet",
			Name:      "cooldown_seconds",
			Help:      "Current per-address cooldown.",
		}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faucet",
			Name:      "outbox_messages_total",
			Help:      "Outbox publish attempts by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.claims,
		m.poolBalance,
		m.clockOffset,
		m.cooldown,
		m.outboxPublished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeClaim(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(domain.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setPool(balance domain.Amount) {
	if m == nil {
		return
	}
	m.poolBalance.Set(float64(balance))
}

func (m *Metrics) setCooldown(seconds int64) {
	if m == nil {
		return
	}
	m.cooldown.Set(float64(seconds))
}

func (m *Metrics) setClockOffset(seconds float64) {
	if m == nil {
		return
	}
	m.clockOffset.Set(seconds)
}

func (m *Metrics) observeOutbox(result string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(result).Inc()
}
