package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the router's prometheus collectors.
type Metrics struct {
	Routes        *prometheus.CounterVec
	Legs          *prometheus.CounterVec
	RouteLatency  prometheus.Histogram
	FilledQty     prometheus.Counter
	Fees          prometheus.Counter
	Liquidations  prometheus.Counter
	InsuranceFund prometheus.Gauge
	UnlockBps     prometheus.Gauge
	Conservation  prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_routes_total",
			Help: "Routed orders by outcome.",
		}, []string{"result"}),
		Legs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_route_legs_total",
			Help: "Route legs by venue and final saga state.",
		}, []string{"venue", "state"}),
		RouteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpcore_route_latency_seconds",
			Help:    "Wall time of one Route call.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		FilledQty: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_filled_qty_total",
			Help: "Base quantity filled through the router.",
		}),
		Fees: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_taker_fees_total",
			Help: "Taker fees charged, quote units.",
		}),
		Liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_liquidations_total",
			Help: "Liquidation runs executed.",
		}),
		InsuranceFund: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_insurance_balance",
			Help: "Insurance fund balance, quote units.",
		}),
		UnlockBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_pnl_unlock_bps",
			Help: "Adaptive PnL unlock fraction in bps.",
		}),
		Conservation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_conservation_failures_total",
			Help: "Custody or ledger conservation check failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Routes, m.Legs, m.RouteLatency, m.FilledQty, m.Fees,
			m.Liquidations, m.InsuranceFund, m.UnlockBps, m.Conservation)
	}
	return m
}
