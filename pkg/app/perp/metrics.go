package perp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Orders      *prometheus.CounterVec
	BookDepth   *prometheus.GaugeVec
	FundingRate *prometheus.GaugeVec
	KillBand    prometheus.Counter
}

// NewMetrics registers with reg; a nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_maker_orders_total",
			Help: "Maker order requests by venue and outcome.",
		}, []string{"venue", "result"}),
		BookDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpcore_book_orders",
			Help: "Resting orders per book side.",
		}, []string{"venue", "instrument", "side"}),
		FundingRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpcore_funding_rate",
			Help: "Last applied funding rate, 1e6 scaled.",
		}, []string{"venue", "instrument"}),
		KillBand: f.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_kill_band_rejects_total",
			Help: "Routes rejected by the anti-toxicity kill band.",
		}),
	}
}
