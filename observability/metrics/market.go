package metrics

import (
	"math"
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics tracks escrow transitions and dispute market settlement.
type MarketMetrics struct {
	transitions  *prometheus.CounterVec
	resolutions  *prometheus.CounterVec
	deposits     *prometheus.CounterVec
	claims       *prometheus.CounterVec
	revenue      prometheus.Counter
	roundingDust prometheus.Counter
	openEscrows  prometheus.Gauge
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the process-wide market metrics registry.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brm",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Count of committed escrow state transitions by target status.",
			}, []string{"status"}),
			resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brm",
				Subsystem: "escrow",
				Name:      "resolutions_total",
				Help:      "Count of resolved escrows by resolution kind.",
			}, []string{"kind"}),
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brm",
				Subsystem: "dispute",
				Name:      "deposits_total",
				Help:      "Count of public stake deposits by side.",
			}, []string{"side"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brm",
				Subsystem: "dispute",
				Name:      "claims_total",
				Help:      "Count of paid dispute claims by kind.",
			}, []string{"kind"}),
			revenue: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "brm",
				Subsystem: "protocol",
				Name:      "revenue_wei_total",
				Help:      "Protocol revenue collected from forfeited bonds, fees and rounding remainders.",
			}),
			roundingDust: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "brm",
				Subsystem: "protocol",
				Name:      "rounding_dust_wei_total",
				Help:      "Cumulative pool rounding remainder routed to the treasury.",
			}),
			openEscrows: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "brm",
				Subsystem: "escrow",
				Name:      "open",
				Help:      "Escrows that have not reached a terminal status.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.transitions,
			marketRegistry.resolutions,
			marketRegistry.deposits,
			marketRegistry.claims,
			marketRegistry.revenue,
			marketRegistry.roundingDust,
			marketRegistry.openEscrows,
		)
	})
	return marketRegistry
}

func (m *MarketMetrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(status)).Inc()
}

func (m *MarketMetrics) ObserveResolution(kind string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(label(kind)).Inc()
}

func (m *MarketMetrics) ObserveDeposit(side string) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(label(side)).Inc()
}

func (m *MarketMetrics) ObserveClaim(kind string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(label(kind)).Inc()
}

// AddRevenue records protocol revenue in base units.
func (m *MarketMetrics) AddRevenue(amount *big.Int) {
	if m == nil {
		return
	}
	if v := bigToFloat(amount); v > 0 {
		m.revenue.Add(v)
	}
}

// AddRoundingDust records the undistributed pool remainder.
func (m *MarketMetrics) AddRoundingDust(amount *big.Int) {
	if m == nil {
		return
	}
	if v := bigToFloat(amount); v > 0 {
		m.roundingDust.Add(v)
	}
}

func (m *MarketMetrics) SetOpenEscrows(n int) {
	if m == nil {
		return
	}
	m.openEscrows.Set(float64(n))
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
