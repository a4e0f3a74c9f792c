package metrics

import (
	"math/big"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics exposes the adapter's observability signals. Deviation and
// staleness are signals only; nothing here gates an update or an operation.
type LendingMetrics struct {
	operations     *prometheus.CounterVec
	staleReads     *prometheus.CounterVec
	rateDeviations *prometheus.CounterVec
	priceWad       *prometheus.GaugeVec
	rateBps        *prometheus.GaugeVec
	openRecords    prometheus.Gauge
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

// Lending returns the process-wide lending metrics set, registering the
// collectors on first use.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_operations_total",
				Help: "Count of adapter operations by name and outcome.",
			}, []string{"op", "outcome"}),
			staleReads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_feed_stale_reads_total",
				Help: "Count of fresh-read attempts that found stale data, by feed.",
			}, []string{"feed"}),
			rateDeviations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_rate_deviation_alerts_total",
				Help: "Count of rate updates deviating beyond the configured delta, by class.",
			}, []string{"class"}),
			priceWad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_feed_price_wad",
				Help: "Last accepted price per asset, wad-scaled.",
			}, []string{"asset"}),
			rateBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_feed_rate_bps",
				Help: "Last accepted interest rate per collateral class in basis points.",
			}, []string{"class"}),
			openRecords: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_open_records",
				Help: "Number of borrowing records mapped in the position registry.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.staleReads,
			lendingRegistry.rateDeviations,
			lendingRegistry.priceWad,
			lendingRegistry.rateBps,
			lendingRegistry.openRecords,
		)
	})
	return lendingRegistry
}

// ObserveOperation records an adapter operation outcome.
func (m *LendingMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// SetOpenRecords tracks the registry's mapped entry count.
func (m *LendingMetrics) SetOpenRecords(count int) {
	if m == nil {
		return
	}
	m.openRecords.Set(float64(count))
}

// PriceUpdated implements feeds.Observer.
func (m *LendingMetrics) PriceUpdated(asset string, value *big.Int) {
	if m == nil || value == nil {
		return
	}
	approx, _ := new(big.Float).SetInt(value).Float64()
	m.priceWad.WithLabelValues(asset).Set(approx)
}

// RateUpdated implements feeds.Observer.
func (m *LendingMetrics) RateUpdated(class int, value *big.Int) {
	if m == nil || value == nil {
		return
	}
	approx, _ := new(big.Float).SetInt(value).Float64()
	m.rateBps.WithLabelValues(strconv.Itoa(class)).Set(approx)
}

// RateDeviation implements feeds.Observer.
func (m *LendingMetrics) RateDeviation(class int, _ uint64) {
	if m == nil {
		return
	}
	m.rateDeviations.WithLabelValues(strconv.Itoa(class)).Inc()
}

// StaleRead implements feeds.Observer.
func (m *LendingMetrics) StaleRead(feed string) {
	if m == nil {
		return
	}
	m.staleReads.WithLabelValues(feed).Inc()
}
