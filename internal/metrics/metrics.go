package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfoliodb_candle_pushes_total",
			Help: "Total number of values pushed into candle stores",
		},
		[]string{"asset", "resolution"},
	)

	prunedOffsetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfoliodb_pruned_offsets_total",
			Help: "Total number of candle offsets dropped by retention pruning",
		},
		[]string{"asset", "resolution"},
	)

	writesFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portfoliodb_debounced_writes_flushed_total",
			Help: "Total number of physical writes performed by the debounced writer",
		},
	)

	writesCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portfoliodb_debounced_writes_coalesced_total",
			Help: "Total number of writes absorbed into an already-pending write",
		},
	)

	fillsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfoliodb_fills_ingested_total",
			Help: "Total number of new trade fills appended to ledgers",
		},
		[]string{"asset"},
	)

	balanceUSD = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portfoliodb_balance_usd",
			Help: "Current USD value of a tracked balance",
		},
		[]string{"asset"},
	)
)

func init() {
	prometheus.MustRegister(pushesTotal)
	prometheus.MustRegister(prunedOffsetsTotal)
	prometheus.MustRegister(writesFlushedTotal)
	prometheus.MustRegister(writesCoalescedTotal)
	prometheus.MustRegister(fillsIngestedTotal)
	prometheus.MustRegister(balanceUSD)
}

func RecordPush(asset, resolution string) {
	pushesTotal.WithLabelValues(asset, resolution).Inc()
}

func RecordPruned(asset, resolution string, count int) {
	prunedOffsetsTotal.WithLabelValues(asset, resolution).Add(float64(count))
}

func RecordWriteFlushed() {
	writesFlushedTotal.Inc()
}

func RecordWriteCoalesced() {
	writesCoalescedTotal.Inc()
}

func RecordFillsIngested(asset string, count int) {
	fillsIngestedTotal.WithLabelValues(asset).Add(float64(count))
}

func SetBalanceUSD(asset string, usd float64) {
	balanceUSD.WithLabelValues(asset).Set(usd)
}
