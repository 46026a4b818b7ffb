package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	walletBalance *prometheus.GaugeVec
	cycles        prometheus.Counter
	cycleErrors   prometheus.Counter
	readErrors    *prometheus.CounterVec
	masterBalance prometheus.Gauge
	lowBalance    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	f := promauto.With(reg)

	return &metrics{
		walletBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wallet_balance_sol",
			Help: "Last observed balance of a tracked wallet in SOL.",
		}, []string{"address", "name"}),
		cycles: f.NewCounter(prometheus.CounterOpts{
			Name: "monitor_cycles_total",
			Help: "Polling cycles run.",
		}),
		cycleErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "monitor_cycle_errors_total",
			Help: "Polling cycles that ended with an error or a panic.",
		}),
		readErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "balance_read_errors_total",
			Help: "Balance reads that failed after the retry.",
		}, []string{"address"}),
		masterBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "master_balance_sol",
			Help: "Balance of the master funding account in SOL.",
		}),
		lowBalance: f.NewCounterVec(prometheus.CounterOpts{
			Name: "low_balance_detections_total",
			Help: "Times a tracked wallet was seen below the threshold.",
		}, []string{"address"}),
	}
}
