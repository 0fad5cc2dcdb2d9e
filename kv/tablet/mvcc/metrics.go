package mvcc

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricBegunTxns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytablet",
			Subsystem: "mvcc",
			Name:      "txns_begun_total",
			Help:      "Number of transactions begun on this process.",
		})
	metricCommittedTxns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytablet",
			Subsystem: "mvcc",
			Name:      "txns_committed_total",
			Help:      "Number of transactions committed, by commit path.",
		}, []string{"path"})
	metricAbortedTxns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytablet",
			Subsystem: "mvcc",
			Name:      "txns_aborted_total",
			Help:      "Number of transactions aborted.",
		})
	metricInFlightTxns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytablet",
			Subsystem: "mvcc",
			Name:      "txns_in_flight",
			Help:      "Number of transactions currently in flight.",
		})
	metricWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytablet",
			Subsystem: "mvcc",
			Name:      "waiters",
			Help:      "Number of goroutines blocked waiting on snapshot state.",
		})
)

func init() {
	prometheus.MustRegister(metricBegunTxns)
	prometheus.MustRegister(metricCommittedTxns)
	prometheus.MustRegister(metricAbortedTxns)
	prometheus.MustRegister(metricInFlightTxns)
	prometheus.MustRegister(metricWaiters)
}
