package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	Depth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "discount_queue_depth",
			Help: "Tasks waiting in the ready set per kind",
		},
		[]string{"kind"},
	)
	ProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discount_queue_processed_total",
			Help: "Processed tasks by kind and outcome (ok, retry, dead)",
		},
		[]string{"kind", "status"},
	)
	DeadLetterSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "discount_queue_dead_letters",
			Help: "Dead-lettered tasks per kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(Depth, ProcessedTotal, DeadLetterSize)
}
