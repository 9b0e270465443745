package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	iterationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gradflow_iterations_total",
		Help: "Total number of training iterations processed.",
	})

	epochsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gradflow_epochs_total",
		Help: "Total number of completed training epochs.",
	})

	trainLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gradflow_train_loss",
		Help: "Running average training loss for the current epoch.",
	})

	valMetrics = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gradflow_validation_metric",
		Help: "Latest validation metrics by name.",
	}, []string{"name"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gradflow_batch_duration_seconds",
		Help:    "Wall time per training batch in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(iterationsTotal)
	prometheus.MustRegister(epochsTotal)
	prometheus.MustRegister(trainLoss)
	prometheus.MustRegister(valMetrics)
	prometheus.MustRegister(batchDuration)
}

// ObserveIteration records one training batch and its duration.
func ObserveIteration(d time.Duration) {
	iterationsTotal.Inc()
	batchDuration.Observe(d.Seconds())
}

// ObserveEpoch records one completed training epoch.
func ObserveEpoch() {
	epochsTotal.Inc()
}

// SetTrainLoss publishes the running training loss.
func SetTrainLoss(v float64) {
	trainLoss.Set(v)
}

// SetValidationMetric publishes a named validation metric.
func SetValidationMetric(name string, v float64) {
	valMetrics.WithLabelValues(name).Set(v)
}
