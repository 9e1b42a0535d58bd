package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exports the training curves as Prometheus collectors.
type Recorder struct {
	loss, penalty, l0Norm, sparsity prometheus.Gauge
	steps                           prometheus.Counter
}

// NewRecorder creates the collectors and registers them with registerer, prefixed by namespace
// (e.g. "pruning"). A nil registerer creates unregistered collectors.
func NewRecorder(registerer prometheus.Registerer, namespace string) *Recorder {
	factory := promauto.With(registerer)
	return &Recorder{
		loss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_loss",
			Help:      "Median model loss since the last record",
		}),
		penalty: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "regularization_penalty",
			Help:      "Value of the regularization terms",
		}),
		l0Norm: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "l0_norm",
			Help:      "Number of non-zero weights",
		}),
		sparsity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sparsity_ratio",
			Help:      "Fraction of weights that are zero",
		}),
		steps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_steps_total",
			Help:      "Number of training steps run",
		}),
	}
}

// Observe sets the gauges. numWeights is the total number of weights, used for the sparsity.
func (r *Recorder) Observe(loss, penalty, l0Norm, numWeights float64) {
	r.loss.Set(loss)
	r.penalty.Set(penalty)
	r.l0Norm.Set(l0Norm)
	if numWeights > 0 {
		r.sparsity.Set(1 - l0Norm/numWeights)
	}
}

// Collectors returns all collectors of the recorder.
func (r *Recorder) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.loss, r.penalty, r.l0Norm, r.sparsity, r.steps}
}
