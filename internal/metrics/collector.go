// Package metrics exposes prometheus collectors for rollout workers and the
// replay buffer.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"distributed-goal-rl/internal/rollout"
)

// Collector owns its registry so several collectors can coexist in one
// process (and in tests).
type Collector struct {
	registry *prometheus.Registry

	// rollout
	stepsTotal   *prometheus.CounterVec
	pathsTotal   *prometheus.CounterVec
	pathLength   *prometheus.HistogramVec
	patchesTotal *prometheus.CounterVec

	// worker -> buffer
	batchesTotal *prometheus.CounterVec

	// buffer
	enqueuedTotal *prometheus.CounterVec
	dequeuedTotal prometheus.Counter
	bufferSize    prometheus.Gauge

	logger *zap.Logger
}

var _ rollout.Observer = (*Collector)(nil)

func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollout_steps_total",
			Help:      "Environment steps taken, by rollout kind and agent index",
		},
		[]string{"kind", "agent"},
	)

	c.pathsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollout_paths_total",
			Help:      "Finalized paths, by rollout kind and whether the episode terminated",
		},
		[]string{"kind", "terminated"},
	)

	c.pathLength = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rollout_path_length",
			Help:      "Number of steps per finalized path",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"kind"},
	)

	c.patchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollout_patches_total",
			Help:      "Last steps rewritten with another agent's terminating outcome",
		},
		[]string{"kind"},
	)

	c.batchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_batches_total",
			Help:      "Trajectory batches posted to the replay buffer, by outcome",
		},
		[]string{"status"},
	)

	c.enqueuedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_enqueued_total",
			Help:      "Trajectories offered to the replay buffer, by result",
		},
		[]string{"result"},
	)

	c.dequeuedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_dequeued_total",
			Help:      "Trajectories handed out by the replay buffer",
		},
	)

	c.bufferSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_size",
			Help:      "Trajectories currently held by the replay buffer",
		},
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) OnStep(kind string, agent int, _ float64, _ bool) {
	c.stepsTotal.WithLabelValues(kind, strconv.Itoa(agent)).Inc()
}

func (c *Collector) OnPatch(kind string, agent int) {
	c.patchesTotal.WithLabelValues(kind).Inc()
	c.logger.Debug("patched last step", zap.String("kind", kind), zap.Int("agent", agent))
}

func (c *Collector) OnPath(kind string, _ int, length int, terminated bool) {
	c.pathsTotal.WithLabelValues(kind, strconv.FormatBool(terminated)).Inc()
	c.pathLength.WithLabelValues(kind).Observe(float64(length))
}

// RecordBatch counts one batch post; status is "accepted", "throttled" or
// "failed".
func (c *Collector) RecordBatch(status string) {
	c.batchesTotal.WithLabelValues(status).Inc()
}

func (c *Collector) RecordEnqueue(accepted, dropped int) {
	c.enqueuedTotal.WithLabelValues("accepted").Add(float64(accepted))
	c.enqueuedTotal.WithLabelValues("dropped").Add(float64(dropped))
}

// RecordInvalid counts trajectories refused because their batch was malformed.
func (c *Collector) RecordInvalid(n int) {
	c.enqueuedTotal.WithLabelValues("invalid").Add(float64(n))
}

func (c *Collector) RecordDequeue(n int) {
	c.dequeuedTotal.Add(float64(n))
}

func (c *Collector) SetBufferSize(n int) {
	c.bufferSize.Set(float64(n))
}
