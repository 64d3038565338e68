package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xhost_proxy"

// Collector records proxy activity. It satisfies core.PoolObserver and
// http_proxy.Observer.
type Collector struct {
	workersBusy     prometheus.Gauge
	connections     *prometheus.CounterVec
	relayBytes      *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	registry        prometheus.Registerer
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		workersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Number of workers currently handling a connection",
		}),
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Handled client connections by outcome",
		}, []string{"outcome"}),
		relayBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed by direction (upstream = client to upstream)",
		}, []string{"direction"}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of relayed sessions",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
	}
}

// ObserveQueue exports the current depth and capacity of a connection queue.
func (c *Collector) ObserveQueue(depth func() int, capacity int) {
	factory := promauto.With(c.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Accepted connections waiting for a worker",
	}, func() float64 { return float64(depth()) })
	factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_capacity",
		Help:      "Maximum number of queued connections",
	}).Set(float64(capacity))
}

func (c *Collector) WorkerBusy() {
	c.workersBusy.Inc()
}

func (c *Collector) WorkerIdle() {
	c.workersBusy.Dec()
}

func (c *Collector) HandlerPanicked() {
	c.connections.WithLabelValues("panic").Inc()
}

func (c *Collector) ConnectionFinished(outcome string) {
	c.connections.WithLabelValues(outcome).Inc()
}

func (c *Collector) SessionFinished(upstream, downstream int64, duration time.Duration) {
	c.relayBytes.WithLabelValues("upstream").Add(float64(upstream))
	c.relayBytes.WithLabelValues("downstream").Add(float64(downstream))
	c.sessionDuration.Observe(duration.Seconds())
}
