// Package metrics adapts Dispatcher activity to Prometheus instruments:
// promauto-registered vectors behind a typed struct, with the field set
// built for dispatcher-domain signals rather than generic HTTP metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Gearlay/workerpool/pkg/dispatch"
)

// DefaultRegistry is a private registry so importing this package never
// collides with a process-wide default registerer.
var DefaultRegistry = prometheus.NewRegistry()

// Metrics holds every Prometheus instrument the Dispatcher drives through
// dispatch.Observer, plus the gauges pool.Stats() feeds on a timer (see
// Collector).
type Metrics struct {
	TasksDispatched  *prometheus.CounterVec
	TasksRejected    *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	WorkersCreated   prometheus.Counter
	WorkersCrashed   prometheus.Counter
	WorkersRemoved   prometheus.Counter

	PoolTotalWorkers     prometheus.Gauge
	PoolBusyWorkers      prometheus.Gauge
	PoolAvailableWorkers prometheus.Gauge
	PoolPendingTasks     prometheus.Gauge
}

// New registers every instrument against registerer (DefaultRegistry if
// nil) and returns the bound Metrics.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegistry
	}
	f := promauto.With(registerer)
	return &Metrics{
		TasksDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tasks_dispatched_total",
			Help: "Total tasks handed to a worker, by method.",
		}, []string{"method"}),
		TasksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tasks_rejected_total",
			Help: "Total tasks rejected at submit time, by method and reason.",
		}, []string{"method", "reason"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_task_duration_seconds",
			Help:    "Task execution duration from dispatch to settlement.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
		WorkersCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_workers_created_total",
			Help: "Total workers spawned, including replacements after a crash.",
		}),
		WorkersCrashed: f.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_workers_crashed_total",
			Help: "Total workers removed due to a crash rather than planned termination.",
		}),
		WorkersRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_workers_removed_total",
			Help: "Total workers removed for any reason.",
		}),
		PoolTotalWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_pool_total_workers",
			Help: "Current worker count.",
		}),
		PoolBusyWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_pool_busy_workers",
			Help: "Workers currently executing a call.",
		}),
		PoolAvailableWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_pool_available_workers",
			Help: "Workers that could accept a call right now.",
		}),
		PoolPendingTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_pool_pending_tasks",
			Help: "Tasks waiting in queue for a worker.",
		}),
	}
}

// Observer adapts Metrics to dispatch.Observer.
type Observer struct {
	m *Metrics
}

// NewObserver returns a dispatch.Observer backed by m.
func NewObserver(m *Metrics) *Observer { return &Observer{m: m} }

func (o *Observer) TaskDispatched(method, workerID string) {
	o.m.TasksDispatched.WithLabelValues(method).Inc()
}

func (o *Observer) TaskRejected(method, reason string) {
	o.m.TasksRejected.WithLabelValues(method, reason).Inc()
}

func (o *Observer) TaskSettled(method string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.m.TaskDuration.WithLabelValues(method, outcome).Observe(d.Seconds())
}

func (o *Observer) WorkerCreated(id string) {
	o.m.WorkersCreated.Inc()
}

func (o *Observer) WorkerRemoved(id string, crashed bool) {
	o.m.WorkersRemoved.Inc()
	if crashed {
		o.m.WorkersCrashed.Inc()
	}
}

var _ dispatch.Observer = (*Observer)(nil)

// Collector periodically copies a Pool's Stats() onto the pool-level
// gauges, since those reflect point-in-time state rather than discrete
// events an Observer callback could catch.
type Collector struct {
	m      *Metrics
	sample func() dispatch.Stats
	stop   chan struct{}
}

// NewCollector starts sampling sample every interval until Stop is
// called.
func NewCollector(m *Metrics, interval time.Duration, sample func() dispatch.Stats) *Collector {
	c := &Collector{m: m, sample: sample, stop: make(chan struct{})}
	go c.run(interval)
	return c
}

func (c *Collector) run(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s := c.sample()
			c.m.PoolTotalWorkers.Set(float64(s.TotalWorkers))
			c.m.PoolBusyWorkers.Set(float64(s.BusyWorkers))
			c.m.PoolAvailableWorkers.Set(float64(s.AvailableWorkers))
			c.m.PoolPendingTasks.Set(float64(s.PendingTasks))
		case <-c.stop:
			return
		}
	}
}

func (c *Collector) Stop() { close(c.stop) }
