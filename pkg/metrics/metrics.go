// Package metrics holds the Prometheus collectors of the controller.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is served on /metrics.
	Registry = prometheus.NewRegistry()

	initOnce sync.Once
	initErr  error
)

var (
	// IPAMAllocations counts allocator outcomes per resource (vlan, subnet).
	IPAMAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisiond_ipam_allocations_total",
			Help: "Network allocator outcomes by resource and result",
		},
		[]string{"resource", "result"},
	)

	// IPAMRetries counts scans restarted after a write conflict.
	IPAMRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisiond_ipam_conflict_retries_total",
			Help: "Allocation scans restarted after a unique-key conflict",
		},
	)

	// NodeDispatches counts provisioning backend calls per result.
	NodeDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisiond_node_dispatch_total",
			Help: "Provisioning backend dispatches by driver and result",
		},
		[]string{"driver", "result"},
	)

	TasksOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisiond_tasks_opened_total",
			Help: "Tasks opened by kind (the bus method the task tracks)",
		},
		[]string{"kind"},
	)

	BusCasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisiond_bus_casts_total",
			Help: "Messages cast to the worker bus by exchange and outcome (sent, buffered, dropped)",
		},
		[]string{"exchange", "outcome"},
	)

	BusPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provisiond_bus_pending",
			Help: "Messages buffered while no worker is connected",
		},
		[]string{"exchange"},
	)

	BusConsumers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provisiond_bus_consumers",
			Help: "Connected workers per exchange",
		},
		[]string{"exchange"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisiond_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provisiond_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

// Init registers the runtime and controller collectors. Safe to call more
// than once.
func Init() error {
	initOnce.Do(func() {
		initErr = register(Registry)
	})
	return initErr
}

// MustInit initializes metrics and panics on error.
func MustInit() {
	if err := Init(); err != nil {
		panic("failed to initialize metrics: " + err.Error())
	}
}

func register(reg prometheus.Registerer) error {
	all := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		IPAMAllocations,
		IPAMRetries,
		NodeDispatches,
		TasksOpened,
		BusCasts,
		BusPending,
		BusConsumers,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	}
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
