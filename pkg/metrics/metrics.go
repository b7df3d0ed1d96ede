// Package metrics records run metrics in a private Prometheus registry.
// All methods are safe on a nil *Metrics so callers never need to check.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-tools/hsu-provision/pkg/errors"
)

const namespace = "provision"

type Metrics struct {
	registry *prometheus.Registry

	monitorSamples  prometheus.Counter
	monitorFailures prometheus.Counter
	freeMemory      prometheus.Gauge
	monitorActions  *prometheus.CounterVec
	commandTimeouts *prometheus.CounterVec
	stepDuration    *prometheus.GaugeVec
	stepResult      *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		monitorSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "samples_total",
			Help:      "Free memory samples taken by the resource monitor.",
		}),
		monitorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "sample_failures_total",
			Help:      "Free memory samples that could not be taken or parsed.",
		}),
		freeMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "free_memory_megabytes",
			Help:      "Last sampled free host memory.",
		}),
		monitorActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "actions_total",
			Help:      "Actions taken by the resource monitor.",
		}, []string{"action"}),
		commandTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "timeouts_total",
			Help:      "Commands abandoned after their timeout expired.",
		}, []string{"command"}),
		stepDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Wall time of each provisioning step.",
		}, []string{"step"}),
		stepResult: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "success",
			Help:      "1 when the provisioning step succeeded, 0 otherwise.",
		}, []string{"step"}),
	}

	m.registry.MustRegister(
		m.monitorSamples,
		m.monitorFailures,
		m.freeMemory,
		m.monitorActions,
		m.commandTimeouts,
		m.stepDuration,
		m.stepResult,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveSample(freeMB int64, ok bool) {
	if m == nil {
		return
	}
	if !ok {
		m.monitorFailures.Inc()
		return
	}
	m.monitorSamples.Inc()
	m.freeMemory.Set(float64(freeMB))
}

func (m *Metrics) ObserveAction(action string) {
	if m == nil {
		return
	}
	m.monitorActions.WithLabelValues(action).Inc()
}

// ObserveTimeout is labelled by executable name only to keep cardinality low
func (m *Metrics) ObserveTimeout(command string) {
	if m == nil {
		return
	}
	m.commandTimeouts.WithLabelValues(command).Inc()
}

func (m *Metrics) ObserveStep(step string, duration time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Set(duration.Seconds())
	result := 0.0
	if ok {
		result = 1
	}
	m.stepResult.WithLabelValues(step).Set(result)
}

// WriteTextfile writes the registry in the node exporter textfile format
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.NewIOError("failed to write metrics file", err).WithContext("path", path)
	}
	return nil
}
