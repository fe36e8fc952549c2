package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	commands         *prometheus.CounterVec
	retries          prometheus.Counter
	retriesExhausted prometheus.Counter
	retryQueueDepth  prometheus.Gauge
	activeBaths      prometheus.Gauge
	reductions       *prometheus.CounterVec
	completions      *prometheus.CounterVec
	persistErrors    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rectifier",
			Name:      "commands_total",
			Help:      "Device command attempts by kind and result.",
		}, []string{"kind", "result"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rectifier",
			Name:      "command_retries_total",
			Help:      "Retry attempts made by the retry queue.",
		}),
		retriesExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rectifier",
			Name:      "command_retries_exhausted_total",
			Help:      "Critical commands dropped after the last attempt failed.",
		}),
		retryQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rectifier",
			Name:      "retry_queue_depth",
			Help:      "Retry tasks waiting for the worker.",
		}),
		activeBaths: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rectifier",
			Name:      "active_baths",
			Help:      "Baths currently counting down.",
		}),
		reductions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rectifier",
			Name:      "amperage_reductions_total",
			Help:      "Scheduled amperage step-downs fired.",
		}, []string{"bath"}),
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rectifier",
			Name:      "cycles_completed_total",
			Help:      "Cycles that counted down to zero.",
		}, []string{"bath"}),
		persistErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rectifier",
			Name:      "persist_errors_total",
			Help:      "Failed snapshot writes.",
		}),
	}
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *metrics) commandResult(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(commandKind(command), result).Inc()
}

func (m *metrics) retryAttempt() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *metrics) retryExhausted() {
	if m == nil {
		return
	}
	m.retriesExhausted.Inc()
}

func (m *metrics) queueDepth(n int) {
	if m == nil {
		return
	}
	m.retryQueueDepth.Set(float64(n))
}

func (m *metrics) active(n int) {
	if m == nil {
		return
	}
	m.activeBaths.Set(float64(n))
}

func (m *metrics) reduced(bath string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reductions.WithLabelValues(bath).Add(float64(n))
}

func (m *metrics) completed(bath string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(bath).Inc()
}

func (m *metrics) persistFailed() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}
