// Package metrics exposes Prometheus collectors for delivery, outbox sweeps,
// dispatch and the event collector. All methods are safe on a nil *Metrics.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unmanned"

type Metrics struct {
	deliveryAttempts *prometheus.CounterVec
	deliveryOutcomes *prometheus.CounterVec
	sweepEntries     *prometheus.CounterVec
	outboxPending    prometheus.Gauge
	dispatchOutcomes *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	autoResponds     *prometheus.CounterVec
	collectorEvents  *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers collectors on reg, reusing any that are already
// registered. Any other registration error panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		deliveryAttempts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "attempts_total",
			Help: "Transport attempts made by the delivery client, by result.",
		}, []string{"result"})),
		deliveryOutcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "outcomes_total",
			Help: "Final delivery outcomes (created, duplicate, outboxed, error).",
		}, []string{"outcome"})),
		sweepEntries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "sweep_entries_total",
			Help: "Outbox entries processed by sweeps, by result.",
		}, []string{"result"})),
		outboxPending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "pending_entries",
			Help: "Entries left in the pending outbox after the last sweep.",
		})),
		dispatchOutcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "outcomes_total",
			Help: "Dispatch outcomes by terminal status.",
		}, []string{"status"})),
		dispatchDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "duration_seconds",
			Help:    "Time from injection to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"})),
		autoResponds: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "auto_responds_total",
			Help: "Interactive prompts answered automatically, by rule.",
		}, []string{"rule"})),
		collectorEvents: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "events_total",
			Help: "Events received by the collector, by status.",
		}, []string{"status"})),
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the metrics gathered by g (the default gatherer when nil).
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) DeliveryAttempt(result string) {
	if m == nil {
		return
	}
	m.deliveryAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) DeliveryOutcome(outcome string) {
	if m == nil {
		return
	}
	m.deliveryOutcomes.WithLabelValues(outcome).Inc()
}

// SweepResult adds one sweep's counts and records the remaining backlog.
func (m *Metrics) SweepResult(success, failed, skipped, corrupt, pending int) {
	if m == nil {
		return
	}
	m.sweepEntries.WithLabelValues("success").Add(float64(success))
	m.sweepEntries.WithLabelValues("failed").Add(float64(failed))
	m.sweepEntries.WithLabelValues("skipped").Add(float64(skipped))
	m.sweepEntries.WithLabelValues("corrupt").Add(float64(corrupt))
	m.outboxPending.Set(float64(pending))
}

func (m *Metrics) DispatchOutcome(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(status).Inc()
	m.dispatchDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) AutoRespond(rule string) {
	if m == nil {
		return
	}
	m.autoResponds.WithLabelValues(rule).Inc()
}

func (m *Metrics) CollectorEvent(status string) {
	if m == nil {
		return
	}
	m.collectorEvents.WithLabelValues(status).Inc()
}
