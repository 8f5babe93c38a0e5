package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespaceMixer = "mixer"

// MetricsCollector exposes coordinator activity as prometheus metrics. A
// nil collector records nothing.
type MetricsCollector struct {
	signups             *prometheus.CounterVec
	witnesses           *prometheus.CounterVec
	ceremoniesFormed    prometheus.Counter
	ceremoniesFinalized prometheus.Counter
	ceremoniesCancelled *prometheus.CounterVec
	blacklisted         prometheus.Counter
	sweeps              *prometheus.CounterVec
	eventsDropped       prometheus.Counter
	queueLength         prometheus.Gauge
	activeCeremonies    prometheus.Gauge
	duration            *prometheus.HistogramVec
}

// NewMetricsCollector registers the coordinator metrics on reg.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)
	return &MetricsCollector{
		signups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceMixer,
			Name:      "signups_total",
			Help:      "signup attempts by result",
		}, []string{"result"}),
		witnesses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceMixer,
			Name:      "witnesses_total",
			Help:      "witness submissions by result",
		}, []string{"result"}),
		ceremoniesFormed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMixer,
			Name:      "ceremonies_formed_total",
			Help:      "ceremonies created from the queue",
		}),
		ceremoniesFinalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMixer,
			Name:      "ceremonies_finalized_total",
			Help:      "ceremonies whose transaction was accepted by the ledger",
		}),
		ceremoniesCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceMixer,
			Name:      "ceremonies_cancelled_total",
			Help:      "cancelled ceremonies by reason",
		}, []string{"reason"}),
		blacklisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMixer,
			Name:      "blacklisted_total",
			Help:      "credentials blacklisted for failing to sign",
		}),
		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceMixer,
			Name:      "expiration_sweeps_total",
			Help:      "expiration sweeps by result",
		}, []string{"result"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMixer,
			Name:      "events_dropped_total",
			Help:      "events dropped because the event buffer was full",
		}),
		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceMixer,
			Name:      "queue_length",
			Help:      "participants waiting in the queue",
		}),
		activeCeremonies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceMixer,
			Name:      "active_ceremonies",
			Help:      "ceremonies waiting for witnesses",
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceMixer,
			Name:      "operation_duration_seconds",
			Help:      "duration of coordinator operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (mc *MetricsCollector) RecordSignup(err error) {
	if mc == nil {
		return
	}
	mc.signups.WithLabelValues(resultLabel(err)).Inc()
}

func (mc *MetricsCollector) RecordWitness(err error) {
	if mc == nil {
		return
	}
	mc.witnesses.WithLabelValues(resultLabel(err)).Inc()
}

func (mc *MetricsCollector) RecordCeremonyFormed() {
	if mc == nil {
		return
	}
	mc.ceremoniesFormed.Inc()
}

func (mc *MetricsCollector) RecordCeremonyFinalized() {
	if mc == nil {
		return
	}
	mc.ceremoniesFinalized.Inc()
}

func (mc *MetricsCollector) RecordCeremonyCancelled(reason string) {
	if mc == nil {
		return
	}
	mc.ceremoniesCancelled.WithLabelValues(reason).Inc()
}

func (mc *MetricsCollector) RecordBlacklisted(n int) {
	if mc == nil {
		return
	}
	mc.blacklisted.Add(float64(n))
}

func (mc *MetricsCollector) RecordSweep(err error, skipped bool) {
	if mc == nil {
		return
	}
	if skipped {
		mc.sweeps.WithLabelValues("skipped").Inc()
		return
	}
	mc.sweeps.WithLabelValues(resultLabel(err)).Inc()
}

func (mc *MetricsCollector) RecordDroppedEvent() {
	if mc == nil {
		return
	}
	mc.eventsDropped.Inc()
}

func (mc *MetricsCollector) SetQueueLength(n int) {
	if mc == nil {
		return
	}
	mc.queueLength.Set(float64(n))
}

func (mc *MetricsCollector) SetActiveCeremonies(n int) {
	if mc == nil {
		return
	}
	mc.activeCeremonies.Set(float64(n))
}

// ObserveDuration records the time elapsed since start under operation.
func (mc *MetricsCollector) ObserveDuration(operation string, start time.Time) {
	if mc == nil {
		return
	}
	mc.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// resultLabel is "ok" for nil and the error kind otherwise.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(KindOf(err))
}
