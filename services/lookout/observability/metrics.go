// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the analyzer host.
//
// # Description
//
// Metrics are registered on a registry created at startup and passed in;
// nothing here touches the global default registry. Metrics include:
//   - Event counters and latency by event type and status
//   - Analyzer call counters and latency by analyzer and operation
//   - Transport channel gauges and counters
//   - Model cache hit, miss and eviction counters
//
// All record methods are nil-safe so components can run without metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "lookout"

// Metrics groups every metric family of the host.
type Metrics struct {
	Events    *EventMetrics
	Transport *TransportMetrics
	Cache     *CacheMetrics
}

// NewMetrics creates and registers all metrics on reg.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Events:    NewEventMetrics(reg),
		Transport: NewTransportMetrics(reg),
		Cache:     NewCacheMetrics(reg),
	}
}

// EventMetrics tracks push and review processing.
type EventMetrics struct {
	// EventsTotal counts events. Labels: type (push, review), status (success, error)
	EventsTotal *prometheus.CounterVec

	// EventDurationSeconds measures end to end event latency. Labels: type
	EventDurationSeconds *prometheus.HistogramVec

	// AnalyzerCallsTotal counts analyzer calls.
	// Labels: analyzer, op (train, analyze), status
	AnalyzerCallsTotal *prometheus.CounterVec

	// AnalyzerDurationSeconds measures analyzer call latency. Labels: analyzer, op
	AnalyzerDurationSeconds *prometheus.HistogramVec

	// CommentsTotal counts comments produced. Labels: analyzer
	CommentsTotal *prometheus.CounterVec

	// InFlight is the number of events being processed.
	InFlight prometheus.Gauge
}

// NewEventMetrics registers event metrics on reg.
func NewEventMetrics(reg prometheus.Registerer) *EventMetrics {
	f := promauto.With(reg)
	return &EventMetrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "events",
			Name:      "total",
			Help:      "Total number of events by type and status",
		}, []string{"type", "status"}),
		EventDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "events",
			Name:      "duration_seconds",
			Help:      "Event processing latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"type"}),
		AnalyzerCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "analyzer",
			Name:      "calls_total",
			Help:      "Total number of analyzer calls by analyzer, operation and status",
		}, []string{"analyzer", "op", "status"}),
		AnalyzerDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "analyzer",
			Name:      "duration_seconds",
			Help:      "Analyzer call latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"analyzer", "op"}),
		CommentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "analyzer",
			Name:      "comments_total",
			Help:      "Total number of review comments by analyzer",
		}, []string{"analyzer"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "events",
			Name:      "in_flight",
			Help:      "Number of events currently being processed",
		}),
	}
}

// RecordEvent records one finished event.
func (m *EventMetrics) RecordEvent(typ string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(typ, statusLabel(err)).Inc()
	m.EventDurationSeconds.WithLabelValues(typ).Observe(d.Seconds())
}

// RecordAnalyzerCall records one train or analyze call.
func (m *EventMetrics) RecordAnalyzerCall(analyzer, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.AnalyzerCallsTotal.WithLabelValues(analyzer, op, statusLabel(err)).Inc()
	m.AnalyzerDurationSeconds.WithLabelValues(analyzer, op).Observe(d.Seconds())
}

// RecordComments adds n comments for analyzer.
func (m *EventMetrics) RecordComments(analyzer string, n int) {
	if m == nil {
		return
	}
	m.CommentsTotal.WithLabelValues(analyzer).Add(float64(n))
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (m *EventMetrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}

// TransportMetrics tracks data service channels.
type TransportMetrics struct {
	// ChannelsOpen is the number of open channels.
	ChannelsOpen prometheus.Gauge

	// ChannelsOpenedTotal counts channels created.
	ChannelsOpenedTotal prometheus.Counter

	// ChannelsInvalidatedTotal counts channels closed after a failure.
	ChannelsInvalidatedTotal prometheus.Counter
}

// NewTransportMetrics registers transport metrics on reg.
func NewTransportMetrics(reg prometheus.Registerer) *TransportMetrics {
	f := promauto.With(reg)
	return &TransportMetrics{
		ChannelsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "transport",
			Name:      "channels_open",
			Help:      "Number of open data service channels",
		}),
		ChannelsOpenedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "transport",
			Name:      "channels_opened_total",
			Help:      "Total number of data service channels opened",
		}),
		ChannelsInvalidatedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "transport",
			Name:      "channels_invalidated_total",
			Help:      "Total number of channels closed after a transport failure",
		}),
	}
}

// Opened records a new channel.
func (m *TransportMetrics) Opened() {
	if m == nil {
		return
	}
	m.ChannelsOpen.Inc()
	m.ChannelsOpenedTotal.Inc()
}

// Closed records a closed channel. invalidated marks failure-driven closes.
func (m *TransportMetrics) Closed(invalidated bool) {
	if m == nil {
		return
	}
	m.ChannelsOpen.Dec()
	if invalidated {
		m.ChannelsInvalidatedTotal.Inc()
	}
}

// CacheMetrics tracks the model cache.
type CacheMetrics struct {
	// LookupsTotal counts gets. Labels: result (hit, miss, mismatch, backend)
	LookupsTotal *prometheus.CounterVec

	// EvictionsTotal counts evictions. Labels: reason (ttl, lru)
	EvictionsTotal *prometheus.CounterVec

	// Bytes is the estimated size of cached models.
	Bytes prometheus.Gauge

	// Entries is the number of cached models.
	Entries prometheus.Gauge
}

// NewCacheMetrics registers cache metrics on reg.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	f := promauto.With(reg)
	return &CacheMetrics{
		LookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "model_cache",
			Name:      "lookups_total",
			Help:      "Total number of model lookups by result",
		}, []string{"result"}),
		EvictionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "model_cache",
			Name:      "evictions_total",
			Help:      "Total number of evicted models by reason",
		}, []string{"reason"}),
		Bytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "model_cache",
			Name:      "bytes",
			Help:      "Estimated size of cached models",
		}),
		Entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "model_cache",
			Name:      "entries",
			Help:      "Number of cached models",
		}),
	}
}

// Lookup records one get outcome.
func (m *CacheMetrics) Lookup(result string) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(result).Inc()
}

// Evicted records n evictions.
func (m *CacheMetrics) Evicted(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EvictionsTotal.WithLabelValues(reason).Add(float64(n))
}

// Size records the current cache footprint.
func (m *CacheMetrics) Size(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.Entries.Set(float64(entries))
	m.Bytes.Set(float64(bytes))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
