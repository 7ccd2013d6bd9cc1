// Package metrics exposes Prometheus instrumentation for the fetch loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Fetch metrics
	Fetches       *prometheus.CounterVec
	BytesFetched  prometheus.Counter
	FetchDuration prometheus.Histogram

	// Scheduler metrics
	SchedulerState   prometheus.Gauge
	BufferLead       prometheus.Gauge
	PositionsDropped prometheus.Counter
	TotalLength      prometheus.Gauge
	RequestedBytes   prometheus.Gauge
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rangefeed_fetches_total",
				Help: "Total number of range fetches by outcome",
			},
			[]string{"outcome"}, // outcome: ok or error
		),
		BytesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "rangefeed_fetched_bytes_total",
			Help: "Total number of bytes received from range fetches",
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rangefeed_fetch_duration_seconds",
			Help:    "Duration of range fetches in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}),
		SchedulerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rangefeed_scheduler_state",
			Help: "Scheduler state (0 bootstrapping, 1 playback-driven, 2 exhausted, 3 failed)",
		}),
		BufferLead: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rangefeed_buffer_lead_seconds",
			Help: "Buffered playback time ahead of the playhead at the last position update",
		}),
		PositionsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "rangefeed_position_updates_dropped_total",
			Help: "Position updates ignored because a fetch was in flight",
		}),
		TotalLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rangefeed_resource_bytes",
			Help: "Total length of the resource in bytes",
		}),
		RequestedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rangefeed_requested_bytes",
			Help: "Bytes requested and accepted so far",
		}),
	}
}

// RecordFetch records one range fetch.
func (m *Metrics) RecordFetch(bytes int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Fetches.WithLabelValues(outcome).Inc()
	m.BytesFetched.Add(float64(bytes))
	m.FetchDuration.Observe(duration.Seconds())
}

// SetState records the scheduler state.
func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.SchedulerState.Set(float64(state))
}

// SetLead records the buffered lead time.
func (m *Metrics) SetLead(lead time.Duration) {
	if m == nil {
		return
	}
	m.BufferLead.Set(lead.Seconds())
}

// RecordPositionDropped counts a position update ignored while busy.
func (m *Metrics) RecordPositionDropped() {
	if m == nil {
		return
	}
	m.PositionsDropped.Inc()
}

// SetProgress records the cursor position against the total length.
func (m *Metrics) SetProgress(requested, total int64) {
	if m == nil {
		return
	}
	m.RequestedBytes.Set(float64(requested))
	m.TotalLength.Set(float64(total))
}
