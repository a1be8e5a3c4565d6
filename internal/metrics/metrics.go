/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package metrics exports stream telemetry to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

// StreamMetrics holds the tester's collectors on a private registry.
type StreamMetrics struct {
	reg *prometheus.Registry

	bufferSize    *prometheus.GaugeVec
	capacity      *prometheus.GaugeVec
	framesWritten *prometheus.GaugeVec
	framesRead    *prometheus.GaugeVec
	xruns         *prometheus.GaugeVec
	callbacks     *prometheus.GaugeVec
	cpuLoad       *prometheus.GaugeVec
	state         *prometheus.GaugeVec
	latency       *prometheus.HistogramVec

	runs         *prometheus.CounterVec
	engineErrors *prometheus.CounterVec
}

// New registers every collector, plus the process and Go runtime
// collectors, on a fresh registry.
func New() *StreamMetrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	labels := []string{"direction"}
	return &StreamMetrics{
		reg: reg,

		bufferSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamtest_buffer_size_frames",
			Help: "Current buffering threshold in frames",
		}, labels),
		capacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamtest_buffer_capacity_frames",
			Help: "Buffer capacity of the open stream in frames",
		}, labels),
		framesWritten: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamtest_frames_written",
			Help: "Frames written since the stream was opened",
		}, labels),
		framesRead: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamtest_frames_read",
			Help: "Frames read since the stream was opened",
		}, labels),
		xruns: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamtest_xruns",
			Help: "Under-runs (output) or over-runs (input) since the stream was opened",
		}, labels),
		callbacks: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamtest_callbacks",
			Help: "Data callbacks since the stream was opened",
		}, labels),
		cpuLoad: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamtest_cpu_load_ratio",
			Help: "Fraction of the callback period spent in the callback",
		}, labels),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamtest_state",
			Help: "Stream state code",
		}, labels),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamtest_latency_milliseconds",
			Help:    "Histogram of reported stream latency",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 50, 75, 100, 150, 250, 500},
		}, labels),

		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamtest_runs_total",
			Help: "Completed test runs by outcome",
		}, []string{"direction", "outcome"}),
		engineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamtest_engine_errors_total",
			Help: "Engine failures by operation and result code",
		}, []string{"direction", "operation", "result"}),
	}
}

// Registry returns the private registry.
func (m *StreamMetrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *StreamMetrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(m.reg, promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
}

// SetCapacity records the capacity of a newly opened stream.
func (m *StreamMetrics) SetCapacity(d audio.Direction, frames int) {
	m.capacity.WithLabelValues(d.String()).Set(float64(frames))
}

// Observe records one status snapshot.
func (m *StreamMetrics) Observe(d audio.Direction, st audio.StreamStatus) {
	dir := d.String()
	m.bufferSize.WithLabelValues(dir).Set(float64(st.BufferSize))
	m.framesWritten.WithLabelValues(dir).Set(float64(st.FramesWritten))
	m.framesRead.WithLabelValues(dir).Set(float64(st.FramesRead))
	m.xruns.WithLabelValues(dir).Set(float64(st.XRunCount))
	m.callbacks.WithLabelValues(dir).Set(float64(st.CallbackCount))
	m.cpuLoad.WithLabelValues(dir).Set(st.CPULoad)
	m.state.WithLabelValues(dir).Set(float64(st.State))
	if st.Latency > 0 {
		m.latency.WithLabelValues(dir).Observe(st.Latency)
	}
}

// RunFinished counts a completed run. outcome is "ok" or an error category.
func (m *StreamMetrics) RunFinished(d audio.Direction, outcome string) {
	m.runs.WithLabelValues(d.String(), outcome).Inc()
}

// EngineError counts a failed engine operation.
func (m *StreamMetrics) EngineError(d audio.Direction, operation string, code audio.Result) {
	m.engineErrors.WithLabelValues(d.String(), operation, code.String()).Inc()
}

// Sink adapts the metrics to a single direction.
func (m *StreamMetrics) Sink(d audio.Direction) *DirectionSink {
	return &DirectionSink{metrics: m, direction: d}
}

// DirectionSink records snapshots of one stream direction.
type DirectionSink struct {
	metrics   *StreamMetrics
	direction audio.Direction
}

// Observe records st against the sink's direction.
func (s *DirectionSink) Observe(st audio.StreamStatus) {
	s.metrics.Observe(s.direction, st)
}
