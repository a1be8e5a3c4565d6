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

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

func TestObserve(t *testing.T) {
	m := New()
	sink := m.Sink(audio.DirectionOutput)

	sink.Observe(audio.StreamStatus{
		BufferSize:    384,
		FramesWritten: 9600,
		FramesRead:    9216,
		XRunCount:     2,
		CallbackCount: 50,
		CPULoad:       0.125,
		State:         audio.StateStarted,
		Latency:       8,
	})
	sink.Observe(audio.StreamStatus{State: audio.StateStarted, Latency: -1})

	assert.InDelta(t, 0, testutil.ToFloat64(m.bufferSize.WithLabelValues("output")), 0)
	assert.InDelta(t, float64(audio.StateStarted), testutil.ToFloat64(m.state.WithLabelValues("output")), 0)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var samples uint64
	for _, mf := range families {
		if mf.GetName() == "streamtest_latency_milliseconds" {
			samples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(1), samples, "unmeasured latency is skipped")

	m.Observe(audio.DirectionInput, audio.StreamStatus{XRunCount: 7})
	assert.InDelta(t, 7, testutil.ToFloat64(m.xruns.WithLabelValues("input")), 0)
}

func TestCounters(t *testing.T) {
	m := New()
	m.RunFinished(audio.DirectionOutput, "ok")
	m.RunFinished(audio.DirectionOutput, "ok")
	m.RunFinished(audio.DirectionInput, "open")
	m.EngineError(audio.DirectionOutput, "start", audio.ErrorDisconnected)

	assert.InDelta(t, 2, testutil.ToFloat64(m.runs.WithLabelValues("output", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.engineErrors.WithLabelValues("output", "start", "ErrorDisconnected")), 0)
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetCapacity(audio.DirectionOutput, 768)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	text := string(body)
	assert.True(t, strings.Contains(text, `streamtest_buffer_capacity_frames{direction="output"} 768`), text)
	assert.Contains(t, text, "go_goroutines")
	assert.Contains(t, text, "promhttp_metric_handler_requests_total")
}
