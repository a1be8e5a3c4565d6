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

package audio

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// cpuLoadSmoothing is the weight of the newest callback in the CPU load
// moving average.
const cpuLoadSmoothing = 0.1

// CallbackMeter collects the per-stream callback telemetry engines report
// through Status. Counters are atomics so Status can be read while the
// callback thread updates them.
type CallbackMeter struct {
	callbacks     atomic.Int64
	framesWritten atomic.Int64
	framesRead    atomic.Int64
	xruns         atomic.Int32
	lastError     atomic.Int32
	framesPerCb   atomic.Int32
	cpuLoadBits   atomic.Uint64

	mu     sync.Mutex
	last   time.Time
	minGap time.Duration
	maxGap time.Duration
	sumGap time.Duration
	gaps   int
}

// Begin marks the start of a callback.
func (m *CallbackMeter) Begin(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.last.IsZero() {
		gap := now.Sub(m.last)
		if m.gaps == 0 || gap < m.minGap {
			m.minGap = gap
		}
		if gap > m.maxGap {
			m.maxGap = gap
		}
		m.sumGap += gap
		m.gaps++
	}
	m.last = now
}

// End marks the end of a callback that processed frames at sampleRate.
func (m *CallbackMeter) End(started, now time.Time, frames, sampleRate int) {
	m.callbacks.Add(1)
	m.framesPerCb.Store(int32(frames)) //nolint:gosec // frames per callback fits easily

	if frames <= 0 || sampleRate <= 0 {
		return
	}
	period := float64(frames) / float64(sampleRate)
	load := now.Sub(started).Seconds() / period

	old := math.Float64frombits(m.cpuLoadBits.Load())
	m.cpuLoadBits.Store(math.Float64bits(old + cpuLoadSmoothing*(load-old)))
}

// AddFramesWritten counts n frames written by a data callback.
func (m *CallbackMeter) AddFramesWritten(n int) { m.framesWritten.Add(int64(n)) }

// AddFramesRead counts n frames read by a data callback.
func (m *CallbackMeter) AddFramesRead(n int) { m.framesRead.Add(int64(n)) }

// AddXRun counts one underrun or overrun.
func (m *CallbackMeter) AddXRun() { m.xruns.Add(1) }

// SetLastErrorResult records the result passed to the engine's error
// callback.
func (m *CallbackMeter) SetLastErrorResult(r Result) { m.lastError.Store(int32(r)) }

// CallbackCount returns the number of callbacks timed so far.
func (m *CallbackMeter) CallbackCount() int64 { return m.callbacks.Load() }

// FramesWritten returns the total frames written.
func (m *CallbackMeter) FramesWritten() int64 { return m.framesWritten.Load() }

// FramesRead returns the total frames read.
func (m *CallbackMeter) FramesRead() int64 { return m.framesRead.Load() }

// XRunCount returns the number of xruns counted.
func (m *CallbackMeter) XRunCount() int { return int(m.xruns.Load()) }

// LastErrorResult returns the last error callback result.
func (m *CallbackMeter) LastErrorResult() Result { return Result(m.lastError.Load()) }

// CPULoad returns the smoothed fraction of the callback period spent working.
func (m *CallbackMeter) CPULoad() float64 { return math.Float64frombits(m.cpuLoadBits.Load()) }

// FramesPerCallback returns the frame count of the most recent callback.
func (m *CallbackMeter) FramesPerCallback() int { return int(m.framesPerCb.Load()) }

// CallbackTimeString returns the min/avg/max time between callbacks.
func (m *CallbackMeter) CallbackTimeString() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gaps == 0 {
		return "?"
	}
	avg := m.sumGap / time.Duration(m.gaps)
	return fmt.Sprintf("%3.1f/%3.1f/%3.1f ms", ms(m.minGap), ms(avg), ms(m.maxGap))
}

// Fill copies the counters into s.
func (m *CallbackMeter) Fill(s *StreamStatus) {
	s.CallbackCount = m.CallbackCount()
	s.FramesWritten = m.FramesWritten()
	s.FramesRead = m.FramesRead()
	s.XRunCount = m.XRunCount()
	s.LastErrorCallbackResult = m.LastErrorResult()
	s.CPULoad = m.CPULoad()
	s.FramesPerCallback = m.FramesPerCallback()
	s.CallbackTimeStr = m.CallbackTimeString()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
