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
	"strings"
	"sync"
)

// State is the run state of a stream as reported by the engine.
type State int32

const (
	StateUninitialized State = 0
	StateUnknown       State = 1
	StateOpen          State = 2
	StateStarting      State = 3
	StateStarted       State = 4
	StatePausing       State = 5
	StatePaused        State = 6
	StateFlushing      State = 7
	StateFlushed       State = 8
	StateStopping      State = 9
	StateStopped       State = 10
	StateClosing       State = 11
	StateClosed        State = 12
	StateDisconnected  State = 13
)

var stateNames = []string{
	"Uninit.", "Unknown", "Open", "Starting", "Started",
	"Pausing", "Paused", "Flushing", "Flushed",
	"Stopping", "Stopped", "Closing", "Closed", "Disconn.",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("Invalid - %d", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether the stream can no longer move data.
func (s State) Terminal() bool {
	return s >= StateClosing
}

// StreamStatus is a snapshot of the values that change while a stream runs.
type StreamStatus struct {
	BufferSize              int     `json:"buffer_size"`
	XRunCount               int     `json:"xrun_count"`
	FramesWritten           int64   `json:"frames_written"`
	FramesRead              int64   `json:"frames_read"`
	Latency                 float64 `json:"latency_ms"`
	State                   State   `json:"state"`
	CallbackCount           int64   `json:"callback_count"`
	FramesPerCallback       int     `json:"frames_per_callback"`
	CPULoad                 float64 `json:"cpu_load"`
	CallbackTimeStr         string  `json:"callback_time"`
	LastErrorCallbackResult Result  `json:"last_error_callback_result"`
}

// UnknownStatus carries the values reported for a stream that was never
// opened.
func UnknownStatus() StreamStatus {
	return StreamStatus{
		BufferSize:      -1,
		XRunCount:       -1,
		FramesWritten:   -1,
		FramesRead:      -1,
		Latency:         -1,
		State:           StateUninitialized,
		CallbackCount:   -1,
		CallbackTimeStr: "?",
	}
}

// Disconnected reports whether the engine signalled a fatal stream error
// through its error callback.
func (s StreamStatus) Disconnected() bool {
	return s.State == StateDisconnected || s.LastErrorCallbackResult == ErrorDisconnected
}

// Err returns a *DisconnectedError when the snapshot shows the stream was
// lost asynchronously, nil otherwise.
func (s StreamStatus) Err() error {
	if !s.Disconnected() {
		return nil
	}
	code := s.LastErrorCallbackResult
	if code == OK {
		code = ErrorDisconnected
	}
	return &DisconnectedError{Code: code}
}

// Dump renders the status the way the tester shows it on screen.
func (s StreamStatus) Dump(framesPerBurst int) string {
	if s.BufferSize < 0 || s.FramesWritten < 0 {
		return "idle"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "time between callbacks = %s\n", s.CallbackTimeStr)
	fmt.Fprintf(&b, "written 0x%08X - read 0x%08X = %d frames\n",
		s.FramesWritten, s.FramesRead, s.FramesWritten-s.FramesRead)
	fmt.Fprintf(&b, "%s, #cb=%d, f/cb=%3d, %2d%% cpu\n",
		s.State, s.CallbackCount, s.FramesPerCallback, int(s.CPULoad*100))

	b.WriteString("buffer size = ")
	if framesPerBurst > 0 {
		numBursts := s.BufferSize / framesPerBurst
		remainder := s.BufferSize - numBursts*framesPerBurst
		fmt.Fprintf(&b, "%d = (%d * %d) + %d", s.BufferSize, numBursts, framesPerBurst, remainder)
	} else {
		fmt.Fprintf(&b, "%d", s.BufferSize)
	}

	b.WriteString(",   xRun# = ")
	if s.XRunCount < 0 {
		b.WriteString("?")
	} else {
		fmt.Fprintf(&b, "%d", s.XRunCount)
	}
	return b.String()
}

// LatencyStatistics accumulates latency samples in milliseconds. Samples
// that are zero or negative mean "not measured" and are skipped.
type LatencyStatistics struct {
	mu      sync.Mutex
	sum     float64
	count   int
	minimum float64
	maximum float64
}

// NewLatencyStatistics returns an empty accumulator.
func NewLatencyStatistics() *LatencyStatistics {
	return &LatencyStatistics{minimum: math.MaxFloat64}
}

// Add records one sample.
func (l *LatencyStatistics) Add(v float64) {
	if v <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sum += v
	l.count++
	l.minimum = math.Min(l.minimum, v)
	l.maximum = math.Max(l.maximum, v)
}

// Count returns the number of accepted samples.
func (l *LatencyStatistics) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Average returns the mean of the accepted samples, or 0 if there are none.
func (l *LatencyStatistics) Average() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return 0
	}
	return l.sum / float64(l.count)
}

// Min returns the smallest sample, or 0 if there are no samples.
func (l *LatencyStatistics) Min() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return 0
	}
	return l.minimum
}

// Max returns the largest sample, or 0 if there are no samples.
func (l *LatencyStatistics) Max() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maximum
}

// Dump returns "min/avg/max ms" or "?" when nothing was measured.
func (l *LatencyStatistics) Dump() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return "?"
	}
	return fmt.Sprintf("%3.1f/%3.1f/%3.1f ms", l.minimum, l.sum/float64(l.count), l.maximum)
}
