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
	"sync"

	"github.com/decred/slog"
)

// AudioStream is a direction-agnostic handle to one engine stream.
//
// The caller owns the AudioStream and must Close it once opened; nothing
// closes it implicitly. Control methods (Open, Start, Stop, Close,
// SetBufferSizeInFrames) are serialized internally. Telemetry accessors
// may be called from any goroutine, including while the engine's callback
// thread runs, but their values must not drive decisions that need strict
// ordering with control calls.
//
// Accessors on a stream that is not open serve the last values seen:
// configuration accessors return the actual configuration of the last
// successful open and dynamic accessors the last status snapshot taken
// before Close. On a stream that was never opened configuration accessors
// return Unspecified and dynamic accessors return -1 (or "?").
type AudioStream struct {
	engine    Engine
	direction Direction
	log       slog.Logger

	mu         sync.Mutex
	handle     Handle
	opened     bool
	requested  StreamConfiguration
	actual     StreamConfiguration
	lastStatus StreamStatus
	latency    *LatencyStatistics
}

// NewOutputStream returns an unopened playback stream.
func NewOutputStream(engine Engine, log slog.Logger) *AudioStream {
	return newAudioStream(engine, DirectionOutput, log)
}

// NewInputStream returns an unopened capture stream.
func NewInputStream(engine Engine, log slog.Logger) *AudioStream {
	return newAudioStream(engine, DirectionInput, log)
}

func newAudioStream(engine Engine, direction Direction, log slog.Logger) *AudioStream {
	if log == nil {
		log = slog.Disabled
	}
	return &AudioStream{
		engine:     engine,
		direction:  direction,
		log:        log,
		handle:     InvalidHandle,
		lastStatus: UnknownStatus(),
		latency:    NewLatencyStatistics(),
	}
}

// Direction returns whether this is an output or input stream.
func (s *AudioStream) Direction() Direction { return s.direction }

// IsInput reports whether the stream captures audio.
func (s *AudioStream) IsInput() bool { return s.direction == DirectionInput }

// IsOpen reports whether the stream currently holds an engine handle.
func (s *AudioStream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Valid()
}

// Handle returns the current engine handle, InvalidHandle when not open.
func (s *AudioStream) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Open asks the engine for a stream matching requested and copies the
// resolved configuration into actual. The direction of requested is
// overridden by the stream's own. A positive bufferSizeInFrames is applied
// as the initial buffering threshold.
//
// On failure the stream stays unopened and an *OpenError carries the
// engine result.
func (s *AudioStream) Open(requested StreamConfiguration, actual *StreamConfiguration, bufferSizeInFrames int) error {
	if actual == nil {
		return &OpenError{Code: ErrorNull}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle.Valid() {
		return &OpenError{Code: ErrorInvalidState}
	}

	requested.Direction = s.direction
	s.requested = requested
	s.latency = NewLatencyStatistics()

	h, res := s.engine.Open(requested)
	if res.Failed() || !h.Valid() {
		s.handle = InvalidHandle
		if !res.Failed() {
			res = ErrorInternal
		}
		s.log.Warnf("Open %s stream failed: %v", s.direction, res)
		return &OpenError{Code: res}
	}

	cfg, res := s.engine.Describe(h)
	if res.Failed() {
		s.engine.Close(h)
		s.handle = InvalidHandle
		return &OpenError{Code: res}
	}
	cfg.Direction = s.direction

	s.handle = h
	s.opened = true
	s.actual = cfg
	s.lastStatus = StreamStatus{
		BufferSize:      cfg.BufferCapacityInFrames,
		State:           StateOpen,
		CallbackTimeStr: "?",
	}
	*actual = cfg

	if bufferSizeInFrames > 0 {
		applied, res := s.engine.SetBufferSizeInFrames(h, bufferSizeInFrames)
		if res.Failed() {
			s.log.Debugf("Buffer size hint %d not applied: %v", bufferSizeInFrames, res)
		} else {
			s.log.Debugf("Buffer size hint %d applied as %d", bufferSizeInFrames, applied)
		}
	}

	s.log.Infof("Opened %s", cfg)
	return nil
}

// Start begins playback (output) or capture (input).
func (s *AudioStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.handle.Valid() {
		return &StartError{Direction: s.direction, Code: ErrorClosed, Err: ErrStreamNotOpen}
	}
	if res := s.engine.Start(s.handle); res != OK {
		return &StartError{Direction: s.direction, Code: res}
	}
	s.log.Debugf("Started %s stream %s", s.direction, s.handle)
	return nil
}

// Stop halts data flow. The stream stays open and can be started again.
func (s *AudioStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.handle.Valid() {
		return &StopError{Direction: s.direction, Code: ErrorClosed, Err: ErrStreamNotOpen}
	}
	if res := s.engine.Stop(s.handle); res != OK {
		return &StopError{Direction: s.direction, Code: res}
	}
	s.log.Debugf("Stopped %s stream %s", s.direction, s.handle)
	return nil
}

// Close releases the engine stream. It never fails and is a no-op when the
// stream is not open.
func (s *AudioStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.handle.Valid() {
		return
	}
	if st, res := s.engine.Status(s.handle); !res.Failed() {
		s.lastStatus = st
	}
	s.engine.Close(s.handle)
	s.log.Debugf("Closed %s stream %s", s.direction, s.handle)
	s.handle = InvalidHandle
	s.lastStatus.State = StateClosed
}

// Write is disabled because the signal is synthesized inside the engine.
// It always reports zero frames written.
func (s *AudioStream) Write(buffer []float32, offset, length int) int {
	return 0
}

// Requested returns the configuration passed to the last Open.
func (s *AudioStream) Requested() StreamConfiguration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// Configuration returns the actual configuration in one snapshot.
func (s *AudioStream) Configuration() (StreamConfiguration, error) {
	cfg, opened := s.configuration()
	if !opened {
		return cfg, ErrStreamNotOpen
	}
	return cfg, nil
}

// Status returns the dynamic telemetry and feeds the latency statistics.
func (s *AudioStream) Status() (StreamStatus, error) {
	s.mu.Lock()
	h, opened, last, stats := s.handle, s.opened, s.lastStatus, s.latency
	s.mu.Unlock()

	if !opened {
		return UnknownStatus(), ErrStreamNotOpen
	}
	if !h.Valid() {
		return last, nil
	}
	st, res := s.engine.Status(h)
	if res.Failed() {
		return last, nil
	}
	stats.Add(st.Latency)

	s.mu.Lock()
	if s.handle == h {
		s.lastStatus = st
	}
	s.mu.Unlock()
	return st, nil
}

// LatencyStatistics returns the latency samples gathered by Status since
// the last Open.
func (s *AudioStream) LatencyStatistics() *LatencyStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// SetBufferSizeInFrames adjusts the buffering threshold and returns the
// size the engine applied with its result code.
func (s *AudioStream) SetBufferSizeInFrames(frames int) (int, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.handle.Valid() {
		return 0, ErrorClosed
	}
	return s.engine.SetBufferSizeInFrames(s.handle, frames)
}

// IsThresholdSupported reports whether SetBufferSizeInFrames is meaningful
// for this engine.
func (s *AudioStream) IsThresholdSupported() bool {
	return s.engine.Capabilities().Threshold
}

// SetWorkload asks the engine to burn synthetic CPU time per callback.
func (s *AudioStream) SetWorkload(workload float64) Result {
	w, ok := s.engine.(Workloader)
	if !ok {
		return ErrorUnimplemented
	}
	h := s.Handle()
	if !h.Valid() {
		return ErrorClosed
	}
	return w.SetWorkload(h, workload)
}

// ReadMostRecent copies the newest captured samples into out. It returns 0
// for output streams and engines that keep no capture history.
func (s *AudioStream) ReadMostRecent(out []float32) int {
	r, ok := s.engine.(CaptureReader)
	if !ok {
		return 0
	}
	h := s.Handle()
	if !h.Valid() {
		return 0
	}
	n, res := r.ReadMostRecent(h, out)
	if res.Failed() {
		return 0
	}
	return n
}

// Disconnected reports whether the engine lost the stream asynchronously.
func (s *AudioStream) Disconnected() bool {
	return s.status().Disconnected()
}

// BufferCapacityInFrames returns the buffer capacity negotiated at open.
func (s *AudioStream) BufferCapacityInFrames() int { return s.config().BufferCapacityInFrames }

// FramesPerBurst returns the number of frames the engine moves per burst.
func (s *AudioStream) FramesPerBurst() int { return s.config().FramesPerBurst }

// SharingMode returns the sharing mode actually granted.
func (s *AudioStream) SharingMode() SharingMode { return s.config().SharingMode }

// SampleRate returns the actual sample rate in Hz.
func (s *AudioStream) SampleRate() int { return s.config().SampleRate }

// Format returns the actual sample format.
func (s *AudioStream) Format() Format { return s.config().Format }

// Usage returns the usage the stream was opened with.
func (s *AudioStream) Usage() Usage { return s.config().Usage }

// ContentType returns the content type the stream was opened with.
func (s *AudioStream) ContentType() ContentType { return s.config().ContentType }

// InputPreset returns the input preset the stream was opened with.
func (s *AudioStream) InputPreset() InputPreset { return s.config().InputPreset }

// ChannelCount returns the actual number of channels.
func (s *AudioStream) ChannelCount() int { return s.config().ChannelCount }

// ChannelMask returns the channel mask, or 0 when unspecified.
func (s *AudioStream) ChannelMask() int { return s.config().ChannelMask }

// DeviceID returns the device the stream was opened on.
func (s *AudioStream) DeviceID() int { return s.config().DeviceID }

// SessionID returns the session id allocated at open.
func (s *AudioStream) SessionID() int { return s.config().SessionID }

// IsMMap reports whether the stream uses an MMAP data path.
func (s *AudioStream) IsMMap() bool { return s.config().MMap }

// NativeAPI returns the native API backing the stream.
func (s *AudioStream) NativeAPI() NativeAPI { return s.config().NativeAPI }

// PerformanceMode returns the performance mode actually granted.
func (s *AudioStream) PerformanceMode() PerformanceMode {
	return s.config().PerformanceMode
}

// BufferSizeInFrames returns the current buffer size in frames.
func (s *AudioStream) BufferSizeInFrames() int { return s.status().BufferSize }

// CallbackCount returns the number of data callbacks since open.
func (s *AudioStream) CallbackCount() int64 { return s.status().CallbackCount }

// LastErrorCallbackResult returns the result passed to the most recent error callback.
func (s *AudioStream) LastErrorCallbackResult() Result { return s.status().LastErrorCallbackResult }

// FramesWritten returns the number of frames written to the stream.
func (s *AudioStream) FramesWritten() int64 { return s.status().FramesWritten }

// FramesRead returns the number of frames read from the stream.
func (s *AudioStream) FramesRead() int64 { return s.status().FramesRead }

// XRunCount returns the number of underruns or overruns.
func (s *AudioStream) XRunCount() int { return s.status().XRunCount }

// Latency returns the estimated latency in milliseconds.
func (s *AudioStream) Latency() float64 { return s.status().Latency }

// CPULoad returns the smoothed callback CPU load.
func (s *AudioStream) CPULoad() float64 { return s.status().CPULoad }

// CallbackTimeString returns the min/avg/max time between callbacks.
func (s *AudioStream) CallbackTimeString() string { return s.status().CallbackTimeStr }

// State returns the current stream state.
func (s *AudioStream) State() State { return s.status().State }

func (s *AudioStream) config() StreamConfiguration {
	cfg, _ := s.configuration()
	return cfg
}

func (s *AudioStream) configuration() (StreamConfiguration, bool) {
	s.mu.Lock()
	h, opened, cached := s.handle, s.opened, s.actual
	s.mu.Unlock()

	if h.Valid() {
		if cfg, res := s.engine.Describe(h); !res.Failed() {
			cfg.Direction = s.direction
			return cfg, true
		}
	}
	return cached, opened
}

func (s *AudioStream) status() StreamStatus {
	st, _ := s.Status()
	return st
}
