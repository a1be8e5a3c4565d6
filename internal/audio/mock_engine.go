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
	"math"
	"math/bits"
	"sync"
	"time"
)

const (
	mockVersion         = 1
	mockNativeAPI       = NativeAPI(1)
	mockSampleRate      = 48000
	mockChannelCount    = 2
	mockDeviceID        = 1
	mockFramesPerBurst  = 192
	mockLowLatencyBurst = 96
	mockBurstsPerBuffer = 4
)

// MockEngine implements Engine in memory for testing without hardware. It
// resolves requests the way a typical native engine would and lets tests
// inject failures, under-runs and disconnects.
//
// Callbacks only run when the test calls Pump, unless real timing is
// enabled with SetSimulateRealTiming.
type MockEngine struct {
	opts    EngineOptions
	streams *HandleTable[*mockStream]

	mu                 sync.Mutex
	openResult         Result
	startResult        Result
	stopResult         Result
	bufferSizeResult   Result
	capabilities       Capabilities
	simulateRealTiming bool
	inputGenerator     func([]float32)
	nextSessionID      int
	terminated         bool
}

type mockStream struct {
	mu        sync.Mutex
	cfg       StreamConfiguration
	state     State
	threshold int
	workload  float64
	meter     CallbackMeter
	source    Source
	capture   *CaptureBuffer
	generate  func([]float32)
	phase     float64
	buf       []float32

	stopCh chan struct{}
	done   chan struct{}
}

// NewMockEngine creates a mock engine using opts for every stream.
func NewMockEngine(opts EngineOptions) *MockEngine {
	return &MockEngine{
		opts:    opts,
		streams: NewHandleTable[*mockStream](DefaultMaxStreams),
		capabilities: Capabilities{
			Threshold:     true,
			MMap:          true,
			MMapExclusive: true,
		},
		nextSessionID: 1,
	}
}

// SetOpenResult makes the next opens fail with r. OK restores normal
// behaviour.
func (m *MockEngine) SetOpenResult(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openResult = r
}

// SetStartResult makes Start return r.
func (m *MockEngine) SetStartResult(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startResult = r
}

// SetStopResult makes Stop return r.
func (m *MockEngine) SetStopResult(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopResult = r
}

// SetBufferSizeResult makes SetBufferSizeInFrames return r.
func (m *MockEngine) SetBufferSizeResult(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferSizeResult = r
}

// SetCapabilities overrides the advertised capabilities.
func (m *MockEngine) SetCapabilities(c Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities = c
}

// SetSimulateRealTiming controls whether started streams run callbacks on
// a ticker at the burst period. Only streams started afterwards are
// affected.
func (m *MockEngine) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// SetInputGenerator sets the function that produces captured samples for
// input streams opened afterwards. The default is a quiet 440 Hz sine.
func (m *MockEngine) SetInputGenerator(generator func([]float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputGenerator = generator
}

// Open resolves req and allocates a stream.
func (m *MockEngine) Open(req StreamConfiguration) (Handle, Result) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return InvalidHandle, ErrorInvalidState
	}
	if m.openResult != OK {
		r := m.openResult
		m.mu.Unlock()
		return InvalidHandle, r
	}
	if r := CheckRequest(req); r != OK {
		m.mu.Unlock()
		return InvalidHandle, r
	}
	cfg := m.resolve(req)
	generator := m.inputGenerator
	m.mu.Unlock()

	st := &mockStream{
		cfg:       cfg,
		state:     StateOpen,
		threshold: 2 * cfg.FramesPerBurst,
		generate:  generator,
	}
	if cfg.Direction == DirectionInput {
		st.capture = NewCaptureBuffer(cfg.SampleRate * cfg.ChannelCount)
	} else {
		src, err := m.opts.NewSource(cfg)
		if err != nil {
			return InvalidHandle, ErrorInternal
		}
		st.source = src
	}
	return m.streams.Acquire(st)
}

// resolve must be called with m.mu held.
func (m *MockEngine) resolve(req StreamConfiguration) StreamConfiguration {
	cfg := req.WithPolicyDefaults()

	if cfg.NativeAPI == NativeAPIUnspecified {
		cfg.NativeAPI = mockNativeAPI
	}
	if cfg.SampleRate == Unspecified {
		cfg.SampleRate = mockSampleRate
	}
	if cfg.ChannelCount == Unspecified {
		if cfg.ChannelMask > 0 {
			cfg.ChannelCount = bits.OnesCount(uint(cfg.ChannelMask))
		} else {
			cfg.ChannelCount = mockChannelCount
		}
	}
	if cfg.ChannelMask == Unspecified {
		cfg.ChannelMask = ChannelMaskForCount(cfg.ChannelCount)
	}
	if cfg.Format == FormatUnspecified {
		cfg.Format = FormatFloat
	}
	if cfg.DeviceID == Unspecified {
		cfg.DeviceID = mockDeviceID
	}
	if cfg.SessionID == SessionIDAllocate {
		cfg.SessionID = m.nextSessionID
		m.nextSessionID++
	}
	cfg.MMap = cfg.SharingMode == SharingModeExclusive && m.capabilities.MMapExclusive ||
		cfg.PerformanceMode == PerformanceModeLowLatency && m.capabilities.MMap

	cfg.FramesPerBurst = mockFramesPerBurst
	if cfg.PerformanceMode == PerformanceModeLowLatency {
		cfg.FramesPerBurst = mockLowLatencyBurst
	}
	cfg.BufferCapacityInFrames = cfg.FramesPerBurst * mockBurstsPerBuffer
	return cfg
}

// Start begins running callbacks.
func (m *MockEngine) Start(h Handle) Result {
	st, ok := m.streams.Lookup(h)
	if !ok {
		return ErrorInvalidHandle
	}

	m.mu.Lock()
	r, realTiming := m.startResult, m.simulateRealTiming
	m.mu.Unlock()
	if r != OK {
		return r
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.state {
	case StateDisconnected:
		return ErrorDisconnected
	case StateStarted:
		return OK
	}
	st.state = StateStarted
	if st.stopCh != nil {
		select {
		case <-st.done:
			st.stopCh, st.done = nil, nil
		default:
		}
	}
	if realTiming && st.stopCh == nil {
		st.stopCh = make(chan struct{})
		st.done = make(chan struct{})
		go m.run(st, st.stopCh, st.done)
	}
	return OK
}

// Stop halts callbacks. Stopping a stopped stream succeeds.
func (m *MockEngine) Stop(h Handle) Result {
	st, ok := m.streams.Lookup(h)
	if !ok {
		return ErrorInvalidHandle
	}

	m.mu.Lock()
	r := m.stopResult
	m.mu.Unlock()
	if r != OK {
		return r
	}

	st.halt()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != StateDisconnected {
		st.state = StateStopped
	}
	return OK
}

// Close releases the stream. Stale handles are ignored.
func (m *MockEngine) Close(h Handle) {
	st, ok := m.streams.Release(h)
	if !ok {
		return
	}
	st.halt()

	st.mu.Lock()
	st.state = StateClosed
	st.mu.Unlock()
}

// Describe returns the resolved configuration.
func (m *MockEngine) Describe(h Handle) (StreamConfiguration, Result) {
	st, ok := m.streams.Lookup(h)
	if !ok {
		return StreamConfiguration{}, ErrorInvalidHandle
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cfg, OK
}

// Status reports the stream telemetry. Latency is the time needed to drain
// the current threshold.
func (m *MockEngine) Status(h Handle) (StreamStatus, Result) {
	st, ok := m.streams.Lookup(h)
	if !ok {
		return UnknownStatus(), ErrorInvalidHandle
	}

	st.mu.Lock()
	status := StreamStatus{
		BufferSize: st.threshold,
		State:      st.state,
		Latency:    float64(st.threshold) * 1000 / float64(st.cfg.SampleRate),
	}
	st.mu.Unlock()

	st.meter.Fill(&status)
	return status, OK
}

// SetBufferSizeInFrames clamps frames between one burst and the capacity.
func (m *MockEngine) SetBufferSizeInFrames(h Handle, frames int) (int, Result) {
	st, ok := m.streams.Lookup(h)
	if !ok {
		return 0, ErrorInvalidHandle
	}

	m.mu.Lock()
	r := m.bufferSizeResult
	m.mu.Unlock()
	if r != OK {
		return 0, r
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.threshold = min(max(frames, st.cfg.FramesPerBurst), st.cfg.BufferCapacityInFrames)
	return st.threshold, OK
}

// Capabilities reports what the mock engine supports.
func (m *MockEngine) Capabilities() Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capabilities
}

// Version returns the mock engine version.
func (m *MockEngine) Version() int { return mockVersion }

// OpenStreams returns the number of streams not yet closed.
func (m *MockEngine) OpenStreams() int { return m.streams.Len() }

// Terminate closes every stream. Later opens fail.
func (m *MockEngine) Terminate() error {
	var handles []Handle
	m.streams.Each(func(h Handle, _ *mockStream) {
		handles = append(handles, h)
	})
	for _, h := range handles {
		m.Close(h)
	}

	m.mu.Lock()
	m.terminated = true
	m.mu.Unlock()
	return nil
}

// SetWorkload records the requested workload.
func (m *MockEngine) SetWorkload(h Handle, workload float64) Result {
	st, ok := m.streams.Lookup(h)
	if !ok {
		return ErrorInvalidHandle
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.workload = workload
	return OK
}

// Workload returns the value last passed to SetWorkload.
func (m *MockEngine) Workload(h Handle) float64 {
	st, ok := m.streams.Lookup(h)
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.workload
}

// ReadMostRecent copies recently captured samples of an input stream.
func (m *MockEngine) ReadMostRecent(h Handle, out []float32) (int, Result) {
	st, ok := m.streams.Lookup(h)
	if !ok {
		return 0, ErrorInvalidHandle
	}
	if st.capture == nil {
		return 0, ErrorUnimplemented
	}
	return st.capture.ReadMostRecent(out), OK
}

// Pump runs n data callbacks on a started stream and returns how many ran.
func (m *MockEngine) Pump(h Handle, n int) int {
	st, ok := m.streams.Lookup(h)
	if !ok {
		return 0
	}
	ran := 0
	for i := 0; i < n; i++ {
		if !m.callback(st) {
			break
		}
		ran++
	}
	return ran
}

// InjectXRun counts one under-run (output) or over-run (input).
func (m *MockEngine) InjectXRun(h Handle) {
	if st, ok := m.streams.Lookup(h); ok {
		st.meter.AddXRun()
	}
}

// InjectDisconnect simulates the device going away. The error callback
// result becomes ErrorDisconnected and callbacks stop.
func (m *MockEngine) InjectDisconnect(h Handle) {
	st, ok := m.streams.Lookup(h)
	if !ok {
		return
	}
	st.halt()

	st.mu.Lock()
	st.state = StateDisconnected
	st.mu.Unlock()
	st.meter.SetLastErrorResult(ErrorDisconnected)
}

func (m *MockEngine) run(st *mockStream, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	st.mu.Lock()
	period := time.Duration(float64(m.framesPerCallback(st.cfg)) / float64(st.cfg.SampleRate) * float64(time.Second))
	st.mu.Unlock()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.callback(st) {
				return
			}
		}
	}
}

// callback runs one data callback on a started stream and reports whether
// it ran.
func (m *MockEngine) callback(st *mockStream) bool {
	st.mu.Lock()
	if st.state != StateStarted {
		st.mu.Unlock()
		return false
	}
	started := time.Now()
	st.meter.Begin(started)

	frames := m.framesPerCallback(st.cfg)
	samples := frames * st.cfg.ChannelCount
	if cap(st.buf) < samples {
		st.buf = make([]float32, samples)
	}
	buf := st.buf[:samples]

	if st.cfg.Direction == DirectionInput {
		st.fillInput(buf)
		st.capture.Write(buf)
	} else {
		st.source.Render(buf, st.cfg.ChannelCount)
	}
	if m.opts.CallbackReturnStop {
		st.state = StateStopped
	}
	rate := st.cfg.SampleRate
	st.mu.Unlock()

	st.meter.AddFramesWritten(frames)
	st.meter.AddFramesRead(frames)
	st.meter.End(started, time.Now(), frames, rate)
	return true
}

func (m *MockEngine) framesPerCallback(cfg StreamConfiguration) int {
	if m.opts.CallbackSize > 0 {
		return m.opts.CallbackSize
	}
	return cfg.FramesPerBurst
}

// fillInput must be called with st.mu held.
func (st *mockStream) fillInput(buf []float32) {
	if st.generate != nil {
		st.generate(buf)
		return
	}
	step := 2 * math.Pi * 440 / float64(st.cfg.SampleRate)
	channels := st.cfg.ChannelCount
	for i := 0; i < len(buf); i += channels {
		v := float32(0.1 * math.Sin(st.phase))
		for c := 0; c < channels && i+c < len(buf); c++ {
			buf[i+c] = v
		}
		st.phase = math.Mod(st.phase+step, 2*math.Pi)
	}
}

// halt stops the real-timing goroutine, if any, and waits for it.
func (st *mockStream) halt() {
	st.mu.Lock()
	stop, done := st.stopCh, st.done
	st.stopCh, st.done = nil, nil
	st.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
