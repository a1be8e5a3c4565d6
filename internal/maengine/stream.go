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

package maengine

import (
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
	"github.com/loqalabs/loqa-streamtest/internal/synth"
)

type stream struct {
	engine *Engine
	ctx    *malgo.AllocatedContext // nil when the shared context is used
	device *malgo.Device

	// Fixed at open.
	channels   int
	sampleRate int
	format     audio.Format
	input      bool
	period     time.Duration
	source     audio.Source
	capture    *audio.CaptureBuffer

	// Callback thread only.
	buf  []float32
	last time.Time

	mu    sync.Mutex
	cfg   audio.StreamConfiguration
	state audio.State

	meter        audio.CallbackMeter
	workloadBits atomic.Uint64
	stopping     atomic.Bool
}

// request is the device setup derived from a stream configuration.
type request struct {
	cfg     audio.StreamConfiguration
	format  malgo.FormatType
	periods int
	profile malgo.PerformanceProfile
}

// negotiate resolves the parts of req that do not depend on the device.
func negotiate(req audio.StreamConfiguration, opts audio.EngineOptions) request {
	cfg := req.WithPolicyDefaults()
	r := request{periods: periods, profile: malgo.Conservative}

	if cfg.SampleRate == audio.Unspecified {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.ChannelCount == audio.Unspecified {
		cfg.ChannelCount = defaultChannelCount
		if cfg.ChannelMask > 0 {
			cfg.ChannelCount = bits.OnesCount(uint(cfg.ChannelMask))
		}
	}
	if cfg.ChannelMask == audio.Unspecified {
		cfg.ChannelMask = audio.ChannelMaskForCount(cfg.ChannelCount)
	}
	r.format, cfg.Format = formatFor(cfg.Format)

	ms := periodMS
	if cfg.PerformanceMode == audio.PerformanceModeLowLatency {
		ms = lowLatencyPeriodMS
		r.periods = lowLatencyPeriods
		r.profile = malgo.LowLatency
	}
	cfg.FramesPerBurst = cfg.SampleRate * ms / 1000
	if opts.CallbackSize > 0 {
		cfg.FramesPerBurst = opts.CallbackSize
	}
	cfg.BufferCapacityInFrames = cfg.FramesPerBurst * r.periods
	r.cfg = cfg
	return r
}

func (s *stream) open(ctx *malgo.AllocatedContext, backend malgo.Backend, req audio.StreamConfiguration) (audio.StreamConfiguration, audio.Result) {
	r := negotiate(req, s.engine.opts)
	cfg := r.cfg
	cfg.NativeAPI = NativeAPIFor(backend)
	s.input = cfg.Direction == audio.DirectionInput

	kind := malgo.Playback
	if s.input {
		kind = malgo.Capture
	}
	devices, err := ctx.Devices(kind)
	if err != nil {
		return cfg, audio.ErrorNoService
	}

	dc := malgo.DefaultDeviceConfig(kind)
	dc.SampleRate = uint32(cfg.SampleRate)             //nolint:gosec // G115: validated range
	dc.PeriodSizeInFrames = uint32(cfg.FramesPerBurst) //nolint:gosec // G115: positive
	dc.Periods = uint32(r.periods)                     //nolint:gosec // G115: small constant
	dc.PerformanceProfile = r.profile
	dc.Alsa.NoMMap = 1

	share := malgo.Shared
	if cfg.SharingMode == audio.SharingModeExclusive {
		share = malgo.Exclusive
		if backend == malgo.BackendAlsa {
			dc.Alsa.NoMMap = 0
			cfg.MMap = true
		}
	}
	sub := malgo.SubConfig{
		Format:    r.format,
		Channels:  uint32(cfg.ChannelCount), //nolint:gosec // G115: validated range
		ShareMode: share,
	}

	switch {
	case cfg.DeviceID > len(devices):
		return cfg, audio.ErrorIllegalArgument
	case cfg.DeviceID > 0:
		sub.DeviceID = devices[cfg.DeviceID-1].ID.Pointer()
	default:
		cfg.DeviceID = defaultDeviceID(devices)
	}
	if s.input {
		dc.Capture = sub
	} else {
		dc.Playback = sub
	}

	if s.input {
		s.capture = audio.NewCaptureBuffer(cfg.SampleRate * cfg.ChannelCount)
	} else {
		src, err := s.engine.opts.NewSource(cfg)
		if err != nil {
			s.engine.log.Warnf("Source: %v", err)
			return cfg, audio.ErrorInternal
		}
		s.source = src
	}

	device, err := malgo.InitDevice(ctx.Context, dc, malgo.DeviceCallbacks{
		Data: s.process,
		Stop: s.onStop,
	})
	if err != nil {
		s.engine.log.Warnf("Init %s device failed: %v", cfg.Direction, err)
		return cfg, audio.ErrorUnavailable
	}
	s.device = device

	// The device may substitute its own rate, channel count or format.
	cfg.SampleRate = int(device.SampleRate())
	if s.input {
		cfg.ChannelCount = int(device.CaptureChannels())
		cfg.Format = formatFromMalgo(device.CaptureFormat(), cfg.Format)
	} else {
		cfg.ChannelCount = int(device.PlaybackChannels())
		cfg.Format = formatFromMalgo(device.PlaybackFormat(), cfg.Format)
	}
	cfg.ChannelMask = audio.ChannelMaskForCount(cfg.ChannelCount)

	s.channels = cfg.ChannelCount
	s.sampleRate = cfg.SampleRate
	s.format = cfg.Format
	s.period = time.Duration(cfg.FramesPerBurst) * time.Second / time.Duration(cfg.SampleRate)
	return cfg, audio.OK
}

func defaultDeviceID(devices []malgo.DeviceInfo) int {
	for i, d := range devices {
		if d.IsDefault != 0 {
			return i + 1
		}
	}
	return 1
}

func formatFromMalgo(f malgo.FormatType, fallback audio.Format) audio.Format {
	switch f {
	case malgo.FormatS16:
		return audio.FormatI16
	case malgo.FormatS24:
		return audio.FormatI24
	case malgo.FormatS32:
		return audio.FormatI32
	case malgo.FormatF32:
		return audio.FormatFloat
	}
	return fallback
}

func (s *stream) start() audio.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case audio.StateDisconnected:
		return audio.ErrorDisconnected
	case audio.StateStarted:
		return audio.OK
	}
	s.stopping.Store(false)
	if err := s.device.Start(); err != nil {
		s.engine.log.Warnf("Start failed: %v", err)
		return audio.ErrorInvalidState
	}
	s.state = audio.StateStarted
	return audio.OK
}

func (s *stream) stop() audio.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != audio.StateStarted {
		if s.state != audio.StateDisconnected {
			s.state = audio.StateStopped
		}
		return audio.OK
	}
	s.stopping.Store(true)
	if err := s.device.Stop(); err != nil {
		s.engine.log.Warnf("Stop failed: %v", err)
		return audio.ErrorInvalidState
	}
	s.state = audio.StateStopped
	return audio.OK
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopping.Store(true)
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	s.state = audio.StateClosed
	s.freeContext()
}

func (s *stream) freeContext() {
	if s.ctx == nil {
		return
	}
	_ = s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
}

func (s *stream) status() audio.StreamStatus {
	s.mu.Lock()
	st := audio.StreamStatus{
		BufferSize: s.cfg.BufferCapacityInFrames,
		State:      s.state,
		Latency:    float64(s.cfg.BufferCapacityInFrames) * 1000 / float64(s.cfg.SampleRate),
	}
	s.mu.Unlock()

	s.meter.Fill(&st)
	return st
}

func (s *stream) setWorkload(workload float64) {
	s.workloadBits.Store(math.Float64bits(workload))
}

// process is the miniaudio data callback.
func (s *stream) process(out, in []byte, frameCount uint32) {
	started := time.Now()
	s.meter.Begin(started)

	// A gap of more than one and a half periods means the device ran dry.
	if !s.last.IsZero() && started.Sub(s.last) > s.period*3/2 {
		s.meter.AddXRun()
	}
	s.last = started

	frames := int(frameCount)
	n := frames * s.channels
	if cap(s.buf) < n {
		s.buf = make([]float32, n)
	}
	buf := s.buf[:n]

	if s.input {
		decode(buf, in, s.format)
		s.capture.Write(buf)
	} else {
		s.source.Render(buf, s.channels)
		encode(out, buf, s.format)
	}
	if w := math.Float64frombits(s.workloadBits.Load()); w > 0 {
		synth.Burn(w)
	}

	s.meter.AddFramesWritten(frames)
	s.meter.AddFramesRead(frames)
	s.meter.End(started, time.Now(), frames, s.sampleRate)

	if s.engine.opts.CallbackReturnStop && s.stopping.CompareAndSwap(false, true) {
		go s.stopFromCallback()
	}
}

func (s *stream) stopFromCallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == audio.StateStarted && s.device != nil {
		_ = s.device.Stop()
		s.state = audio.StateStopped
	}
}

// onStop runs when the device stops. Unless we asked for it, the device
// was lost.
func (s *stream) onStop() {
	if s.stopping.Load() {
		return
	}
	s.meter.SetLastErrorResult(audio.ErrorDisconnected)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == audio.StateStarted {
		s.state = audio.StateDisconnected
	}
}
