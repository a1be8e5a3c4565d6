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

package paengine

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
	"github.com/loqalabs/loqa-streamtest/internal/synth"
)

type stream struct {
	engine *Engine

	// Fixed at open.
	channels   int
	sampleRate int
	input      bool
	source     audio.Source
	capture    *audio.CaptureBuffer
	buf        []float32

	mu      sync.Mutex
	cfg     audio.StreamConfiguration
	pa      *portaudio.Stream
	state   audio.State
	latency time.Duration
	stopCh  chan struct{}
	done    chan struct{}

	meter        audio.CallbackMeter
	workloadBits atomic.Uint64
	stopping     atomic.Bool
}

func (s *stream) open(info *portaudio.DeviceInfo) error {
	cfg := s.cfg
	s.channels = cfg.ChannelCount
	s.sampleRate = cfg.SampleRate
	s.input = cfg.Direction == audio.DirectionInput
	s.buf = make([]float32, cfg.FramesPerBurst*cfg.ChannelCount)

	dev := portaudio.StreamDeviceParameters{
		Device:   info,
		Channels: cfg.ChannelCount,
		Latency:  info.DefaultHighOutputLatency,
	}
	params := portaudio.StreamParameters{
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FramesPerBurst,
	}
	if s.input {
		dev.Latency = info.DefaultHighInputLatency
		if cfg.PerformanceMode == audio.PerformanceModeLowLatency {
			dev.Latency = info.DefaultLowInputLatency
		}
		params.Input = dev
		s.capture = audio.NewCaptureBuffer(cfg.SampleRate * cfg.ChannelCount)
	} else {
		if cfg.PerformanceMode == audio.PerformanceModeLowLatency {
			dev.Latency = info.DefaultLowOutputLatency
		}
		params.Output = dev
		src, err := s.engine.opts.NewSource(cfg)
		if err != nil {
			return err
		}
		s.source = src
	}

	var (
		pa  *portaudio.Stream
		err error
	)
	switch {
	case !s.engine.opts.UseCallback:
		pa, err = portaudio.OpenStream(params, s.buf)
	case s.input:
		pa, err = portaudio.OpenStream(params, s.processInput)
	default:
		pa, err = portaudio.OpenStream(params, s.processOutput)
	}
	if err != nil {
		return err
	}
	s.pa = pa

	s.latency = dev.Latency
	if si := pa.Info(); si != nil {
		s.latency = si.OutputLatency
		if s.input {
			s.latency = si.InputLatency
		}
	}
	s.cfg.BufferCapacityInFrames = capacityFor(s.latency, cfg.SampleRate, cfg.FramesPerBurst)
	return nil
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
	if err := s.pa.Start(); err != nil {
		return resultFor(err)
	}
	s.state = audio.StateStarted

	if !s.engine.opts.UseCallback {
		s.stopCh = make(chan struct{})
		s.done = make(chan struct{})
		go s.pump(s.stopCh, s.done)
	}
	return audio.OK
}

func (s *stream) stop() audio.Result {
	s.halt()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != audio.StateStarted {
		if s.state != audio.StateDisconnected {
			s.state = audio.StateStopped
		}
		return audio.OK
	}
	if err := s.pa.Stop(); err != nil && !errors.Is(err, portaudio.StreamIsStopped) {
		return resultFor(err)
	}
	s.state = audio.StateStopped
	return audio.OK
}

func (s *stream) close() {
	s.halt()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == audio.StateStarted {
		_ = s.pa.Stop()
	}
	if err := s.pa.Close(); err != nil {
		s.engine.log.Debugf("Close: %v", err)
	}
	s.state = audio.StateClosed
}

func (s *stream) status() audio.StreamStatus {
	s.mu.Lock()
	st := audio.StreamStatus{
		BufferSize: s.cfg.BufferCapacityInFrames,
		State:      s.state,
		Latency:    float64(s.latency) / float64(time.Millisecond),
	}
	s.meter.Fill(&st)
	// pa is only valid while the lock is held; close frees it.
	if s.state == audio.StateStarted && s.engine.opts.UseCallback {
		st.CPULoad = s.pa.CpuLoad()
	}
	s.mu.Unlock()
	return st
}

func (s *stream) setWorkload(workload float64) {
	s.workloadBits.Store(math.Float64bits(workload))
}

func (s *stream) burn() {
	if w := math.Float64frombits(s.workloadBits.Load()); w > 0 {
		synth.Burn(w)
	}
}

func (s *stream) processOutput(out []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	started := time.Now()
	s.meter.Begin(started)
	if flags&portaudio.OutputUnderflow != 0 {
		s.meter.AddXRun()
	}

	s.source.Render(out, s.channels)
	s.burn()

	s.finishCallback(started, len(out)/s.channels)
}

func (s *stream) processInput(in []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	started := time.Now()
	s.meter.Begin(started)
	if flags&portaudio.InputOverflow != 0 {
		s.meter.AddXRun()
	}

	s.capture.Write(in)
	s.burn()

	s.finishCallback(started, len(in)/s.channels)
}

func (s *stream) finishCallback(started time.Time, frames int) {
	s.meter.AddFramesWritten(frames)
	s.meter.AddFramesRead(frames)
	s.meter.End(started, time.Now(), frames, s.sampleRate)

	// PortAudio callbacks cannot stop their own stream.
	if s.engine.opts.CallbackReturnStop && s.stopping.CompareAndSwap(false, true) {
		go s.stopFromCallback()
	}
}

func (s *stream) stopFromCallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == audio.StateStarted {
		_ = s.pa.Stop()
		s.state = audio.StateStopped
	}
}

// pump moves data with blocking reads or writes until stopped.
func (s *stream) pump(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	frames := len(s.buf) / s.channels
	for {
		select {
		case <-stop:
			return
		default:
		}

		started := time.Now()
		s.meter.Begin(started)

		var err error
		if s.input {
			err = s.pa.Read()
			if err == nil || errors.Is(err, portaudio.InputOverflowed) {
				s.capture.Write(s.buf)
			}
		} else {
			s.source.Render(s.buf, s.channels)
			err = s.pa.Write()
		}
		s.burn()

		switch {
		case err == nil:
		case errors.Is(err, portaudio.InputOverflowed), errors.Is(err, portaudio.OutputUnderflowed):
			s.meter.AddXRun()
		default:
			s.engine.log.Warnf("Stream lost: %v", err)
			s.meter.SetLastErrorResult(audio.ErrorDisconnected)
			s.mu.Lock()
			s.state = audio.StateDisconnected
			s.mu.Unlock()
			return
		}

		s.meter.AddFramesWritten(frames)
		s.meter.AddFramesRead(frames)
		s.meter.End(started, time.Now(), frames, s.sampleRate)

		if s.engine.opts.CallbackReturnStop {
			s.stopFromCallback()
			return
		}
	}
}

// halt stops the blocking pump, if any, and waits for it.
func (s *stream) halt() {
	s.mu.Lock()
	stop, done := s.stopCh, s.done
	s.stopCh, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
