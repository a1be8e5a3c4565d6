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

// Package paengine implements audio.Engine on top of PortAudio.
package paengine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/decred/slog"
	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

// Engine drives PortAudio streams. PortAudio is initialized by New and
// terminated by Terminate.
type Engine struct {
	opts    audio.EngineOptions
	log     slog.Logger
	streams *audio.HandleTable[*stream]

	mu            sync.Mutex
	nextSessionID int
	terminated    bool
}

// New initializes PortAudio and returns an engine using opts for every
// stream.
func New(opts audio.EngineOptions, log slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Disabled
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	log.Infof("PortAudio %s", portaudio.VersionText())
	return &Engine{
		opts:          opts,
		log:           log,
		streams:       audio.NewHandleTable[*stream](audio.DefaultMaxStreams),
		nextSessionID: 1,
	}, nil
}

// Open resolves req against the selected device and opens a PortAudio
// stream.
func (e *Engine) Open(req audio.StreamConfiguration) (audio.Handle, audio.Result) {
	if r := audio.CheckRequest(req); r != audio.OK {
		return audio.InvalidHandle, r
	}

	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return audio.InvalidHandle, audio.ErrorInvalidState
	}
	session := audio.SessionIDNone
	if req.SessionID == audio.SessionIDAllocate {
		session = e.nextSessionID
		e.nextSessionID++
	} else if req.SessionID > 0 {
		session = req.SessionID
	}
	e.mu.Unlock()

	info, r := findDevice(req)
	if r != audio.OK {
		return audio.InvalidHandle, r
	}
	cfg, r := resolve(req, describeDevice(info, req.Direction), e.opts)
	if r != audio.OK {
		return audio.InvalidHandle, r
	}
	cfg.SessionID = session

	s := &stream{engine: e, cfg: cfg, state: audio.StateOpen}
	if err := s.open(info); err != nil {
		e.log.Warnf("Open %s on %q failed: %v", cfg.Direction, info.Name, err)
		return audio.InvalidHandle, resultFor(err)
	}

	h, r := e.streams.Acquire(s)
	if r != audio.OK {
		_ = s.pa.Close()
		return audio.InvalidHandle, r
	}
	e.log.Debugf("Opened %s on %q as %s", cfg, info.Name, h)
	return h, audio.OK
}

// Start starts the stream behind h.
func (e *Engine) Start(h audio.Handle) audio.Result {
	s, ok := e.streams.Lookup(h)
	if !ok {
		return audio.ErrorInvalidHandle
	}
	return s.start()
}

// Stop stops the stream behind h. Stopping a stopped stream succeeds.
func (e *Engine) Stop(h audio.Handle) audio.Result {
	s, ok := e.streams.Lookup(h)
	if !ok {
		return audio.ErrorInvalidHandle
	}
	return s.stop()
}

// Close stops and releases the stream behind h. Stale handles are ignored.
func (e *Engine) Close(h audio.Handle) {
	s, ok := e.streams.Release(h)
	if !ok {
		return
	}
	s.close()
}

// Describe returns the configuration PortAudio granted for h.
func (e *Engine) Describe(h audio.Handle) (audio.StreamConfiguration, audio.Result) {
	s, ok := e.streams.Lookup(h)
	if !ok {
		return audio.StreamConfiguration{}, audio.ErrorInvalidHandle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, audio.OK
}

// Status returns a telemetry snapshot for h.
func (e *Engine) Status(h audio.Handle) (audio.StreamStatus, audio.Result) {
	s, ok := e.streams.Lookup(h)
	if !ok {
		return audio.UnknownStatus(), audio.ErrorInvalidHandle
	}
	return s.status(), audio.OK
}

// SetBufferSizeInFrames is not supported; PortAudio fixes buffering at
// open. The current size is returned with ErrorUnimplemented.
func (e *Engine) SetBufferSizeInFrames(h audio.Handle, _ int) (int, audio.Result) {
	s, ok := e.streams.Lookup(h)
	if !ok {
		return 0, audio.ErrorInvalidHandle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.BufferCapacityInFrames, audio.ErrorUnimplemented
}

// Capabilities reports which features this engine supports.
func (e *Engine) Capabilities() audio.Capabilities {
	return audio.Capabilities{}
}

// Version returns the PortAudio library version.
func (e *Engine) Version() int { return portaudio.Version() }

// SetWorkload sets the synthetic load burned in each callback.
func (e *Engine) SetWorkload(h audio.Handle, workload float64) audio.Result {
	s, ok := e.streams.Lookup(h)
	if !ok {
		return audio.ErrorInvalidHandle
	}
	s.setWorkload(workload)
	return audio.OK
}

// ReadMostRecent copies the most recent input frames into out.
func (e *Engine) ReadMostRecent(h audio.Handle, out []float32) (int, audio.Result) {
	s, ok := e.streams.Lookup(h)
	if !ok {
		return 0, audio.ErrorInvalidHandle
	}
	if s.capture == nil {
		return 0, audio.ErrorUnimplemented
	}
	return s.capture.ReadMostRecent(out), audio.OK
}

// Terminate closes all streams and terminates PortAudio.
func (e *Engine) Terminate() error {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return nil
	}
	e.terminated = true
	e.mu.Unlock()

	var handles []audio.Handle
	e.streams.Each(func(h audio.Handle, _ *stream) {
		handles = append(handles, h)
	})
	for _, h := range handles {
		e.Close(h)
	}
	return portaudio.Terminate()
}

// findDevice picks the device named by DeviceID, or the default device of
// the requested host API, or the system default.
func findDevice(req audio.StreamConfiguration) (*portaudio.DeviceInfo, audio.Result) {
	input := req.Direction == audio.DirectionInput

	if req.DeviceID != audio.Unspecified {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, resultFor(err)
		}
		if req.DeviceID > len(devices) {
			return nil, audio.ErrorIllegalArgument
		}
		return devices[req.DeviceID-1], audio.OK
	}

	if req.NativeAPI != audio.NativeAPIUnspecified {
		apis, err := portaudio.HostApis()
		if err != nil {
			return nil, resultFor(err)
		}
		for _, api := range apis {
			if nativeAPI(api.Type) != req.NativeAPI {
				continue
			}
			dev := api.DefaultOutputDevice
			if input {
				dev = api.DefaultInputDevice
			}
			if dev == nil {
				return nil, audio.ErrorUnavailable
			}
			return dev, audio.OK
		}
		return nil, audio.ErrorIllegalArgument
	}

	var (
		dev *portaudio.DeviceInfo
		err error
	)
	if input {
		dev, err = portaudio.DefaultInputDevice()
	} else {
		dev, err = portaudio.DefaultOutputDevice()
	}
	if err != nil {
		return nil, resultFor(err)
	}
	return dev, audio.OK
}

func describeDevice(info *portaudio.DeviceInfo, direction audio.Direction) device {
	d := device{
		id:         info.Index + 1,
		sampleRate: info.DefaultSampleRate,
	}
	if info.HostApi != nil {
		d.api = nativeAPI(info.HostApi.Type)
	}
	if direction == audio.DirectionInput {
		d.maxChannels = info.MaxInputChannels
		d.lowLatency = info.DefaultLowInputLatency
		d.highLatency = info.DefaultHighInputLatency
	} else {
		d.maxChannels = info.MaxOutputChannels
		d.lowLatency = info.DefaultLowOutputLatency
		d.highLatency = info.DefaultHighOutputLatency
	}
	return d
}

func nativeAPI(t portaudio.HostApiType) audio.NativeAPI {
	return audio.NativeAPI(t) + 1
}

// resultFor maps PortAudio errors onto engine result codes.
func resultFor(err error) audio.Result {
	var paErr portaudio.Error
	if !errors.As(err, &paErr) {
		return audio.ErrorInternal
	}
	switch paErr {
	case portaudio.NotInitialized, portaudio.StreamIsStopped, portaudio.StreamIsNotStopped:
		return audio.ErrorInvalidState
	case portaudio.InvalidChannelCount:
		return audio.ErrorOutOfRange
	case portaudio.InvalidSampleRate:
		return audio.ErrorInvalidRate
	case portaudio.InvalidDevice, portaudio.InvalidFlag, portaudio.BadIODeviceCombination,
		portaudio.HostApiNotFound, portaudio.InvalidHostApi:
		return audio.ErrorIllegalArgument
	case portaudio.SampleFormatNotSupported:
		return audio.ErrorInvalidFormat
	case portaudio.InsufficientMemory:
		return audio.ErrorNoMemory
	case portaudio.TimedOut:
		return audio.ErrorTimeout
	case portaudio.DeviceUnavailable:
		return audio.ErrorUnavailable
	case portaudio.BufferTooBig, portaudio.BufferTooSmall:
		return audio.ErrorOutOfRange
	}
	return audio.ErrorInternal
}
