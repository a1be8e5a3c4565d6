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

// Package maengine implements audio.Engine on top of miniaudio through
// malgo.
package maengine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/decred/slog"
	"github.com/gen2brain/malgo"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

const (
	defaultSampleRate   = 48000
	defaultChannelCount = 2
	periodMS            = 20
	lowLatencyPeriodMS  = 10
	periods             = 3
	lowLatencyPeriods   = 2
)

// Engine drives miniaudio devices. Streams share one context unless they
// request a different backend.
type Engine struct {
	opts    audio.EngineOptions
	log     slog.Logger
	streams *audio.HandleTable[*stream]

	mu            sync.Mutex
	shared        *malgo.AllocatedContext
	backend       malgo.Backend
	nextSessionID int
	terminated    bool
}

// New probes the platform backends and returns an engine on the first one
// that initializes.
func New(opts audio.EngineOptions, log slog.Logger) (*Engine, error) {
	return NewWithBackends(opts, log, defaultBackends())
}

// NewWithBackends is like New with an explicit backend priority list.
func NewWithBackends(opts audio.EngineOptions, log slog.Logger, backends []malgo.Backend) (*Engine, error) {
	if log == nil {
		log = slog.Disabled
	}
	ctx, backend, err := probe(backends)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize miniaudio: %w", err)
	}
	log.Infof("miniaudio backend %d selected", backend)
	return &Engine{
		opts:          opts,
		log:           log,
		streams:       audio.NewHandleTable[*stream](audio.DefaultMaxStreams),
		shared:        ctx,
		backend:       backend,
		nextSessionID: 1,
	}, nil
}

func probe(backends []malgo.Backend) (*malgo.AllocatedContext, malgo.Backend, error) {
	if len(backends) == 0 {
		return nil, 0, errors.New("no backends to try")
	}
	var errs []error
	for _, b := range backends {
		ctx, err := malgo.InitContext([]malgo.Backend{b}, malgo.ContextConfig{}, nil)
		if err == nil {
			return ctx, b, nil
		}
		errs = append(errs, fmt.Errorf("backend %d: %w", b, err))
	}
	return nil, 0, errors.Join(errs...)
}

// Open resolves req and initializes a miniaudio device.
func (e *Engine) Open(req audio.StreamConfiguration) (audio.Handle, audio.Result) {
	if r := audio.CheckRequest(req); r != audio.OK {
		return audio.InvalidHandle, r
	}
	// miniaudio only delivers data through its callback.
	if !e.opts.UseCallback {
		return audio.InvalidHandle, audio.ErrorUnimplemented
	}

	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return audio.InvalidHandle, audio.ErrorInvalidState
	}
	ctx, backend := e.shared, e.backend
	session := audio.SessionIDNone
	if req.SessionID == audio.SessionIDAllocate {
		session = e.nextSessionID
		e.nextSessionID++
	} else if req.SessionID > 0 {
		session = req.SessionID
	}
	e.mu.Unlock()

	s := &stream{engine: e, state: audio.StateOpen}
	if req.NativeAPI != audio.NativeAPIUnspecified && req.NativeAPI != NativeAPIFor(backend) {
		backend = backendFor(req.NativeAPI)
		dedicated, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, nil)
		if err != nil {
			e.log.Warnf("Backend %d unavailable: %v", backend, err)
			return audio.InvalidHandle, audio.ErrorUnavailable
		}
		ctx = dedicated
		s.ctx = dedicated
	}

	cfg, r := s.open(ctx, backend, req)
	if r != audio.OK {
		s.freeContext()
		return audio.InvalidHandle, r
	}
	cfg.SessionID = session
	s.cfg = cfg

	h, r := e.streams.Acquire(s)
	if r != audio.OK {
		s.close()
		return audio.InvalidHandle, r
	}
	e.log.Debugf("Opened %s as %s", cfg, h)
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
	if s, ok := e.streams.Release(h); ok {
		s.close()
	}
}

// Describe returns the configuration miniaudio granted for h.
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

// SetBufferSizeInFrames is not supported; miniaudio sizes its buffer at
// device init.
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
	e.mu.Lock()
	defer e.mu.Unlock()
	alsa := e.backend == malgo.BackendAlsa
	return audio.Capabilities{MMap: alsa, MMapExclusive: alsa}
}

// Version returns the malgo module version recorded in the build info.
func (e *Engine) Version() int { return moduleVersion() }

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

// Terminate closes every stream and frees the shared context.
func (e *Engine) Terminate() error {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return nil
	}
	e.terminated = true
	ctx := e.shared
	e.shared = nil
	e.mu.Unlock()

	var handles []audio.Handle
	e.streams.Each(func(h audio.Handle, _ *stream) {
		handles = append(handles, h)
	})
	for _, h := range handles {
		e.Close(h)
	}

	if ctx == nil {
		return nil
	}
	err := ctx.Uninit()
	ctx.Free()
	return err
}
