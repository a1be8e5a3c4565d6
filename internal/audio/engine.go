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

// Engine is the call surface of a native audio engine. One engine serves
// many streams, each addressed by a Handle it issued. Control calls are
// synchronous and must not be issued concurrently for the same handle;
// Describe and Status may run alongside the engine's callback thread.
type Engine interface {
	// Open negotiates req and allocates a stream. A negative Result means
	// the open failed and the returned handle is InvalidHandle.
	Open(req StreamConfiguration) (Handle, Result)

	// Start begins playback or capture.
	Start(h Handle) Result

	// Stop halts data flow without releasing the stream.
	Stop(h Handle) Result

	// Close releases the stream. Unknown or stale handles are ignored.
	Close(h Handle)

	// Describe returns the resolved configuration in one snapshot.
	Describe(h Handle) (StreamConfiguration, Result)

	// Status returns the dynamic telemetry of the stream.
	Status(h Handle) (StreamStatus, Result)

	// SetBufferSizeInFrames adjusts the buffering threshold. The engine may
	// clamp; the returned size is what it applied.
	SetBufferSizeInFrames(h Handle, frames int) (int, Result)

	// Capabilities advertises optional features of the engine.
	Capabilities() Capabilities

	// Version identifies the engine build.
	Version() int

	// Terminate closes every stream and releases the engine.
	Terminate() error
}

// Capabilities lists what an engine can do beyond the basic lifecycle.
type Capabilities struct {
	Threshold     bool `json:"threshold"`
	MMap          bool `json:"mmap"`
	MMapExclusive bool `json:"mmap_exclusive"`
}

// Workloader is implemented by engines that can burn synthetic CPU time in
// the audio callback.
type Workloader interface {
	SetWorkload(h Handle, workload float64) Result
}

// CaptureReader is implemented by engines that keep recently captured
// samples of input streams.
type CaptureReader interface {
	ReadMostRecent(h Handle, out []float32) (int, Result)
}

// EngineOptions configure callback behaviour for every stream of one
// engine. They are fixed when the engine is created.
type EngineOptions struct {
	// UseCallback selects callback-driven streams. When false the engine
	// moves data with blocking reads and writes on its own goroutine.
	UseCallback bool

	// CallbackSize fixes the frames per callback. Zero means one burst.
	CallbackSize int

	// CallbackReturnStop makes the data callback ask the engine to stop
	// after its first invocation.
	CallbackReturnStop bool

	// Source builds the synthesized signal for output streams. Nil plays
	// silence.
	Source SourceFactory
}

// DefaultEngineOptions returns callback mode with burst-sized callbacks.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{UseCallback: true}
}

// Source renders interleaved float32 frames.
type Source interface {
	Render(out []float32, channels int)
}

// SourceFactory creates a Source for an opened output stream.
type SourceFactory func(actual StreamConfiguration) (Source, error)

// NewSource builds the source for actual, falling back to silence.
func (o EngineOptions) NewSource(actual StreamConfiguration) (Source, error) {
	if o.Source == nil {
		return silence{}, nil
	}
	src, err := o.Source(actual)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return silence{}, nil
	}
	return src, nil
}

type silence struct{}

func (silence) Render(out []float32, _ int) {
	clear(out)
}
