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
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

var testDevice = device{
	id:          3,
	api:         2,
	maxChannels: 2,
	sampleRate:  44100,
	lowLatency:  10 * time.Millisecond,
	highLatency: 40 * time.Millisecond,
}

// TestResolve tests negotiation against a device description
func TestResolve(t *testing.T) {
	t.Run("defaults_from_device", func(t *testing.T) {
		cfg, res := resolve(audio.NewStreamConfiguration(), testDevice, audio.DefaultEngineOptions())
		require.Equal(t, audio.OK, res)

		assert.Equal(t, 44100, cfg.SampleRate)
		assert.Equal(t, 2, cfg.ChannelCount)
		assert.Equal(t, 0b11, cfg.ChannelMask)
		assert.Equal(t, 3, cfg.DeviceID)
		assert.Equal(t, audio.NativeAPI(2), cfg.NativeAPI)
		assert.Equal(t, audio.FormatFloat, cfg.Format)
		assert.Equal(t, 864, cfg.FramesPerBurst, "half of 40ms at 44.1kHz, aligned")
		assert.Equal(t, 2592, cfg.BufferCapacityInFrames)

		cfg.SessionID = audio.SessionIDNone
		assert.True(t, cfg.IsResolved(), "unresolved: %v", cfg.Unresolved())
	})

	t.Run("low_latency", func(t *testing.T) {
		req := audio.NewStreamConfiguration()
		req.PerformanceMode = audio.PerformanceModeLowLatency
		req.SampleRate = 48000

		cfg, res := resolve(req, testDevice, audio.DefaultEngineOptions())
		require.Equal(t, audio.OK, res)
		assert.Equal(t, 224, cfg.FramesPerBurst)
		assert.Equal(t, 48000, cfg.SampleRate)
	})

	t.Run("callback_size_fixes_burst", func(t *testing.T) {
		opts := audio.EngineOptions{UseCallback: true, CallbackSize: 100}
		cfg, res := resolve(audio.NewStreamConfiguration(), testDevice, opts)
		require.Equal(t, audio.OK, res)
		assert.Equal(t, 100, cfg.FramesPerBurst)
		assert.Zero(t, cfg.BufferCapacityInFrames%100)
	})

	t.Run("exclusive_falls_back_to_shared", func(t *testing.T) {
		req := audio.NewStreamConfiguration()
		req.SharingMode = audio.SharingModeExclusive

		cfg, _ := resolve(req, testDevice, audio.DefaultEngineOptions())
		assert.Equal(t, audio.SharingModeShared, cfg.SharingMode)
		assert.False(t, cfg.MMap)
	})

	t.Run("too_many_channels", func(t *testing.T) {
		req := audio.NewStreamConfiguration()
		req.ChannelCount = 6

		_, res := resolve(req, testDevice, audio.DefaultEngineOptions())
		assert.Equal(t, audio.ErrorOutOfRange, res)
	})

	t.Run("wrong_direction_device", func(t *testing.T) {
		_, res := resolve(audio.NewStreamConfiguration(), device{id: 1}, audio.DefaultEngineOptions())
		assert.Equal(t, audio.ErrorIllegalArgument, res)
	})
}

func TestBurstAndCapacity(t *testing.T) {
	assert.Equal(t, minBurst, burstFor(0, 48000, 0))
	assert.Equal(t, 480, burstFor(20*time.Millisecond, 48000, 0))
	assert.Equal(t, 256, burstFor(time.Second, 48000, 256))

	assert.Equal(t, 2*480, capacityFor(0, 48000, 480))
	assert.Equal(t, 3*480, capacityFor(25*time.Millisecond, 48000, 480))
}

func TestResultFor(t *testing.T) {
	tests := []struct {
		err  error
		want audio.Result
	}{
		{portaudio.InvalidChannelCount, audio.ErrorOutOfRange},
		{portaudio.InvalidSampleRate, audio.ErrorInvalidRate},
		{portaudio.InvalidDevice, audio.ErrorIllegalArgument},
		{portaudio.SampleFormatNotSupported, audio.ErrorInvalidFormat},
		{portaudio.DeviceUnavailable, audio.ErrorUnavailable},
		{portaudio.NotInitialized, audio.ErrorInvalidState},
		{portaudio.TimedOut, audio.ErrorTimeout},
		{fmt.Errorf("wrapped: %w", portaudio.InsufficientMemory), audio.ErrorNoMemory},
		{fmt.Errorf("other"), audio.ErrorInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resultFor(tt.err), "%v", tt.err)
	}
}

// TestEngineHardware exercises a real device when one is available
func TestEngineHardware(t *testing.T) {
	if isCIEnvironment() {
		t.Skip("Skipping PortAudio tests in CI environment")
	}

	engine, err := New(audio.DefaultEngineOptions(), nil)
	if err != nil {
		t.Skipf("PortAudio initialization failed (may be expected): %v", err)
	}
	defer func() { _ = engine.Terminate() }()

	assert.Positive(t, engine.Version())
	assert.False(t, engine.Capabilities().Threshold)

	stream := audio.NewOutputStream(engine, nil)
	var actual audio.StreamConfiguration
	if err := stream.Open(audio.NewStreamConfiguration(), &actual, 0); err != nil {
		t.Skipf("no output device (may be expected): %v", err)
	}
	defer stream.Close()

	assert.Positive(t, actual.SampleRate)
	assert.Positive(t, actual.BufferCapacityInFrames)
	assert.Positive(t, actual.DeviceID)

	_, res := stream.SetBufferSizeInFrames(128)
	assert.Equal(t, audio.ErrorUnimplemented, res)

	for i := 0; i < 2; i++ {
		if err := stream.Start(); err != nil {
			t.Skipf("Stream start failed (may be expected): %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, stream.Stop())
	}
	assert.Positive(t, stream.CallbackCount())
}

// TestEngineHardware_StatusDuringClose polls telemetry while the stream closes
func TestEngineHardware_StatusDuringClose(t *testing.T) {
	if isCIEnvironment() {
		t.Skip("Skipping PortAudio tests in CI environment")
	}

	engine, err := New(audio.DefaultEngineOptions(), nil)
	if err != nil {
		t.Skipf("PortAudio initialization failed (may be expected): %v", err)
	}
	defer func() { _ = engine.Terminate() }()

	for i := 0; i < 20; i++ {
		stream := audio.NewOutputStream(engine, nil)
		var actual audio.StreamConfiguration
		if err := stream.Open(audio.NewStreamConfiguration(), &actual, 0); err != nil {
			t.Skipf("no output device (may be expected): %v", err)
		}
		if err := stream.Start(); err != nil {
			stream.Close()
			t.Skipf("Stream start failed (may be expected): %v", err)
		}

		done := make(chan struct{})
		polled := make(chan struct{})
		go func() {
			defer close(polled)
			for {
				select {
				case <-done:
					return
				default:
				}
				st, err := stream.Status()
				if err != nil {
					return
				}
				assert.GreaterOrEqual(t, st.CPULoad, 0.0)
			}
		}()

		time.Sleep(5 * time.Millisecond)
		stream.Close()
		close(done)
		<-polled

		assert.Equal(t, audio.StateClosed, stream.State())
	}
}

func isCIEnvironment() bool {
	for _, name := range []string{"CI", "CONTINUOUS_INTEGRATION", "GITHUB_ACTIONS", "GITLAB_CI", "BUILDKITE"} {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}
