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
	"testing"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

func TestNegotiate(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		r := negotiate(audio.NewStreamConfiguration(), audio.DefaultEngineOptions())

		assert.Equal(t, defaultSampleRate, r.cfg.SampleRate)
		assert.Equal(t, defaultChannelCount, r.cfg.ChannelCount)
		assert.Equal(t, audio.FormatFloat, r.cfg.Format)
		assert.Equal(t, malgo.FormatF32, r.format)
		assert.Equal(t, 960, r.cfg.FramesPerBurst)
		assert.Equal(t, 3*960, r.cfg.BufferCapacityInFrames)
		assert.Equal(t, malgo.Conservative, r.profile)
	})

	t.Run("low_latency_pcm16", func(t *testing.T) {
		req := audio.NewStreamConfiguration()
		req.PerformanceMode = audio.PerformanceModeLowLatency
		req.Format = audio.FormatI16
		req.SampleRate = 44100
		req.ChannelMask = 0b1

		r := negotiate(req, audio.DefaultEngineOptions())
		assert.Equal(t, malgo.FormatS16, r.format)
		assert.Equal(t, 1, r.cfg.ChannelCount)
		assert.Equal(t, 441, r.cfg.FramesPerBurst)
		assert.Equal(t, 882, r.cfg.BufferCapacityInFrames)
		assert.Equal(t, malgo.LowLatency, r.profile)
	})

	t.Run("callback_size", func(t *testing.T) {
		r := negotiate(audio.NewStreamConfiguration(), audio.EngineOptions{UseCallback: true, CallbackSize: 256})
		assert.Equal(t, 256, r.cfg.FramesPerBurst)
		assert.Equal(t, 768, r.cfg.BufferCapacityInFrames)
	})
}

func TestSampleCodec(t *testing.T) {
	src := []float32{0, 0.5, -0.5, 1, -1, 0.25}

	for _, f := range []audio.Format{audio.FormatFloat, audio.FormatI16, audio.FormatI24, audio.FormatI32} {
		t.Run(f.String(), func(t *testing.T) {
			raw := make([]byte, len(src)*f.BytesPerSample())
			require.Equal(t, len(src), encode(raw, src, f))

			got := make([]float32, len(src))
			require.Equal(t, len(src), decode(got, raw, f))
			assert.InDeltaSlice(t, src, got, 1e-4)
		})
	}

	t.Run("clips_out_of_range", func(t *testing.T) {
		raw := make([]byte, 4)
		encode(raw, []float32{3, -3}, audio.FormatI16)

		got := make([]float32, 2)
		decode(got, raw, audio.FormatI16)
		assert.InDelta(t, 1, got[0], 1e-4)
		assert.InDelta(t, -1, got[1], 1e-4)
	})

	t.Run("short_destination", func(t *testing.T) {
		raw := make([]byte, 5)
		assert.Equal(t, 2, encode(raw, src, audio.FormatI16))
	})
}

func TestFormatMapping(t *testing.T) {
	f, af := formatFor(audio.FormatUnspecified)
	assert.Equal(t, malgo.FormatF32, f)
	assert.Equal(t, audio.FormatFloat, af)

	assert.Equal(t, audio.FormatI24, formatFromMalgo(malgo.FormatS24, audio.FormatFloat))
	assert.Equal(t, audio.FormatI16, formatFromMalgo(malgo.FormatU8, audio.FormatI16), "unsupported formats keep the request")
}

func TestBackends(t *testing.T) {
	assert.Equal(t, []malgo.Backend{malgo.BackendCoreaudio}, platformBackends("darwin"))
	assert.Contains(t, platformBackends("linux"), malgo.BackendAlsa)
	assert.Equal(t, []malgo.Backend{malgo.BackendNull}, platformBackends("plan9"))

	api := NativeAPIFor(malgo.BackendAlsa)
	assert.NotEqual(t, audio.NativeAPIUnspecified, api)
	assert.Equal(t, malgo.BackendAlsa, backendFor(api))
	assert.Equal(t, audio.NativeAPI(1), NativeAPIFor(malgo.BackendWasapi))
}

func TestParseVersion(t *testing.T) {
	assert.Equal(t, 1124, parseVersion("v0.11.24"))
	assert.Equal(t, 10203, parseVersion("v1.2.3-pre"))
	assert.Equal(t, 0, parseVersion("(devel)"))
	assert.Equal(t, 0, parseVersion("v1.2"))
}

// TestNullBackend drives a real miniaudio device on the null backend,
// which needs no sound hardware.
func TestNullBackend(t *testing.T) {
	engine, err := NewWithBackends(audio.DefaultEngineOptions(), nil, []malgo.Backend{malgo.BackendNull})
	if err != nil {
		t.Skipf("miniaudio initialization failed (may be expected): %v", err)
	}
	defer func() { _ = engine.Terminate() }()

	stream := audio.NewOutputStream(engine, nil)
	req := audio.NewStreamConfiguration()
	req.Format = audio.FormatI16

	var actual audio.StreamConfiguration
	if err := stream.Open(req, &actual, 0); err != nil {
		t.Skipf("null device unavailable: %v", err)
	}
	defer stream.Close()

	assert.Equal(t, NativeAPIFor(malgo.BackendNull), actual.NativeAPI)
	assert.Positive(t, actual.SampleRate)
	assert.Positive(t, actual.BufferCapacityInFrames)
	assert.False(t, engine.Capabilities().Threshold)

	for i := 0; i < 2; i++ {
		require.NoError(t, stream.Start())
		time.Sleep(60 * time.Millisecond)
		require.NoError(t, stream.Stop())
	}
	assert.False(t, stream.Disconnected(), "requested stops are not disconnects")
	assert.Equal(t, audio.StateStopped, stream.State())
}

func TestBlockingModeUnimplemented(t *testing.T) {
	engine, err := NewWithBackends(audio.EngineOptions{}, nil, []malgo.Backend{malgo.BackendNull})
	if err != nil {
		t.Skipf("miniaudio initialization failed (may be expected): %v", err)
	}
	defer func() { _ = engine.Terminate() }()

	_, res := engine.Open(audio.NewStreamConfiguration())
	assert.Equal(t, audio.ErrorUnimplemented, res)
}
