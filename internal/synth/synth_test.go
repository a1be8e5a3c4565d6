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

package synth

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

func TestSine(t *testing.T) {
	t.Run("channels_carry_same_signal", func(t *testing.T) {
		s := NewSine(1000, 0.5, 48000)
		out := make([]float32, 2*96)
		s.Render(out, 2)

		for i := 0; i < len(out); i += 2 {
			assert.Equal(t, out[i], out[i+1])
		}
		assert.InDelta(t, 0, out[0], 1e-9, "starts at zero phase")
	})

	t.Run("amplitude_bound", func(t *testing.T) {
		s := NewSine(440, 0.3, 44100)
		out := make([]float32, 4410)
		s.Render(out, 1)

		var peak float64
		for _, v := range out {
			peak = math.Max(peak, math.Abs(float64(v)))
		}
		assert.LessOrEqual(t, peak, 0.3+1e-6)
		assert.Greater(t, peak, 0.29)
	})

	t.Run("phase_continues_across_calls", func(t *testing.T) {
		whole := NewSine(440, 1, 48000)
		split := NewSine(440, 1, 48000)

		a := make([]float32, 200)
		whole.Render(a, 1)

		b := make([]float32, 200)
		split.Render(b[:100], 1)
		split.Render(b[100:], 1)

		assert.InDeltaSlice(t, a, b, 1e-6)
	})

	t.Run("invalid_rate_is_silent", func(t *testing.T) {
		s := NewSine(440, 1, 0)
		out := []float32{1, 1, 1}
		s.Render(out, 1)
		assert.Equal(t, []float32{0, 0, 0}, out)
	})
}

func TestSourceConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SourceConfig
		wantErr string
	}{
		{"default", DefaultSourceConfig(), ""},
		{"silence", SourceConfig{Kind: KindSilence}, ""},
		{"empty_kind", SourceConfig{}, ""},
		{"zero_frequency", SourceConfig{Kind: KindSine, Amplitude: 0.5}, "frequency"},
		{"loud", SourceConfig{Kind: KindSine, Frequency: 440, Amplitude: 2}, "amplitude"},
		{"mp3_without_file", SourceConfig{Kind: KindMP3}, "file"},
		{"unknown", SourceConfig{Kind: "noise"}, "unknown source kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFactory(t *testing.T) {
	actual := audio.StreamConfiguration{SampleRate: 48000, ChannelCount: 2}

	src, err := Factory(DefaultSourceConfig())(actual)
	require.NoError(t, err)
	sine, ok := src.(*Sine)
	require.True(t, ok)
	assert.Equal(t, 48000, sine.SampleRate)

	src, err = Factory(SourceConfig{Kind: KindSilence})(actual)
	require.NoError(t, err)
	assert.IsType(t, Silence{}, src)

	_, err = Factory(SourceConfig{Kind: KindMP3, File: "/nonexistent/clip.mp3"})(actual)
	assert.Error(t, err)
}

func TestClip(t *testing.T) {
	t.Run("loops_and_maps_channels", func(t *testing.T) {
		// two stereo frames: (0.1, 0.2), (0.3, 0.4)
		clip := newClip([]float32{0.1, 0.2, 0.3, 0.4}, 48000, 48000)
		assert.Equal(t, 2, clip.Frames())

		out := make([]float32, 3*3)
		clip.Render(out, 3)
		assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.1, 0.3, 0.4, 0.3, 0.1, 0.2, 0.1}, out, 1e-6)
	})

	t.Run("resamples_by_rate_ratio", func(t *testing.T) {
		clip := newClip([]float32{0.1, 0.1, 0.2, 0.2, 0.3, 0.3, 0.4, 0.4}, 48000, 24000)

		out := make([]float32, 2)
		clip.Render(out, 1)
		assert.InDeltaSlice(t, []float32{0.1, 0.3}, out, 1e-6)
	})

	t.Run("pcm_conversion", func(t *testing.T) {
		samples := pcm16ToFloat([]byte{0x00, 0x80, 0xFF, 0x7F, 0x00, 0x00})
		assert.InDeltaSlice(t, []float32{-1, 32767.0 / 32768, 0}, samples, 1e-6)
	})

	t.Run("invalid_mp3", func(t *testing.T) {
		_, err := DecodeMP3(bytes.NewReader([]byte("not an mp3")), 48000)
		assert.Error(t, err)
	})
}

func TestBurn(t *testing.T) {
	assert.Zero(t, Burn(0))
	assert.Zero(t, Burn(-1))
	assert.NotZero(t, Burn(1))
}
