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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// mp3Channels is fixed by the decoder, which always emits 16-bit
// little-endian stereo.
const mp3Channels = 2

// Clip is a decoded audio file played in a loop.
type Clip struct {
	samples    []float32
	sampleRate int
	pos        float64
	step       float64
}

// OpenMP3 decodes the file at path for playback at sampleRate.
func OpenMP3(path string, sampleRate int) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mp3: %w", err)
	}
	defer func() { _ = f.Close() }()

	return DecodeMP3(f, sampleRate)
}

// DecodeMP3 reads a whole MP3 stream into memory.
func DecodeMP3(r io.Reader, sampleRate int) (*Clip, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mp3: %w", err)
	}

	pcm, err := io.ReadAll(dec)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read mp3 samples: %w", err)
	}
	samples := pcm16ToFloat(pcm)
	if len(samples) < mp3Channels {
		return nil, fmt.Errorf("mp3 contains no audio")
	}
	return newClip(samples, dec.SampleRate(), sampleRate), nil
}

func newClip(samples []float32, clipRate, streamRate int) *Clip {
	step := 1.0
	if clipRate > 0 && streamRate > 0 {
		step = float64(clipRate) / float64(streamRate)
	}
	return &Clip{samples: samples, sampleRate: clipRate, step: step}
}

// SampleRate returns the rate the clip was encoded at.
func (c *Clip) SampleRate() int { return c.sampleRate }

// Frames returns the clip length in frames.
func (c *Clip) Frames() int { return len(c.samples) / mp3Channels }

// Render copies the clip into out, resampling by nearest frame and mapping
// stereo onto any channel count.
func (c *Clip) Render(out []float32, channels int) {
	frames := c.Frames()
	if channels <= 0 || frames == 0 {
		clear(out)
		return
	}
	for i := 0; i+channels <= len(out); i += channels {
		frame := int(c.pos) % frames
		for ch := 0; ch < channels; ch++ {
			out[i+ch] = c.samples[frame*mp3Channels+ch%mp3Channels]
		}
		c.pos += c.step
		if c.pos >= float64(frames) {
			c.pos -= float64(frames)
		}
	}
}

func pcm16ToFloat(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(pcm[2*i:])) //nolint:gosec // reinterpreting PCM bits
		samples[i] = float32(v) / 32768
	}
	return samples
}
