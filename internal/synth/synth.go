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

// Package synth provides the signal sources rendered by engines inside
// their data callbacks.
package synth

import (
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

const (
	DefaultFrequency = 440.0
	DefaultAmplitude = 0.3
)

// Sine is a continuous tone. Every channel carries the same signal.
type Sine struct {
	Frequency  float64
	Amplitude  float64
	SampleRate int

	phase float64
}

// NewSine returns a tone at frequency Hz for the given sample rate.
func NewSine(frequency, amplitude float64, sampleRate int) *Sine {
	return &Sine{Frequency: frequency, Amplitude: amplitude, SampleRate: sampleRate}
}

// Render fills out with interleaved frames.
func (s *Sine) Render(out []float32, channels int) {
	if channels <= 0 || s.SampleRate <= 0 {
		clear(out)
		return
	}
	step := 2 * math.Pi * s.Frequency / float64(s.SampleRate)
	for i := 0; i+channels <= len(out); i += channels {
		v := float32(s.Amplitude * math.Sin(s.phase))
		for c := 0; c < channels; c++ {
			out[i+c] = v
		}
		s.phase += step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
}

// Silence renders zeros.
type Silence struct{}

func (Silence) Render(out []float32, _ int) { clear(out) }

// Kind names a source type in configuration.
type Kind string

const (
	KindSine    Kind = "sine"
	KindSilence Kind = "silence"
	KindMP3     Kind = "mp3"
)

// SourceConfig selects and parameterizes the output signal.
type SourceConfig struct {
	Kind      Kind    `yaml:"kind"`
	Frequency float64 `yaml:"frequency"`
	Amplitude float64 `yaml:"amplitude"`
	File      string  `yaml:"file"`
}

// DefaultSourceConfig returns the built-in tone.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Kind:      KindSine,
		Frequency: DefaultFrequency,
		Amplitude: DefaultAmplitude,
	}
}

// Validate checks the source configuration.
func (c SourceConfig) Validate() error {
	switch Kind(strings.ToLower(string(c.Kind))) {
	case KindSine:
		if c.Frequency <= 0 {
			return fmt.Errorf("sine frequency must be positive, got %v", c.Frequency)
		}
		if c.Amplitude < 0 || c.Amplitude > 1 {
			return fmt.Errorf("sine amplitude must be within [0, 1], got %v", c.Amplitude)
		}
	case KindSilence, "":
	case KindMP3:
		if c.File == "" {
			return fmt.Errorf("mp3 source needs a file")
		}
	default:
		return fmt.Errorf("unknown source kind %q", c.Kind)
	}
	return nil
}

// Factory returns a SourceFactory building a fresh source per stream.
func Factory(cfg SourceConfig) audio.SourceFactory {
	return func(actual audio.StreamConfiguration) (audio.Source, error) {
		switch Kind(strings.ToLower(string(cfg.Kind))) {
		case KindSine:
			return NewSine(cfg.Frequency, cfg.Amplitude, actual.SampleRate), nil
		case KindMP3:
			return OpenMP3(cfg.File, actual.SampleRate)
		case KindSilence, "":
			return Silence{}, nil
		}
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
