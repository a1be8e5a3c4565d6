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
	"math/bits"
	"time"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

const (
	defaultChannelCount = 2
	minBurst            = 64
	burstAlign          = 32
)

// device is the part of a PortAudio device description used for
// negotiation.
type device struct {
	id          int
	api         audio.NativeAPI
	maxChannels int
	sampleRate  float64
	lowLatency  time.Duration
	highLatency time.Duration
}

// resolve fills every unspecified field of req from dev. The capacity is
// provisional until the stream reports its real latency.
func resolve(req audio.StreamConfiguration, dev device, opts audio.EngineOptions) (audio.StreamConfiguration, audio.Result) {
	if dev.maxChannels <= 0 {
		return req, audio.ErrorIllegalArgument
	}
	cfg := req.WithPolicyDefaults()
	cfg.DeviceID = dev.id
	cfg.NativeAPI = dev.api
	if cfg.NativeAPI == audio.NativeAPIUnspecified {
		cfg.NativeAPI = 1
	}

	if cfg.SampleRate == audio.Unspecified {
		cfg.SampleRate = int(dev.sampleRate)
	}
	if cfg.ChannelCount == audio.Unspecified {
		cfg.ChannelCount = min(defaultChannelCount, dev.maxChannels)
		if cfg.ChannelMask > 0 {
			cfg.ChannelCount = bits.OnesCount(uint(cfg.ChannelMask))
		}
	}
	if cfg.ChannelCount > dev.maxChannels {
		return req, audio.ErrorOutOfRange
	}
	if cfg.ChannelMask == audio.Unspecified {
		cfg.ChannelMask = audio.ChannelMaskForCount(cfg.ChannelCount)
	}

	// Streams are always opened with float32 buffers.
	cfg.Format = audio.FormatFloat
	cfg.SharingMode = audio.SharingModeShared
	cfg.MMap = false

	latency := dev.highLatency
	if cfg.PerformanceMode == audio.PerformanceModeLowLatency {
		latency = dev.lowLatency
	}
	cfg.FramesPerBurst = burstFor(latency, cfg.SampleRate, opts.CallbackSize)
	cfg.BufferCapacityInFrames = capacityFor(latency, cfg.SampleRate, cfg.FramesPerBurst)
	return cfg, audio.OK
}

// burstFor returns half the suggested latency in frames, aligned, unless
// the callback size is fixed.
func burstFor(latency time.Duration, sampleRate, callbackSize int) int {
	if callbackSize > 0 {
		return callbackSize
	}
	frames := int(latency.Seconds()*float64(sampleRate)) / 2
	frames -= frames % burstAlign
	return max(frames, minBurst)
}

// capacityFor rounds the latency up to whole bursts, at least two.
func capacityFor(latency time.Duration, sampleRate, burst int) int {
	frames := int(latency.Seconds() * float64(sampleRate))
	bursts := max((frames+burst-1)/burst, 2)
	return bursts * burst
}
