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

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Unspecified is the sentinel for numeric configuration fields the caller
// leaves to the engine.
const Unspecified = 0

const (
	SessionIDNone     = -1
	SessionIDAllocate = 0

	MinSampleRate   = 8000
	MaxSampleRate   = 768000
	MaxChannelCount = 8
)

// StreamConfiguration describes the parameters of one audio stream. A
// requested configuration may carry Unspecified values; the actual
// configuration filled in by Open holds only resolved values.
type StreamConfiguration struct {
	NativeAPI       NativeAPI       `yaml:"native_api"`
	SampleRate      int             `yaml:"sample_rate"`
	ChannelCount    int             `yaml:"channel_count"`
	ChannelMask     int             `yaml:"channel_mask"`
	Format          Format          `yaml:"format"`
	SharingMode     SharingMode     `yaml:"sharing_mode"`
	PerformanceMode PerformanceMode `yaml:"performance_mode"`
	InputPreset     InputPreset     `yaml:"input_preset"`
	Usage           Usage           `yaml:"usage"`
	ContentType     ContentType     `yaml:"content_type"`
	DeviceID        int             `yaml:"device_id"`
	SessionID       int             `yaml:"session_id"`
	MMap            bool            `yaml:"mmap"`
	Direction       Direction       `yaml:"direction"`

	ChannelConversionAllowed bool                  `yaml:"channel_conversion_allowed"`
	FormatConversionAllowed  bool                  `yaml:"format_conversion_allowed"`
	RateConversionQuality    RateConversionQuality `yaml:"rate_conversion_quality"`

	// Only observable after open.
	FramesPerBurst         int `yaml:"-"`
	BufferCapacityInFrames int `yaml:"-"`
}

// NewStreamConfiguration returns a request that leaves every negotiable
// field to the engine.
func NewStreamConfiguration() StreamConfiguration {
	return StreamConfiguration{
		SessionID:       SessionIDNone,
		SharingMode:     SharingModeShared,
		PerformanceMode: PerformanceModeNone,
		Direction:       DirectionOutput,
	}
}

// Unresolved lists the fields that still hold a sentinel value.
func (c StreamConfiguration) Unresolved() []string {
	var fields []string
	check := func(name string, unresolved bool) {
		if unresolved {
			fields = append(fields, name)
		}
	}
	check("native_api", c.NativeAPI == NativeAPIUnspecified)
	check("sample_rate", c.SampleRate <= 0)
	check("channel_count", c.ChannelCount <= 0)
	check("channel_mask", c.ChannelMask <= 0)
	check("format", c.Format == FormatUnspecified || c.Format == FormatInvalid)
	check("input_preset", c.InputPreset == InputPresetUnspecified)
	check("usage", c.Usage == UsageUnspecified)
	check("content_type", c.ContentType == ContentTypeUnspecified)
	check("device_id", c.DeviceID <= 0)
	check("session_id", c.SessionID == SessionIDAllocate || c.SessionID < SessionIDNone)
	check("frames_per_burst", c.FramesPerBurst <= 0)
	check("buffer_capacity_in_frames", c.BufferCapacityInFrames <= 0)
	return fields
}

// IsResolved reports whether every field holds a concrete value.
func (c StreamConfiguration) IsResolved() bool {
	return len(c.Unresolved()) == 0
}

// WithPolicyDefaults resolves the routing attributes that engines without
// a notion of usage, content type or input preset simply echo back.
func (c StreamConfiguration) WithPolicyDefaults() StreamConfiguration {
	if c.InputPreset == InputPresetUnspecified {
		c.InputPreset = InputPresetVoiceRecognition
	}
	if c.Usage == UsageUnspecified {
		c.Usage = UsageMedia
	}
	if c.ContentType == ContentTypeUnspecified {
		c.ContentType = ContentTypeMusic
	}
	return c
}

func (c StreamConfiguration) String() string {
	return fmt.Sprintf("%s %dHz %dch %s %s %s burst=%d capacity=%d device=%d session=%d mmap=%t api=%s",
		c.Direction, c.SampleRate, c.ChannelCount, c.Format, c.SharingMode,
		c.PerformanceMode, c.FramesPerBurst, c.BufferCapacityInFrames,
		c.DeviceID, c.SessionID, c.MMap, c.NativeAPI)
}

// ChannelMaskForCount returns the positional mask for the first n channels.
func ChannelMaskForCount(n int) int {
	if n <= 0 {
		return 0
	}
	if n > 30 {
		n = 30
	}
	return 1<<n - 1
}

// CheckRequest validates the parts of a request every engine rejects the
// same way. It returns OK or the result code open must fail with.
func CheckRequest(c StreamConfiguration) Result {
	switch {
	case c.Direction != DirectionOutput && c.Direction != DirectionInput:
		return ErrorIllegalArgument
	case c.ChannelCount < 0 || c.ChannelCount > MaxChannelCount:
		return ErrorOutOfRange
	case c.ChannelMask < 0:
		return ErrorIllegalArgument
	case c.ChannelCount > 0 && c.ChannelMask > 0 && bits.OnesCount(uint(c.ChannelMask)) != c.ChannelCount:
		return ErrorIllegalArgument
	case c.SampleRate < 0:
		return ErrorInvalidRate
	case c.SampleRate != Unspecified && (c.SampleRate < MinSampleRate || c.SampleRate > MaxSampleRate):
		return ErrorInvalidRate
	case !c.Format.known():
		return ErrorInvalidFormat
	case c.SharingMode != SharingModeExclusive && c.SharingMode != SharingModeShared:
		return ErrorIllegalArgument
	case c.PerformanceMode < PerformanceModeNone || c.PerformanceMode > PerformanceModeLowLatency:
		return ErrorIllegalArgument
	case c.DeviceID < 0:
		return ErrorIllegalArgument
	case c.SessionID < SessionIDNone:
		return ErrorIllegalArgument
	case c.RateConversionQuality < RateConversionQualityNone || c.RateConversionQuality > RateConversionQualityBest:
		return ErrorIllegalArgument
	}
	return OK
}

// NativeAPI selects the backend API inside an engine. Zero lets the engine
// choose; other values are engine defined.
type NativeAPI int32

const NativeAPIUnspecified NativeAPI = 0

func (a NativeAPI) String() string {
	if a == NativeAPIUnspecified {
		return "unspecified"
	}
	return strconv.Itoa(int(a))
}

func (a *NativeAPI) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "unspecified" {
		*a = NativeAPIUnspecified
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid native api %q: %w", s, err)
	}
	*a = NativeAPI(v) //nolint:gosec // engine ids are small
	return nil
}

// Direction of data flow.
type Direction int32

const (
	DirectionOutput Direction = 0
	DirectionInput  Direction = 1
)

var directionNames = map[Direction]string{
	DirectionOutput: "output",
	DirectionInput:  "input",
}

func (d Direction) String() string { return enumString(directionNames, d) }

func (d *Direction) UnmarshalText(text []byte) error {
	return parseEnum(directionNames, text, "direction", d)
}

// Format is the sample format.
type Format int32

const (
	FormatInvalid     Format = -1
	FormatUnspecified Format = 0
	FormatI16         Format = 1
	FormatFloat       Format = 2
	FormatI24         Format = 3
	FormatI32         Format = 4
)

var formatNames = map[Format]string{
	FormatInvalid:     "invalid",
	FormatUnspecified: "unspecified",
	FormatI16:         "i16",
	FormatFloat:       "float",
	FormatI24:         "i24",
	FormatI32:         "i32",
}

func (f Format) String() string { return enumString(formatNames, f) }

func (f *Format) UnmarshalText(text []byte) error {
	return parseEnum(formatNames, text, "format", f)
}

// BytesPerSample returns the packed size of one sample, or 0 when the
// format is not concrete.
func (f Format) BytesPerSample() int {
	switch f {
	case FormatI16:
		return 2
	case FormatI24:
		return 3
	case FormatFloat, FormatI32:
		return 4
	}
	return 0
}

func (f Format) known() bool {
	return f >= FormatUnspecified && f <= FormatI32
}

// SharingMode tells whether the stream owns the endpoint.
type SharingMode int32

const (
	SharingModeExclusive SharingMode = 0
	SharingModeShared    SharingMode = 1
)

var sharingModeNames = map[SharingMode]string{
	SharingModeExclusive: "exclusive",
	SharingModeShared:    "shared",
}

func (m SharingMode) String() string { return enumString(sharingModeNames, m) }

func (m *SharingMode) UnmarshalText(text []byte) error {
	return parseEnum(sharingModeNames, text, "sharing mode", m)
}

// PerformanceMode trades latency against power.
type PerformanceMode int32

const (
	PerformanceModeNone        PerformanceMode = 10
	PerformanceModePowerSaving PerformanceMode = 11
	PerformanceModeLowLatency  PerformanceMode = 12
)

var performanceModeNames = map[PerformanceMode]string{
	PerformanceModeNone:        "none",
	PerformanceModePowerSaving: "power_saving",
	PerformanceModeLowLatency:  "low_latency",
}

func (m PerformanceMode) String() string { return enumString(performanceModeNames, m) }

func (m *PerformanceMode) UnmarshalText(text []byte) error {
	return parseEnum(performanceModeNames, text, "performance mode", m)
}

// InputPreset tunes capture processing.
type InputPreset int32

const (
	InputPresetUnspecified        InputPreset = 0
	InputPresetGeneric            InputPreset = 1
	InputPresetCamcorder          InputPreset = 5
	InputPresetVoiceRecognition   InputPreset = 6
	InputPresetVoiceCommunication InputPreset = 7
	InputPresetUnprocessed        InputPreset = 9
	InputPresetVoicePerformance   InputPreset = 10
)

var inputPresetNames = map[InputPreset]string{
	InputPresetUnspecified:        "unspecified",
	InputPresetGeneric:            "generic",
	InputPresetCamcorder:          "camcorder",
	InputPresetVoiceRecognition:   "voice_recognition",
	InputPresetVoiceCommunication: "voice_communication",
	InputPresetUnprocessed:        "unprocessed",
	InputPresetVoicePerformance:   "voice_performance",
}

func (p InputPreset) String() string { return enumString(inputPresetNames, p) }

func (p *InputPreset) UnmarshalText(text []byte) error {
	return parseEnum(inputPresetNames, text, "input preset", p)
}

// Usage describes why the output stream plays.
type Usage int32

const (
	UsageUnspecified                  Usage = 0
	UsageMedia                        Usage = 1
	UsageVoiceCommunication           Usage = 2
	UsageVoiceCommunicationSignalling Usage = 3
	UsageAlarm                        Usage = 4
	UsageNotification                 Usage = 5
	UsageNotificationRingtone         Usage = 6
	UsageNotificationEvent            Usage = 10
	UsageAssistanceAccessibility      Usage = 11
	UsageAssistanceNavigationGuidance Usage = 12
	UsageAssistanceSonification       Usage = 13
	UsageGame                         Usage = 14
	UsageAssistant                    Usage = 16
)

var usageNames = map[Usage]string{
	UsageUnspecified:                  "unspecified",
	UsageMedia:                        "media",
	UsageVoiceCommunication:           "voice_communication",
	UsageVoiceCommunicationSignalling: "voice_communication_signalling",
	UsageAlarm:                        "alarm",
	UsageNotification:                 "notification",
	UsageNotificationRingtone:         "notification_ringtone",
	UsageNotificationEvent:            "notification_event",
	UsageAssistanceAccessibility:      "assistance_accessibility",
	UsageAssistanceNavigationGuidance: "assistance_navigation_guidance",
	UsageAssistanceSonification:       "assistance_sonification",
	UsageGame:                         "game",
	UsageAssistant:                    "assistant",
}

func (u Usage) String() string { return enumString(usageNames, u) }

func (u *Usage) UnmarshalText(text []byte) error {
	return parseEnum(usageNames, text, "usage", u)
}

// ContentType describes what the output stream plays.
type ContentType int32

const (
	ContentTypeUnspecified  ContentType = 0
	ContentTypeSpeech       ContentType = 1
	ContentTypeMusic        ContentType = 2
	ContentTypeMovie        ContentType = 3
	ContentTypeSonification ContentType = 4
)

var contentTypeNames = map[ContentType]string{
	ContentTypeUnspecified:  "unspecified",
	ContentTypeSpeech:       "speech",
	ContentTypeMusic:        "music",
	ContentTypeMovie:        "movie",
	ContentTypeSonification: "sonification",
}

func (t ContentType) String() string { return enumString(contentTypeNames, t) }

func (t *ContentType) UnmarshalText(text []byte) error {
	return parseEnum(contentTypeNames, text, "content type", t)
}

// RateConversionQuality selects the resampler used when the engine converts
// between the requested and the device sample rate.
type RateConversionQuality int32

const (
	RateConversionQualityNone    RateConversionQuality = 0
	RateConversionQualityFastest RateConversionQuality = 1
	RateConversionQualityLow     RateConversionQuality = 2
	RateConversionQualityMedium  RateConversionQuality = 3
	RateConversionQualityHigh    RateConversionQuality = 4
	RateConversionQualityBest    RateConversionQuality = 5
)

var rateConversionQualityNames = map[RateConversionQuality]string{
	RateConversionQualityNone:    "none",
	RateConversionQualityFastest: "fastest",
	RateConversionQualityLow:     "low",
	RateConversionQualityMedium:  "medium",
	RateConversionQualityHigh:    "high",
	RateConversionQualityBest:    "best",
}

func (q RateConversionQuality) String() string { return enumString(rateConversionQualityNames, q) }

func (q *RateConversionQuality) UnmarshalText(text []byte) error {
	return parseEnum(rateConversionQualityNames, text, "rate conversion quality", q)
}

func enumString[T ~int32](names map[T]string, v T) string {
	if name, ok := names[v]; ok {
		return name
	}
	return strconv.Itoa(int(v))
}

// parseEnum accepts either a symbolic name or the raw number.
func parseEnum[T ~int32](names map[T]string, text []byte, kind string, out *T) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for v, name := range names {
		if name == s {
			*out = v
			return nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return fmt.Errorf("unknown %s %q", kind, s)
	}
	*out = T(n)
	return nil
}
