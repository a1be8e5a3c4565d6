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

package tester

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

// Report is the outcome of one run.
type Report struct {
	RunID              uuid.UUID
	Requested          audio.StreamConfiguration
	Actual             audio.StreamConfiguration
	Final              audio.StreamStatus
	Latency            *audio.LatencyStatistics
	Cycles             int
	EngineVersion      int
	ThresholdSupported bool
	Err                error
}

// categorized is implemented by the typed stream errors.
type categorized interface {
	Category() string
}

// Outcome labels the run for metrics: "ok", "canceled" or the category of
// the failure.
func (r *Report) Outcome() string {
	if r.Err == nil {
		return "ok"
	}
	if errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded) {
		return "canceled"
	}
	var c categorized
	if errors.As(r.Err, &c) {
		return c.Category()
	}
	return "error"
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (engine v%d)\n", r.RunID, r.EngineVersion)
	fmt.Fprintf(&b, "requested: %s\n", r.Requested)
	if r.Actual.BufferCapacityInFrames > 0 {
		fmt.Fprintf(&b, "actual:    %s\n", r.Actual)
		fmt.Fprintf(&b, "burst = %d, capacity = %d, mmap = %s\n",
			r.Actual.FramesPerBurst, r.Actual.BufferCapacityInFrames, yesNo(r.Actual.MMap))
		if !r.ThresholdSupported {
			b.WriteString("buffer size threshold not supported\n")
		}
	} else {
		b.WriteString("actual:    not opened\n")
	}
	fmt.Fprintf(&b, "%s\n", r.Final.Dump(r.Actual.FramesPerBurst))
	latency := "?"
	if r.Latency != nil {
		latency = r.Latency.Dump()
	}
	fmt.Fprintf(&b, "latency = %s\n", latency)
	fmt.Fprintf(&b, "cycles = %d\n", r.Cycles)
	if r.Err != nil {
		fmt.Fprintf(&b, "result: %v", r.Err)
	} else {
		b.WriteString("result: OK")
	}
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
