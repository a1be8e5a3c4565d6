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
	"errors"
	"fmt"
)

// ErrStreamNotOpen is returned when an operation needs an open stream.
var ErrStreamNotOpen = errors.New("audio: stream not open")

// OpenError is returned when the engine refuses to open a stream. The
// stream stays unopened.
type OpenError struct {
	Code Result
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open failed! result = %s (%d)", e.Code, int32(e.Code))
}

// Category is a short label for user interfaces.
func (e *OpenError) Category() string { return "open" }

// StartError is returned when data flow could not be started. Direction
// tells playback from capture.
type StartError struct {
	Direction Direction
	Code      Result
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s failed! result = %s (%d)", verbFor(e.Direction), e.Code, int32(e.Code))
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Category() string { return "start " + verbFor(e.Direction) }

// StopError is returned when data flow could not be stopped.
type StopError struct {
	Direction Direction
	Code      Result
	Err       error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop %s failed! result = %s (%d)", verbFor(e.Direction), e.Code, int32(e.Code))
}

func (e *StopError) Unwrap() error { return e.Err }

func (e *StopError) Category() string { return "stop " + verbFor(e.Direction) }

// DisconnectedError describes a stream lost asynchronously, as observed in
// the error-callback telemetry. It is never returned by control calls.
type DisconnectedError struct {
	Code Result
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("stream disconnected, error callback result = %s (%d)", e.Code, int32(e.Code))
}

func (e *DisconnectedError) Category() string { return "disconnected" }

// ResultCode extracts the engine code carried by any error of this package.
// It returns false for other errors.
func ResultCode(err error) (Result, bool) {
	var (
		openErr  *OpenError
		startErr *StartError
		stopErr  *StopError
		discErr  *DisconnectedError
	)
	switch {
	case errors.As(err, &openErr):
		return openErr.Code, true
	case errors.As(err, &startErr):
		return startErr.Code, true
	case errors.As(err, &stopErr):
		return stopErr.Code, true
	case errors.As(err, &discErr):
		return discErr.Code, true
	}
	return OK, false
}

func verbFor(d Direction) string {
	if d == DirectionInput {
		return "capture"
	}
	return "playback"
}
