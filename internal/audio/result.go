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

import "fmt"

// Result is an engine outcome code. Zero is success, negative values are
// errors. Values match the AAudio result codes so numbers reported by
// a native engine can be shown to users unchanged.
type Result int32

const (
	OK Result = 0

	ErrorBase            Result = -900
	ErrorDisconnected    Result = -899
	ErrorIllegalArgument Result = -898
	ErrorInternal        Result = -896
	ErrorInvalidState    Result = -895
	ErrorInvalidHandle   Result = -892
	ErrorUnimplemented   Result = -890
	ErrorUnavailable     Result = -889
	ErrorNoFreeHandles   Result = -888
	ErrorNoMemory        Result = -887
	ErrorNull            Result = -886
	ErrorTimeout         Result = -885
	ErrorWouldBlock      Result = -884
	ErrorInvalidFormat   Result = -883
	ErrorOutOfRange      Result = -882
	ErrorNoService       Result = -881
	ErrorInvalidRate     Result = -880
	ErrorClosed          Result = -869
)

var resultNames = map[Result]string{
	OK:                   "OK",
	ErrorBase:            "ErrorBase",
	ErrorDisconnected:    "ErrorDisconnected",
	ErrorIllegalArgument: "ErrorIllegalArgument",
	ErrorInternal:        "ErrorInternal",
	ErrorInvalidState:    "ErrorInvalidState",
	ErrorInvalidHandle:   "ErrorInvalidHandle",
	ErrorUnimplemented:   "ErrorUnimplemented",
	ErrorUnavailable:     "ErrorUnavailable",
	ErrorNoFreeHandles:   "ErrorNoFreeHandles",
	ErrorNoMemory:        "ErrorNoMemory",
	ErrorNull:            "ErrorNull",
	ErrorTimeout:         "ErrorTimeout",
	ErrorWouldBlock:      "ErrorWouldBlock",
	ErrorInvalidFormat:   "ErrorInvalidFormat",
	ErrorOutOfRange:      "ErrorOutOfRange",
	ErrorNoService:       "ErrorNoService",
	ErrorInvalidRate:     "ErrorInvalidRate",
	ErrorClosed:          "ErrorClosed",
}

// String returns the symbolic name of the result code.
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", int32(r))
}

// Failed reports whether r is an error code.
func (r Result) Failed() bool {
	return r < 0
}
