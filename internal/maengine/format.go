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
	"encoding/binary"
	"math"

	"github.com/gen2brain/malgo"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

// formatFor picks the device sample format. Unspecified means float.
func formatFor(f audio.Format) (malgo.FormatType, audio.Format) {
	switch f {
	case audio.FormatI16:
		return malgo.FormatS16, audio.FormatI16
	case audio.FormatI24:
		return malgo.FormatS24, audio.FormatI24
	case audio.FormatI32:
		return malgo.FormatS32, audio.FormatI32
	}
	return malgo.FormatF32, audio.FormatFloat
}

// encode packs float samples into dst in format f and returns the number
// of samples written.
func encode(dst []byte, src []float32, f audio.Format) int {
	size := f.BytesPerSample()
	n := min(len(src), len(dst)/size)
	for i := 0; i < n; i++ {
		b := dst[i*size:]
		v := clamp(src[i])
		switch f {
		case audio.FormatI16:
			binary.LittleEndian.PutUint16(b, uint16(int16(v*math.MaxInt16))) //nolint:gosec // G115: two's complement packing
		case audio.FormatI24:
			x := int32(v * (1<<23 - 1))
			b[0], b[1], b[2] = byte(x), byte(x>>8), byte(x>>16)
		case audio.FormatI32:
			binary.LittleEndian.PutUint32(b, uint32(int32(float64(v)*math.MaxInt32))) //nolint:gosec // G115: two's complement packing
		default:
			binary.LittleEndian.PutUint32(b, math.Float32bits(v))
		}
	}
	return n
}

// decode unpacks samples in format f from src into dst and returns the
// number of samples read.
func decode(dst []float32, src []byte, f audio.Format) int {
	size := f.BytesPerSample()
	n := min(len(dst), len(src)/size)
	for i := 0; i < n; i++ {
		b := src[i*size:]
		switch f {
		case audio.FormatI16:
			dst[i] = float32(int16(binary.LittleEndian.Uint16(b))) / 32768 //nolint:gosec // G115: two's complement unpacking
		case audio.FormatI24:
			x := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8 //nolint:gosec // G115: sign extension
			dst[i] = float32(x) / (1 << 23)
		case audio.FormatI32:
			dst[i] = float32(float64(int32(binary.LittleEndian.Uint32(b))) / (1 << 31)) //nolint:gosec // G115: two's complement unpacking
		default:
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		}
	}
	return n
}

func clamp(v float32) float32 {
	return max(-1, min(1, v))
}
