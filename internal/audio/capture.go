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

import "sync"

// CaptureBuffer keeps the most recent samples captured by an input stream.
// Older samples are overwritten once the buffer is full.
type CaptureBuffer struct {
	mu    sync.Mutex
	data  []float32
	next  int
	count int
}

// NewCaptureBuffer returns a buffer holding up to capacity samples.
func NewCaptureBuffer(capacity int) *CaptureBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &CaptureBuffer{data: make([]float32, capacity)}
}

// Write appends samples and returns how many were stored.
func (b *CaptureBuffer) Write(samples []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Only the tail can survive.
	if len(samples) > len(b.data) {
		samples = samples[len(samples)-len(b.data):]
	}
	stored := len(samples)
	for len(samples) > 0 {
		n := copy(b.data[b.next:], samples)
		samples = samples[n:]
		b.next = (b.next + n) % len(b.data)
		b.count = min(b.count+n, len(b.data))
	}
	return stored
}

// ReadMostRecent copies the newest samples into out, oldest first, and
// returns how many were copied.
func (b *CaptureBuffer) ReadMostRecent(out []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(len(out), b.count)
	start := (b.next - n + len(b.data)) % len(b.data)
	copied := copy(out[:n], b.data[start:])
	if copied < n {
		copy(out[copied:n], b.data[:n-copied])
	}
	return n
}

// Len returns the number of samples available.
func (b *CaptureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
