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
	"sync"
)

// Handle is an opaque token issued by an Engine for one open stream.
// The generation changes every time a slot is reused, so a handle kept
// across a close/open cycle no longer resolves.
type Handle struct {
	index      int32
	generation uint32
}

// InvalidHandle denotes "not open".
var InvalidHandle = Handle{index: -1}

// Valid reports whether h refers to an engine slot at all. A valid handle
// may still be stale.
func (h Handle) Valid() bool {
	return h.index >= 0
}

// Index returns the slot index, or -1 for InvalidHandle.
func (h Handle) Index() int {
	return int(h.index)
}

func (h Handle) String() string {
	if !h.Valid() {
		return "handle(-1)"
	}
	return fmt.Sprintf("handle(%d/%d)", h.index, h.generation)
}

// DefaultMaxStreams is the slot count used by the engines in this module.
const DefaultMaxStreams = 16

type handleSlot[T any] struct {
	generation uint32
	inUse      bool
	value      T
}

// HandleTable is a fixed-size arena of engine-owned stream state addressed
// by generation-checked handles. It is safe for concurrent use.
type HandleTable[T any] struct {
	mu    sync.Mutex
	slots []handleSlot[T]
}

// NewHandleTable creates a table with room for size entries.
func NewHandleTable[T any](size int) *HandleTable[T] {
	if size <= 0 {
		size = DefaultMaxStreams
	}
	return &HandleTable[T]{slots: make([]handleSlot[T], size)}
}

// Acquire stores v in a free slot and returns its handle. It returns
// ErrorNoFreeHandles when the table is full.
func (t *HandleTable[T]) Acquire(v T) (Handle, Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		slot := &t.slots[i]
		if slot.inUse {
			continue
		}
		slot.inUse = true
		slot.value = v
		return Handle{index: int32(i), generation: slot.generation}, OK //nolint:gosec // bounded by table size
	}
	return InvalidHandle, ErrorNoFreeHandles
}

// Lookup returns the value stored for h, or false if h is invalid or stale.
func (t *HandleTable[T]) Lookup(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	slot := t.slot(h)
	if slot == nil {
		return zero, false
	}
	return slot.value, true
}

// Release frees the slot held by h and returns its value. Releasing a stale
// or invalid handle is a no-op that returns false.
func (t *HandleTable[T]) Release(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	slot := t.slot(h)
	if slot == nil {
		return zero, false
	}
	v := slot.value
	slot.value = zero
	slot.inUse = false
	slot.generation++
	return v, true
}

// Each calls fn for every live entry. fn must not call back into t.
func (t *HandleTable[T]) Each(fn func(Handle, T)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i].inUse {
			fn(Handle{index: int32(i), generation: t.slots[i].generation}, t.slots[i].value) //nolint:gosec // bounded by table size
		}
	}
}

// Len returns the number of live entries.
func (t *HandleTable[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.slots {
		if t.slots[i].inUse {
			n++
		}
	}
	return n
}

func (t *HandleTable[T]) slot(h Handle) *handleSlot[T] {
	if h.index < 0 || int(h.index) >= len(t.slots) {
		return nil
	}
	slot := &t.slots[h.index]
	if !slot.inUse || slot.generation != h.generation {
		return nil
	}
	return slot
}
