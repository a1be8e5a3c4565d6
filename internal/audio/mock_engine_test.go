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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMockEngineLifecycle tests basic engine operations
func TestMockEngineLifecycle(t *testing.T) {
	t.Run("terminate_closes_streams", func(t *testing.T) {
		engine := NewMockEngine(DefaultEngineOptions())

		h1, res := engine.Open(NewStreamConfiguration())
		require.Equal(t, OK, res)
		h2, res := engine.Open(NewStreamConfiguration())
		require.Equal(t, OK, res)
		require.Equal(t, OK, engine.Start(h1))

		require.NoError(t, engine.Terminate())

		_, res = engine.Describe(h1)
		assert.Equal(t, ErrorInvalidHandle, res)
		_, res = engine.Status(h2)
		assert.Equal(t, ErrorInvalidHandle, res)

		_, res = engine.Open(NewStreamConfiguration())
		assert.Equal(t, ErrorInvalidState, res, "open after terminate should fail")
	})

	t.Run("handle_exhaustion", func(t *testing.T) {
		engine := NewMockEngine(DefaultEngineOptions())
		defer func() { _ = engine.Terminate() }()

		for i := 0; i < DefaultMaxStreams; i++ {
			_, res := engine.Open(NewStreamConfiguration())
			require.Equal(t, OK, res, "open #%d", i)
		}
		h, res := engine.Open(NewStreamConfiguration())
		assert.Equal(t, ErrorNoFreeHandles, res)
		assert.False(t, h.Valid())
	})

	t.Run("invalid_handle", func(t *testing.T) {
		engine := NewMockEngine(DefaultEngineOptions())
		defer func() { _ = engine.Terminate() }()

		assert.Equal(t, ErrorInvalidHandle, engine.Start(InvalidHandle))
		assert.Equal(t, ErrorInvalidHandle, engine.Stop(InvalidHandle))
		assert.NotPanics(t, func() { engine.Close(InvalidHandle) })
		_, res := engine.SetBufferSizeInFrames(InvalidHandle, 10)
		assert.Equal(t, ErrorInvalidHandle, res)
		assert.Zero(t, engine.Pump(InvalidHandle, 3))
	})

	t.Run("version_and_capabilities", func(t *testing.T) {
		engine := NewMockEngine(DefaultEngineOptions())
		assert.Positive(t, engine.Version())
		assert.Equal(t, Capabilities{Threshold: true, MMap: true, MMapExclusive: true}, engine.Capabilities())
	})
}

// TestMockEngineResolution tests how requests are resolved
func TestMockEngineResolution(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*StreamConfiguration)
		check  func(*testing.T, StreamConfiguration)
	}{
		{
			name:   "defaults",
			modify: func(*StreamConfiguration) {},
			check: func(t *testing.T, c StreamConfiguration) {
				assert.Equal(t, mockSampleRate, c.SampleRate)
				assert.Equal(t, mockChannelCount, c.ChannelCount)
				assert.Equal(t, 0b11, c.ChannelMask)
				assert.Equal(t, FormatFloat, c.Format)
				assert.Equal(t, mockFramesPerBurst, c.FramesPerBurst)
				assert.False(t, c.MMap)
			},
		},
		{
			name:   "mask_implies_count",
			modify: func(c *StreamConfiguration) { c.ChannelMask = 0b1111 },
			check: func(t *testing.T, c StreamConfiguration) {
				assert.Equal(t, 4, c.ChannelCount)
			},
		},
		{
			name: "requested_values_kept",
			modify: func(c *StreamConfiguration) {
				c.SampleRate = 44100
				c.DeviceID = 7
				c.Usage = UsageGame
			},
			check: func(t *testing.T, c StreamConfiguration) {
				assert.Equal(t, 44100, c.SampleRate)
				assert.Equal(t, 7, c.DeviceID)
				assert.Equal(t, UsageGame, c.Usage)
			},
		},
		{
			name:   "exclusive_uses_mmap",
			modify: func(c *StreamConfiguration) { c.SharingMode = SharingModeExclusive },
			check: func(t *testing.T, c StreamConfiguration) {
				assert.True(t, c.MMap)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewMockEngine(DefaultEngineOptions())
			defer func() { _ = engine.Terminate() }()

			req := NewStreamConfiguration()
			tt.modify(&req)
			h, res := engine.Open(req)
			require.Equal(t, OK, res)

			cfg, res := engine.Describe(h)
			require.Equal(t, OK, res)
			assert.True(t, cfg.IsResolved(), "unresolved: %v", cfg.Unresolved())
			tt.check(t, cfg)
		})
	}

	t.Run("rejected_requests", func(t *testing.T) {
		engine := NewMockEngine(DefaultEngineOptions())
		defer func() { _ = engine.Terminate() }()

		bad := []struct {
			modify func(*StreamConfiguration)
			want   Result
		}{
			{func(c *StreamConfiguration) { c.ChannelCount = MaxChannelCount + 1 }, ErrorOutOfRange},
			{func(c *StreamConfiguration) { c.SampleRate = 100 }, ErrorInvalidRate},
			{func(c *StreamConfiguration) { c.Format = Format(42) }, ErrorInvalidFormat},
			{func(c *StreamConfiguration) { c.ChannelMask = 0b101 }, OK},
			{func(c *StreamConfiguration) { c.ChannelMask = -1 }, ErrorIllegalArgument},
			{func(c *StreamConfiguration) { c.DeviceID = -3 }, ErrorIllegalArgument},
		}
		for _, b := range bad {
			req := NewStreamConfiguration()
			b.modify(&req)
			h, res := engine.Open(req)
			assert.Equal(t, b.want, res)
			engine.Close(h)
		}
	})
}

// TestMockEngineCallbacks tests callback delivery and engine options
func TestMockEngineCallbacks(t *testing.T) {
	t.Run("callback_size", func(t *testing.T) {
		engine := NewMockEngine(EngineOptions{UseCallback: true, CallbackSize: 64})
		defer func() { _ = engine.Terminate() }()

		h, _ := engine.Open(NewStreamConfiguration())
		require.Equal(t, OK, engine.Start(h))
		engine.Pump(h, 3)

		st, res := engine.Status(h)
		require.Equal(t, OK, res)
		assert.Equal(t, 64, st.FramesPerCallback)
		assert.Equal(t, int64(3*64), st.FramesWritten)
	})

	t.Run("callback_return_stop", func(t *testing.T) {
		engine := NewMockEngine(EngineOptions{UseCallback: true, CallbackReturnStop: true})
		defer func() { _ = engine.Terminate() }()

		h, _ := engine.Open(NewStreamConfiguration())
		require.Equal(t, OK, engine.Start(h))
		assert.Equal(t, 1, engine.Pump(h, 5), "first callback stops the stream")

		st, _ := engine.Status(h)
		assert.Equal(t, int64(1), st.CallbackCount)
		assert.Equal(t, StateStopped, st.State)

		require.Equal(t, OK, engine.Start(h), "stream can be restarted")
	})

	t.Run("options_are_per_engine", func(t *testing.T) {
		stopping := NewMockEngine(EngineOptions{UseCallback: true, CallbackReturnStop: true})
		normal := NewMockEngine(DefaultEngineOptions())
		defer func() { _ = stopping.Terminate() }()
		defer func() { _ = normal.Terminate() }()

		h, _ := normal.Open(NewStreamConfiguration())
		require.Equal(t, OK, normal.Start(h))
		assert.Equal(t, 5, normal.Pump(h, 5))
	})

	t.Run("source_factory", func(t *testing.T) {
		var rendered int
		var mu sync.Mutex
		opts := DefaultEngineOptions()
		opts.Source = func(StreamConfiguration) (Source, error) {
			return sourceFunc(func(out []float32, _ int) {
				mu.Lock()
				rendered += len(out)
				mu.Unlock()
			}), nil
		}
		engine := NewMockEngine(opts)
		defer func() { _ = engine.Terminate() }()

		h, _ := engine.Open(NewStreamConfiguration())
		require.Equal(t, OK, engine.Start(h))
		engine.Pump(h, 2)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 2*mockFramesPerBurst*mockChannelCount, rendered)
	})

	t.Run("source_factory_error", func(t *testing.T) {
		opts := DefaultEngineOptions()
		opts.Source = func(StreamConfiguration) (Source, error) {
			return nil, errors.New("no such file")
		}
		engine := NewMockEngine(opts)
		defer func() { _ = engine.Terminate() }()

		_, res := engine.Open(NewStreamConfiguration())
		assert.Equal(t, ErrorInternal, res)
	})

	t.Run("real_timing", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping timing test in short mode")
		}
		engine := NewMockEngine(DefaultEngineOptions())
		defer func() { _ = engine.Terminate() }()
		engine.SetSimulateRealTiming(true)

		h, _ := engine.Open(NewStreamConfiguration())
		require.Equal(t, OK, engine.Start(h))

		assert.Eventually(t, func() bool {
			st, _ := engine.Status(h)
			return st.CallbackCount >= 5
		}, 2*time.Second, 10*time.Millisecond)

		require.Equal(t, OK, engine.Stop(h))
		st, _ := engine.Status(h)
		after := st.CallbackCount
		time.Sleep(20 * time.Millisecond)
		st, _ = engine.Status(h)
		assert.Equal(t, after, st.CallbackCount, "no callbacks after stop")
	})
}

type sourceFunc func(out []float32, channels int)

func (f sourceFunc) Render(out []float32, channels int) { f(out, channels) }

// TestHandleTable tests generation-checked handles
func TestHandleTable(t *testing.T) {
	table := NewHandleTable[string](2)

	a, res := table.Acquire("a")
	require.Equal(t, OK, res)
	b, _ := table.Acquire("b")
	_, res = table.Acquire("c")
	assert.Equal(t, ErrorNoFreeHandles, res)
	assert.Equal(t, 2, table.Len())

	v, ok := table.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = table.Release(a)
	require.True(t, ok)
	assert.Equal(t, "a", v)
	_, ok = table.Release(a)
	assert.False(t, ok, "double release")

	c, _ := table.Acquire("c")
	assert.Equal(t, a.Index(), c.Index(), "slot is reused")
	assert.NotEqual(t, a, c, "generation differs")
	_, ok = table.Lookup(a)
	assert.False(t, ok, "stale handle")

	var seen []string
	table.Each(func(_ Handle, v string) { seen = append(seen, v) })
	assert.ElementsMatch(t, []string{"b", "c"}, seen)
	_, ok = table.Lookup(b)
	assert.True(t, ok)

	assert.Equal(t, "handle(-1)", InvalidHandle.String())
	assert.Equal(t, -1, InvalidHandle.Index())
}
