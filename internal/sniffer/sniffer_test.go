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

package sniffer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

var fast = Options{Delay: time.Millisecond, Interval: 2 * time.Millisecond}

type recorder struct {
	mu   sync.Mutex
	seen []audio.StreamStatus
}

func (r *recorder) Observe(st audio.StreamStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, st)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

type scripted struct {
	mu     sync.Mutex
	states []audio.StreamStatus
	err    error
}

func (s *scripted) Status() (audio.StreamStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return audio.UnknownStatus(), s.err
	}
	st := s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	return st, nil
}

func TestSniffer_StopsWhenClosed(t *testing.T) {
	src := &scripted{states: []audio.StreamStatus{
		{State: audio.StateStarted, Latency: 10},
		{State: audio.StateStarted, Latency: 20},
		{State: audio.StateClosing, Latency: -1},
	}}
	rec := &recorder{}
	var closed audio.StreamStatus
	opts := fast
	opts.OnClosed = func(st audio.StreamStatus) { closed = st }

	s := New(src, opts, nil, rec, nil)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 3, rec.count())
	assert.Equal(t, 3, s.Samples())
	assert.Equal(t, audio.StateClosing, closed.State)
	assert.Equal(t, audio.StateClosing, s.Last().State)
	assert.Equal(t, 2, s.Latency().Count())
	assert.InDelta(t, 15, s.Latency().Average(), 1e-9)
}

func TestSniffer_ContextCancel(t *testing.T) {
	src := &scripted{states: []audio.StreamStatus{{State: audio.StateStarted}}}
	ctx, cancel := context.WithCancel(context.Background())

	errCh := New(src, fast, nil).Start(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sniffer did not stop")
	}
}

func TestSniffer_CancelBeforeFirstPoll(t *testing.T) {
	src := &scripted{states: []audio.StreamStatus{{State: audio.StateStarted}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(src, Options{Delay: time.Hour}, nil)
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.Equal(t, 0, s.Samples())
	assert.Equal(t, audio.StateUninitialized, s.Last().State)
}

func TestSniffer_SourceError(t *testing.T) {
	src := &scripted{err: audio.ErrStreamNotOpen}
	err := New(src, fast, nil).Run(context.Background())
	assert.True(t, errors.Is(err, audio.ErrStreamNotOpen))
}

func TestSniffer_Defaults(t *testing.T) {
	s := New(&scripted{}, Options{}, nil)
	assert.Equal(t, DefaultDelay, s.opts.Delay)
	assert.Equal(t, DefaultInterval, s.opts.Interval)
}

func TestSniffer_WithAudioStream(t *testing.T) {
	engine := audio.NewMockEngine(audio.DefaultEngineOptions())
	engine.SetSimulateRealTiming(true)
	stream := audio.NewOutputStream(engine, nil)

	var actual audio.StreamConfiguration
	require.NoError(t, stream.Open(audio.NewStreamConfiguration(), &actual, 0))
	require.NoError(t, stream.Start())

	rec := &recorder{}
	closedCh := make(chan audio.StreamStatus, 1)
	opts := fast
	opts.OnClosed = func(st audio.StreamStatus) { closedCh <- st }
	errCh := New(stream, opts, nil, rec).Start(context.Background())

	require.Eventually(t, func() bool { return rec.count() >= 3 }, time.Second, time.Millisecond)
	stream.Close()

	select {
	case st := <-closedCh:
		assert.Equal(t, audio.StateClosed, st.State)
	case <-time.After(time.Second):
		t.Fatal("sniffer did not observe the close")
	}
	require.NoError(t, <-errCh)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, audio.StateStarted, rec.seen[0].State)
}

func TestSinkFunc(t *testing.T) {
	var got audio.State
	SinkFunc(func(st audio.StreamStatus) { got = st.State }).Observe(audio.StreamStatus{State: audio.StateStopped})
	assert.Equal(t, audio.StateStopped, got)
}

func TestLogSink(t *testing.T) {
	st := audio.StreamStatus{
		BufferSize:      384,
		FramesWritten:   960,
		FramesRead:      576,
		State:           audio.StateStarted,
		CallbackTimeStr: "?",
	}

	t.Run("burst_breakdown", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.NewBackend(&buf).Logger("SNIF")
		log.SetLevel(slog.LevelDebug)

		LogSink(log, 192).Observe(st)
		assert.Contains(t, buf.String(), "buffer size = 384 = (2 * 192) + 0")
	})

	t.Run("unknown_burst", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.NewBackend(&buf).Logger("SNIF")
		log.SetLevel(slog.LevelDebug)

		LogSink(log, 0).Observe(st)
		assert.Contains(t, buf.String(), "buffer size = 384,")
		assert.NotContains(t, buf.String(), "* 192")
	})
}
