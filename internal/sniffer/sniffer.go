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

// Package sniffer polls the telemetry of a running stream and hands every
// snapshot to a set of sinks until the stream closes.
package sniffer

import (
	"context"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

const (
	// DefaultDelay is how long the sniffer waits before the first poll.
	DefaultDelay = 200 * time.Millisecond
	// DefaultInterval is the time between polls.
	DefaultInterval = 100 * time.Millisecond
)

// StatusSource is implemented by *audio.AudioStream.
type StatusSource interface {
	Status() (audio.StreamStatus, error)
}

// Sink receives every polled snapshot.
type Sink interface {
	Observe(audio.StreamStatus)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(audio.StreamStatus)

// Observe calls f(st).
func (f SinkFunc) Observe(st audio.StreamStatus) { f(st) }

// LogSink logs each snapshot at debug level.
func LogSink(log slog.Logger, framesPerBurst int) Sink {
	return SinkFunc(func(st audio.StreamStatus) {
		log.Debugf("%s", st.Dump(framesPerBurst))
	})
}

// Options tunes the polling cadence. Zero values select the defaults.
type Options struct {
	Delay    time.Duration
	Interval time.Duration
	OnClosed func(audio.StreamStatus)
}

// Sniffer polls one source.
type Sniffer struct {
	source StatusSource
	sinks  []Sink
	opts   Options
	log    slog.Logger

	latency *audio.LatencyStatistics

	mu      sync.Mutex
	last    audio.StreamStatus
	samples int
}

// New creates a sniffer for source. Nil sinks are skipped.
func New(source StatusSource, opts Options, log slog.Logger, sinks ...Sink) *Sniffer {
	if log == nil {
		log = slog.Disabled
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Sniffer{
		source:  source,
		sinks:   kept,
		opts:    opts,
		log:     log,
		latency: audio.NewLatencyStatistics(),
		last:    audio.UnknownStatus(),
	}
}

// Run polls until the source reports a closing state, the source fails or
// ctx is done. Reaching a closed state returns nil.
func (s *Sniffer) Run(ctx context.Context) error {
	timer := time.NewTimer(s.opts.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		done, err := s.poll()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Start runs the sniffer in a goroutine. The returned channel yields the
// result of Run and is then closed.
func (s *Sniffer) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		errCh <- s.Run(ctx)
	}()
	return errCh
}

func (s *Sniffer) poll() (bool, error) {
	st, err := s.source.Status()
	if err != nil {
		s.log.Debugf("Status poll failed: %v", err)
		return false, err
	}

	s.latency.Add(st.Latency)
	s.mu.Lock()
	s.last = st
	s.samples++
	s.mu.Unlock()

	for _, sink := range s.sinks {
		sink.Observe(st)
	}

	if !st.State.Terminal() {
		return false, nil
	}
	s.log.Debugf("Stream reached %s, sniffer done", st.State)
	if s.opts.OnClosed != nil {
		s.opts.OnClosed(st)
	}
	return true, nil
}

// Last returns the most recent snapshot, or the unknown status before the
// first poll.
func (s *Sniffer) Last() audio.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Samples returns the number of successful polls.
func (s *Sniffer) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// Latency returns the latency statistics gathered by the polls.
func (s *Sniffer) Latency() *audio.LatencyStatistics {
	return s.latency
}
