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

// Package tester drives a stream through open, start/stop cycles and close,
// and reports what the engine actually did.
package tester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
	"github.com/loqalabs/loqa-streamtest/internal/nats"
	"github.com/loqalabs/loqa-streamtest/internal/sniffer"
)

// Plan describes one test run.
type Plan struct {
	Requested          audio.StreamConfiguration
	BufferSizeInFrames int
	Cycles             int
	Duration           time.Duration
	Pause              time.Duration
	Workload           float64
}

// Validate checks the plan before any stream is opened.
func (p Plan) Validate() error {
	if p.Cycles <= 0 {
		return fmt.Errorf("cycles must be positive, got %d", p.Cycles)
	}
	if p.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", p.Duration)
	}
	if p.Pause < 0 {
		return fmt.Errorf("pause must not be negative, got %s", p.Pause)
	}
	if p.Workload < 0 {
		return fmt.Errorf("workload must not be negative, got %v", p.Workload)
	}
	return nil
}

// Recorder counts run outcomes. *metrics.StreamMetrics implements it.
type Recorder interface {
	SetCapacity(d audio.Direction, frames int)
	RunFinished(d audio.Direction, outcome string)
	EngineError(d audio.Direction, operation string, code audio.Result)
}

// SinkFactory builds the telemetry sinks of one run from the configuration
// the engine actually granted.
type SinkFactory func(runID uuid.UUID, actual audio.StreamConfiguration) []sniffer.Sink

// Options wires the optional collaborators of a Runner.
type Options struct {
	Sinks    SinkFactory
	Commands <-chan nats.Command
	Recorder Recorder
	Sniffer  sniffer.Options
}

// Runner executes plans against one engine.
type Runner struct {
	engine audio.Engine
	opts   Options
	log    slog.Logger
}

// NewRunner returns a runner that opens streams on engine.
func NewRunner(engine audio.Engine, opts Options, log slog.Logger) *Runner {
	if log == nil {
		log = slog.Disabled
	}
	return &Runner{engine: engine, opts: opts, log: log}
}

// Run executes plan and always returns a report. Failures are recorded in
// Report.Err.
func (r *Runner) Run(ctx context.Context, plan Plan) *Report {
	report := &Report{
		RunID:         uuid.New(),
		Requested:     plan.Requested,
		Final:         audio.UnknownStatus(),
		Latency:       audio.NewLatencyStatistics(),
		EngineVersion: r.engine.Version(),
	}
	direction := plan.Requested.Direction
	defer func() {
		if r.opts.Recorder != nil {
			r.opts.Recorder.RunFinished(direction, report.Outcome())
		}
	}()

	if err := plan.Validate(); err != nil {
		report.Err = fmt.Errorf("invalid plan: %w", err)
		return report
	}

	var stream *audio.AudioStream
	if direction == audio.DirectionInput {
		stream = audio.NewInputStream(r.engine, r.log)
	} else {
		stream = audio.NewOutputStream(r.engine, r.log)
	}

	r.log.Infof("🎬 Run %s: %d x %s %s", report.RunID, plan.Cycles, plan.Duration, direction)
	if err := stream.Open(plan.Requested, &report.Actual, plan.BufferSizeInFrames); err != nil {
		r.engineError(direction, "open", err)
		report.Err = err
		return report
	}
	if r.opts.Recorder != nil {
		r.opts.Recorder.SetCapacity(direction, report.Actual.BufferCapacityInFrames)
	}
	report.ThresholdSupported = stream.IsThresholdSupported()

	if plan.Workload > 0 {
		if res := stream.SetWorkload(plan.Workload); res.Failed() {
			r.log.Debugf("Workload %v not applied: %v", plan.Workload, res)
		}
	}

	var sinks []sniffer.Sink
	if r.opts.Sinks != nil {
		sinks = r.opts.Sinks(report.RunID, report.Actual)
	}
	sniffCtx, cancelSniff := context.WithCancel(ctx)
	defer cancelSniff()
	sniffDone := sniffer.New(stream, r.opts.Sniffer, r.log, sinks...).Start(sniffCtx)

	state := &run{Runner: r, stream: stream, plan: plan, report: report, commands: r.opts.Commands}
	report.Err = state.cycles(ctx)

	stream.Close()
	report.Final, _ = stream.Status()
	report.Latency = stream.LatencyStatistics()

	if err := <-sniffDone; err != nil && !errors.Is(err, context.Canceled) {
		r.log.Debugf("Sniffer stopped: %v", err)
	}

	if report.Err == nil {
		r.log.Infof("✅ Run %s finished after %d cycles", report.RunID, report.Cycles)
	} else {
		r.log.Warnf("❌ Run %s failed: %v", report.RunID, report.Err)
	}
	return report
}

// errCloseRequested ends a run early without failing it.
var errCloseRequested = errors.New("close requested")

// run is the state of one Run call.
type run struct {
	*Runner
	stream   *audio.AudioStream
	plan     Plan
	report   *Report
	commands <-chan nats.Command
}

func (r *run) cycles(ctx context.Context) error {
	d := r.stream.Direction()
	for i := 0; i < r.plan.Cycles; i++ {
		if err := r.stream.Start(); err != nil {
			r.engineError(d, "start", err)
			return err
		}

		if err := r.wait(ctx, r.plan.Duration); err != nil {
			return ignoreClose(err)
		}

		if err := r.stream.Stop(); err != nil {
			r.engineError(d, "stop", err)
			return err
		}
		r.report.Cycles++

		if r.plan.Pause > 0 && i < r.plan.Cycles-1 {
			if err := r.wait(ctx, r.plan.Pause); err != nil {
				return ignoreClose(err)
			}
		}
	}
	return nil
}

func ignoreClose(err error) error {
	if errors.Is(err, errCloseRequested) {
		return nil
	}
	return err
}

// wait lets the stream run for d while applying remote commands.
func (r *run) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("run interrupted: %w", ctx.Err())
		case <-timer.C:
			return r.disconnected()
		case cmd, ok := <-r.commands:
			if !ok {
				r.commands = nil
				continue
			}
			if err := r.apply(cmd); err != nil {
				return err
			}
		}
	}
}

func (r *run) apply(cmd nats.Command) error {
	r.log.Infof("📡 Remote %s", cmd.Action)
	d := r.stream.Direction()
	switch cmd.Action {
	case nats.ActionStart:
		if err := r.stream.Start(); err != nil {
			r.engineError(d, "start", err)
			return err
		}
	case nats.ActionStop:
		if err := r.stream.Stop(); err != nil {
			r.engineError(d, "stop", err)
			return err
		}
	case nats.ActionSetBufferSize:
		applied, res := r.stream.SetBufferSizeInFrames(cmd.Frames)
		if res.Failed() {
			r.log.Warnf("⚠️  Buffer size %d rejected: %v", cmd.Frames, res)
			return nil
		}
		r.log.Infof("Buffer size %d applied as %d", cmd.Frames, applied)
	case nats.ActionSetWorkload:
		if res := r.stream.SetWorkload(cmd.Workload); res.Failed() {
			r.log.Warnf("⚠️  Workload %v rejected: %v", cmd.Workload, res)
		}
	case nats.ActionClose:
		return errCloseRequested
	default:
		r.log.Warnf("⚠️  Ignoring unknown action %q", cmd.Action)
	}
	return nil
}

func (r *run) disconnected() error {
	st, err := r.stream.Status()
	if err != nil {
		return err
	}
	if derr := st.Err(); derr != nil {
		r.engineError(r.stream.Direction(), "callback", derr)
		return derr
	}
	return nil
}

func (r *Runner) engineError(d audio.Direction, operation string, err error) {
	if r.opts.Recorder == nil {
		return
	}
	if code, ok := audio.ResultCode(err); ok {
		r.opts.Recorder.EngineError(d, operation, code)
	}
}
