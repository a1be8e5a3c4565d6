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

// Command streamtester opens an audio stream on the selected engine, runs
// start/stop cycles against it and prints what the engine actually
// negotiated and measured.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
	"github.com/loqalabs/loqa-streamtest/internal/config"
	"github.com/loqalabs/loqa-streamtest/internal/maengine"
	"github.com/loqalabs/loqa-streamtest/internal/metrics"
	"github.com/loqalabs/loqa-streamtest/internal/nats"
	"github.com/loqalabs/loqa-streamtest/internal/paengine"
	"github.com/loqalabs/loqa-streamtest/internal/sniffer"
	"github.com/loqalabs/loqa-streamtest/internal/synth"
	"github.com/loqalabs/loqa-streamtest/internal/tester"
)

const version = "0.1.0"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := realMain(ctx, os.Args[1:], os.Stdout)
	cancel()

	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
		fmt.Fprintln(os.Stdout, flagsErr.Message)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamtester: %v\n", err)
		os.Exit(1)
	}
}

func realMain(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.ShowVersion {
		fmt.Fprintf(stdout, "streamtester %s\n", version)
		return nil
	}

	cfg, err := config.Load(opts.ConfigFile, opts.EnvFile)
	if err != nil {
		return err
	}
	if err := opts.apply(cfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logs, err := newLogBackend(stdout, cfg.Logging.File, cfg.Logging.Level, cfg.Logging.MaxRolls)
	if err != nil {
		return err
	}
	defer func() { _ = logs.Close() }()
	log := logs.logger(subsysMain)
	log.Infof("🚀 Starting streamtester %s", version)

	return run(ctx, cfg, logs, stdout)
}

func run(ctx context.Context, cfg *config.Config, logs *logBackend, stdout io.Writer) error {
	log := logs.logger(subsysMain)

	engine, err := newEngine(cfg, logs.logger(subsysEngine))
	if err != nil {
		return fmt.Errorf("failed to create %s engine: %w", cfg.Engine.Kind, err)
	}
	defer func() {
		if err := engine.Terminate(); err != nil {
			log.Warnf("Engine terminate: %v", err)
		}
	}()
	log.Infof("🎛️  Engine %s version %d", cfg.Engine.Kind, engine.Version())

	runnerOpts := tester.Options{}

	var streamMetrics *metrics.StreamMetrics
	if cfg.Metrics.Enabled {
		streamMetrics = metrics.New()
		runnerOpts.Recorder = streamMetrics
		stop := serveMetrics(cfg.Metrics.Address, streamMetrics, log)
		defer stop()
	}

	var conn nats.Conn
	if cfg.NATS.Enabled {
		c, err := nats.Connect(cfg.NATS.URL, "streamtester-"+cfg.NATS.TesterID, logs.logger(subsysNATS))
		if err != nil {
			return err
		}
		conn = c
		defer conn.Close()

		sub := nats.NewCommandSubscriber(conn, cfg.NATS.TesterID, cfg.NATS.QueueSize, logs.logger(subsysNATS))
		if err := sub.Start(); err != nil {
			return err
		}
		runnerOpts.Commands = sub.Commands()
	}

	sniffLog := logs.logger(subsysSniffer)
	runnerOpts.Sinks = func(runID uuid.UUID, actual audio.StreamConfiguration) []sniffer.Sink {
		sinks := []sniffer.Sink{sniffer.LogSink(sniffLog, actual.FramesPerBurst)}
		if streamMetrics != nil {
			sinks = append(sinks, streamMetrics.Sink(actual.Direction))
		}
		if conn != nil {
			sinks = append(sinks, nats.NewStatusPublisher(conn, cfg.NATS.TesterID, runID.String(), actual.Direction, logs.logger(subsysNATS)))
		}
		return sinks
	}

	runner := tester.NewRunner(engine, runnerOpts, logs.logger(subsysRunner))
	report := runner.Run(ctx, cfg.Plan())
	fmt.Fprintln(stdout, report)
	if report.Err != nil {
		return fmt.Errorf("run %s failed: %w", report.RunID, report.Err)
	}
	return nil
}

func newEngine(cfg *config.Config, log slog.Logger) (audio.Engine, error) {
	opts := cfg.Engine.Options(synth.Factory(cfg.Source))
	switch cfg.Engine.Kind {
	case config.EngineMock:
		engine := audio.NewMockEngine(opts)
		engine.SetSimulateRealTiming(true)
		return engine, nil
	case config.EnginePortAudio:
		engine, err := paengine.New(opts, log)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case config.EngineMiniaudio:
		engine, err := maengine.New(opts, log)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Engine.Kind)
}

// serveMetrics serves the metrics endpoint until the returned function is
// called.
func serveMetrics(addr string, m *metrics.StreamMetrics, log slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("📊 Metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
