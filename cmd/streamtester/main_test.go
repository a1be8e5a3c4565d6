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

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/jessevdk/go-flags"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
	"github.com/loqalabs/loqa-streamtest/internal/config"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-e", "portaudio", "--direction", "input", "-n", "4", "-t", "250ms", "-d", "debug"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.Engine != "portaudio" || opts.Direction != "input" {
		t.Errorf("engine/direction = %q/%q", opts.Engine, opts.Direction)
	}
	if opts.Cycles != 4 || opts.Duration != 250*time.Millisecond {
		t.Errorf("cycles/duration = %d/%s", opts.Cycles, opts.Duration)
	}
	if opts.EnvFile != ".env" {
		t.Errorf("EnvFile default = %q, want .env", opts.EnvFile)
	}
}

func TestParseFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		help bool
	}{
		{"help", []string{"--help"}, true},
		{"unknown engine", []string{"-e", "alsa"}, false},
		{"unknown flag", []string{"--volume", "11"}, false},
		{"bad duration", []string{"-t", "soon"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args)
			if err == nil {
				t.Fatal("expected an error")
			}
			var flagsErr *flags.Error
			isHelp := errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp
			if isHelp != tt.help {
				t.Errorf("help = %v, want %v (%v)", isHelp, tt.help, err)
			}
		})
	}
}

func TestOptionsApply(t *testing.T) {
	cfg := config.Default()
	opts := &options{
		Engine:     "miniaudio",
		Direction:  "input",
		Cycles:     3,
		Duration:   time.Second,
		BufferSize: 960,
		Metrics:    "127.0.0.1:0",
		NATS:       "nats://hub:4222",
	}
	if err := opts.apply(cfg); err != nil {
		t.Fatalf("apply() error = %v", err)
	}

	if cfg.Engine.Kind != config.EngineMiniaudio {
		t.Errorf("engine = %q", cfg.Engine.Kind)
	}
	if cfg.Stream.Direction != audio.DirectionInput {
		t.Errorf("direction = %s", cfg.Stream.Direction)
	}
	if cfg.Run.Cycles != 3 || cfg.Run.Duration != time.Second || cfg.Run.BufferSizeInFrames != 960 {
		t.Errorf("run = %+v", cfg.Run)
	}
	if !cfg.Metrics.Enabled || !cfg.NATS.Enabled || cfg.NATS.URL != "nats://hub:4222" {
		t.Errorf("metrics/nats not enabled: %+v %+v", cfg.Metrics, cfg.NATS)
	}
}

func TestOptionsApply_KeepsConfigWithoutFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Run.Cycles = 9
	if err := (&options{}).apply(cfg); err != nil {
		t.Fatalf("apply() error = %v", err)
	}
	if cfg.Run.Cycles != 9 || cfg.Metrics.Enabled || cfg.NATS.Enabled {
		t.Errorf("empty flags changed the config: %+v", cfg)
	}
}

func TestNewLogBackend_Levels(t *testing.T) {
	var buf bytes.Buffer
	b, err := newLogBackend(&buf, "", "warn,runr=debug", 0)
	if err != nil {
		t.Fatalf("newLogBackend() error = %v", err)
	}

	if got := b.logger(subsysMain).Level(); got != slog.LevelWarn {
		t.Errorf("MAIN level = %s, want warn", got)
	}
	if got := b.logger(subsysRunner).Level(); got != slog.LevelDebug {
		t.Errorf("RUNR level = %s, want debug", got)
	}
	if b.logger(subsysMain) != b.logger(subsysMain) {
		t.Error("loggers are not cached per subsystem")
	}

	b.logger(subsysMain).Infof("hidden")
	b.logger(subsysRunner).Debugf("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "RUNR: shown") {
		t.Errorf("unexpected log output %q", buf.String())
	}
}

func TestNewLogBackend_Errors(t *testing.T) {
	for _, level := range []string{"loud", "main=loud", "a=b=c"} {
		if _, err := newLogBackend(nil, "", level, 0); err == nil {
			t.Errorf("level %q: expected an error", level)
		}
	}
}

func TestNewLogBackend_File(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "streamtester.log")
	b, err := newLogBackend(nil, logFile, "info", 2)
	if err != nil {
		t.Fatalf("newLogBackend() error = %v", err)
	}
	b.logger(subsysMain).Infof("to file")
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestNewEngine_Mock(t *testing.T) {
	engine, err := newEngine(config.Default(), slog.Disabled)
	if err != nil {
		t.Fatalf("newEngine() error = %v", err)
	}
	defer func() { _ = engine.Terminate() }()

	if _, ok := engine.(*audio.MockEngine); !ok {
		t.Errorf("engine type = %T, want *audio.MockEngine", engine)
	}
}

func TestRealMain_MockRun(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "streamtest.yaml")
	content := "engine:\n  kind: mock\n  use_callback: true\nrun:\n  cycles: 2\n  duration: 20ms\n  pause: 5ms\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	args := []string{"-c", cfgFile, "--envfile", filepath.Join(dir, "none.env"), "--metrics", "127.0.0.1:0"}
	if err := realMain(context.Background(), args, &out); err != nil {
		t.Fatalf("realMain() error = %v\n%s", err, out.String())
	}

	text := out.String()
	for _, want := range []string{"Starting streamtester", "cycles = 2", "result: OK", "48000Hz"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestRealMain_Version(t *testing.T) {
	var out bytes.Buffer
	if err := realMain(context.Background(), []string{"-V"}, &out); err != nil {
		t.Fatalf("realMain() error = %v", err)
	}
	if strings.TrimSpace(out.String()) != "streamtester "+version {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRealMain_InvalidConfig(t *testing.T) {
	var out bytes.Buffer
	err := realMain(context.Background(), []string{"-c", filepath.Join(t.TempDir(), "missing.yaml")}, &out)
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
