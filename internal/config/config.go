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

// Package config loads the stream tester configuration from a yaml file,
// an optional .env file and STREAMTEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
	"github.com/loqalabs/loqa-streamtest/internal/synth"
	"github.com/loqalabs/loqa-streamtest/internal/tester"
)

// Engine kinds.
const (
	EngineMock      = "mock"
	EnginePortAudio = "portaudio"
	EngineMiniaudio = "miniaudio"
)

// Config is the complete tester configuration.
type Config struct {
	Engine  EngineConfig              `yaml:"engine"`
	Stream  audio.StreamConfiguration `yaml:"stream"`
	Run     RunConfig                 `yaml:"run"`
	Source  synth.SourceConfig        `yaml:"source"`
	NATS    NATSConfig                `yaml:"nats"`
	Metrics MetricsConfig             `yaml:"metrics"`
	Logging LoggingConfig             `yaml:"logging"`
}

// EngineConfig selects the engine and the options fixed at its creation.
type EngineConfig struct {
	Kind               string `yaml:"kind"`
	UseCallback        bool   `yaml:"use_callback"`
	CallbackSize       int    `yaml:"callback_size"`
	CallbackReturnStop bool   `yaml:"callback_return_stop"`
}

// RunConfig shapes the start/stop cycles of a run.
type RunConfig struct {
	Cycles             int           `yaml:"cycles"`
	Duration           time.Duration `yaml:"duration"`
	Pause              time.Duration `yaml:"pause"`
	Workload           float64       `yaml:"workload"`
	BufferSizeInFrames int           `yaml:"buffer_size_in_frames"`
}

// NATSConfig enables status publishing and remote control.
type NATSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	TesterID  string `yaml:"tester_id"`
	QueueSize int    `yaml:"queue_size"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig holds the debug level string and optional log file.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	MaxRolls int    `yaml:"max_rolls"`
}

// Default returns a configuration that runs one short cycle on the mock
// engine with the built-in tone.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Kind:        EngineMock,
			UseCallback: true,
		},
		Stream: audio.NewStreamConfiguration(),
		Run: RunConfig{
			Cycles:   1,
			Duration: 2 * time.Second,
			Pause:    500 * time.Millisecond,
		},
		Source: synth.DefaultSourceConfig(),
		NATS: NATSConfig{
			URL:       "nats://localhost:4222",
			TesterID:  "streamtest",
			QueueSize: 16,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:    "info",
			MaxRolls: 10,
		},
	}
}

// Load builds the configuration. Values from path, when not empty, override
// the defaults; a missing envFile is ignored; environment variables win
// over both.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides fields from STREAMTEST_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, key string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(dst *bool, key string) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}
	integer := func(dst *int, key string) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	duration := func(dst *time.Duration, key string) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str(&c.Engine.Kind, "STREAMTEST_ENGINE")
	str(&c.NATS.URL, "STREAMTEST_NATS_URL")
	str(&c.NATS.TesterID, "STREAMTEST_TESTER_ID")
	str(&c.Metrics.Address, "STREAMTEST_METRICS_ADDR")
	str(&c.Logging.Level, "STREAMTEST_LOG_LEVEL")
	str(&c.Logging.File, "STREAMTEST_LOG_FILE")

	return errors.Join(
		boolean(&c.NATS.Enabled, "STREAMTEST_NATS_ENABLED"),
		boolean(&c.Metrics.Enabled, "STREAMTEST_METRICS_ENABLED"),
		integer(&c.Run.Cycles, "STREAMTEST_CYCLES"),
		duration(&c.Run.Duration, "STREAMTEST_DURATION"),
	)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	if res := audio.CheckRequest(c.Stream); res.Failed() {
		return fmt.Errorf("stream config: request rejected with %s", res)
	}
	if err := c.Run.Validate(); err != nil {
		return fmt.Errorf("run config: %w", err)
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}
	if err := c.NATS.Validate(); err != nil {
		return fmt.Errorf("nats config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate checks the engine selection and its options.
func (e *EngineConfig) Validate() error {
	switch e.Kind {
	case EngineMock, EnginePortAudio, EngineMiniaudio:
	default:
		return fmt.Errorf("kind must be one of %s, %s or %s, got %q",
			EngineMock, EnginePortAudio, EngineMiniaudio, e.Kind)
	}
	if e.CallbackSize < 0 {
		return fmt.Errorf("callback_size must not be negative, got %d", e.CallbackSize)
	}
	return nil
}

// Options converts the section to engine options using src for output
// streams.
func (e *EngineConfig) Options(src audio.SourceFactory) audio.EngineOptions {
	return audio.EngineOptions{
		UseCallback:        e.UseCallback,
		CallbackSize:       e.CallbackSize,
		CallbackReturnStop: e.CallbackReturnStop,
		Source:             src,
	}
}

// Validate checks the requested stream parameters and timings.
func (r *RunConfig) Validate() error {
	if r.BufferSizeInFrames < 0 {
		return fmt.Errorf("buffer_size_in_frames must not be negative, got %d", r.BufferSizeInFrames)
	}
	return r.plan(audio.NewStreamConfiguration()).Validate()
}

func (r *RunConfig) plan(requested audio.StreamConfiguration) tester.Plan {
	return tester.Plan{
		Requested:          requested,
		BufferSizeInFrames: r.BufferSizeInFrames,
		Cycles:             r.Cycles,
		Duration:           r.Duration,
		Pause:              r.Pause,
		Workload:           r.Workload,
	}
}

// Plan returns the run plan for the configured stream.
func (c *Config) Plan() tester.Plan {
	return c.Run.plan(c.Stream)
}

// Validate checks the NATS settings when publishing is enabled.
func (n *NATSConfig) Validate() error {
	if !n.Enabled {
		return nil
	}
	if n.URL == "" {
		return errors.New("url cannot be empty when nats is enabled")
	}
	if n.TesterID == "" || strings.ContainsAny(n.TesterID, ".*> ") {
		return fmt.Errorf("tester_id must be a single subject token, got %q", n.TesterID)
	}
	if n.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", n.QueueSize)
	}
	return nil
}

// Validate checks the metrics listener address.
func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Address == "" {
		return errors.New("address cannot be empty when metrics are enabled")
	}
	return nil
}

// Validate checks the log level.
func (l *LoggingConfig) Validate() error {
	for _, v := range strings.Split(l.Level, ",") {
		fields := strings.Split(v, "=")
		var level string
		switch len(fields) {
		case 1:
			level = fields[0]
		case 2:
			level = fields[1]
		default:
			return fmt.Errorf("unable to parse %q as subsys=level", v)
		}
		if _, ok := slog.LevelFromString(level); !ok {
			return fmt.Errorf("unknown log level %q", level)
		}
	}
	if l.MaxRolls < 0 {
		return fmt.Errorf("max_rolls must not be negative, got %d", l.MaxRolls)
	}
	return nil
}
