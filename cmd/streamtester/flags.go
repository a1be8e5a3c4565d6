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
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/loqalabs/loqa-streamtest/internal/config"
)

type options struct {
	ConfigFile  string        `short:"c" long:"config" description:"Path to the yaml configuration file"`
	EnvFile     string        `long:"envfile" default:".env" description:"Env file read before the STREAMTEST_* variables"`
	Engine      string        `short:"e" long:"engine" choice:"mock" choice:"portaudio" choice:"miniaudio" description:"Audio engine"`
	Direction   string        `long:"direction" choice:"output" choice:"input" description:"Stream direction"`
	Cycles      int           `short:"n" long:"cycles" description:"Number of start/stop cycles"`
	Duration    time.Duration `short:"t" long:"duration" description:"How long each cycle runs"`
	BufferSize  int           `short:"b" long:"buffersize" description:"Initial buffer size in frames"`
	DebugLevel  string        `short:"d" long:"debuglevel" description:"Level for all subsystems {trace, debug, info, warn, error, critical} or subsys=level pairs"`
	LogFile     string        `long:"logfile" description:"Also write logs to this rotated file"`
	Metrics     string        `long:"metrics" description:"Serve Prometheus metrics on this address"`
	NATS        string        `long:"nats" description:"Publish status to and take commands from this NATS server"`
	ShowVersion bool          `short:"V" long:"version" description:"Print the version and exit"`
}

// parseFlags parses args. Help requests return a *flags.Error of type
// flags.ErrHelp.
func parseFlags(args []string) (*options, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return &opts, nil
}

// apply overrides cfg with every flag that was given.
func (o *options) apply(cfg *config.Config) error {
	if o.Engine != "" {
		cfg.Engine.Kind = o.Engine
	}
	if o.Direction != "" {
		if err := cfg.Stream.Direction.UnmarshalText([]byte(o.Direction)); err != nil {
			return err
		}
	}
	if o.Cycles > 0 {
		cfg.Run.Cycles = o.Cycles
	}
	if o.Duration > 0 {
		cfg.Run.Duration = o.Duration
	}
	if o.BufferSize > 0 {
		cfg.Run.BufferSizeInFrames = o.BufferSize
	}
	if o.DebugLevel != "" {
		cfg.Logging.Level = o.DebugLevel
	}
	if o.LogFile != "" {
		cfg.Logging.File = o.LogFile
	}
	if o.Metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = o.Metrics
	}
	if o.NATS != "" {
		cfg.NATS.Enabled = true
		cfg.NATS.URL = o.NATS
	}
	return cfg.Validate()
}
