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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem tags.
const (
	subsysMain    = "MAIN"
	subsysEngine  = "ENGN"
	subsysRunner  = "RUNR"
	subsysSniffer = "SNIF"
	subsysNATS    = "NATS"
)

// logBackend writes to stdout and, when a log file is configured, to a
// rotating file.
type logBackend struct {
	stdOut          io.Writer
	logRotator      *rotator.Rotator
	bknd            *slog.Backend
	defaultLogLevel slog.Level
	logLevels       map[string]slog.Level
	loggers         map[string]slog.Logger
}

func newLogBackend(stdOut io.Writer, logFile, debugLevel string, maxRolls int) (*logBackend, error) {
	var logRotator *rotator.Rotator
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		var err error
		logRotator, err = rotator.New(logFile, 1024, false, maxRolls)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %w", err)
		}
	}

	b := &logBackend{
		stdOut:          stdOut,
		logRotator:      logRotator,
		defaultLogLevel: slog.LevelInfo,
		logLevels:       make(map[string]slog.Level),
		loggers:         make(map[string]slog.Logger),
	}
	b.bknd = slog.NewBackend(b)

	for _, v := range strings.Split(debugLevel, ",") {
		fields := strings.Split(v, "=")
		switch len(fields) {
		case 1:
			level, ok := slog.LevelFromString(fields[0])
			if !ok {
				return nil, fmt.Errorf("unknown log level %q", fields[0])
			}
			b.defaultLogLevel = level
		case 2:
			level, ok := slog.LevelFromString(fields[1])
			if !ok {
				return nil, fmt.Errorf("unknown log level %q for %s", fields[1], fields[0])
			}
			b.logLevels[strings.ToUpper(fields[0])] = level
		default:
			return nil, fmt.Errorf("unable to parse %q as subsys=level debuglevel string", v)
		}
	}
	return b, nil
}

func (b *logBackend) Write(p []byte) (int, error) {
	if b.stdOut != nil {
		_, _ = b.stdOut.Write(p)
	}
	if b.logRotator != nil {
		_, _ = b.logRotator.Write(p)
	}
	return len(p), nil
}

func (b *logBackend) logger(subsys string) slog.Logger {
	if l, ok := b.loggers[subsys]; ok {
		return l
	}
	l := b.bknd.Logger(subsys)
	if level, ok := b.logLevels[subsys]; ok {
		l.SetLevel(level)
	} else {
		l.SetLevel(b.defaultLogLevel)
	}
	b.loggers[subsys] = l
	return l
}

func (b *logBackend) Close() error {
	if b.logRotator == nil {
		return nil
	}
	return b.logRotator.Close()
}
