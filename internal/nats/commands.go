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

package nats

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/decred/slog"
	"github.com/nats-io/nats.go"
)

// BroadcastControlSubject reaches every tester.
const BroadcastControlSubject = "streamtest.broadcast.control"

// ControlSubject returns the control subject of one tester.
func ControlSubject(testerID string) string {
	return fmt.Sprintf("streamtest.%s.control", testerID)
}

// Action is a remote control verb.
type Action string

const (
	ActionStart         Action = "start"
	ActionStop          Action = "stop"
	ActionSetBufferSize Action = "set_buffer_size"
	ActionSetWorkload   Action = "set_workload"
	ActionClose         Action = "close"
)

// Command is a remote control request for a running test.
type Command struct {
	Action   Action  `json:"action"`
	Frames   int     `json:"frames,omitempty"`
	Workload float64 `json:"workload,omitempty"`
}

// Validate checks that the command carries the arguments its action needs.
func (c Command) Validate() error {
	switch c.Action {
	case ActionStart, ActionStop, ActionClose:
	case ActionSetBufferSize:
		if c.Frames <= 0 {
			return fmt.Errorf("%s needs positive frames, got %d", c.Action, c.Frames)
		}
	case ActionSetWorkload:
		if c.Workload < 0 {
			return fmt.Errorf("%s needs a non-negative workload, got %v", c.Action, c.Workload)
		}
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
	return nil
}

// CommandSubscriber queues remote control commands for one tester.
type CommandSubscriber struct {
	conn     Conn
	testerID string
	commands chan Command
	log      slog.Logger
}

// NewCommandSubscriber creates a subscriber whose queue holds capacity
// commands. Commands arriving while the queue is full are dropped.
func NewCommandSubscriber(conn Conn, testerID string, capacity int, log slog.Logger) *CommandSubscriber {
	if log == nil {
		log = slog.Disabled
	}
	return &CommandSubscriber{
		conn:     conn,
		testerID: testerID,
		commands: make(chan Command, capacity),
		log:      log,
	}
}

// Start subscribes to the tester and broadcast control subjects.
func (s *CommandSubscriber) Start() error {
	subjects := []string{ControlSubject(s.testerID), BroadcastControlSubject}
	for _, subject := range subjects {
		if _, err := s.conn.Subscribe(subject, s.handleCommand); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}
	s.log.Infof("🎧 Subscribed to control topics: %s", strings.Join(subjects, ", "))
	return nil
}

// Commands returns the queue of accepted commands.
func (s *CommandSubscriber) Commands() <-chan Command {
	return s.commands
}

func (s *CommandSubscriber) handleCommand(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.log.Warnf("❌ Failed to unmarshal command on %s: %v", msg.Subject, err)
		return
	}
	if err := cmd.Validate(); err != nil {
		s.log.Warnf("❌ Rejected command on %s: %v", msg.Subject, err)
		return
	}

	select {
	case s.commands <- cmd:
		s.log.Debugf("📥 Queued %s command", cmd.Action)
	default:
		s.log.Warnf("⚠️  Command queue full, dropping %s", cmd.Action)
	}
}
