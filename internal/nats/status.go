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
	"sync/atomic"
	"time"

	"github.com/decred/slog"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

// StatusSubject returns the subject telemetry of one tester is published on.
func StatusSubject(testerID string) string {
	return fmt.Sprintf("streamtest.%s.status", testerID)
}

// StatusMessage is one telemetry snapshot on the wire.
type StatusMessage struct {
	TesterID  string             `json:"tester_id"`
	RunID     string             `json:"run_id"`
	Direction string             `json:"direction"`
	Sequence  uint64             `json:"sequence"`
	Timestamp time.Time          `json:"timestamp"`
	Status    audio.StreamStatus `json:"status"`
	StateName string             `json:"state_name"`
}

// StatusPublisher publishes stream telemetry for one run.
type StatusPublisher struct {
	conn      Conn
	subject   string
	testerID  string
	runID     string
	direction audio.Direction
	seq       atomic.Uint64
	failures  atomic.Uint64
	log       slog.Logger
}

// NewStatusPublisher returns a publisher for one run and direction.
func NewStatusPublisher(conn Conn, testerID, runID string, direction audio.Direction, log slog.Logger) *StatusPublisher {
	if log == nil {
		log = slog.Disabled
	}
	return &StatusPublisher{
		conn:      conn,
		subject:   StatusSubject(testerID),
		testerID:  testerID,
		runID:     runID,
		direction: direction,
		log:       log,
	}
}

// Publish sends one snapshot.
func (p *StatusPublisher) Publish(st audio.StreamStatus) error {
	msg := StatusMessage{
		TesterID:  p.testerID,
		RunID:     p.runID,
		Direction: p.direction.String(),
		Sequence:  p.seq.Add(1),
		Timestamp: time.Now().UTC(),
		Status:    st,
		StateName: st.State.String(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	return nil
}

// Observe publishes st, logging the first failure only.
func (p *StatusPublisher) Observe(st audio.StreamStatus) {
	if err := p.Publish(st); err != nil && p.failures.Add(1) == 1 {
		p.log.Warnf("⚠️  Status publishing failing: %v", err)
	}
}

// Failures returns how many snapshots could not be published.
func (p *StatusPublisher) Failures() uint64 {
	return p.failures.Load()
}
