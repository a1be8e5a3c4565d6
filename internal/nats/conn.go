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
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/nats-io/nats.go"
)

const connectAttempts = 5

// connectRetryDelay is a variable so tests can shorten it.
var connectRetryDelay = 2 * time.Second

// Conn is the subset of *nats.Conn used by this package.
type Conn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	Close()
}

// ConnAdapter adapts *nats.Conn to Conn.
type ConnAdapter struct {
	conn *nats.Conn
}

// NewConnAdapter wraps an established NATS connection.
func NewConnAdapter(conn *nats.Conn) *ConnAdapter {
	return &ConnAdapter{conn: conn}
}

// Subscribe registers cb for messages on subject.
func (a *ConnAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

// Publish sends data on subject.
func (a *ConnAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

// Close closes the underlying connection.
func (a *ConnAdapter) Close() {
	a.conn.Close()
}

// Connect dials url, retrying a few times before giving up.
func Connect(url, name string, log slog.Logger) (*ConnAdapter, error) {
	if log == nil {
		log = slog.Disabled
	}

	var nc *nats.Conn
	var err error

	for i := 0; i < connectAttempts; i++ {
		nc, err = nats.Connect(url, nats.Name(name))
		if err == nil {
			break
		}
		log.Warnf("⚠️  Failed to connect to NATS (attempt %d/%d): %v", i+1, connectAttempts, err)
		if i < connectAttempts-1 {
			time.Sleep(connectRetryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", connectAttempts, err)
	}

	log.Infof("✅ Connected to NATS at %s", url)
	return NewConnAdapter(nc), nil
}
