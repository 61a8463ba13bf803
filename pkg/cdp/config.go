/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/cdpkit/cdpkit/pkg/osutil"
)

const (
	// BrowserTarget is the identifier of the root (browser-level) target.
	BrowserTarget = "browser"

	DefaultHost            = "localhost:9222"
	DefaultPageURLTemplate = "ws://%s/devtools/page/%s"

	DefaultCommandTimeout   = 10 * time.Second
	DefaultPingTimeout      = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultReadLimit        = 64 * 1024 * 1024

	CDPKIT_COMMAND_TIMEOUT = "CDPKIT_COMMAND_TIMEOUT" // Default time to wait for a command reply, e.g. "30s"
	CDPKIT_PING_TIMEOUT    = "CDPKIT_PING_TIMEOUT"    // Time to wait for a pong
	CDPKIT_READ_LIMIT_MB   = "CDPKIT_READ_LIMIT_MB"   // Maximum size of an inbound message, in MiB
)

// TransportConfig controls the WebSocket connection of a session.
type TransportConfig struct {
	// Maximum time to wait for the WebSocket handshake to complete.
	HandshakeTimeout time.Duration

	// Maximum time a single outbound frame may take to write.
	WriteTimeout time.Duration

	// Maximum size of an inbound message in bytes. Larger messages close the connection.
	ReadLimit int64
}

type SessionConfig struct {
	// Default time to wait for a command reply. ExecuteWithTimeout overrides it per call.
	CommandTimeout time.Duration

	// Time to wait for a pong after sending a ping.
	PingTimeout time.Duration

	Transport TransportConfig
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CommandTimeout: DefaultCommandTimeout,
		PingTimeout:    DefaultPingTimeout,
		Transport: TransportConfig{
			HandshakeTimeout: DefaultHandshakeTimeout,
			WriteTimeout:     DefaultWriteTimeout,
			ReadLimit:        DefaultReadLimit,
		},
	}
}

// ApplyEnvOverrides replaces configuration values with the ones set via CDPKIT_* environment variables.
// Invalid values are ignored.
func (c *SessionConfig) ApplyEnvOverrides() {
	c.CommandTimeout = osutil.EnvVarDurationValWithDefault(CDPKIT_COMMAND_TIMEOUT, c.CommandTimeout)
	c.PingTimeout = osutil.EnvVarDurationValWithDefault(CDPKIT_PING_TIMEOUT, c.PingTimeout)
	if limitMB := osutil.EnvVarPositiveIntValWithDefault(CDPKIT_READ_LIMIT_MB, 0); limitMB > 0 {
		c.Transport.ReadLimit = int64(limitMB) * 1024 * 1024
	}
}

// withDefaults returns a copy of the configuration with unset (zero or negative) values replaced by defaults.
func (c SessionConfig) withDefaults() SessionConfig {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	c.Transport = c.Transport.withDefaults()
	return c
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	return c
}

type ManagerConfig struct {
	// Host and port of the DevTools HTTP endpoint, e.g. "localhost:9222".
	Host string

	// fmt template producing the WebSocket address of a page target from the host and the target id.
	PageURLTemplate string

	// Resolves the address of the browser target. Defaults to an HTTPDiscoverer for Host.
	Discoverer Discoverer

	// Establishes WebSocket connections. Defaults to a WebSocketDialer using Session.Transport.
	Dialer Dialer

	Session SessionConfig

	Logger logr.Logger
}
