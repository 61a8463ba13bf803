/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNetwork is returned when the transport cannot be established, or the discovery endpoint cannot be reached.
	ErrNetwork = errors.New("network error")

	// ErrInvalidResponse is returned when the discovery endpoint replied, but the reply is not usable.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrCommandTimeout is returned when a command does not receive a reply before its deadline.
	ErrCommandTimeout = errors.New("command execution timeout")

	// ErrCommandExecution is returned when the remote end replied to a command with an error.
	ErrCommandExecution = errors.New("command execution error")

	// ErrConnectionClosed is returned when the WebSocket connection closed while a command awaited its reply.
	ErrConnectionClosed = errors.New("websocket connection closed")

	// ErrInvalidCallback is returned when a subscription is attempted without a usable callback.
	ErrInvalidCallback = errors.New("invalid callback")

	// ErrMessageTooLarge is returned when an inbound message exceeds the configured read limit.
	ErrMessageTooLarge = errors.New("message exceeds read limit")

	// ErrSessionDisposed is returned when a session is used after it was removed from its manager.
	ErrSessionDisposed = errors.New("session disposed")
)

// CommandError carries the error object the remote end sent in reply to a command.
type CommandError struct {
	Method  string
	ID      int64
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *CommandError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s: %s (id %d): %d %s: %s", ErrCommandExecution.Error(), e.Method, e.ID, e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("%s: %s (id %d): %d %s", ErrCommandExecution.Error(), e.Method, e.ID, e.Code, e.Message)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandExecution
}

// CommandTimeoutError is returned when no reply arrived for a command within the timeout.
type CommandTimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("%s: %s (id %d) got no reply within %s", ErrCommandTimeout.Error(), e.Method, e.ID, e.Timeout)
}

func (e *CommandTimeoutError) Unwrap() error {
	return ErrCommandTimeout
}

// IsConnectionError returns true if the error indicates a connection-related failure.
// This includes failures to connect, discovery failures, and connection closure.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrInvalidResponse) ||
		errors.Is(err, ErrConnectionClosed)
}

// IsCommandError returns true if the error is scoped to a single command
// (timeout or an error reply) and the session remains usable.
func IsCommandError(err error) bool {
	return errors.Is(err, ErrCommandTimeout) ||
		errors.Is(err, ErrCommandExecution)
}
