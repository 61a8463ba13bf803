/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Command is a remote invocation: a wire name such as "Page.navigate" and a JSON-serializable parameter object.
type Command interface {
	Method() string
	Params() any
}

// RawCommand is a Command whose result is consumed as raw JSON.
type RawCommand struct {
	Name      string
	Arguments any
}

// NewCommand returns a Command with the given wire name and parameters.
// Nil parameters are sent as an empty object.
func NewCommand(method string, params any) RawCommand {
	return RawCommand{Name: method, Arguments: params}
}

func (c RawCommand) Method() string {
	return c.Name
}

func (c RawCommand) Params() any {
	return c.Arguments
}

// CommandDescriptor is a Command that knows how to decode its result.
type CommandDescriptor[R any] struct {
	Name      string
	Arguments any

	// Decoder converts the "result" object of the reply.
	// If nil, the result is decoded with encoding/json.
	Decoder func(json.RawMessage) (R, error)
}

// NewTypedCommand returns a CommandDescriptor whose result is decoded into R with encoding/json.
func NewTypedCommand[R any](method string, params any) CommandDescriptor[R] {
	return CommandDescriptor[R]{Name: method, Arguments: params}
}

func (c CommandDescriptor[R]) Method() string {
	return c.Name
}

func (c CommandDescriptor[R]) Params() any {
	return c.Arguments
}

// Decode converts the raw result. A missing or null result decodes to the zero value of R.
func (c CommandDescriptor[R]) Decode(raw json.RawMessage) (R, error) {
	if c.Decoder != nil {
		return c.Decoder(raw)
	}
	return DecodeJSON[R](raw)
}

// EventDescriptor names an event and supplies the decoder for its payload.
type EventDescriptor[T any] struct {
	Name string

	// Decoder converts the "params" object of the event.
	// If nil, the payload is decoded with encoding/json.
	Decoder func(json.RawMessage) (T, error)
}

// NewEvent returns an EventDescriptor whose payload is decoded into T with encoding/json.
func NewEvent[T any](name string) EventDescriptor[T] {
	return EventDescriptor[T]{Name: name}
}

func (e EventDescriptor[T]) Decode(raw json.RawMessage) (T, error) {
	if e.Decoder != nil {
		return e.Decoder(raw)
	}
	return DecodeJSON[T](raw)
}

// DecodeJSON decodes raw into a T. Empty or null input yields the zero value.
func DecodeJSON[T any](raw json.RawMessage) (T, error) {
	var retval T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull) {
		return retval, nil
	}
	if err := json.Unmarshal(trimmed, &retval); err != nil {
		return retval, fmt.Errorf("failed to decode %T: %w", retval, err)
	}
	return retval, nil
}

// Call executes cmd on the session and decodes the result.
func Call[R any](ctx context.Context, s *Session, cmd CommandDescriptor[R]) (R, error) {
	raw, execErr := s.Execute(ctx, cmd)
	if execErr != nil {
		return *new(R), execErr
	}

	result, decodeErr := cmd.Decode(raw)
	if decodeErr != nil {
		return *new(R), fmt.Errorf("%s: %w", cmd.Method(), decodeErr)
	}
	return result, nil
}

// Subscribe registers a callback that receives the decoded payload of every matching event.
// A payload that fails to decode is reported the same way as a failing callback.
func Subscribe[T any](s *Session, ev EventDescriptor[T], callback func(T) error, lifetime SubscriptionLifetime) (SubscriptionID, error) {
	if callback == nil {
		return 0, fmt.Errorf("%w: nil callback for event %q", ErrInvalidCallback, ev.Name)
	}

	return s.Subscribe(ev.Name, func(params json.RawMessage) error {
		payload, decodeErr := ev.Decode(params)
		if decodeErr != nil {
			return decodeErr
		}
		return callback(payload)
	}, lifetime)
}
