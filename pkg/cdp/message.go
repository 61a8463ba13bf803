// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package cdp

import (
	"bytes"
	"encoding/json"
)

// Maximum number of bytes of a raw frame included in log entries.
const maxLoggedFrameLen = 200

// request is the outgoing command frame.
type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// ResponseError is the error object carried by an error reply.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// message is an inbound frame. It is either a command reply (has an integer id)
// or an event (has a method and no id).
type message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

var jsonNull = []byte("null")

// replyID returns the command identifier of a reply frame.
// The second return value is false if the frame does not carry an integer id.
func (m *message) replyID() (int64, bool) {
	raw := bytes.TrimSpace(m.ID)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return 0, false
	}

	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

// responseError returns the error carried by a reply frame, or nil for a successful reply.
// An error that is not an object becomes a ResponseError with the raw value as its message.
func (m *message) responseError() *ResponseError {
	raw := bytes.TrimSpace(m.Error)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return nil
	}

	var respErr ResponseError
	if err := json.Unmarshal(raw, &respErr); err == nil {
		return &respErr
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return &ResponseError{Message: text}
	}
	return &ResponseError{Message: string(raw)}
}

// reply is what a pending command slot is resolved with.
type reply struct {
	result json.RawMessage
	err    *ResponseError
}

func newRequest(id int64, cmd Command) request {
	params := cmd.Params()
	if params == nil {
		params = struct{}{}
	}
	return request{
		ID:     id,
		Method: cmd.Method(),
		Params: params,
	}
}

func truncateFrame(raw []byte) string {
	if len(raw) <= maxLoggedFrameLen {
		return string(raw)
	}
	return string(raw[:maxLoggedFrameLen]) + "..."
}
