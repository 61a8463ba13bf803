/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package cdp is a client runtime for the Chrome DevTools Protocol.

Each connection carries JSON messages over a WebSocket: commands sent by the client,
each of which gets exactly one reply, and events pushed by the browser at any time.

# Key Components

  - Manager: keeps one Session per target (the browser itself, or a page)
  - Session: owns the WebSocket connection to one target and the receive loop reading from it
  - Transport, Dialer: the WebSocket connection (gorilla/websocket), replaceable in tests
  - HTTPDiscoverer: resolves the browser endpoint through the /json/version document

# Commands

Session.Execute sends a command and blocks until its reply arrives, the timeout elapses,
or the connection closes. Commands are correlated with replies by a numeric id that
increases for the lifetime of the session, so any number of goroutines can execute
commands on one session concurrently. Call decodes the result into a typed value:

	nav := cdp.NewTypedCommand[NavigateResult]("Page.navigate", map[string]any{"url": "https://example.com"})
	result, err := cdp.Call(ctx, session, nav)

A command that times out, or that the browser rejects, fails on its own; the session stays
connected. If the connection closes, waiting commands fail with ErrConnectionClosed and the
next command reconnects.

# Events

Subscriptions are persistent (every matching event) or temporary (the first matching event only).
Callbacks run on the receive loop of the session, in registration order. A callback that returns
an error or panics is logged and does not affect other callbacks.
*/
package cdp
