/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/cdpkit/cdpkit/pkg/concurrency"
	"github.com/cdpkit/cdpkit/pkg/resiliency"
)

// SessionState represents the connection state of a session.
type SessionState int

const (
	// SessionStateDisconnected means there is no connection; the next use connects.
	SessionStateDisconnected SessionState = iota

	// SessionStateConnecting means a connection attempt is in progress.
	SessionStateConnecting

	// SessionStateConnected means the connection is open and the receive loop is running.
	SessionStateConnected

	// SessionStateDisposed means the session was removed from its manager and cannot be used.
	SessionStateDisposed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateDisconnected:
		return "disconnected"
	case SessionStateConnecting:
		return "connecting"
	case SessionStateConnected:
		return "connected"
	case SessionStateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// EndpointResolver returns the WebSocket address of a target.
type EndpointResolver func(ctx context.Context) (string, error)

// StaticEndpoint returns a resolver that always yields address.
func StaticEndpoint(address string) EndpointResolver {
	return func(_ context.Context) (string, error) {
		return address, nil
	}
}

// connection is a single transport together with the lifetime of its receive loop.
type connection struct {
	transport Transport
	address   string

	// done is closed when the connection is no longer usable; err holds the reason.
	done      chan struct{}
	err       error
	closeOnce sync.Once

	// loopExited is closed when the receive loop bound to this connection returns.
	loopExited chan struct{}
}

func newConnection(transport Transport, address string) *connection {
	return &connection{
		transport:  transport,
		address:    address,
		done:       make(chan struct{}),
		loopExited: make(chan struct{}),
	}
}

// close marks the connection as done with the given reason (the first reason wins) and closes the transport.
func (c *connection) close(reason error) error {
	c.closeOnce.Do(func() {
		c.err = reason
		close(c.done)
	})
	return c.transport.Close()
}

// closeErr returns the reason the connection closed. Only valid after done is closed.
func (c *connection) closeErr() error {
	<-c.done
	return c.err
}

// Session owns the connection to a single target. Many goroutines may execute commands
// on one session concurrently; replies are matched to callers by command id.
type Session struct {
	targetID string
	resolve  EndpointResolver
	dialer   Dialer
	config   SessionConfig
	log      logr.Logger

	correlator *commandCorrelator
	dispatcher *eventDispatcher

	// Serializes connection attempts.
	connectLock *concurrency.ContextAwareLock

	// Protects the fields below.
	lock     sync.Mutex
	state    SessionState
	conn     *connection
	lastConn *connection
	address  string
}

// NewSession creates a disconnected session. The connection is established on first use.
func NewSession(targetID string, resolve EndpointResolver, dialer Dialer, config SessionConfig, log logr.Logger) *Session {
	config = config.withDefaults()
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if dialer == nil {
		dialer = NewWebSocketDialer(config.Transport, log)
	}
	sessionLog := log.WithValues("target", targetID)

	return &Session{
		targetID:    targetID,
		resolve:     resolve,
		dialer:      dialer,
		config:      config,
		log:         sessionLog,
		correlator:  newCommandCorrelator(sessionLog),
		dispatcher:  newEventDispatcher(sessionLog),
		connectLock: concurrency.NewContextAwareLock(),
		state:       SessionStateDisconnected,
	}
}

func (s *Session) TargetID() string {
	return s.targetID
}

// Address returns the WebSocket address of the most recent connection (empty if the session never connected).
func (s *Session) Address() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.address
}

func (s *Session) State() SessionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *Session) String() string {
	return fmt.Sprintf("Session(target=%s, address=%s)", s.targetID, s.Address())
}

// Connect establishes the connection if the session is not already connected.
func (s *Session) Connect(ctx context.Context) error {
	_, err := s.ensureConnected(ctx)
	return err
}

// current returns the live connection, or nil if there is none.
func (s *Session) current() (*connection, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state == SessionStateDisposed {
		return nil, fmt.Errorf("%w: %s", ErrSessionDisposed, s.targetID)
	}
	return s.conn, nil
}

func (s *Session) ensureConnected(ctx context.Context) (*connection, error) {
	if c, err := s.current(); err != nil || c != nil {
		return c, err
	}

	if lockErr := s.connectLock.Lock(ctx); lockErr != nil {
		return nil, fmt.Errorf("failed to connect to target %s: %w", s.targetID, lockErr)
	}
	defer s.connectLock.Unlock()

	// Another caller may have connected while we were waiting for the lock.
	s.lock.Lock()
	switch {
	case s.state == SessionStateDisposed:
		s.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionDisposed, s.targetID)
	case s.conn != nil:
		c := s.conn
		s.lock.Unlock()
		return c, nil
	}
	s.state = SessionStateConnecting
	previous := s.lastConn
	s.lock.Unlock()

	c, err := s.dial(ctx, previous)
	if err != nil {
		s.lock.Lock()
		if s.state == SessionStateConnecting {
			s.state = SessionStateDisconnected
		}
		s.lock.Unlock()
		s.log.Error(err, "Failed to connect")
		return nil, err
	}

	s.lock.Lock()
	if s.state == SessionStateDisposed {
		s.lock.Unlock()
		_ = c.close(fmt.Errorf("%w: %w", ErrConnectionClosed, ErrSessionDisposed))
		return nil, fmt.Errorf("%w: %s", ErrSessionDisposed, s.targetID)
	}
	s.conn = c
	s.lastConn = c
	s.address = c.address
	s.state = SessionStateConnected
	s.lock.Unlock()

	go s.receiveLoop(c)

	s.log.Info("Connected", "address", c.address)
	return c, nil
}

func (s *Session) dial(ctx context.Context, previous *connection) (*connection, error) {
	// The receive loop of the previous connection must finish before a new one starts.
	if previous != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, s.config.Transport.HandshakeTimeout)
		defer cancelWait()
		select {
		case <-previous.loopExited:
		case <-waitCtx.Done():
			s.log.Info("Previous receive loop is still running", "address", previous.address)
			return nil, fmt.Errorf("%w: receive loop of the previous connection to %s has not exited",
				ErrConnectionClosed, previous.address)
		}
	}

	address, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}

	transport, err := s.dialer.Dial(ctx, address)
	if err != nil {
		return nil, err
	}

	return newConnection(transport, address), nil
}

// Execute sends cmd and waits for its reply for up to the configured command timeout.
// It returns the raw "result" object of the reply.
func (s *Session) Execute(ctx context.Context, cmd Command) (json.RawMessage, error) {
	return s.ExecuteWithTimeout(ctx, cmd, s.config.CommandTimeout)
}

// ExecuteWithTimeout sends cmd and waits for its reply for up to timeout.
// A non-positive timeout means the configured command timeout.
//
// Errors:
//   - *CommandTimeoutError (ErrCommandTimeout) if no reply arrives in time. The session stays connected.
//   - *CommandError (ErrCommandExecution) if the target replied with an error. The session stays connected.
//   - ErrConnectionClosed if the connection closed before the reply arrived. Subscriptions are cleared
//     and the next call reconnects.
//   - ErrNetwork or ErrInvalidResponse if the session could not connect.
func (s *Session) ExecuteWithTimeout(ctx context.Context, cmd Command, timeout time.Duration) (json.RawMessage, error) {
	if cmd == nil || strings.TrimSpace(cmd.Method()) == "" {
		return nil, errors.New("command method must not be empty")
	}
	if timeout <= 0 {
		timeout = s.config.CommandTimeout
	}
	method := cmd.Method()

	c, err := s.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	id, slot := s.correlator.next(method)
	// No-op if the reply already resolved the slot.
	defer s.correlator.discard(id)

	frame, err := json.Marshal(newRequest(id, cmd))
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters of %s: %w", method, err)
	}

	s.log.V(1).Info("Sending command", "id", id, "method", method)
	if writeErr := c.transport.WriteMessage(ctx, frame); writeErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(writeErr, ErrConnectionClosed) {
			return nil, fmt.Errorf("%s (id %d): %w", method, id, ctxErr)
		}
		_ = c.close(writeErr)
		return nil, s.connectionLost(c, method, id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-slot:
		return s.toResult(method, id, r)

	case <-timer.C:
		s.log.Info("Command timed out", "id", id, "method", method, "timeout", timeout)
		return nil, &CommandTimeoutError{Method: method, ID: id, Timeout: timeout}

	case <-ctx.Done():
		return nil, fmt.Errorf("%s (id %d): %w", method, id, ctx.Err())

	case <-c.done:
		// The reply may have been processed just before the connection closed.
		select {
		case r := <-slot:
			return s.toResult(method, id, r)
		default:
		}
		return nil, s.connectionLost(c, method, id)
	}
}

func (s *Session) toResult(method string, id int64, r reply) (json.RawMessage, error) {
	if r.err != nil {
		return nil, &CommandError{
			Method:  method,
			ID:      id,
			Code:    r.err.Code,
			Message: r.err.Message,
			Data:    r.err.Data,
		}
	}
	return r.result, nil
}

// connectionLost handles a closure observed by a caller waiting for a reply.
// It makes sure the connection is shut down and, unless the session already reconnected, clears subscriptions.
func (s *Session) connectionLost(c *connection, method string, id int64) error {
	cause := c.closeErr()
	s.release(c, cause)

	if errors.Is(cause, ErrConnectionClosed) {
		return fmt.Errorf("%s (id %d): %w", method, id, cause)
	}
	return fmt.Errorf("%s (id %d): %w: %w", method, id, ErrConnectionClosed, cause)
}

// Ping checks that the target is responsive: it connects if needed, sends a ping,
// and waits for the pong for up to the configured ping timeout.
// A failed ping does not close the session.
func (s *Session) Ping(ctx context.Context) bool {
	c, err := s.ensureConnected(ctx)
	if err != nil {
		s.log.V(1).Info("Ping failed: not connected", "error", err.Error())
		return false
	}

	pingCtx, cancelPing := context.WithTimeout(ctx, s.config.PingTimeout)
	defer cancelPing()

	if pingErr := c.transport.Ping(pingCtx); pingErr != nil {
		s.log.Info("Ping failed", "error", pingErr.Error())
		return false
	}
	return true
}

// Subscribe registers callback for events named event. Callbacks run on the receive loop
// of the session, one at a time, in the order events arrive. A callback must not wait
// for the reply to a command of the same session, since replies are read by the same loop.
func (s *Session) Subscribe(event string, callback EventCallback, lifetime SubscriptionLifetime) (SubscriptionID, error) {
	if _, err := s.current(); err != nil {
		return 0, err
	}
	return s.dispatcher.subscribe(event, callback, lifetime)
}

// Unsubscribe removes a subscription. Returns false if there was no such subscription.
func (s *Session) Unsubscribe(id SubscriptionID) bool {
	return s.dispatcher.unsubscribe(id)
}

func (s *Session) ClearSubscriptions() {
	s.dispatcher.clear()
}

// SubscriptionCount returns the number of registered subscriptions.
func (s *Session) SubscriptionCount() int {
	return s.dispatcher.len()
}

// PendingCommands returns the number of commands awaiting a reply.
func (s *Session) PendingCommands() int {
	return s.correlator.len()
}

// Close clears all subscriptions and closes the connection, if any.
// The session can be used again afterwards; the next use reconnects.
// Commands awaiting a reply fail with ErrConnectionClosed.
func (s *Session) Close() error {
	s.dispatcher.clear()

	s.lock.Lock()
	c := s.conn
	s.conn = nil
	if s.state != SessionStateDisposed {
		s.state = SessionStateDisconnected
	}
	s.lock.Unlock()

	if c == nil {
		return nil
	}

	s.log.Info("Closing connection", "address", c.address)
	return c.close(fmt.Errorf("%w: session closed", ErrConnectionClosed))
}

// dispose closes the session permanently.
func (s *Session) dispose() error {
	s.lock.Lock()
	c := s.conn
	s.conn = nil
	s.state = SessionStateDisposed
	s.lock.Unlock()

	s.dispatcher.clear()
	if dropped := s.correlator.drain(); dropped > 0 {
		s.log.V(1).Info("Dropped pending commands of disposed session", "count", dropped)
	}

	if c == nil {
		return nil
	}
	return c.close(fmt.Errorf("%w: %w", ErrConnectionClosed, ErrSessionDisposed))
}

func (s *Session) receiveLoop(c *connection) {
	var exitErr error

	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), s.log); panicErr != nil {
			exitErr = fmt.Errorf("%w: receive loop failed: %w", ErrConnectionClosed, panicErr)
		}
		s.release(c, exitErr)
		close(c.loopExited)
	}()

	for {
		data, readErr := c.transport.ReadMessage()
		if readErr != nil {
			if errors.Is(readErr, errGracefulClosure) {
				s.log.Info("WebSocket connection closed", "address", c.address)
			} else {
				s.log.Error(readErr, "WebSocket connection failed", "address", c.address)
			}
			exitErr = readErr
			return
		}

		s.handleFrame(data)
	}
}

// release shuts down a connection that was lost, whether the loss was seen by the receive loop
// or by a caller waiting for a reply. Unless a newer connection replaced c, subscriptions are cleared.
func (s *Session) release(c *connection, reason error) {
	s.lock.Lock()
	if s.conn == c {
		s.conn = nil
		if s.state == SessionStateConnected {
			s.state = SessionStateDisconnected
		}
	}
	replaced := s.lastConn != c
	s.lock.Unlock()

	if reason == nil {
		reason = ErrConnectionClosed
	}
	_ = c.close(reason)

	if !replaced {
		s.dispatcher.clear()
	}
}

func (s *Session) handleFrame(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Error(err, "Failed to parse message", "frame", truncateFrame(data))
		return
	}

	if id, isReply := msg.replyID(); isReply {
		_ = s.correlator.resolve(id, reply{result: msg.Result, err: msg.responseError()})
		return
	}

	if msg.Method != "" {
		s.log.V(1).Info("Received event", "method", msg.Method)
		_ = s.dispatcher.dispatch(msg.Method, msg.Params)
		return
	}

	s.log.Info("Dropping message that is neither a reply nor an event", "frame", truncateFrame(data))
}
