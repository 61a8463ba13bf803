// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package cdp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

// closeFrameTimeout bounds how long we wait to send the close frame when closing the connection.
const closeFrameTimeout = time.Second

// errGracefulClosure marks read errors caused by an orderly shutdown of the connection
// (a normal close frame from the peer, or a local Close()).
var errGracefulClosure = errors.New("connection closed gracefully")

// Transport is a message-oriented, bidirectional connection to a single target.
type Transport interface {
	// ReadMessage blocks until the next inbound message is available.
	// Every error it returns matches ErrConnectionClosed; the transport is unusable afterwards.
	// The pong handling needed by Ping happens while ReadMessage is being called.
	ReadMessage() ([]byte, error)

	// WriteMessage sends a single text message. It is safe to call concurrently.
	WriteMessage(ctx context.Context, data []byte) error

	// Ping sends a ping control frame and waits for the matching pong.
	Ping(ctx context.Context) error

	// Close closes the connection. It is idempotent and unblocks pending ReadMessage and Ping calls.
	Close() error
}

// Dialer establishes transports.
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// WebSocketDialer dials WebSocket connections using gorilla/websocket.
type WebSocketDialer struct {
	config TransportConfig
	log    logr.Logger
}

func NewWebSocketDialer(config TransportConfig, log logr.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		config: config.withDefaults(),
		log:    log,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, address string) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.config.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", ErrNetwork, address, err)
	}

	d.log.V(1).Info("WebSocket connection established", "address", address)
	return newWebSocketTransport(conn, d.config), nil
}

var _ Dialer = (*WebSocketDialer)(nil)

type webSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// gorilla/websocket supports one concurrent writer.
	writeLock sync.Mutex

	pingSeq atomic.Uint64
	pongs   chan string

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newWebSocketTransport(conn *websocket.Conn, config TransportConfig) *webSocketTransport {
	t := &webSocketTransport{
		conn:         conn,
		writeTimeout: config.WriteTimeout,
		pongs:        make(chan string, 1),
		done:         make(chan struct{}),
	}

	conn.SetReadLimit(config.ReadLimit)
	conn.SetPongHandler(func(appData string) error {
		// Keep only the most recent pong; a stale one is replaced.
		select {
		case <-t.pongs:
		default:
		}
		t.pongs <- appData
		return nil
	})

	return t
}

func (t *webSocketTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, t.readError(err)
	}
	return data, nil
}

func (t *webSocketTransport) readError(err error) error {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		return fmt.Errorf("%w: %w: %w", ErrConnectionClosed, ErrMessageTooLarge, err)
	case t.closed.Load():
		return fmt.Errorf("%w: %w", ErrConnectionClosed, errGracefulClosure)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return fmt.Errorf("%w: %w: %w", ErrConnectionClosed, errGracefulClosure, err)
	default:
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
}

func (t *webSocketTransport) WriteMessage(ctx context.Context, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if t.closed.Load() {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, errGracefulClosure)
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	_ = t.conn.SetWriteDeadline(t.writeDeadline(ctx))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: failed to send message: %w", ErrConnectionClosed, err)
	}
	return nil
}

func (t *webSocketTransport) Ping(ctx context.Context) error {
	if t.closed.Load() {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, errGracefulClosure)
	}

	payload := strconv.FormatUint(t.pingSeq.Add(1), 10)

	// WriteControl may be called concurrently with other write methods.
	if err := t.conn.WriteControl(websocket.PingMessage, []byte(payload), t.writeDeadline(ctx)); err != nil {
		return fmt.Errorf("%w: failed to send ping: %w", ErrConnectionClosed, err)
	}

	for {
		select {
		case appData := <-t.pongs:
			if appData == payload {
				return nil
			}
		case <-t.done:
			return fmt.Errorf("%w: %w", ErrConnectionClosed, errGracefulClosure)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *webSocketTransport) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)

		// Best effort: the peer may already be gone.
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeFrameTimeout),
		)
		closeErr = t.conn.Close()
	})
	return closeErr
}

func (t *webSocketTransport) writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(t.writeTimeout)
	if ctxDeadline, hasDeadline := ctx.Deadline(); hasDeadline && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

var _ Transport = (*webSocketTransport)(nil)
