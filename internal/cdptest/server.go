/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package cdptest provides a scriptable fake DevTools endpoint for tests.
package cdptest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/nettest"
)

// Command is a command frame received by the server.
type Command struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`

	// Target is the target id of the connection the command arrived on ("browser" for the browser endpoint).
	Target string `json:"-"`
}

// Target is an entry of the /json/list document.
type Target struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// CommandHandler decides how the server reacts to a command. It runs on the read goroutine of the connection,
// so a handler that wants to delay its reply should do so in a separate goroutine.
type CommandHandler func(c *Conn, cmd Command)

// ReplyWith returns a handler that replies with the given result.
func ReplyWith(result any) CommandHandler {
	return func(c *Conn, cmd Command) {
		_ = c.Reply(cmd.ID, result)
	}
}

// ReplyError returns a handler that replies with an error object.
func ReplyError(code int, message string) CommandHandler {
	return func(c *Conn, cmd Command) {
		_ = c.ReplyError(cmd.ID, code, message)
	}
}

// NoReply is a handler that never replies.
func NoReply(_ *Conn, _ Command) {}

// Server is a fake browser serving /json/version, /json/list, and WebSocket endpoints
// at /devtools/browser/<id> and /devtools/page/<id>.
// Commands without a registered handler get an empty result.
type Server struct {
	httpServer  *httptest.Server
	upgrader    websocket.Upgrader
	lifetimeCtx context.Context
	browserID   string

	// IgnorePings makes new connections drop ping frames instead of answering with a pong.
	IgnorePings atomic.Bool

	// RejectUnknownTargets makes the server refuse page connections for ids missing from /json/list.
	RejectUnknownTargets atomic.Bool

	lock          sync.Mutex
	handlers      map[string]CommandHandler
	commands      []Command
	conns         []*Conn
	targets       []Target
	versionStatus int
	versionBody   []byte
	newConns      chan *Conn
}

// NewServer starts a server that runs until lifetimeCtx is cancelled.
func NewServer(lifetimeCtx context.Context) *Server {
	s := &Server{
		lifetimeCtx: lifetimeCtx,
		browserID:   uuid.New().String(),
		handlers:    make(map[string]CommandHandler),
		newConns:    make(chan *Conn, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", s.serveVersion)
	mux.HandleFunc("/json/list", s.serveList)
	mux.HandleFunc("/devtools/browser/", s.serveWebSocket)
	mux.HandleFunc("/devtools/page/", s.serveWebSocket)

	listener, err := nettest.NewLocalListener("tcp")
	if err != nil {
		panic(fmt.Sprintf("cdptest: failed to listen on a local address: %v", err))
	}
	s.httpServer = httptest.NewUnstartedServer(mux)
	_ = s.httpServer.Listener.Close()
	s.httpServer.Listener = listener
	s.httpServer.Start()
	go func() {
		<-lifetimeCtx.Done()
		s.Close()
	}()

	return s
}

// Host returns the "host:port" of the server.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.httpServer.URL, "http://")
}

// BrowserURL returns the WebSocket address of the browser target.
func (s *Server) BrowserURL() string {
	return fmt.Sprintf("ws://%s/devtools/browser/%s", s.Host(), s.browserID)
}

// BrowserID returns the id the browser endpoint is served under. It is a new UUID for every server.
func (s *Server) BrowserID() string {
	return s.browserID
}

// PageURL returns the WebSocket address of a page target.
func (s *Server) PageURL(targetID string) string {
	return fmt.Sprintf("ws://%s/devtools/page/%s", s.Host(), targetID)
}

// Handle sets the handler for commands with the given method.
func (s *Server) Handle(method string, handler CommandHandler) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.handlers[method] = handler
}

// SetVersionResponse overrides the /json/version response. A zero status restores the default document.
func (s *Server) SetVersionResponse(status int, body []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.versionStatus = status
	s.versionBody = body
}

func (s *Server) SetTargets(targets []Target) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.targets = targets
}

// Commands returns all commands received so far, in arrival order.
func (s *Server) Commands() []Command {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]Command(nil), s.commands...)
}

// CommandsFor returns the received commands with the given method.
func (s *Server) CommandsFor(method string) []Command {
	retval := []Command{}
	for _, cmd := range s.Commands() {
		if cmd.Method == method {
			retval = append(retval, cmd)
		}
	}
	return retval
}

// ConnectionCount returns the number of WebSocket connections accepted so far.
func (s *Server) ConnectionCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.conns)
}

// WaitForConnection returns the next connection accepted by the server.
func (s *Server) WaitForConnection(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.newConns:
		return c, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no connection was accepted: %w", ctx.Err())
	}
}

// WaitForCommand waits until a command with the given method arrives and returns the first one.
func (s *Server) WaitForCommand(ctx context.Context, method string) (Command, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cmds := s.CommandsFor(method); len(cmds) > 0 {
			return cmds[0], nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Command{}, fmt.Errorf("command %s was not received: %w", method, ctx.Err())
		}
	}
}

// Broadcast sends an event to every open connection.
func (s *Server) Broadcast(method string, params any) error {
	s.lock.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.lock.Unlock()

	for _, c := range conns {
		if c.isClosed() {
			continue
		}
		if err := c.SendEvent(method, params); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) Close() {
	s.lock.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.lock.Unlock()

	for _, c := range conns {
		_ = c.Drop()
	}
	s.httpServer.Close()
}

func (s *Server) serveVersion(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	status, body := s.versionStatus, s.versionBody
	s.lock.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write(body)
		return
	}

	writeJSON(w, map[string]string{
		"Browser":              "FakeChrome/1.0",
		"Protocol-Version":     "1.3",
		"User-Agent":           "cdptest",
		"webSocketDebuggerUrl": s.BrowserURL(),
	})
}

func (s *Server) serveList(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	targets := append([]Target{}, s.targets...)
	s.lock.Unlock()

	writeJSON(w, targets)
}

func (s *Server) hasTarget(id string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, t := range s.targets {
		if t.ID == id {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	if strings.HasPrefix(r.URL.Path, "/devtools/browser/") {
		target = "browser"
	} else if s.RejectUnknownTargets.Load() && !s.hasTarget(target) {
		http.Error(w, "No such target id: "+target, http.StatusNotFound)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &Conn{
		Target: target,
		ws:     ws,
		closed: make(chan struct{}),
	}
	if s.IgnorePings.Load() {
		ws.SetPingHandler(func(string) error { return nil })
	}

	s.lock.Lock()
	s.conns = append(s.conns, c)
	s.lock.Unlock()

	select {
	case s.newConns <- c:
	default:
	}

	// Connections do not outlive the server.
	stopDrop := context.AfterFunc(s.lifetimeCtx, func() { _ = c.Drop() })
	defer stopDrop()

	s.readCommands(c)
}

func (s *Server) readCommands(c *Conn) {
	defer c.markClosed()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		cmd.Target = c.Target

		s.lock.Lock()
		s.commands = append(s.commands, cmd)
		handler, found := s.handlers[cmd.Method]
		s.lock.Unlock()

		if !found {
			handler = ReplyWith(struct{}{})
		}
		handler(c, cmd)
	}
}

// Conn is the server side of one WebSocket connection.
type Conn struct {
	Target string

	ws        *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *Conn) Reply(id int64, result any) error {
	return c.SendJSON(map[string]any{"id": id, "result": result})
}

func (c *Conn) ReplyError(id int64, code int, message string) error {
	return c.SendJSON(map[string]any{
		"id":    id,
		"error": map[string]any{"code": code, "message": message},
	})
}

func (c *Conn) SendEvent(method string, params any) error {
	return c.SendJSON(map[string]any{"method": method, "params": params})
}

func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw sends data as a single text frame, without validating it.
func (c *Conn) SendRaw(data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// CloseNormally sends a normal closure frame and closes the connection.
func (c *Conn) CloseNormally() error {
	c.writeLock.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second),
	)
	c.writeLock.Unlock()
	return c.Drop()
}

// Drop closes the underlying network connection without a closing handshake.
func (c *Conn) Drop() error {
	c.markClosed()
	return c.ws.Close()
}

// Done is closed when the connection is closed by either side.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
