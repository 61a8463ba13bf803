/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpkit/cdpkit/internal/cdptest"
	"github.com/cdpkit/cdpkit/pkg/testutil"
)

const testPageID = "page-1"

func newTestSession(t *testing.T, srv *cdptest.Server, config SessionConfig) *Session {
	s := NewSession(testPageID, StaticEndpoint(srv.PageURL(testPageID)), nil, config, testutil.NewLogForTesting(t.Name()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitForState(t *testing.T, s *Session, expected SessionState) {
	require.Eventually(t, func() bool { return s.State() == expected }, 5*time.Second, 10*time.Millisecond,
		"session did not reach state %s", expected)
}

type echoParams struct {
	N int `json:"n"`
}

func TestConcurrentExecuteHasNoCrossTalk(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	// Reply in random order.
	srv.Handle("Test.echo", func(c *cdptest.Conn, cmd cdptest.Command) {
		go func() {
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			_ = c.Reply(cmd.ID, cmd.Params)
		}()
	})
	s := newTestSession(t, srv, DefaultSessionConfig())

	const callers = 50
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(n int) {
			defer wg.Done()
			echo := NewTypedCommand[echoParams]("Test.echo", echoParams{N: n})
			result, err := Call(ctx, s, echo)
			if assert.NoError(t, err) {
				assert.Equal(t, n, result.N)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 0, s.PendingCommands())
	require.Equal(t, 1, srv.ConnectionCount())
}

func TestCommandIDsIncreaseAcrossReconnects(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	s := newTestSession(t, srv, DefaultSessionConfig())

	for i := 0; i < 3; i++ {
		_, err := s.Execute(ctx, NewCommand("Runtime.enable", nil))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	for i := 0; i < 2; i++ {
		_, err := s.Execute(ctx, NewCommand("Runtime.enable", nil))
		require.NoError(t, err)
	}

	cmds := srv.Commands()
	require.Len(t, cmds, 5)
	for i := 1; i < len(cmds); i++ {
		require.Greater(t, cmds[i].ID, cmds[i-1].ID)
	}
	require.Equal(t, 2, srv.ConnectionCount())
}

func TestNilParamsAreSentAsEmptyObject(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	s := newTestSession(t, srv, DefaultSessionConfig())

	_, err := s.Execute(ctx, NewCommand("Page.enable", nil))
	require.NoError(t, err)

	cmd, err := srv.WaitForCommand(ctx, "Page.enable")
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(cmd.Params))
}

func TestCommandTimeoutLeavesSessionUsable(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	srv.Handle("Page.navigate", cdptest.NoReply)
	s := newTestSession(t, srv, DefaultSessionConfig())

	start := time.Now()
	_, err := s.ExecuteWithTimeout(ctx, NewCommand("Page.navigate", map[string]string{"url": "https://example.com"}), 200*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrCommandTimeout)
	require.True(t, IsCommandError(err))
	var timeoutErr *CommandTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "Page.navigate", timeoutErr.Method)
	require.Equal(t, 200*time.Millisecond, timeoutErr.Timeout)
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	require.Equal(t, 0, s.PendingCommands())

	// A late reply for the timed out command is ignored.
	conn, err := srv.WaitForConnection(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Reply(timeoutErr.ID, map[string]string{"frameId": "late"}))

	require.Equal(t, SessionStateConnected, s.State())
	_, err = s.Execute(ctx, NewCommand("Page.enable", nil))
	require.NoError(t, err)
	require.Equal(t, 1, srv.ConnectionCount())
}

func TestErrorReplyLeavesSessionUsable(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	srv.Handle("DOM.querySelector", cdptest.ReplyError(-32000, "Could not find node with given id"))
	s := newTestSession(t, srv, DefaultSessionConfig())

	_, err := s.Execute(ctx, NewCommand("DOM.querySelector", map[string]any{"nodeId": 0, "selector": "#x"}))

	require.ErrorIs(t, err, ErrCommandExecution)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, -32000, cmdErr.Code)
	require.Equal(t, "Could not find node with given id", cmdErr.Message)
	require.Equal(t, "DOM.querySelector", cmdErr.Method)
	require.False(t, IsConnectionError(err))

	require.Equal(t, SessionStateConnected, s.State())
	_, err = s.Execute(ctx, NewCommand("DOM.getDocument", nil))
	require.NoError(t, err)
}

func TestMalformedErrorReplyFailsCommand(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	srv.Handle("Page.reload", func(c *cdptest.Conn, cmd cdptest.Command) {
		_ = c.SendJSON(map[string]any{"id": cmd.ID, "error": "boom"})
	})
	s := newTestSession(t, srv, DefaultSessionConfig())

	start := time.Now()
	_, err := s.Execute(ctx, NewCommand("Page.reload", nil))

	require.ErrorIs(t, err, ErrCommandExecution)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, "boom", cmdErr.Message)
	require.Less(t, time.Since(start), DefaultCommandTimeout)
	require.Equal(t, SessionStateConnected, s.State())
}

func TestPersistentAndTemporarySubscriptions(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	s := newTestSession(t, srv, DefaultSessionConfig())
	require.NoError(t, s.Connect(ctx))
	conn, err := srv.WaitForConnection(ctx)
	require.NoError(t, err)

	type loadEvent struct {
		Timestamp float64 `json:"timestamp"`
	}
	loadEventFired := NewEvent[loadEvent]("Page.loadEventFired")

	persistent := make(chan float64, 10)
	temporary := make(chan float64, 10)
	_, err = Subscribe(s, loadEventFired, func(e loadEvent) error {
		persistent <- e.Timestamp
		return nil
	}, Persistent)
	require.NoError(t, err)
	_, err = Subscribe(s, loadEventFired, func(e loadEvent) error {
		temporary <- e.Timestamp
		return nil
	}, Temporary)
	require.NoError(t, err)

	require.NoError(t, conn.SendEvent("Page.loadEventFired", map[string]float64{"timestamp": 1}))
	require.NoError(t, conn.SendEvent("Page.loadEventFired", map[string]float64{"timestamp": 2}))

	// A command round trip after the events guarantees both were dispatched.
	_, err = s.Execute(ctx, NewCommand("Runtime.enable", nil))
	require.NoError(t, err)

	require.Equal(t, 1.0, <-persistent)
	require.Equal(t, 2.0, <-persistent)
	require.Equal(t, 1.0, <-temporary)
	require.Len(t, temporary, 0)
	require.Equal(t, 1, s.SubscriptionCount())
}

func TestEventsAreDeliveredInArrivalOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	s := newTestSession(t, srv, DefaultSessionConfig())
	require.NoError(t, s.Connect(ctx))
	conn, err := srv.WaitForConnection(ctx)
	require.NoError(t, err)

	var received []int
	_, err = s.Subscribe("Network.dataReceived", func(params json.RawMessage) error {
		var p struct {
			Seq int `json:"seq"`
		}
		if unmarshalErr := json.Unmarshal(params, &p); unmarshalErr != nil {
			return unmarshalErr
		}
		received = append(received, p.Seq)
		return nil
	}, Persistent)
	require.NoError(t, err)

	expected := []int{}
	for i := 0; i < 20; i++ {
		require.NoError(t, conn.SendEvent("Network.dataReceived", map[string]int{"seq": i}))
		expected = append(expected, i)
	}
	_, err = s.Execute(ctx, NewCommand("Network.enable", nil))
	require.NoError(t, err)

	require.Equal(t, expected, received)
}

func TestConnectionClosedDuringExecuteThenReconnect(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	srv.Handle("Runtime.evaluate", func(c *cdptest.Conn, _ cdptest.Command) {
		_ = c.Drop()
	})
	s := newTestSession(t, srv, DefaultSessionConfig())

	_, err := s.Subscribe("Runtime.consoleAPICalled", func(json.RawMessage) error { return nil }, Persistent)
	require.NoError(t, err)

	_, err = s.Execute(ctx, NewCommand("Runtime.evaluate", map[string]string{"expression": "1+1"}))
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.True(t, IsConnectionError(err))
	require.Equal(t, 0, s.SubscriptionCount())
	waitForState(t, s, SessionStateDisconnected)

	srv.Handle("Runtime.evaluate", cdptest.ReplyWith(map[string]any{"result": map[string]any{"type": "number", "value": 2}}))
	result, err := s.Execute(ctx, NewCommand("Runtime.evaluate", map[string]string{"expression": "1+1"}))
	require.NoError(t, err)
	require.Contains(t, string(result), `"value":2`)
	require.Equal(t, 2, srv.ConnectionCount())
	require.Equal(t, SessionStateConnected, s.State())
}

func TestIdleConnectionLossClearsSubscriptions(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	s := newTestSession(t, srv, DefaultSessionConfig())

	_, err := s.Subscribe("Page.loadEventFired", func(json.RawMessage) error { return nil }, Persistent)
	require.NoError(t, err)
	_, err = s.Subscribe("Page.frameNavigated", func(json.RawMessage) error { return nil }, Temporary)
	require.NoError(t, err)

	require.NoError(t, s.Connect(ctx))
	conn, err := srv.WaitForConnection(ctx)
	require.NoError(t, err)

	// No command is in flight; only the receive loop observes the loss.
	require.NoError(t, conn.Drop())
	waitForState(t, s, SessionStateDisconnected)
	require.Eventually(t, func() bool { return s.SubscriptionCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	// Subscriptions made for the next connection are kept.
	events := make(chan json.RawMessage, 1)
	_, err = s.Subscribe("Page.loadEventFired", func(params json.RawMessage) error {
		events <- params
		return nil
	}, Persistent)
	require.NoError(t, err)

	require.NoError(t, s.Connect(ctx))
	conn, err = srv.WaitForConnection(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.SendEvent("Page.loadEventFired", map[string]float64{"timestamp": 3}))

	select {
	case params := <-events:
		require.JSONEq(t, `{"timestamp":3}`, string(params))
	case <-ctx.Done():
		t.Fatal("event was not delivered after reconnecting")
	}
	require.Equal(t, 1, s.SubscriptionCount())
}

func TestReconnectFailsWhilePreviousReceiveLoopIsBusy(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	config := DefaultSessionConfig()
	config.Transport.HandshakeTimeout = 200 * time.Millisecond
	s := newTestSession(t, srv, config)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	_, err := s.Subscribe("Page.loadEventFired", func(json.RawMessage) error {
		close(entered)
		<-unblock
		return nil
	}, Temporary)
	require.NoError(t, err)

	require.NoError(t, s.Connect(ctx))
	conn, err := srv.WaitForConnection(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.SendEvent("Page.loadEventFired", map[string]float64{"timestamp": 1}))
	<-entered

	require.NoError(t, s.Close())

	// The receive loop of the closed connection is still inside the callback.
	err = s.Connect(ctx)
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.Equal(t, SessionStateDisconnected, s.State())
	require.Equal(t, 1, srv.ConnectionCount())

	close(unblock)
	require.Eventually(t, func() bool { return s.Connect(ctx) == nil }, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, SessionStateConnected, s.State())
	require.Equal(t, 2, srv.ConnectionCount())
}

func TestRemoteNormalClosureIsObserved(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	s := newTestSession(t, srv, DefaultSessionConfig())
	require.NoError(t, s.Connect(ctx))
	conn, err := srv.WaitForConnection(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.CloseNormally())
	waitForState(t, s, SessionStateDisconnected)

	_, err = s.Execute(ctx, NewCommand("Page.enable", nil))
	require.NoError(t, err)
	require.Equal(t, 2, srv.ConnectionCount())
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	srv.Handle("Page.captureScreenshot", cdptest.ReplyWith(map[string]string{"data": strings.Repeat("A", 8*1024)}))

	config := DefaultSessionConfig()
	config.Transport.ReadLimit = 1024
	s := newTestSession(t, srv, config)

	_, err := s.Execute(ctx, NewCommand("Page.captureScreenshot", nil))
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	srv.Handle("Browser.getVersion", func(c *cdptest.Conn, cmd cdptest.Command) {
		_ = c.SendRaw([]byte("this is not json"))
		_ = c.SendRaw([]byte(`{"neither":"reply nor event"}`))
		_ = c.SendRaw([]byte(`{"id":"not-a-number","result":{}}`))
		_ = c.SendRaw([]byte(`[1,2,3]`))
		_ = c.Reply(cmd.ID, map[string]string{"product": "FakeChrome/1.0"})
	})
	s := newTestSession(t, srv, DefaultSessionConfig())

	result, err := s.Execute(ctx, NewCommand("Browser.getVersion", nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"product":"FakeChrome/1.0"}`, string(result))
	require.Equal(t, SessionStateConnected, s.State())
}

func TestPing(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	s := newTestSession(t, srv, DefaultSessionConfig())

	require.True(t, s.Ping(ctx))
	require.Equal(t, SessionStateConnected, s.State())
	require.True(t, s.Ping(ctx))
	require.Equal(t, 1, srv.ConnectionCount())
}

func TestFailedPingLeavesSessionConnected(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	srv.IgnorePings.Store(true)

	config := DefaultSessionConfig()
	config.PingTimeout = 100 * time.Millisecond
	s := newTestSession(t, srv, config)

	require.False(t, s.Ping(ctx))
	require.Equal(t, SessionStateConnected, s.State())

	_, err := s.Execute(ctx, NewCommand("Page.enable", nil))
	require.NoError(t, err)
}

func TestPingUnreachableTarget(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	address := srv.PageURL(testPageID)
	srv.Close()

	s := NewSession(testPageID, StaticEndpoint(address), nil, DefaultSessionConfig(), testutil.NewLogForTesting(t.Name()))
	require.False(t, s.Ping(ctx))
	require.Equal(t, SessionStateDisconnected, s.State())

	_, err := s.Execute(ctx, NewCommand("Page.enable", nil))
	require.ErrorIs(t, err, ErrNetwork)
}

func TestCloseFailsPendingCommandsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	srv.Handle("Page.navigate", cdptest.NoReply)
	s := newTestSession(t, srv, DefaultSessionConfig())

	_, err := s.Subscribe("Page.loadEventFired", func(json.RawMessage) error { return nil }, Persistent)
	require.NoError(t, err)

	execErr := make(chan error, 1)
	go func() {
		_, navErr := s.Execute(ctx, NewCommand("Page.navigate", map[string]string{"url": "about:blank"}))
		execErr <- navErr
	}()
	_, err = srv.WaitForCommand(ctx, "Page.navigate")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.ErrorIs(t, <-execErr, ErrConnectionClosed)
	require.Equal(t, 0, s.SubscriptionCount())
	require.Equal(t, SessionStateDisconnected, s.State())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	// The session reconnects on next use.
	require.True(t, s.Ping(ctx))
	require.Equal(t, 2, srv.ConnectionCount())
}

func TestCloseBeforeConnectIsNoOp(t *testing.T) {
	t.Parallel()

	s := NewSession(testPageID, StaticEndpoint("ws://127.0.0.1:1/devtools/page/x"), nil, SessionConfig{}, testutil.NewLogForTesting(t.Name()))
	require.NoError(t, s.Close())
	require.Equal(t, SessionStateDisconnected, s.State())
	require.Equal(t, "Session(target=page-1, address=)", s.String())
}

func TestConcurrentFirstUseDialsOnce(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	s := newTestSession(t, srv, DefaultSessionConfig())

	var wg sync.WaitGroup
	const callers = 10
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Execute(ctx, NewCommand("Page.enable", nil))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, srv.ConnectionCount())
	require.Equal(t, srv.PageURL(testPageID), s.Address())
}

func TestExecuteRejectsEmptyMethod(t *testing.T) {
	t.Parallel()

	s := NewSession(testPageID, StaticEndpoint("ws://127.0.0.1:1/devtools/page/x"), nil, SessionConfig{}, testutil.NewLogForTesting(t.Name()))
	_, err := s.Execute(context.Background(), NewCommand("", nil))
	require.Error(t, err)
	require.Equal(t, SessionStateDisconnected, s.State())
}

func TestTypedSubscriptionDecodeFailureIsIsolated(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	srv := cdptest.NewServer(ctx)
	s := newTestSession(t, srv, DefaultSessionConfig())
	require.NoError(t, s.Connect(ctx))
	conn, err := srv.WaitForConnection(ctx)
	require.NoError(t, err)

	type targetCreated struct {
		TargetInfo struct {
			TargetID string `json:"targetId"`
		} `json:"targetInfo"`
	}
	created := make(chan string, 10)
	_, err = Subscribe(s, NewEvent[targetCreated]("Target.targetCreated"), func(e targetCreated) error {
		created <- e.TargetInfo.TargetID
		return nil
	}, Persistent)
	require.NoError(t, err)

	require.NoError(t, conn.SendRaw([]byte(`{"method":"Target.targetCreated","params":{"targetInfo":"oops"}}`)))
	require.NoError(t, conn.SendEvent("Target.targetCreated", map[string]any{"targetInfo": map[string]string{"targetId": "t2"}}))
	_, err = s.Execute(ctx, NewCommand("Target.setDiscoverTargets", map[string]bool{"discover": true}))
	require.NoError(t, err)

	require.Equal(t, "t2", <-created)
	require.Len(t, created, 0)

	_, err = Subscribe[targetCreated](s, NewEvent[targetCreated]("Target.targetCreated"), nil, Persistent)
	require.ErrorIs(t, err, ErrInvalidCallback)
}

func TestSessionStateString(t *testing.T) {
	t.Parallel()

	for state, expected := range map[SessionState]string{
		SessionStateDisconnected: "disconnected",
		SessionStateConnecting:   "connecting",
		SessionStateConnected:    "connected",
		SessionStateDisposed:     "disposed",
		SessionState(42):         "unknown",
	} {
		require.Equal(t, expected, state.String(), fmt.Sprintf("state %d", int(state)))
	}
}
