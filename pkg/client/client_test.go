package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tourneysync/internal/hub"
	"tourneysync/internal/room"
	"tourneysync/internal/ws"
	"tourneysync/pkg/protocol"
)

const timeout = 3 * time.Second

func startTestServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(ctx, room.Options{}, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.Handler(h, zap.NewNop()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, err := h.Create("abc", protocol.TournamentConfig{GroupCount: 2, GroupSize: 2, RoundCount: 1})
	require.NoError(t, err)
	return srv, h
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialTest(t *testing.T, srv *httptest.Server, cb Callbacks) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Config{
		URL:          wsURL(srv),
		TournamentID: "abc",
		BaseDelay:    10 * time.Millisecond,
		MaxAttempts:  4,
	}, cb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_JoinPopulatesMirror(t *testing.T) {
	srv, _ := startTestServer(t)

	gotState := make(chan protocol.Snapshot, 1)
	dialTest(t, srv, Callbacks{
		OnFullState: func(s protocol.Snapshot) { gotState <- s },
	})

	select {
	case snap := <-gotState:
		assert.Equal(t, "abc", snap.ID)
		assert.Equal(t, []string{"Player 1", "Player 2", "Player 3", "Player 4"},
			snap.Config.PlayerNames)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for initial full state")
	}
}

func TestClient_RemoteEditReachesMirror(t *testing.T) {
	srv, _ := startTestServer(t)

	updates := make(chan protocol.Envelope, 4)
	observer := dialTest(t, srv, Callbacks{
		OnUpdate: func(env protocol.Envelope) { updates <- env },
	})
	editor := dialTest(t, srv, Callbacks{})

	// wait until both are joined before editing
	require.Eventually(t, func() bool {
		return editor.Connected() && observer.Connected()
	}, timeout, 10*time.Millisecond)

	require.NoError(t, editor.SetFieldValue("round1.table2", 41300))

	select {
	case env := <-updates:
		assert.Equal(t, protocol.TypeTextFieldUpdated, env.Type)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for broadcast")
	}
	assert.Equal(t, 41300.0, observer.Snapshot().FieldValues["round1.table2"])
	assert.Equal(t, 1, observer.Version())
}

func TestClient_EchoDoesNotStorm(t *testing.T) {
	srv, h := startTestServer(t)

	var c *Client
	c = dialTest(t, srv, Callbacks{
		// a naive renderer that writes back whatever it is told to draw;
		// the applying-remote guard must keep this from re-sending
		OnUpdate: func(env protocol.Envelope) {
			_ = c.SetFieldValue("round1.table1", 32000)
		},
	})

	require.Eventually(t, c.Connected, timeout, 10*time.Millisecond)
	require.NoError(t, c.SetFieldValue("round1.table1", 32000))

	// give a feedback loop ample time to show up
	time.Sleep(300 * time.Millisecond)

	rm := h.Get("abc")
	reply := make(chan room.View, 1)
	rm.Inbox() <- room.GetView{Reply: reply}
	v := <-reply
	assert.Equal(t, 1, v.Version, "echo must not trigger another mutation")
}

func TestClient_GuardSuppressesSendButKeepsMirror(t *testing.T) {
	c := &Client{} // no transport at all

	release := c.beginApply()
	err := c.SetFieldValue("t1", 7)
	release()

	require.NoError(t, err, "suppressed sends report success")
	assert.Equal(t, 7.0, c.Snapshot().FieldValues["t1"])

	// with the guard released the send is attempted and fails loudly
	err = c.SetFieldValue("t2", 8)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_ReconnectRejoinsAndCatchesUp(t *testing.T) {
	srv, h := startTestServer(t)

	states := make(chan protocol.Snapshot, 8)
	c := dialTest(t, srv, Callbacks{
		OnFullState: func(s protocol.Snapshot) { states <- s },
	})

	select {
	case <-states:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for initial full state")
	}
	versionBefore := c.Version()

	// mutate server-side while the client is being kicked off
	srv.CloseClientConnections()
	rm := h.Get("abc")
	rm.Inbox() <- room.SetFieldValue{FieldID: "t1", Value: 12345}

	// the agent must dial back, re-send its join, and get a state at
	// least as new as anything it saw before the disconnect
	select {
	case snap := <-states:
		assert.GreaterOrEqual(t, snap.Version, versionBefore)
		assert.Equal(t, 12345.0, snap.FieldValues["t1"])
	case <-time.After(timeout):
		t.Fatal("timed out waiting for post-reconnect full state")
	}
	assert.True(t, c.Connected())
}

func TestClient_ReplacedTransportIsClosed(t *testing.T) {
	srv, _ := startTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := &Client{
		cfg: Config{
			URL:          wsURL(srv),
			TournamentID: "abc",
			BaseDelay:    10 * time.Millisecond,
			MaxAttempts:  2,
		},
		clock:  clockwork.NewRealClock(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	require.NoError(t, c.connect())
	t.Cleanup(func() { _ = c.Close() })

	c.mu.Lock()
	old := c.conn
	c.mu.Unlock()

	// connecting again must not leave the first transport dangling
	require.NoError(t, c.connect())

	rctx, rcancel := context.WithTimeout(context.Background(), timeout)
	defer rcancel()
	_, _, err := old.Read(rctx)
	require.Error(t, err, "replaced transport must be closed")
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.Connected())
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	srv, _ := startTestServer(t)

	lost := make(chan error, 1)
	c := dialTest(t, srv, Callbacks{
		OnConnectionLost: func(err error) { lost <- err },
	})
	require.Eventually(t, c.Connected, timeout, 10*time.Millisecond)

	srv.CloseClientConnections()
	srv.Close()

	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for terminal connection-lost signal")
	}

	select {
	case <-c.Done():
	case <-time.After(timeout):
		t.Fatal("agent must stop after exhausting reconnect attempts")
	}
}

func TestClient_TimerJoinAndEvents(t *testing.T) {
	srv, _ := startTestServer(t)

	timerEvents := make(chan protocol.Envelope, 8)
	c := dialTest(t, srv, Callbacks{
		OnTimerEvent: func(env protocol.Envelope) { timerEvents <- env },
	})
	require.Eventually(t, c.Connected, timeout, 10*time.Millisecond)

	require.NoError(t, c.JoinTimer("round-1"))

	select {
	case env := <-timerEvents:
		require.Equal(t, protocol.TypeTimerSync, env.Type)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for timer sync")
	}

	require.NoError(t, c.StartTimer("round-1", 60))
	select {
	case env := <-timerEvents:
		require.Equal(t, protocol.TypeTimerStarted, env.Type)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for timer start")
	}
	ts := c.Timer()
	assert.True(t, ts.IsRunning)
	assert.Greater(t, ts.EndTime, time.Now().Add(50*time.Second).UnixMilli())
}
