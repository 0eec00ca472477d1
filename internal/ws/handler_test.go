package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tourneysync/internal/hub"
	"tourneysync/internal/room"
	"tourneysync/pkg/protocol"
)

const timeout = 2 * time.Second

func startTestServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(ctx, room.Options{}, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", Handler(h, zap.NewNop()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, h
}

func wsDial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err, "dial failed")
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	msg := protocol.ClientMessage{Type: typ}
	if payload != nil {
		msg.Payload = protocol.Raw(payload)
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err, "read failed")
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env), "invalid JSON from server: %s", data)
	return env
}

func createRoom(t *testing.T, h *hub.Hub, id string) {
	t.Helper()
	_, err := h.Create(id, protocol.TournamentConfig{GroupCount: 2, GroupSize: 2, RoundCount: 1})
	require.NoError(t, err)
}

func TestHandler_JoinAndBroadcast(t *testing.T) {
	srv, h := startTestServer(t)
	createRoom(t, h, "abc")

	alice := wsDial(t, srv)
	bob := wsDial(t, srv)

	sendMessage(t, alice, protocol.TypeJoinTournament, protocol.JoinTournamentPayload{ID: "abc"})
	env := readEnvelope(t, alice)
	require.Equal(t, protocol.TypeFullState, env.Type)

	sendMessage(t, bob, protocol.TypeJoinTournament, protocol.JoinTournamentPayload{ID: "abc"})
	_ = readEnvelope(t, bob)

	sendMessage(t, alice, protocol.TypeUpdateTextField,
		protocol.TextFieldPayload{FieldID: "round1.table1", Value: 32000})

	got := readEnvelope(t, bob)
	require.Equal(t, protocol.TypeTextFieldUpdated, got.Type)
	assert.Equal(t, 1, got.Version)

	var p protocol.TextFieldPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "round1.table1", p.FieldID)
	assert.Equal(t, 32000.0, p.Value)

	// sender receives the stamped broadcast too
	echo := readEnvelope(t, alice)
	assert.Equal(t, protocol.TypeTextFieldUpdated, echo.Type)
}

func TestHandler_MutateBeforeJoinIsRejected(t *testing.T) {
	srv, h := startTestServer(t)
	createRoom(t, h, "abc")

	conn := wsDial(t, srv)
	sendMessage(t, conn, protocol.TypeUpdateTextField,
		protocol.TextFieldPayload{FieldID: "t1", Value: 1})

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)

	// the connection survives the error and can still join
	sendMessage(t, conn, protocol.TypeJoinTournament, protocol.JoinTournamentPayload{ID: "abc"})
	joined := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeFullState, joined.Type)
}

func TestHandler_JoinUnknownRoom(t *testing.T) {
	srv, _ := startTestServer(t)

	conn := wsDial(t, srv)
	sendMessage(t, conn, protocol.TypeJoinTournament, protocol.JoinTournamentPayload{ID: "nope"})

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
}

func TestHandler_TimerOnlyClient(t *testing.T) {
	srv, h := startTestServer(t)
	createRoom(t, h, "abc")

	conn := wsDial(t, srv)
	sendMessage(t, conn, protocol.TypeJoinTimer,
		protocol.JoinTimerPayload{ID: "abc", TimerID: "round-1"})

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeTimerSync, env.Type)

	var sync protocol.TimerSyncPayload
	require.NoError(t, json.Unmarshal(env.Payload, &sync))
	assert.False(t, sync.IsRunning)

	// joining a timer binds the connection, so timer commands work
	sendMessage(t, conn, protocol.TypeTimerStart,
		protocol.TimerStartPayload{TimerID: "round-1", Duration: 60})

	started := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeTimerStarted, started.Type)

	var p protocol.TimerStartedPayload
	require.NoError(t, json.Unmarshal(started.Payload, &p))
	assert.Greater(t, p.EndTime, time.Now().UnixMilli())
}

func TestHandler_RequestFullStateIsIdempotent(t *testing.T) {
	srv, h := startTestServer(t)
	createRoom(t, h, "abc")

	conn := wsDial(t, srv)
	sendMessage(t, conn, protocol.TypeJoinTournament, protocol.JoinTournamentPayload{ID: "abc"})
	_ = readEnvelope(t, conn)

	sendMessage(t, conn, protocol.TypeRequestFullState, nil)
	first := readEnvelope(t, conn)
	sendMessage(t, conn, protocol.TypeRequestFullState, nil)
	second := readEnvelope(t, conn)

	require.Equal(t, protocol.TypeFullState, first.Type)
	assert.Equal(t, string(first.Payload), string(second.Payload))
}

func TestHandler_UnknownTypeIgnored(t *testing.T) {
	srv, h := startTestServer(t)
	createRoom(t, h, "abc")

	conn := wsDial(t, srv)
	sendMessage(t, conn, protocol.TypeJoinTournament, protocol.JoinTournamentPayload{ID: "abc"})
	_ = readEnvelope(t, conn)

	sendMessage(t, conn, "NO_SUCH_TYPE", map[string]string{"x": "y"})

	// no error comes back; the next legitimate exchange still works
	sendMessage(t, conn, protocol.TypeRequestFullState, nil)
	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeFullState, env.Type)
}

func TestHandler_SwitchRoomsOnOneConnection(t *testing.T) {
	srv, h := startTestServer(t)
	createRoom(t, h, "abc")
	createRoom(t, h, "xyz")

	conn := wsDial(t, srv)
	sendMessage(t, conn, protocol.TypeJoinTournament, protocol.JoinTournamentPayload{ID: "abc"})
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeFullState, env.Type)

	sendMessage(t, conn, protocol.TypeJoinTournament, protocol.JoinTournamentPayload{ID: "xyz"})
	env = readEnvelope(t, conn)
	require.Equal(t, protocol.TypeFullState, env.Type)

	var p protocol.FullStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, "xyz", p.State.ID)

	// the old room forgets the connection
	old := h.Get("abc")
	require.Eventually(t, func() bool {
		reply := make(chan room.View, 1)
		old.Inbox() <- room.GetView{Reply: reply}
		return (<-reply).NumClients == 0
	}, timeout, 20*time.Millisecond)

	// broadcasts keep flowing from the new room
	sendMessage(t, conn, protocol.TypeUpdateTextField,
		protocol.TextFieldPayload{FieldID: "t1", Value: 1})
	got := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeTextFieldUpdated, got.Type)
}

func TestHandler_NeverJoinedConnectionReleasesWriter(t *testing.T) {
	srv, _ := startTestServer(t)
	before := runtime.NumGoroutine()

	for i := 0; i < 8; i++ {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		conn, _, err := websocket.Dial(ctx, url, nil)
		cancel()
		require.NoError(t, err)
		require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, timeout, 50*time.Millisecond,
		"writer goroutines must exit with their connections")
}

func TestHandler_DisconnectRemovesSubscriber(t *testing.T) {
	srv, h := startTestServer(t)
	createRoom(t, h, "abc")

	conn := wsDial(t, srv)
	sendMessage(t, conn, protocol.TypeJoinTournament, protocol.JoinTournamentPayload{ID: "abc"})
	_ = readEnvelope(t, conn)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "leaving"))

	rm := h.Get("abc")
	require.Eventually(t, func() bool {
		reply := make(chan room.View, 1)
		rm.Inbox() <- room.GetView{Reply: reply}
		return (<-reply).NumClients == 0
	}, timeout, 20*time.Millisecond, "room must drop the closed connection")
}
