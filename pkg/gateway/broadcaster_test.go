package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigachain-team/giga-agent/pkg/agent"
)

func TestEventBroadcaster_EmitRoutesByThread(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()
	otherServer, otherClient, otherCleanup := websocketConnPair(t)
	defer otherCleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", Conn: serverConn, ThreadID: "thread-1"})
	registry.Add(&Client{ID: "client-2", Conn: otherServer, ThreadID: "thread-2"})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Emit(agent.Event{Type: agent.EventPhase, ThreadID: "thread-1", Phase: "call_model", Timestamp: 42})
	broadcaster.Emit(agent.Event{Type: agent.EventTurnFinished, ThreadID: "thread-1", Phase: "end"})

	var first EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&first))

	var second EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&second))

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, string(agent.EventPhase), first.Event)
	assert.Equal(t, "thread-1", first.ThreadID)
	assert.Equal(t, "call_model", first.Phase)
	assert.Equal(t, int64(42), first.Timestamp)
	assert.NotZero(t, first.Seq)
	assert.Equal(t, string(agent.EventTurnFinished), second.Event)
	assert.Greater(t, second.Seq, first.Seq)

	t.Run("should not deliver to other threads", func(t *testing.T) {
		require.NoError(t, otherClient.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		var msg EventMessage
		assert.Error(t, otherClient.ReadJSON(&msg))
	})
}

func TestEventBroadcaster_BroadcastReachesEveryone(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", Conn: serverConn, ThreadID: "thread-1"})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("tick", map[string]any{"ok": true})

	var event EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&event))

	assert.Equal(t, "event", event.Type)
	assert.Equal(t, "tick", event.Event)
	assert.NotZero(t, event.Seq)
	assert.NotZero(t, event.Timestamp)
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
