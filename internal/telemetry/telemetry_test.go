package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastWithNoClientsDoesNotPanic(t *testing.T) {
	h := NewHub()
	assert.NotPanics(t, func() {
		h.Broadcast(StatusEvent{Type: "STATUS", Fields: map[string]any{"x": 1}})
	})
}

func TestBroadcastDeliversToConnectedClient(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the server goroutine a moment to register the connection.
	time.Sleep(20 * time.Millisecond)
	h.Broadcast(StatusEvent{Type: "STATUS", TradeID: "t1", Fields: map[string]any{"regime": "chop"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got StatusEvent
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "STATUS", got.Type)
	assert.Equal(t, "t1", got.TradeID)
	assert.NotZero(t, got.Timestamp)
}
