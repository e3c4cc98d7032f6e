package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRelay(t *testing.T, echo bool) (*httptest.Server, *Hub) {
	t.Helper()
	h := NewHub(echo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go h.Run()
	server := httptest.NewServer(NewMux(h))
	t.Cleanup(func() {
		server.Close()
		h.Stop()
	})
	return server, h
}

func dialWS(t *testing.T, serverURL, name string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws?name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitPeers(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.PeerCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	return string(data)
}

func TestRelayForwardsToOtherPeers(t *testing.T) {
	t.Parallel()
	server, h := setupRelay(t, false)

	alice := dialWS(t, server.URL, "alice")
	bob := dialWS(t, server.URL, "bob")
	charlie := dialWS(t, server.URL, "charlie")
	waitPeers(t, h, 3)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("hello all")))

	assert.Equal(t, "hello all", readText(t, bob))
	assert.Equal(t, "hello all", readText(t, charlie))

	alice.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err, "sender must not receive its own frame")
}

func TestRelayEchoMode(t *testing.T) {
	t.Parallel()
	server, h := setupRelay(t, true)

	alice := dialWS(t, server.URL, "alice")
	waitPeers(t, h, 1)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "ping", readText(t, alice))
}

func TestRelayIgnoresBinaryFrames(t *testing.T) {
	t.Parallel()
	server, h := setupRelay(t, false)

	alice := dialWS(t, server.URL, "alice")
	bob := dialWS(t, server.URL, "bob")
	waitPeers(t, h, 2)

	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("text")))
	assert.Equal(t, "text", readText(t, bob))
}

func TestRelayUnregistersOnClose(t *testing.T) {
	t.Parallel()
	server, h := setupRelay(t, false)

	alice := dialWS(t, server.URL, "alice")
	dialWS(t, server.URL, "bob")
	waitPeers(t, h, 2)

	alice.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	alice.Close()
	waitPeers(t, h, 1)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	server, h := setupRelay(t, false)
	dialWS(t, server.URL, "alice")
	waitPeers(t, h, 1)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["peers"])
}
