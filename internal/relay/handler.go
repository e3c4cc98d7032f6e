package relay

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewMux routes the relay's endpoints.
func NewMux(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", Health(h))
	mux.HandleFunc("/ws", ServeWS(h))
	return mux
}

// Health reports liveness and the number of connected peers.
func Health(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "peers": h.PeerCount()})
	}
}

// ServeWS handles WebSocket upgrade requests. The optional "name" query
// parameter labels the peer in logs.
func ServeWS(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("ws upgrade error", "err", err)
			return
		}

		name := r.URL.Query().Get("name")
		if name == "" {
			name = uuid.NewString()
		}
		p := NewPeer(h, conn, name)
		h.Register(p)
		go p.WritePump()
		go p.ReadPump()
	}
}
