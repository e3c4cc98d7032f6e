package relay

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10
)

// Peer is one WebSocket connection to the relay.
type Peer struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	name string
}

// NewPeer creates a Peer. Start its pumps after registering it.
func NewPeer(h *Hub, conn *websocket.Conn, name string) *Peer {
	return &Peer{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		name: name,
	}
}

// Send queues a frame for the peer. Only the hub loop calls Send.
func (p *Peer) Send(data []byte) {
	select {
	case p.send <- data:
	default:
		p.hub.log.Warn("send buffer full, dropping frame", "peer", p.name)
	}
}

// ReadPump forwards text frames from the connection to the hub.
func (p *Peer) ReadPump() {
	defer func() {
		p.hub.Unregister(p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		typ, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.hub.log.Warn("read error", "peer", p.name, "err", err)
			}
			return
		}
		// Data frames count as liveness; pings are consumed by the default handler.
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			continue
		}
		p.hub.Broadcast(p, data)
	}
}

// WritePump writes queued frames to the connection and keeps it alive.
func (p *Peer) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
