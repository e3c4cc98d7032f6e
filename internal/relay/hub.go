// Package relay is a minimal single-channel chat server: every text frame a
// peer sends is forwarded to the other connected peers.
package relay

import (
	"log/slog"
	"sync"
)

type frame struct {
	from *Peer
	data []byte
}

// Hub tracks connected peers and fans frames out to them.
type Hub struct {
	peers      map[*Peer]bool
	mu         sync.RWMutex
	register   chan *Peer
	unregister chan *Peer
	broadcast  chan frame
	echo       bool
	log        *slog.Logger
	quit       chan struct{}
	once       sync.Once
}

// NewHub creates a Hub. With echo set, senders also receive their own frames.
func NewHub(echo bool, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		peers:      make(map[*Peer]bool),
		register:   make(chan *Peer, 256),
		unregister: make(chan *Peer, 256),
		broadcast:  make(chan frame, 256),
		echo:       echo,
		log:        log,
		quit:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop. Should be called as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case p := <-h.register:
			h.mu.Lock()
			h.peers[p] = true
			h.mu.Unlock()
			h.log.Info("peer joined", "peer", p.name, "peers", h.PeerCount())
		case p := <-h.unregister:
			h.mu.Lock()
			if h.peers[p] {
				delete(h.peers, p)
				close(p.send)
			}
			h.mu.Unlock()
			h.log.Info("peer left", "peer", p.name, "peers", h.PeerCount())
		case f := <-h.broadcast:
			h.mu.RLock()
			for p := range h.peers {
				if p == f.from && !h.echo {
					continue
				}
				p.Send(f.data)
			}
			h.mu.RUnlock()
		case <-h.quit:
			return
		}
	}
}

// Stop signals the hub's event loop to exit.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.quit) })
}

// Register queues a peer registration.
func (h *Hub) Register(p *Peer) {
	select {
	case h.register <- p:
	case <-h.quit:
	}
}

// Unregister queues a peer removal.
func (h *Hub) Unregister(p *Peer) {
	select {
	case h.unregister <- p:
	case <-h.quit:
	}
}

// Broadcast queues a frame from a peer for delivery.
func (h *Hub) Broadcast(from *Peer, data []byte) {
	select {
	case h.broadcast <- frame{from: from, data: data}:
	case <-h.quit:
	}
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
