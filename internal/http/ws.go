package http

import (
	"log"
	"net/http"
	"sync"

	"peerswap/internal/escrow"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans escrow state-change events out to websocket subscribers. It
// implements escrow.EventSink; a slow client loses events rather than
// blocking the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan escrow.Event
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan escrow.Event)}
}

func (h *Hub) Publish(ev escrow.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}

	ch := make(chan escrow.Event, 32)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	// Drain the read side so close frames are processed and disconnects
	// unblock the write loop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
