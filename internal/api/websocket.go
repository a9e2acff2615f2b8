package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// writeTimeout bounds how long a single bridging-update write may block on
// a slow subscriber before the hub drops the connection.
const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream carries only derived bridging decisions, never raw
	// partial keys, so cross-origin subscribers are acceptable.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans committed bridging decisions out to every websocket subscriber
// on /v1/stream. It is the delivery end of the BridgingObserver hook: the
// engine hands a decision to HubObserver, which marshals it and pushes it
// through Broadcast.
type Hub struct {
	mu      sync.Mutex
	subs    map[*websocket.Conn]struct{}
	updates chan []byte
}

// NewHub constructs a Hub; Run must be started on it before the first
// Broadcast.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[*websocket.Conn]struct{}),
		updates: make(chan []byte, 256),
	}
}

// Run delivers queued updates to every subscriber until the updates
// channel closes. A subscriber that fails a write is dropped; the rest
// keep receiving.
func (h *Hub) Run() {
	for update := range h.updates {
		h.mu.Lock()
		for conn := range h.subs {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, update); err != nil {
				log.Printf("[Hub] dropping subscriber after write failure: %v", err)
				conn.Close()
				delete(h.subs, conn)
			}
		}
		h.mu.Unlock()
	}
}

// Subscribe upgrades the request to a websocket and registers it for
// bridging updates. The stream is push-only; reads exist solely to notice
// the peer going away.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.subs[conn] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	log.Printf("[Hub] subscriber connected (%d active)", n)

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.subs, conn)
			n := len(h.subs)
			h.mu.Unlock()
			conn.Close()
			log.Printf("[Hub] subscriber disconnected (%d active)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Hub] subscriber read error: %v", err)
				}
				return
			}
		}
	}()
}

// Broadcast enqueues one marshaled bridging decision for delivery to all
// subscribers.
func (h *Hub) Broadcast(update []byte) {
	h.updates <- update
}
