package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// writeWait bounds how long one write to a subscriber's connection may take
// before the connection is dropped.
const writeWait = 5 * time.Second

// subscriberBuffer is the per-client send queue. Pipeline stages are
// seconds apart, so a small buffer absorbs any transient stall.
const subscriberBuffer = 16

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for local dashboard
	},
}

// subscriber is one dashboard connection following pipeline progress.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans pipeline stage events out to every connected dashboard. Each
// subscriber gets its own buffered queue and writer goroutine, so one stuck
// client can never stall a synthesis run's event stream.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]bool
	events      chan []byte
}

func NewHub() *Hub {
	return &Hub{
		events:      make(chan []byte, 256),
		subscribers: make(map[*subscriber]bool),
	}
}

// Run dispatches queued events to every subscriber until the hub is
// abandoned. Subscribers whose queues are full are disconnected rather
// than allowed to backpressure the pipeline.
func (h *Hub) Run() {
	for payload := range h.events {
		h.mu.Lock()
		for sub := range h.subscribers {
			select {
			case sub.send <- payload:
			default:
				log.Printf("[Hub] subscriber queue full, dropping connection")
				h.dropLocked(sub)
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) dropLocked(sub *subscriber) {
	if h.subscribers[sub] {
		delete(h.subscribers, sub)
		close(sub.send)
	}
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	h.dropLocked(sub)
	h.mu.Unlock()
}

// Subscribe upgrades the request and registers the client for run events.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade websocket: %v", err)
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	h.subscribers[sub] = true
	total := len(h.subscribers)
	h.mu.Unlock()
	log.Printf("[Hub] dashboard subscribed to run events. Total subscribers: %d", total)

	// Writer: drains the subscriber's queue onto the wire.
	go func() {
		defer conn.Close()
		for payload := range sub.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("[Hub] write error: %v", err)
				h.drop(sub)
				return
			}
		}
	}()

	// Reader: the stream is push-only, but reads must run to notice
	// disconnects.
	go func() {
		defer func() {
			h.drop(sub)
			conn.Close()
			log.Printf("[Hub] dashboard unsubscribed")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Hub] read error: %v", err)
				}
				return
			}
		}
	}()
}

// Broadcast queues raw bytes for every subscriber.
func (h *Hub) Broadcast(data []byte) {
	h.events <- data
}

// BroadcastEvent wraps a typed engine event in the stream envelope and
// queues it. Marshal failures are logged and dropped; progress events are
// advisory and never fail a run.
func (h *Hub) BroadcastEvent(eventType string, event any) {
	payload, err := json.Marshal(gin.H{"type": eventType, "event": event})
	if err != nil {
		log.Printf("[Hub] failed to marshal %s event: %v", eventType, err)
		return
	}
	h.Broadcast(payload)
}
