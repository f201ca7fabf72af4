package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/packetlabs/hongbao/gateway/pkg/metrics"
	"github.com/packetlabs/hongbao/gateway/pkg/msglog"
	"github.com/packetlabs/hongbao/gateway/pkg/reconcile"
)

const (
	streamWriteWait   = 10 * time.Second
	streamPingPeriod  = 30 * time.Second
	streamSendBacklog = 64
)

// StreamEvent is one websocket frame: a timeline entry or a board message.
type StreamEvent struct {
	Type    string           `json:"type"`
	Entry   *reconcile.Entry `json:"entry,omitempty"`
	Message *msglog.Message  `json:"message,omitempty"`
}

// Hub fans merged-state updates out to websocket clients. It is built
// before the view so the view's callbacks can point at it.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect cross-origin; auth is not part of
			// this surface, so any origin may subscribe.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*streamClient]struct{}),
	}
}

// BroadcastEntry pushes one new timeline entry to every client.
func (h *Hub) BroadcastEntry(e reconcile.Entry) {
	h.broadcast(StreamEvent{Type: "entry", Entry: &e})
}

// BroadcastMessage pushes one new board message to every client.
func (h *Hub) BroadcastMessage(m msglog.Message) {
	h.broadcast(StreamEvent{Type: "message", Message: &m})
}

func (h *Hub) broadcast(ev StreamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("stream: failed to marshal event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer; drop it rather than block the feed.
			delete(h.clients, c)
			c.close()
		}
	}
	metrics.StreamClientsGauge.Set(float64(len(h.clients)))
}

func (h *Hub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("stream: upgrade failed", "error", err)
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, streamSendBacklog)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	metrics.StreamClientsGauge.Set(float64(len(h.clients)))
	h.mu.Unlock()

	go c.writePump()
	c.readPump()

	h.mu.Lock()
	delete(h.clients, c)
	metrics.StreamClientsGauge.Set(float64(len(h.clients)))
	h.mu.Unlock()
	c.close()
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// readPump discards inbound frames; the stream is one-way. It returns when
// the peer disconnects.
func (c *streamClient) readPump() {
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
