package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// MessageType defines the type of a feed message.
type MessageType string

const (
	// MessageHello is sent once to every new subscriber.
	MessageHello MessageType = "hello"

	// MessageSyncApplied reports an exchange that changed the peer's data.
	MessageSyncApplied MessageType = "sync_applied"
)

// Message is one event on the websocket feed.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncAppliedData describes an exchange.
type SyncAppliedData struct {
	ReceivedBlocks     int `json:"received_blocks"`
	ReceivedOperations int `json:"received_operations"`
	Applied            int `json:"applied"`
	Deleted            int `json:"deleted"`
	Skipped            int `json:"skipped"`
	Orphaned           int `json:"orphaned"`
	Returned           int `json:"returned"`
}

// Hub fans feed messages out to websocket subscribers.
type Hub struct {
	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	log *zap.Logger
}

// NewHub starts a hub. Close releases it.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// Close disconnects every subscriber and stops the hub.
func (h *Hub) Close() {
	h.once.Do(func() {
		h.cancel()

		h.clientsMu.Lock()
		for conn := range h.clients {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			delete(h.clients, conn)
		}
		h.clientsMu.Unlock()

		h.wg.Wait()
	})
}

// Publish queues a message for every subscriber. Messages are dropped when
// the queue is full.
func (h *Hub) Publish(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Warn("failed to marshal feed message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	msg := Message{Type: typ, Timestamp: time.Now().UTC(), Data: raw}

	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.log.Warn("feed queue full, dropping message", zap.String("type", string(typ)))
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Warn("failed to marshal feed message", zap.Error(err))
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := h.write(conn, data); err != nil {
					h.log.Debug("failed to send feed message", zap.Error(err))
					h.remove(conn)
				}
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the request and keeps the subscriber until it
// disconnects or the hub closes. Client messages are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	h.clientsMu.Lock()
	if h.ctx.Err() != nil {
		h.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.log.Debug("feed subscriber connected", zap.Int("clients", count))

	hello, _ := json.Marshal(Message{Type: MessageHello, Timestamp: time.Now().UTC()})
	if err := h.write(conn, hello); err != nil {
		h.remove(conn)
		return
	}

	defer h.remove(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.log.Debug("feed subscriber disconnected", zap.Int("clients", count))
	}
}
