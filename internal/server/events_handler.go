package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/domain"
)

const (
	defaultEventBuffer = 1000

	// Events queued per stream client before new ones are dropped.
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

// streamClient is one WebSocket subscriber with its own writer goroutine.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newStreamClient(conn *websocket.Conn) *streamClient {
	return &streamClient{
		conn: conn,
		send: make(chan []byte, clientQueue),
		done: make(chan struct{}),
	}
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.done) })
}

// EventHub keeps the most recent scheduler events and streams new ones to
// WebSocket clients. It is an event sink for the scheduler.
type EventHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	buffer    []*domain.Event
	bufferMu  sync.RWMutex
	maxBuffer int

	clients   map[*streamClient]bool
	clientsMu sync.Mutex
}

// NewEventHub creates a new event hub keeping up to maxBuffer events.
func NewEventHub(maxBuffer int, logger *zap.Logger) *EventHub {
	if maxBuffer <= 0 {
		maxBuffer = defaultEventBuffer
	}
	return &EventHub{
		logger: logger.Named("events"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		buffer:    make([]*domain.Event, 0, maxBuffer),
		maxBuffer: maxBuffer,
		clients:   make(map[*streamClient]bool),
	}
}

// RegisterRoutes registers the event routes.
func (h *EventHub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/events", h.handleGetEvents)
	mux.HandleFunc("/api/v1/events/stream", h.handleEventStream)
}

// Publish buffers the event and broadcasts it to connected clients.
func (h *EventHub) Publish(ctx context.Context, event *domain.Event) error {
	h.bufferMu.Lock()
	h.buffer = append(h.buffer, event)
	if len(h.buffer) > h.maxBuffer {
		h.buffer = h.buffer[len(h.buffer)-h.maxBuffer:]
	}
	h.bufferMu.Unlock()

	h.broadcast(event)
	return nil
}

// Recent returns buffered events, newest last, optionally filtered by type.
func (h *EventHub) Recent(typ domain.EventType, limit int) []*domain.Event {
	h.bufferMu.RLock()
	defer h.bufferMu.RUnlock()

	var out []*domain.Event
	for i := len(h.buffer) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if typ != "" && h.buffer[i].Type != typ {
			continue
		}
		out = append(out, h.buffer[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Clients returns the number of connected stream clients.
func (h *EventHub) Clients() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

// handleGetEvents handles GET /api/v1/events
func (h *EventHub) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 100
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 && l <= h.maxBuffer {
		limit = l
	}

	events := h.Recent(domain.EventType(query.Get("type")), limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  len(events),
	})
}

// handleEventStream handles WebSocket connections for event streaming.
func (h *EventHub) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	client := newStreamClient(conn)
	h.add(client)
	h.logger.Debug("Event stream client connected")

	defer func() {
		h.remove(client)
		h.logger.Debug("Event stream client disconnected")
	}()

	go h.write(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// write drains a client's queue onto its connection until the client goes
// away or a write fails.
func (h *EventHub) write(c *streamClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Failed to send event to client", zap.Error(err))
				h.remove(c)
				c.conn.Close()
				return
			}
		}
	}
}

func (h *EventHub) add(c *streamClient) {
	h.clientsMu.Lock()
	h.clients[c] = true
	h.clientsMu.Unlock()
}

func (h *EventHub) remove(c *streamClient) {
	h.clientsMu.Lock()
	delete(h.clients, c)
	h.clientsMu.Unlock()
	c.close()
}

// broadcast queues the event for every client without blocking. Clients
// whose queue is full miss the event.
func (h *EventHub) broadcast(event *domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Debug("Event stream client lagging, dropping event", zap.String("type", string(event.Type)))
		}
	}
}
