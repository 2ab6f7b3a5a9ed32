package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filemonitor/filemon/internal/event"
)

// Frame types sent to WebSocket clients.
const (
	FrameEvent  = "event"
	FrameStatus = "status"
)

// Frame is the JSON envelope pushed to WebSocket clients. Event is set for
// FrameEvent and Status for FrameStatus.
type Frame struct {
	Type   string       `json:"type"`
	Event  *event.Event `json:"event,omitempty"`
	Status string       `json:"status,omitempty"`
	Time   time.Time    `json:"time"`
}

// EventFrame wraps ev.
func EventFrame(ev event.Event) Frame {
	return Frame{Type: FrameEvent, Event: &ev, Time: ev.Time}
}

// StatusFrame wraps a status text set at t.
func StatusFrame(text string, t time.Time) Frame {
	return Frame{Type: FrameStatus, Status: text, Time: t}
}

// Subscriber is one registered WebSocket connection.
type Subscriber struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // frames lost to a full buffer
}

// ID returns the subscriber's identifier.
func (c *Subscriber) ID() string { return c.id }

// Send returns the channel of encoded frames for this subscriber. It is
// closed when the subscriber is unregistered or the hub is closed.
func (c *Subscriber) Send() <-chan []byte { return c.send }

// Hub fans frames out to every registered client without blocking: a client
// whose buffer is full misses the frame. It is safe for concurrent use.
type Hub struct {
	bufSize int
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Subscriber
	closed  bool
}

// NewHub returns a Hub with per-client buffers of bufSize frames. bufSize ≤ 0
// uses 64.
func NewHub(logger *slog.Logger, bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{
		bufSize: bufSize,
		logger:  logger,
		clients: make(map[string]*Subscriber),
	}
}

// Register adds a subscriber with id. After Close it returns a subscriber
// whose Send channel is already closed.
func (h *Hub) Register(id string) *Subscriber {
	c := &Subscriber{id: id, send: make(chan []byte, h.bufSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return c
	}
	h.clients[id] = c
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids are
// ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.send)
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes f once and delivers it to every client.
func (h *Hub) Broadcast(f Frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("api: frame marshal failed", slog.Any("error", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			h.logger.Warn("api: client buffer full, dropping frame",
				slog.String("client_id", c.id),
				slog.String("type", f.Type))
		}
	}
}

// Run broadcasts everything received on events and statuses until ctx is done
// or both channels are closed.
func (h *Hub) Run(ctx context.Context, events <-chan event.Event, statuses <-chan string) {
	for events != nil || statuses != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.Broadcast(EventFrame(ev))
		case text, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			h.Broadcast(StatusFrame(text, time.Now().UTC()))
		}
	}
}

// Close unregisters every client. Later registrations get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}
