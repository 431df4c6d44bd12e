package controller

import (
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"leadflow/followup"
	"leadflow/sequence"
)

// Event is pushed to every connected client after a confirmed write.
type Event struct {
	Type       string               `json:"type"`
	Task       *followup.Task       `json:"task,omitempty"`
	Enrollment *sequence.Enrollment `json:"enrollment,omitempty"`
	At         time.Time            `json:"at"`
}

const (
	EventTaskUpdated       = "task.updated"
	EventHistoryRecorded   = "task.history_recorded"
	EventEnrollmentUpdated = "enrollment.updated"
)

type jsonWriter interface {
	WriteJSON(v interface{}) error
}

// EventHub fans events out to the websocket subscribers.
type EventHub struct {
	mu      sync.Mutex
	clients map[jsonWriter]struct{}
	Logger  *log.Logger
}

func NewEventHub(logger *log.Logger) *EventHub {
	return &EventHub{
		clients: make(map[jsonWriter]struct{}),
		Logger:  logger,
	}
}

func (h *EventHub) subscribe(w jsonWriter) {
	h.mu.Lock()
	h.clients[w] = struct{}{}
	h.mu.Unlock()
}

func (h *EventHub) unsubscribe(w jsonWriter) {
	h.mu.Lock()
	delete(h.clients, w)
	h.mu.Unlock()
}

// Subscribers returns the number of connected clients.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast writes the event to every subscriber under the hub lock, so
// writes to one connection never interleave. Clients that fail a write are
// dropped.
func (h *EventHub) Broadcast(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.clients {
		if err := w.WriteJSON(event); err != nil {
			h.Logger.Printf("Dropping event subscriber: %v", err)
			delete(h.clients, w)
		}
	}
}

// HandleEventsWS keeps the connection subscribed until the client goes away.
// Incoming messages are read and discarded.
func (h *EventHub) HandleEventsWS(c *websocket.Conn) {
	defer c.Close()

	h.subscribe(c)
	defer h.unsubscribe(c)

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}
