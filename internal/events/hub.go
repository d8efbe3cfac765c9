package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/octylFractal/backup-secretary/internal/notification"
)

// Hub routes published messages to subscribed clients. Every send to and
// close of a client's channel happens under mu, so a client is never sent
// to after it has been dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub returns an open hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// subscribe adds c and reports whether the hub is still open.
func (h *Hub) subscribe(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

// drop must be called with mu held.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish queues msg for every client subscribed to its topic. Clients whose
// buffer is full are disconnected rather than waited on.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(msg.Topic) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.drop(c)
		}
	}
}

// Close disconnects every client. Later subscriptions are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.drop(c)
	}
}

// ConnectedCount returns the number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) publishRun(key string, typ MessageType, payload any) {
	h.Publish(Message{Type: typ, Topic: TopicRuns, Payload: payload})
	h.Publish(Message{Type: typ, Topic: SetupTopic(key), Payload: payload})
}

// RunStarted publishes MsgRunStarted.
func (h *Hub) RunStarted(key string, runID uuid.UUID, trigger string, at time.Time) {
	h.publishRun(key, MsgRunStarted, RunStarted{
		RunID:       runID.String(),
		SetupKey:    key,
		TriggeredBy: trigger,
		StartedAt:   at,
	})
}

// NotifyRun publishes MsgRunFinished. It never fails, so a Hub can sit next
// to other notifiers.
func (h *Hub) NotifyRun(_ context.Context, e notification.RunEvent) error {
	h.publishRun(e.SetupKey, MsgRunFinished, runFinished(e))
	return nil
}
