package main

import (
	"fmt"
	"sync"
)

// EventSender defines the minimal interface the hub needs from a connection:
// the ability to push Event frames to the connected client.
type EventSender interface {
	Send(Event) error
}

// ConnectionHub tracks active websocket connections for signed-in users.
// It maps user ids to one or more connections so the server can push frames
// to all currently-connected devices for a user.
type ConnectionHub struct {
	mu     sync.RWMutex
	conns  map[string]map[int64]EventSender
	nextID int64
}

// NewConnectionHub creates a new hub instance.
func NewConnectionHub() *ConnectionHub {
	return &ConnectionHub{conns: make(map[string]map[int64]EventSender)}
}

// Register registers a connection for the given user and returns a
// connection id used later to unregister it when the socket closes.
func (h *ConnectionHub) Register(userID string, s EventSender) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[userID]; !ok {
		h.conns[userID] = make(map[int64]EventSender)
	}

	h.nextID++
	id := h.nextID
	h.conns[userID][id] = s
	return id
}

// Unregister removes a previously-registered connection for the given user.
func (h *ConnectionHub) Unregister(userID string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.conns[userID]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(h.conns, userID)
		}
	}
}

// SendToUser attempts to push the event to all currently-connected devices
// for the given user. If the user is not connected, returns an error.
// Delivery is best-effort: it tries every connection and returns the first
// error encountered (if any).
func (h *ConnectionHub) SendToUser(userID string, ev Event) error {
	h.mu.RLock()
	conns, ok := h.conns[userID]
	h.mu.RUnlock()

	if !ok || len(conns) == 0 {
		return fmt.Errorf("user %s not connected", userID)
	}

	var firstErr error
	// Track connection ids which failed so we can unregister them and avoid
	// keeping stale/broken sockets in the hub.
	var failedIDs []int64

	for id, c := range conns {
		if err := c.Send(ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failedIDs = append(failedIDs, id)
		}
	}

	for _, id := range failedIDs {
		h.Unregister(userID, id)
	}

	return firstErr
}

// Broadcast pushes the event to every connection of every user. Used for
// server-wide notices such as the graceful-shutdown frame.
func (h *ConnectionHub) Broadcast(ev Event) {
	h.mu.RLock()
	users := make([]string, 0, len(h.conns))
	for userID := range h.conns {
		users = append(users, userID)
	}
	h.mu.RUnlock()

	for _, userID := range users {
		_ = h.SendToUser(userID, ev) // broken sockets get pruned inside
	}
}
