// Package hub keeps the in-memory registry of live connections for one room
// and fans events out to them. Hub state is owned by a single room
// coordinator and never shared across rooms; the registry is distinct from
// the durable presence service, which survives actor restarts.
package hub

import (
	"log"
	"sync"

	"roomcast/internal/protocol"
	"roomcast/internal/websocket"
)

// Hub is the per-room connection registry. At most one active connection per
// userID; a later registration for the same user supersedes the former.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*websocket.Connection // userID -> connection
}

// NewHub creates an empty registry.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*websocket.Connection),
	}
}

// Register inserts or replaces the connection for its userID. A superseded
// connection is closed asynchronously so registration never blocks on a
// slow socket.
func (h *Hub) Register(conn *websocket.Connection) {
	if conn == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.connections[conn.UserID()]; ok && existing != conn {
		go func() {
			if err := existing.Close(websocket.CloseCodeSuperseded, "superseded by newer connection"); err != nil {
				log.Printf("Failed to close superseded connection for user %s: %v", existing.UserID(), err)
			}
		}()
	}

	h.connections[conn.UserID()] = conn
}

// Unregister removes the connection only if it is still the registered one,
// so a superseded connection's teardown never evicts its replacement.
// Idempotent.
func (h *Hub) Unregister(conn *websocket.Connection) {
	if conn == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if registered, ok := h.connections[conn.UserID()]; ok && registered == conn {
		delete(h.connections, conn.UserID())
	}
}

// Broadcast delivers event to every registered connection except
// excludeUserID (empty string excludes nobody). A send failure to one
// connection is isolated and logged, never aborting delivery to others.
func (h *Hub) Broadcast(event protocol.Event, excludeUserID string) {
	h.mu.RLock()
	targets := make([]*websocket.Connection, 0, len(h.connections))
	for userID, conn := range h.connections {
		if userID == excludeUserID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Send(event); err != nil {
			log.Printf("Broadcast to user %s failed: %v", conn.UserID(), err)
		}
	}
}

// SendTo unicasts event to one user. A missing connection is a no-op with a
// diagnostic.
func (h *Hub) SendTo(userID string, event protocol.Event) {
	h.mu.RLock()
	conn, ok := h.connections[userID]
	h.mu.RUnlock()

	if !ok {
		log.Printf("No live connection for user %s, dropping %s event", userID, event.Kind())
		return
	}
	if err := conn.Send(event); err != nil {
		log.Printf("Send to user %s failed: %v", userID, err)
	}
}

// OnlineUsers returns a point-in-time snapshot of registered user IDs.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]string, 0, len(h.connections))
	for userID := range h.connections {
		users = append(users, userID)
	}
	return users
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// CloseAll drains the registry, closing every connection with the given
// close code and reason. Used on shutdown.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.Lock()
	connections := h.connections
	h.connections = make(map[string]*websocket.Connection)
	h.mu.Unlock()

	for _, conn := range connections {
		if err := conn.Close(code, reason); err != nil {
			log.Printf("Failed to close connection for user %s: %v", conn.UserID(), err)
		}
	}
}
