package room

import (
	"errors"
	"sync"

	"roomcast/internal/presence"
	"roomcast/internal/storage"
	"roomcast/internal/syncer"
)

// ErrRoomStopped is returned for requests against a stopped coordinator.
var ErrRoomStopped = errors.New("room coordinator stopped")

// Manager owns the room-key to coordinator mapping, guaranteeing at most
// one live coordinator per room in this process.
type Manager struct {
	store    *storage.Manager
	external syncer.ExternalStore
	presence *presence.Service
	cfg      Config

	mu    sync.Mutex
	rooms map[string]*Coordinator
}

// NewManager creates the coordinator registry. external may be nil.
func NewManager(store *storage.Manager, external syncer.ExternalStore, presenceSvc *presence.Service, cfg Config) *Manager {
	return &Manager{
		store:    store,
		external: external,
		presence: presenceSvc,
		cfg:      cfg,
		rooms:    make(map[string]*Coordinator),
	}
}

// Get returns the coordinator for roomID, creating it on first contact.
func (m *Manager) Get(roomID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()

	coord, ok := m.rooms[roomID]
	if !ok {
		coord = NewCoordinator(roomID, m.store, m.external, m.presence, m.cfg)
		m.rooms[roomID] = coord
	}
	return coord
}

// Lookup returns the coordinator for roomID without creating one.
func (m *Manager) Lookup(roomID string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coord, ok := m.rooms[roomID]
	return coord, ok
}

// RoomCount reports the number of live coordinators.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Stop terminates every coordinator.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, coord := range m.rooms {
		coord.Stop()
	}
	m.rooms = make(map[string]*Coordinator)
}
