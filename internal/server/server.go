// Package server is the HTTP front door: WebSocket attach, room read
// endpoints, health, and the internal presence RPC mount. No business logic
// lives here; handlers validate, delegate to the room coordinators, and
// serialize JSON.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	gws "github.com/gorilla/websocket"

	"roomcast/internal/presence"
	"roomcast/internal/room"
	"roomcast/internal/storage"
	"roomcast/internal/websocket"
	"roomcast/pkg/types"
)

// Server routes client traffic to room coordinators.
type Server struct {
	rooms        *room.Manager
	router       *http.ServeMux
	upgrader     gws.Upgrader
	readTimeout  time.Duration
	pingInterval time.Duration
}

// NewServer builds the router. presenceHandler may be nil when the internal
// presence RPC surface is not exposed.
func NewServer(rooms *room.Manager, presenceHandler *presence.Handler, readTimeout, pingInterval time.Duration) *Server {
	s := &Server{
		rooms:  rooms,
		router: http.NewServeMux(),
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		readTimeout:  readTimeout,
		pingInterval: pingInterval,
	}

	s.router.Handle("/room/", s.corsMiddleware(http.HandlerFunc(s.handleRoom)))
	s.router.Handle("/health", s.corsMiddleware(http.HandlerFunc(s.healthCheck)))
	if presenceHandler != nil {
		s.router.Handle("/internal/presence/", http.StripPrefix("/internal/presence/", presenceHandler))
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleRoom dispatches /room/{roomId} (WebSocket attach) and the
// /room/{roomId}/{online|messages|settings} read endpoints.
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/room/"), "/")
	if path == "" {
		s.sendError(w, "Room ID required", http.StatusBadRequest)
		return
	}

	parts := strings.Split(path, "/")
	roomID := parts[0]

	switch {
	case len(parts) == 1:
		s.handleConnect(w, r, roomID)
	case len(parts) == 2 && r.Method == http.MethodGet:
		switch parts[1] {
		case "online":
			s.handleOnline(w, r, roomID)
		case "messages":
			s.handleMessages(w, r, roomID)
		case "settings":
			s.handleSettings(w, r, roomID)
		default:
			s.sendError(w, "Not found", http.StatusNotFound)
		}
	default:
		s.sendError(w, "Not found", http.StatusNotFound)
	}
}

// handleConnect validates identity, upgrades, and runs the connection's read
// loop until the socket closes. Validation failures are rejected before the
// upgrade so clients get a proper HTTP status.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("userId")
	if err := types.ValidateUserID(userID); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed for user %s: %v", userID, err)
		return
	}

	conn := websocket.NewConnection(socket, userID)
	coord := s.rooms.Get(roomID)

	if err := coord.Connect(r.Context(), conn); err != nil {
		log.Printf("Connect failed for user %s in room %s: %v", userID, roomID, err)
		_ = conn.Close(gws.CloseInternalServerErr, "Room unavailable")
		return
	}

	conn.ReadLoop(s.readTimeout, s.pingInterval, func(data []byte) {
		coord.HandleFrame(conn, data)
	})

	coord.Disconnect(conn)
	_ = conn.Close(websocket.CloseCodeNormal, "")
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request, roomID string) {
	users, count := s.rooms.Get(roomID).OnlineUsers(r.Context())
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": count,
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, roomID string) {
	limit := storage.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	messages, err := s.rooms.Get(roomID).RecentMessages(r.Context(), limit)
	if err != nil {
		log.Printf("History query failed for room %s: %v", roomID, err)
		s.sendError(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []types.Message{}
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, roomID string) {
	settings, err := s.rooms.Get(roomID).Settings(r.Context())
	if err != nil {
		log.Printf("Settings query failed for room %s: %v", roomID, err)
		s.sendError(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, settings)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"ts":     types.NowMillis(),
		"rooms":  s.rooms.RoomCount(),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, map[string]string{"error": message})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
