package presence

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

// Handler exposes the per-shard request/response surface over HTTP for room
// actors running outside this process. Paths are {shardKey}/{op}; the shard
// key carries the room id, so this is never mounted client-facing.
type Handler struct {
	service *Service
}

// NewHandler creates the internal RPC handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
		return
	}
	shardKey, op := path[:idx], path[idx+1:]
	shard := h.service.ShardByKey(shardKey)

	switch {
	case r.Method == http.MethodPost && (op == "join" || op == "heartbeat" || op == "leave"):
		var body struct {
			UserID string `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId required"})
			return
		}

		var err error
		switch op {
		case "join":
			err = shard.Join(r.Context(), body.UserID)
		case "heartbeat":
			err = shard.Heartbeat(r.Context(), body.UserID)
		case "leave":
			err = shard.Leave(r.Context(), body.UserID)
		}
		if err != nil {
			log.Printf("Presence RPC %s failed for shard %s: %v", op, shardKey, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "presence operation failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case r.Method == http.MethodGet && op == "online":
		entries, err := shard.Online(r.Context())
		if err != nil {
			log.Printf("Presence RPC online failed for shard %s: %v", shardKey, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "presence operation failed"})
			return
		}
		users := make([]string, 0, len(entries))
		for _, entry := range entries {
			users = append(users, entry.UserID)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"users": users, "count": len(users)})

	case r.Method == http.MethodGet && op == "count":
		count, err := shard.Count(r.Context())
		if err != nil {
			log.Printf("Presence RPC count failed for shard %s: %v", shardKey, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "presence operation failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": count})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode presence RPC response: %v", err)
	}
}
