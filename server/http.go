package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are chat applications, not browser pages.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Router serves the WebSocket transport and the internal endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.WebSocketHandler)
	return r
}

// pinger is implemented by directories backed by a database connection.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if db, ok := s.dir.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := db.Ping(ctx); err != nil {
			errorLog.Printf("Health check: database unreachable: %v", err)
			status, code = "degraded", http.StatusServiceUnavailable
		}
		cancel()
	}
	if s.closing.Load() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"connections": s.registry.Count(),
		"online":      len(s.registry.OnlineUsernames()),
	})
}

// WebSocketHandler upgrades the request and serves it like a TCP client,
// one protocol line per text message.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	s.serve(newWSTransport(conn, s.config.ReadTimeout, s.config.MaxLineBytes))
}
