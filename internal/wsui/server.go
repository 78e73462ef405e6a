// Package wsui implements the concrete realization of spec.md §6's "Events
// emitted to the supervisor/UI": a bounded websocket broadcaster so an
// external terminal UI (or any other consumer) can subscribe to per-system
// lifecycle events and issue restart/reload/shutdown requests back.
//
// Grounded on vanducng-goclaw/internal/gateway/server.go's Server/Client/
// BroadcastEvent pattern (upgrade, register client, fan out, drop slow
// clients), trimmed to only the lifecycle-event broadcast and health check
// — the teacher's chat/tool/managed-mode HTTP handlers have no analogue in
// this domain.
package wsui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskward/seance/pkg/protocol"
)

// RequestHandler is invoked for every control request a connected client
// sends (restart / reload_config / shutdown_system / shutdown_all).
type RequestHandler func(protocol.Request)

// Server broadcasts protocol.Event values to every connected websocket
// client and relays inbound protocol.Request values to a handler.
type Server struct {
	upgrader websocket.Upgrader
	onRequest RequestHandler

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
}

// NewServer constructs a Server. onRequest may be nil to ignore inbound
// requests (read-only UI consumers).
func NewServer(onRequest RequestHandler) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		onRequest: onRequest,
		clients:   make(map[string]*client),
	}
}

// Start listens on addr and serves /ws and /healthz until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("wsui listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("wsui server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("wsui upgrade failed", "error", err)
		return
	}

	c := newClient(conn)
	s.register(c)
	defer func() {
		s.unregister(c)
		c.close()
	}()

	c.readLoop(r.Context(), s.onRequest)
}

// Broadcast fans an event out to every connected client. Slow clients whose
// send queue is full are dropped rather than blocking the broadcaster — the
// same trade-off the teacher's gateway server makes.
func (s *Server) Broadcast(ev protocol.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.clients {
		if !c.trySend(ev) {
			slog.Warn("dropping slow wsui client", "client", id)
			// Closing the connection ends the client's read loop, which
			// unregisters it in handleWebSocket.
			_ = c.conn.Close()
		}
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
}

func encodeEvent(ev protocol.Event) ([]byte, error) {
	return json.Marshal(ev)
}
