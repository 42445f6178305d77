// Package gateway serves the read-only presentation API: health, swarm
// status, cooldowns, metrics and a WebSocket event stream. It also mounts the
// browser bridge endpoint when bridge channels are configured.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatswarm/internal/agent"
	"github.com/nextlevelbuilder/chatswarm/internal/bus"
	"github.com/nextlevelbuilder/chatswarm/internal/channels"
	"github.com/nextlevelbuilder/chatswarm/internal/config"
	"github.com/nextlevelbuilder/chatswarm/internal/rules"
	"github.com/nextlevelbuilder/chatswarm/pkg/protocol"
)

const shutdownTimeout = 5 * time.Second

// Server is the presentation gateway.
type Server struct {
	cfg      config.GatewayConfig
	pool     *agent.Pool
	channels *channels.Manager
	eventPub bus.EventPublisher
	bridge   http.Handler

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. chans and eventPub may be nil.
func NewServer(cfg config.GatewayConfig, pool *agent.Pool, chans *channels.Manager, eventPub bus.EventPublisher) *Server {
	return &Server{
		cfg:      cfg,
		pool:     pool,
		channels: chans,
		eventPub: eventPub,
		clients:  make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetBridge mounts the browser adapter endpoint at /bridge/{agent}.
// Must be called before BuildMux.
func (s *Server) SetBridge(h http.Handler) { s.bridge = h }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /v1/cooldowns", s.auth(s.handleCooldowns))
	mux.Handle("GET /metrics", s.auth(s.pool.Stats().Handler().ServeHTTP))
	mux.HandleFunc("GET /ws", s.auth(s.handleWebSocket))
	if s.bridge != nil {
		mux.Handle("GET /bridge/{agent}", s.bridge)
	}
	s.mux = mux
	return mux
}

// Start listens on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("gateway starting", "addr", ln.Addr().String())

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.closeClients()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
	}()

	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return fmt.Errorf("gateway server: %w", err)
}

// auth checks the bearer token, or ?token= for browser WebSocket clients.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" || got == r.Header.Get("Authorization") {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

type statusResponse struct {
	agent.PoolSnapshot
	Channels []channels.ChannelStatus `json:"channels,omitempty"`
	Clients  int                      `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{PoolSnapshot: s.pool.Snapshot()}
	if s.channels != nil {
		resp.Channels = s.channels.GetStatus()
	}
	s.mu.RLock()
	resp.Clients = len(s.clients)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, resp)
}

type cooldownJSON struct {
	Key       string  `json:"key"`
	Tier      string  `json:"tier"`
	Trigger   string  `json:"trigger"`
	Cooldown  float64 `json:"cooldown_seconds"`
	Remaining float64 `json:"remaining_seconds"`
}

func (s *Server) handleCooldowns(w http.ResponseWriter, r *http.Request) {
	views := s.pool.Cooldowns(time.Now())
	out := make([]cooldownJSON, 0, len(views))
	for _, v := range views {
		out = append(out, toCooldownJSON(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cooldowns": out})
}

func toCooldownJSON(v rules.CooldownView) cooldownJSON {
	return cooldownJSON{
		Key:       v.Key,
		Tier:      string(v.Tier),
		Trigger:   v.Trigger,
		Cooldown:  v.Cooldown.Seconds(),
		Remaining: v.Remaining.Seconds(),
	}
}

// handleWebSocket upgrades HTTP to WebSocket and streams bus events until
// the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.SendEvent(*protocol.NewEvent(protocol.EventHealth, s.pool.Snapshot()))
	client.Run(r.Context())
}

// BroadcastEvent sends an event to all connected clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	if s.eventPub != nil {
		s.eventPub.Subscribe(c.id, func(event bus.Event) {
			c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
		})
	}
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	if s.eventPub != nil {
		s.eventPub.Unsubscribe(c.id)
	}
	slog.Info("client disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		c.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
