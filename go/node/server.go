// Package node ties the SDK together: the webhook HTTP server the platform
// talks to, and the analysis-facing facade with its bootstrap sequence.
package node

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/fedstar/core/go/broker"
	"github.com/fedstar/core/go/config"
	"github.com/fedstar/core/go/ops"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAddr is the fixed local address the webhook server listens on.
const DefaultAddr = ":8000"

// tokenRefresher is any client holding the platform bearer token.
type tokenRefresher interface {
	RefreshToken(token string)
}

// Server is the node's only inbound surface: health, webhook deliveries,
// token refresh and metrics. A Server with a nil broker client (a node
// stuck at bootstrap) still serves health but refuses webhook traffic.
type Server struct {
	node   *config.Node
	logger *ops.Logger
	broker *broker.Client

	refreshers []tokenRefresher

	tokenMu sync.Mutex
	token   string
}

// NewServer builds the webhook server. refreshers are every client which
// must learn about platform token rotations.
func NewServer(node *config.Node, logger *ops.Logger, brokerClient *broker.Client, refreshers ...tokenRefresher) *Server {
	return &Server{
		node:       node,
		logger:     logger,
		broker:     brokerClient,
		refreshers: refreshers,
		token:      node.Env.PlatformToken,
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	var r = chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhook", s.handleWebhook)
	r.Post("/token_refresh", s.handleTokenRefresh)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start listens on addr and serves in a background goroutine, returning
// the bound address.
func (s *Server) Start(addr string) (string, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	var listener, err = net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", addr, err)
	}

	go func() {
		if err := http.Serve(listener, s.Router()); err != nil {
			s.logger.Logf("error", "webhook server stopped: %v", err)
		}
	}()
	return listener.Addr().String(), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var status = s.logger.RunStatus()
	if s.node.Finished() {
		status = config.StateFinished
	}

	var remaining int
	if d, err := config.TokenRemaining(s.currentToken()); err == nil {
		remaining = int(d.Seconds())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                  status,
		"progress":                s.logger.Progress(),
		"token_remaining_seconds": remaining,
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "node is stuck; webhook is not accepting deliveries"})
		return
	}

	var msg broker.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": fmt.Sprintf("malformed message body: %v", err)})
		return
	}

	// Echoes of this node's own sends come back through here; logging
	// them would double every message.
	if msg.Meta.Sender != s.node.NodeID() {
		s.logger.Logf("debug", "webhook delivery %s (category %s) from %s", msg.Meta.ID, msg.Meta.Category, msg.Meta.Sender)
	}

	if err := s.broker.Receive(r.Context(), &msg); err != nil {
		s.logger.Logf("warning", "ingesting webhook delivery %s: %v", msg.Meta.ID, err)
	}

	if msg.Meta.Category == FinishedCategory {
		s.node.Finish()
		s.logger.SetProgress(100)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": fmt.Sprintf("malformed refresh body: %v", err)})
		return
	}
	if body.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "token is required"})
		return
	}

	for _, client := range s.refreshers {
		client.RefreshToken(body.Token)
	}
	s.tokenMu.Lock()
	s.token = body.Token
	s.tokenMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "token refreshed successfully"})
}

func (s *Server) currentToken() string {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	return s.token
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
