// Package gateway provides the HTTP API for triggering prompts from outside
// the chat platforms.
//
// Routes:
//   - POST /api/send    answer a prompt and deliver it to a chat
//   - POST /api/prompt  answer a prompt and return it
//   - GET  /api/health  liveness
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/aibotto/pkg/aibotto/copilot"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Backend answers prompts. *copilot.Assistant satisfies it.
type Backend interface {
	Prompt(ctx context.Context, prompt string) string
	DeliverPrompt(ctx context.Context, channel, chatID, prompt string) (string, error)
}

// Gateway is the HTTP API server.
type Gateway struct {
	backend Backend
	config  copilot.GatewayConfig
	server  *http.Server
	logger  *slog.Logger
}

// New creates a gateway.
func New(backend Backend, cfg copilot.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "0.0.0.0:8000"
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "telegram"
	}
	return &Gateway{
		backend: backend,
		config:  cfg,
		logger:  logger.With("component", "gateway"),
	}
}

// Handler returns the routed handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", g.handleHealth)
	mux.HandleFunc("POST /api/send", g.handleSend)
	mux.HandleFunc("POST /api/prompt", g.handlePrompt)
	return g.requestIDMiddleware(g.authMiddleware(mux))
}

// Start listens in the background. Listen errors are returned directly.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", g.config.Address, err)
	}
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if g.config.AuthToken == "" && !isLoopbackAddress(g.config.Address) {
		g.logger.Warn("gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// ---------- Handlers ----------

type sendRequest struct {
	ChatID  json.RawMessage `json:"chat_id"`
	Prompt  string          `json:"prompt"`
	Channel string          `json:"channel,omitempty"`
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

// handleHealth implements GET /api/health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleSend implements POST /api/send.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !g.decode(w, r, &req) {
		return
	}
	chatID, ok := parseChatID(req.ChatID)
	if !ok {
		g.writeError(w, "chat_id must be a string or integer", http.StatusUnprocessableEntity)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		g.writeError(w, "prompt is required", http.StatusUnprocessableEntity)
		return
	}
	channel := req.Channel
	if channel == "" {
		channel = g.config.DefaultChannel
	}

	logger := g.logger.With("request_id", requestID(r), "channel", channel, "chat_id", chatID)
	logger.Info("processing API prompt")

	if _, err := g.backend.DeliverPrompt(r.Context(), channel, chatID, req.Prompt); err != nil {
		logger.Error("failed to deliver API prompt", "error", err)
		g.writeError(w, "Failed to send response to chat "+chatID, http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Response sent to chat " + chatID,
		"chat_id": req.ChatID,
	})
}

// handlePrompt implements POST /api/prompt.
func (g *Gateway) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !g.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		g.writeError(w, "prompt is required", http.StatusUnprocessableEntity)
		return
	}
	g.logger.Info("processing API prompt", "request_id", requestID(r), "deliver", false)
	g.writeJSON(w, http.StatusOK, map[string]string{"response": g.backend.Prompt(r.Context(), req.Prompt)})
}

// ---------- Helpers ----------

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.writeError(w, "failed to read body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// parseChatID accepts a JSON string or integer.
func parseChatID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := n.Int64(); err == nil {
			return n.String(), true
		}
	}
	return "", false
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	g.writeJSON(w, code, map[string]string{"detail": msg})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Compile-time interface verification.
var _ Backend = (*copilot.Assistant)(nil)
