package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/agentic-studio/internal/identity"
	"github.com/ashureev/agentic-studio/internal/middleware"
	"github.com/ashureev/agentic-studio/internal/studio"
)

const (
	writeTimeout    = 5 * time.Second
	defaultMaxFrame = 64 << 10
)

// Message types sent by the client.
const (
	TypeSubmit  = "submit"
	TypePrefill = "prefill"
	TypeReset   = "reset"
	TypePing    = "ping"
)

// Message types sent by the server.
const (
	TypeState = "state"
	TypePong  = "pong"
	TypeError = "error"
)

// inbound is a client frame.
type inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// outbound is a server frame.
type outbound struct {
	Type         string           `json:"type"`
	Conversation *studio.Snapshot `json:"conversation,omitempty"`
	Accepted     *bool            `json:"accepted,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Options configures a Handler.
type Options struct {
	AllowedOrigins []string
	IsDev          bool
	MaxFrameBytes  int64
	// Limiter bounds submits per visitor. Nil disables limiting.
	Limiter *middleware.RateLimiter
}

// Handler upgrades requests to WebSocket and runs console events over them.
type Handler struct {
	svc      *studio.Service
	registry *Registry
	opts     Options
}

// NewHandler creates a WebSocket console handler.
func NewHandler(svc *studio.Service, registry *Registry, opts Options) *Handler {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrame
	}
	return &Handler{svc: svc, registry: registry, opts: opts}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ref := studio.RefFromContext(r.Context())
	slog.Info("WebSocket connection request", "visitor_id", ref.VisitorID, "session_id", ref.SessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "visitor_id", ref.VisitorID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "visitor_id", ref.VisitorID)
		}
	}()
	ws.SetReadLimit(h.opts.MaxFrameBytes)

	key := ref.Key()
	h.registry.Register(key, ws)
	defer h.registry.Unregister(key, ws)

	ctx := studio.WithChannel(r.Context(), "websocket")

	snap, err := h.svc.Snapshot(ctx, ref)
	if err != nil {
		_ = h.writeJSON(ctx, ws, errorFrame(err, ref))
		return
	}
	if err := h.writeJSON(ctx, ws, outbound{Type: TypeState, Conversation: &snap}); err != nil {
		slog.Debug("Failed to send initial state", "error", err)
		return
	}

	h.readLoop(ctx, ws, ref)
	slog.Info("Chat session ended", "visitor_id", ref.VisitorID, "session_id", ref.SessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigins)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, ref studio.Ref) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed", "visitor_id", ref.VisitorID, "session_id", ref.SessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "visitor_id", ref.VisitorID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := h.writeJSON(ctx, ws, outbound{Type: TypeError, Error: "invalid_message"}); err != nil {
				return
			}
			continue
		}

		if err := h.writeJSON(ctx, ws, h.dispatch(ctx, ref, msg)); err != nil {
			slog.Debug("WebSocket write error", "error", err, "visitor_id", ref.VisitorID)
			return
		}
	}
}

// dispatch applies one client frame and returns the reply frame.
func (h *Handler) dispatch(ctx context.Context, ref studio.Ref, msg inbound) outbound {
	var (
		snap     studio.Snapshot
		accepted *bool
		err      error
	)

	switch msg.Type {
	case TypePing:
		if err := h.svc.Touch(ctx, ref); err != nil {
			return errorFrame(err, ref)
		}
		return outbound{Type: TypePong}
	case TypeSubmit:
		if h.opts.Limiter != nil && !h.opts.Limiter.Allow(ref.VisitorID) {
			return outbound{Type: TypeError, Error: "rate_limited"}
		}
		var ok bool
		snap, ok, err = h.svc.Submit(ctx, ref, msg.Content)
		accepted = &ok
	case TypePrefill:
		snap, err = h.svc.FillInput(ctx, ref, msg.Content)
	case TypeReset:
		snap, err = h.svc.Reset(ctx, ref)
	default:
		return outbound{Type: TypeError, Error: "unknown_message_type"}
	}

	if err != nil {
		return errorFrame(err, ref)
	}
	return outbound{Type: TypeState, Conversation: &snap, Accepted: accepted}
}

func errorFrame(err error, ref studio.Ref) outbound {
	switch {
	case errors.Is(err, studio.ErrInputTooLong):
		return outbound{Type: TypeError, Error: "message_too_long"}
	case errors.Is(err, studio.ErrSessionExpired):
		return outbound{Type: TypeError, Error: "session_expired"}
	}
	slog.Error("Console event failed", "error", err, "visitor_id", ref.VisitorID, "session_id", ref.SessionID)
	return outbound{Type: TypeError, Error: "internal_error"}
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
