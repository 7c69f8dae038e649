package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/agentic-studio/internal/config"
	"github.com/ashureev/agentic-studio/internal/content"
	"github.com/ashureev/agentic-studio/internal/identity"
	"github.com/ashureev/agentic-studio/internal/middleware"
	"github.com/ashureev/agentic-studio/internal/studio"
)

// ConversationHandler exposes the console over JSON.
type ConversationHandler struct {
	svc         *studio.Service
	page        *content.Page
	limiter     *middleware.RateLimiter
	maxBodySize int64
}

// NewConversationHandler creates a console handler. limiter may be nil.
func NewConversationHandler(svc *studio.Service, page *content.Page, limiter *middleware.RateLimiter, cfg *config.Config) *ConversationHandler {
	h := &ConversationHandler{
		svc:         svc,
		page:        page,
		limiter:     limiter,
		maxBodySize: defaultMaxRequestBodySize,
	}
	if cfg != nil {
		h.maxBodySize = cfg.MaxRequestBodySize
	}
	return h
}

type submitRequest struct {
	Message string `json:"message"`
}

type prefillRequest struct {
	Prompt string `json:"prompt"`
}

type conversationResponse struct {
	Conversation studio.Snapshot `json:"conversation"`
	Accepted     *bool           `json:"accepted,omitempty"`
}

// RegisterRoutes registers console routes.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/content", h.GetContent)
		r.Route("/conversation", func(r chi.Router) {
			r.Get("/", h.GetConversation)
			r.Delete("/", h.ResetConversation)
			r.Post("/prefill", h.Prefill)
			r.With(h.rateLimit).Post("/messages", h.SubmitMessage)
		})
	})
}

func (h *ConversationHandler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	// Keyed by visitor, not tab, so opening tabs does not reset the budget.
	return middleware.RateLimit(h.limiter, func(r *http.Request) string {
		return identity.VisitorIDFromContext(r.Context())
	})(next)
}

// GetContent returns the copy the console needs on the client.
func (h *ConversationHandler) GetContent(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"title":         h.page.Title,
		"console":       h.page.Console,
		"hero_actions":  h.page.Hero.Actions,
		"quick_prompts": h.page.QuickPrompts,
	})
}

// GetConversation returns the current conversation of the tab session.
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Snapshot(r.Context(), studio.RefFromContext(r.Context()))
	if err != nil {
		h.serviceError(w, r, "Failed to load conversation", err)
		return
	}
	JSON(w, http.StatusOK, conversationResponse{Conversation: snap})
}

// SubmitMessage appends a message and its reply. Blank messages are ignored.
func (h *ConversationHandler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, h.maxBodySize, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	ref := studio.RefFromContext(r.Context())
	snap, accepted, err := h.svc.Submit(r.Context(), ref, req.Message)
	if err != nil {
		h.serviceError(w, r, "Failed to submit message", err)
		return
	}

	slog.Info("Console message",
		"visitor_id", ref.VisitorID,
		"session_id", ref.SessionID,
		"accepted", accepted,
		"message_length", len(req.Message),
	)
	JSON(w, http.StatusOK, conversationResponse{Conversation: snap, Accepted: &accepted})
}

// Prefill sets the pending composer input from a quick prompt.
func (h *ConversationHandler) Prefill(w http.ResponseWriter, r *http.Request) {
	var req prefillRequest
	if err := decodeBody(w, r, h.maxBodySize, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	snap, err := h.svc.FillInput(r.Context(), studio.RefFromContext(r.Context()), req.Prompt)
	if err != nil {
		h.serviceError(w, r, "Failed to prefill input", err)
		return
	}
	JSON(w, http.StatusOK, conversationResponse{Conversation: snap})
}

// ResetConversation starts the tab session over from the greeting.
func (h *ConversationHandler) ResetConversation(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Reset(r.Context(), studio.RefFromContext(r.Context()))
	if err != nil {
		h.serviceError(w, r, "Failed to reset conversation", err)
		return
	}
	JSON(w, http.StatusOK, conversationResponse{Conversation: snap})
}

// serviceError maps studio errors to responses. An expired tab gets 410.
func (h *ConversationHandler) serviceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, studio.ErrInputTooLong):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, studio.ErrSessionExpired):
		Error(w, http.StatusGone, "session_expired")
		return
	}

	slog.Error(msg,
		"error", err,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"session_key", identity.Key(r.Context()),
	)
	Error(w, http.StatusInternalServerError, "internal error")
}
