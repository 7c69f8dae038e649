package api

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentic-studio/internal/content"
	"github.com/ashureev/agentic-studio/internal/identity"
	"github.com/ashureev/agentic-studio/internal/studio"
	"github.com/ashureev/agentic-studio/web"
)

// PageHandler renders the studio landing page.
type PageHandler struct {
	svc  *studio.Service
	page *content.Page
	tmpl *template.Template
}

type pageData struct {
	Page     *content.Page
	Snapshot studio.Snapshot
}

// NewPageHandler parses the embedded page template.
func NewPageHandler(svc *studio.Service, page *content.Page) (*PageHandler, error) {
	tmpl, err := web.PageTemplate()
	if err != nil {
		return nil, fmt.Errorf("parse page template: %w", err)
	}
	return &PageHandler{svc: svc, page: page, tmpl: tmpl}, nil
}

// ServeHTTP renders the page with a freshly seeded console. Every load gets a
// new tab session ID, so a reload starts the conversation over. Nothing is
// stored until the tab sends its first console event.
func (h *PageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	ctx := identity.WithIdentity(r.Context(), visitorID, identity.NewSessionID())
	snap := h.svc.Preview(studio.RefFromContext(ctx))

	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, pageData{Page: h.page, Snapshot: snap}); err != nil {
		slog.Error("Failed to render page", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := buf.WriteTo(w); err != nil {
		slog.Debug("Failed to write page", "error", err)
	}
}
