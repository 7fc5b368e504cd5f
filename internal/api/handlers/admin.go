package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"routeready/internal/core"
	"routeready/internal/types"
)

// AuditLister reads the audit trail. Satisfied by db.AuditRepository.
type AuditLister interface {
	List(ctx context.Context, limit int) ([]types.AuditEvent, error)
}

// AuditEventsResponse is the response body for the audit listing.
type AuditEventsResponse struct {
	Events []types.AuditEvent `json:"events"`
}

// AdminHandler implements the admin-only read surface.
type AdminHandler struct {
	audit  AuditLister
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler with the provided dependencies.
func NewAdminHandler(audit AuditLister, l *slog.Logger) *AdminHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AdminHandler{audit: audit, logger: l}
}

// RegisterRoutes mounts the admin endpoints behind the admin role check.
func (h *AdminHandler) RegisterRoutes(r chi.Router, requireAdmin func(http.Handler) http.Handler) {
	r.With(requireAdmin).Get("/admin/audit-events", h.ListAuditEvents)
}

// ListAuditEvents returns the most recent audit events, newest first.
// An optional ?limit= query parameter caps the page size; the repository
// clamps it to a sane range.
func (h *AdminHandler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			core.Error(w, r, types.NewAppErrorWithDetails(
				types.ErrCodeValidationMissingField,
				"limit must be a positive integer",
				nil,
				map[string]any{"field": "limit"},
			))
			return
		}
		limit = parsed
	}

	events, err := h.audit.List(r.Context(), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: AuditEventsResponse{Events: events},
	})
}
