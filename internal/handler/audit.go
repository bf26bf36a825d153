package handler

import (
	"context"
	"net/http"
	"strconv"

	"mlmengine/internal/domain"
	"mlmengine/pkg/logger"
)

// AuditLog reads the persisted admin audit trail.
type AuditLog interface {
	FindAll(ctx context.Context, limit, offset int) ([]*domain.AuditEntry, error)
	CountAll(ctx context.Context) (int, error)
}

type AuditHandler struct {
	log    AuditLog
	logger logger.Logger
}

func NewAuditHandler(log AuditLog, l logger.Logger) *AuditHandler {
	return &AuditHandler{log: log, logger: l}
}

// List pages through admin actions, newest first.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	entries, err := h.log.FindAll(r.Context(), limit, offset)
	if err != nil {
		respondEngineError(w, h.logger, "Failed to load audit log", err)
		return
	}
	total, err := h.log.CountAll(r.Context())
	if err != nil {
		respondEngineError(w, h.logger, "Failed to load audit log", err)
		return
	}
	if entries == nil {
		entries = []*domain.AuditEntry{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
