package handler

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"mlmengine/pkg/logger"
)

// AdminHandler runs payout cycles and exposes the full ledger.
type AdminHandler struct {
	network NetworkService
	views   Projections
	logger  logger.Logger
}

func NewAdminHandler(network NetworkService, views Projections, log logger.Logger) *AdminHandler {
	return &AdminHandler{
		network: network,
		views:   views,
		logger:  log,
	}
}

func (h *AdminHandler) RunCycle(w http.ResponseWriter, r *http.Request) {
	period := mux.Vars(r)["period"]
	summary, err := h.network.RunCycle(r.Context(), period)
	if err != nil {
		respondEngineError(w, h.logger, "Payout cycle failed", err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *AdminHandler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	period := mux.Vars(r)["period"]
	if err := h.network.ClosePeriod(r.Context(), period); err != nil {
		respondEngineError(w, h.logger, "Period close failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"period_key": period,
		"status":     "closed",
	})
}

func (h *AdminHandler) LastCycle(w http.ResponseWriter, r *http.Request) {
	summary := h.views.LastCycle()
	if summary == nil {
		respondError(w, http.StatusNotFound, "No cycle has run yet")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// Ledger lists a period's entries; ?period= defaults to the current period.
func (h *AdminHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	report, err := h.views.Ledger(r.Context(), period)
	if err != nil {
		respondEngineError(w, h.logger, "Failed to load ledger", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
