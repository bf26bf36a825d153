package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"mlmengine/internal/dashboard"
	"mlmengine/internal/domain"
	"mlmengine/pkg/logger"
	"mlmengine/pkg/validator"
)

// NetworkService is the write side of the engine.
type NetworkService interface {
	Register(ctx context.Context, sponsorID *uuid.UUID, attrs domain.MemberAttributes) (*domain.Member, error)
	RecordVolume(ctx context.Context, ev domain.VolumeEvent) ([]*domain.CommissionEntry, error)
	SetStatus(ctx context.Context, id uuid.UUID, status domain.MemberStatus) error
	RunCycle(ctx context.Context, periodKey string) (*domain.CycleSummary, error)
	ClosePeriod(ctx context.Context, periodKey string) error
}

// Projections is the read side of the engine.
type Projections interface {
	Member(ctx context.Context, id uuid.UUID) (*dashboard.MemberView, error)
	Progress(ctx context.Context, id uuid.UUID) (*domain.RankProgress, error)
	Tree(ctx context.Context, id uuid.UUID, depth int) (*dashboard.TreeNode, error)
	Commissions(ctx context.Context, id uuid.UUID, limit, offset int) (*dashboard.CommissionPage, error)
	Ledger(ctx context.Context, periodKey string) (*dashboard.LedgerReport, error)
	LastCycle() *domain.CycleSummary
}

type RegisterRequest struct {
	SponsorID      *uuid.UUID      `json:"sponsor_id"`
	Name           string          `json:"name" validate:"required,max=120"`
	Email          string          `json:"email" validate:"omitempty,email"`
	PersonalVolume decimal.Decimal `json:"personal_volume" validate:"gte=0"`
}

type VolumeRequest struct {
	Reference  string          `json:"reference" validate:"required,max=128"`
	Volume     decimal.Decimal `json:"volume" validate:"gte=0"`
	PeriodKey  string          `json:"period_key" validate:"omitempty,max=64"`
	OccurredAt *time.Time      `json:"occurred_at"`
}

// MemberHandler serves member registration, volume intake and member views.
type MemberHandler struct {
	network   NetworkService
	views     Projections
	validator *validator.Validator
	logger    logger.Logger
}

func NewMemberHandler(network NetworkService, views Projections, val *validator.Validator, log logger.Logger) *MemberHandler {
	return &MemberHandler{
		network:   network,
		views:     views,
		validator: val,
		logger:    log,
	}
}

// Register places a new member. Without sponsor_id it creates the root.
func (h *MemberHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if valErrs := h.validator.ValidateStructured(&req); valErrs != nil {
		respondValidationErrors(w, valErrs)
		return
	}

	member, err := h.network.Register(r.Context(), req.SponsorID, domain.MemberAttributes{
		Name:           validator.Sanitize(req.Name),
		Email:          strings.TrimSpace(req.Email),
		PersonalVolume: req.PersonalVolume,
	})
	if err != nil {
		respondEngineError(w, h.logger, "Registration failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, member)
}

// RecordVolume credits a purchase to the member and returns the commissions
// it produced.
func (h *MemberHandler) RecordVolume(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}

	var req VolumeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if valErrs := h.validator.ValidateStructured(&req); valErrs != nil {
		respondValidationErrors(w, valErrs)
		return
	}

	ev := domain.VolumeEvent{
		Reference: req.Reference,
		MemberID:  id,
		Volume:    req.Volume,
		PeriodKey: req.PeriodKey,
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = req.OccurredAt.UTC()
	}

	entries, err := h.network.RecordVolume(r.Context(), ev)
	if err != nil {
		respondEngineError(w, h.logger, "Volume event failed", err)
		return
	}
	if entries == nil {
		entries = []*domain.CommissionEntry{}
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"reference":   req.Reference,
		"commissions": entries,
	})
}

func (h *MemberHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.MemberStatusInactive)
}

func (h *MemberHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.MemberStatusActive)
}

func (h *MemberHandler) setStatus(w http.ResponseWriter, r *http.Request, status domain.MemberStatus) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}
	if err := h.network.SetStatus(r.Context(), id, status); err != nil {
		respondEngineError(w, h.logger, "Status change failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"member_id": id,
		"status":    status,
	})
}

func (h *MemberHandler) GetMember(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}
	view, err := h.views.Member(r.Context(), id)
	if err != nil {
		respondEngineError(w, h.logger, "Failed to load member", err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *MemberHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}
	progress, err := h.views.Progress(r.Context(), id)
	if err != nil {
		respondEngineError(w, h.logger, "Failed to load rank progress", err)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

func (h *MemberHandler) GetTree(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}
	depth := dashboard.DefaultTreeDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "depth must be a positive integer")
			return
		}
		depth = n
	}

	tree, err := h.views.Tree(r.Context(), id, depth)
	if err != nil {
		respondEngineError(w, h.logger, "Failed to load tree", err)
		return
	}
	respondJSON(w, http.StatusOK, tree)
}

func (h *MemberHandler) GetCommissions(w http.ResponseWriter, r *http.Request) {
	id, ok := memberID(w, r)
	if !ok {
		return
	}
	limit, offset := 0, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	page, err := h.views.Commissions(r.Context(), id, limit, offset)
	if err != nil {
		respondEngineError(w, h.logger, "Failed to load commissions", err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func memberID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid member ID")
		return uuid.Nil, false
	}
	return id, true
}
