package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mlmengine/internal/dashboard"
	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"
	"mlmengine/pkg/logger"
	"mlmengine/pkg/validator"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mocks

type MockNetwork struct {
	mock.Mock
}

func (m *MockNetwork) Register(ctx context.Context, sponsorID *uuid.UUID, attrs domain.MemberAttributes) (*domain.Member, error) {
	args := m.Called(ctx, sponsorID, attrs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Member), args.Error(1)
}

func (m *MockNetwork) RecordVolume(ctx context.Context, ev domain.VolumeEvent) ([]*domain.CommissionEntry, error) {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CommissionEntry), args.Error(1)
}

func (m *MockNetwork) SetStatus(ctx context.Context, id uuid.UUID, status domain.MemberStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockNetwork) RunCycle(ctx context.Context, periodKey string) (*domain.CycleSummary, error) {
	args := m.Called(ctx, periodKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CycleSummary), args.Error(1)
}

func (m *MockNetwork) ClosePeriod(ctx context.Context, periodKey string) error {
	return m.Called(ctx, periodKey).Error(0)
}

type MockProjections struct {
	mock.Mock
}

func (m *MockProjections) Member(ctx context.Context, id uuid.UUID) (*dashboard.MemberView, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dashboard.MemberView), args.Error(1)
}

func (m *MockProjections) Progress(ctx context.Context, id uuid.UUID) (*domain.RankProgress, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RankProgress), args.Error(1)
}

func (m *MockProjections) Tree(ctx context.Context, id uuid.UUID, depth int) (*dashboard.TreeNode, error) {
	args := m.Called(ctx, id, depth)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dashboard.TreeNode), args.Error(1)
}

func (m *MockProjections) Commissions(ctx context.Context, id uuid.UUID, limit, offset int) (*dashboard.CommissionPage, error) {
	args := m.Called(ctx, id, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dashboard.CommissionPage), args.Error(1)
}

func (m *MockProjections) Ledger(ctx context.Context, periodKey string) (*dashboard.LedgerReport, error) {
	args := m.Called(ctx, periodKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dashboard.LedgerReport), args.Error(1)
}

func (m *MockProjections) LastCycle() *domain.CycleSummary {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*domain.CycleSummary)
}

// Helpers

func newRouter(network *MockNetwork, views *MockProjections) *mux.Router {
	log := logger.NewNop()
	members := NewMemberHandler(network, views, validator.New(), log)
	admin := NewAdminHandler(network, views, log)

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/members", members.Register).Methods("POST")
	r.HandleFunc("/api/v1/members/{id}", members.GetMember).Methods("GET")
	r.HandleFunc("/api/v1/members/{id}/volume", members.RecordVolume).Methods("POST")
	r.HandleFunc("/api/v1/members/{id}/deactivate", members.Deactivate).Methods("POST")
	r.HandleFunc("/api/v1/members/{id}/tree", members.GetTree).Methods("GET")
	r.HandleFunc("/api/v1/members/{id}/commissions", members.GetCommissions).Methods("GET")
	r.HandleFunc("/api/v1/cycles/last", admin.LastCycle).Methods("GET")
	r.HandleFunc("/api/v1/cycles/{period}/run", admin.RunCycle).Methods("POST")
	r.HandleFunc("/api/v1/cycles/{period}/close", admin.ClosePeriod).Methods("POST")
	r.HandleFunc("/api/v1/ledger", admin.Ledger).Methods("GET")
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	msg, _ := body["error"].(string)
	return msg
}

// Tests

func TestMemberHandler_Register(t *testing.T) {
	sponsor := uuid.New()

	t.Run("created", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		member := &domain.Member{ID: uuid.New(), SponsorID: &sponsor, Name: "Ada", Depth: 1}
		network.On("Register", mock.Anything, &sponsor, mock.MatchedBy(func(attrs domain.MemberAttributes) bool {
			return attrs.Name == "Ada" && attrs.PersonalVolume.Equal(decimal.NewFromInt(100))
		})).Return(member, nil)

		body := fmt.Sprintf(`{"sponsor_id":"%s","name":"Ada","personal_volume":"100"}`, sponsor)
		w := do(newRouter(network, views), "POST", "/api/v1/members", body)

		assert.Equal(t, http.StatusCreated, w.Code)
		var got domain.Member
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, member.ID, got.ID)
		network.AssertExpectations(t)
	})

	t.Run("validation", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		w := do(newRouter(network, views), "POST", "/api/v1/members", `{"personal_volume":"-5"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "validation_errors")
		network.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown field", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		w := do(newRouter(network, views), "POST", "/api/v1/members", `{"name":"Ada","parent_id":"x"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"sponsor not found", errors.ErrSponsorNotFound, http.StatusNotFound},
		{"placement blocked", fmt.Errorf("%w: sponsor full", errors.ErrPlacementBlocked), http.StatusConflict},
		{"tree full", errors.ErrTreeFull, http.StatusConflict},
		{"engine stopped", errors.ErrEngineStopped, http.StatusServiceUnavailable},
		{"store failure", fmt.Errorf("failed to persist registration: %w", assert.AnError), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network, views := new(MockNetwork), new(MockProjections)
			network.On("Register", mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)

			w := do(newRouter(network, views), "POST", "/api/v1/members", `{"name":"Ada"}`)
			assert.Equal(t, tt.status, w.Code)
		})
	}

	t.Run("internal details withheld", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		network.On("Register", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("pq: connection refused"))

		w := do(newRouter(network, views), "POST", "/api/v1/members", `{"name":"Ada"}`)
		assert.Equal(t, "Registration failed", errorBody(t, w))
	})
}

func TestMemberHandler_RecordVolume(t *testing.T) {
	id := uuid.New()

	t.Run("accepted", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		entry := &domain.CommissionEntry{ID: uuid.New(), Type: domain.CommissionTypeDirect, Amount: decimal.NewFromInt(10)}
		network.On("RecordVolume", mock.Anything, mock.MatchedBy(func(ev domain.VolumeEvent) bool {
			return ev.MemberID == id && ev.Reference == "order-1" && ev.Volume.Equal(decimal.NewFromInt(100))
		})).Return([]*domain.CommissionEntry{entry}, nil)

		w := do(newRouter(network, views), "POST", "/api/v1/members/"+id.String()+"/volume",
			`{"reference":"order-1","volume":"100"}`)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), entry.ID.String())
		network.AssertExpectations(t)
	})

	t.Run("no commissions is an empty list", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		network.On("RecordVolume", mock.Anything, mock.Anything).Return([]*domain.CommissionEntry(nil), nil)

		w := do(newRouter(network, views), "POST", "/api/v1/members/"+id.String()+"/volume",
			`{"reference":"order-2","volume":"5"}`)
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), `"commissions":[]`)
	})

	t.Run("bad member id", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		w := do(newRouter(network, views), "POST", "/api/v1/members/not-a-uuid/volume", `{"reference":"x","volume":"1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing reference", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		w := do(newRouter(network, views), "POST", "/api/v1/members/"+id.String()+"/volume", `{"volume":"1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("duplicate event", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		network.On("RecordVolume", mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("%w: order-1", errors.ErrDuplicateEvent))

		w := do(newRouter(network, views), "POST", "/api/v1/members/"+id.String()+"/volume",
			`{"reference":"order-1","volume":"100"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, errorBody(t, w), "order-1")
	})
}

func TestMemberHandler_Deactivate(t *testing.T) {
	id := uuid.New()
	network, views := new(MockNetwork), new(MockProjections)
	network.On("SetStatus", mock.Anything, id, domain.MemberStatusInactive).Return(nil)

	w := do(newRouter(network, views), "POST", "/api/v1/members/"+id.String()+"/deactivate", "")
	assert.Equal(t, http.StatusOK, w.Code)
	network.AssertExpectations(t)
}

func TestMemberHandler_Reads(t *testing.T) {
	id := uuid.New()

	t.Run("member not found", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		views.On("Member", mock.Anything, id).Return(nil, errors.ErrMemberNotFound)

		w := do(newRouter(network, views), "GET", "/api/v1/members/"+id.String(), "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("tree default depth", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		views.On("Tree", mock.Anything, id, dashboard.DefaultTreeDepth).Return(&dashboard.TreeNode{ID: id}, nil)

		w := do(newRouter(network, views), "GET", "/api/v1/members/"+id.String()+"/tree", "")
		assert.Equal(t, http.StatusOK, w.Code)
		views.AssertExpectations(t)
	})

	t.Run("tree explicit depth", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		views.On("Tree", mock.Anything, id, 5).Return(&dashboard.TreeNode{ID: id}, nil)

		w := do(newRouter(network, views), "GET", "/api/v1/members/"+id.String()+"/tree?depth=5", "")
		assert.Equal(t, http.StatusOK, w.Code)
		views.AssertExpectations(t)
	})

	t.Run("tree bad depth", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		w := do(newRouter(network, views), "GET", "/api/v1/members/"+id.String()+"/tree?depth=-1", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("commissions paging", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		views.On("Commissions", mock.Anything, id, 10, 20).Return(&dashboard.CommissionPage{MemberID: id, Limit: 10, Offset: 20}, nil)

		w := do(newRouter(network, views), "GET", "/api/v1/members/"+id.String()+"/commissions?limit=10&offset=20", "")
		assert.Equal(t, http.StatusOK, w.Code)
		views.AssertExpectations(t)
	})
}

func TestAdminHandler(t *testing.T) {
	t.Run("run cycle", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		network.On("RunCycle", mock.Anything, "2026-W07").Return(&domain.CycleSummary{PeriodKey: "2026-W07", EntriesAdded: 3}, nil)

		w := do(newRouter(network, views), "POST", "/api/v1/cycles/2026-W07/run", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"entries_added":3`)
	})

	t.Run("run cycle on closed period", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		network.On("RunCycle", mock.Anything, "2026-W06").Return(nil, errors.ErrPeriodClosed)

		w := do(newRouter(network, views), "POST", "/api/v1/cycles/2026-W06/run", "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("cycle corrupt is a server error", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		network.On("RunCycle", mock.Anything, "2026-W07").Return(nil, fmt.Errorf("%w: 2 members", errors.ErrCycleCorrupt))

		w := do(newRouter(network, views), "POST", "/api/v1/cycles/2026-W07/run", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "Payout cycle failed", errorBody(t, w))
	})

	t.Run("close period", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		network.On("ClosePeriod", mock.Anything, "2026-W07").Return(nil)

		w := do(newRouter(network, views), "POST", "/api/v1/cycles/2026-W07/close", "")
		assert.Equal(t, http.StatusOK, w.Code)
		network.AssertExpectations(t)
	})

	t.Run("no cycle yet", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		views.On("LastCycle").Return(nil)

		w := do(newRouter(network, views), "GET", "/api/v1/cycles/last", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("ledger by period", func(t *testing.T) {
		network, views := new(MockNetwork), new(MockProjections)
		views.On("Ledger", mock.Anything, "2026-W07").Return(&dashboard.LedgerReport{PeriodKey: "2026-W07"}, nil)

		w := do(newRouter(network, views), "GET", "/api/v1/ledger?period=2026-W07", "")
		assert.Equal(t, http.StatusOK, w.Code)
		views.AssertExpectations(t)
	})
}

func TestSystemHandler_Ready(t *testing.T) {
	h := NewSystemHandler()
	h.AddCheck("database", func(context.Context) error { return nil })

	w := httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	h.AddCheck("redis", func(context.Context) error { return assert.AnError })
	w = httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Ready        bool               `json:"ready"`
		Dependencies []DependencyStatus `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	require.Len(t, body.Dependencies, 2)
	assert.Equal(t, "database", body.Dependencies[0].Name)
	assert.Equal(t, "outage", body.Dependencies[1].Status)
}

type stubAuditLog struct {
	entries []*domain.AuditEntry
	err     error
	limit   int
}

func (s *stubAuditLog) FindAll(_ context.Context, limit, offset int) ([]*domain.AuditEntry, error) {
	s.limit = limit
	return s.entries, s.err
}

func (s *stubAuditLog) CountAll(context.Context) (int, error) {
	return len(s.entries), s.err
}

func TestAuditHandler_List(t *testing.T) {
	t.Run("clamps limit", func(t *testing.T) {
		log := &stubAuditLog{entries: []*domain.AuditEntry{{ID: uuid.New(), Action: "POST /api/v1/cycles/2026-W07/run"}}}
		h := NewAuditHandler(log, logger.NewNop())

		w := httptest.NewRecorder()
		h.List(w, httptest.NewRequest("GET", "/api/v1/audit?limit=5000", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 50, log.limit)
		assert.Contains(t, w.Body.String(), `"total":1`)
	})

	t.Run("store failure", func(t *testing.T) {
		h := NewAuditHandler(&stubAuditLog{err: assert.AnError}, logger.NewNop())

		w := httptest.NewRecorder()
		h.List(w, httptest.NewRequest("GET", "/api/v1/audit", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
