package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlmengine/internal/domain"
	"mlmengine/pkg/logger"
)

type memAuditRecorder struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
	err     error
}

func (r *memAuditRecorder) Record(_ context.Context, entry *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return r.err
}

func TestAuditMiddleware_RecordsMutations(t *testing.T) {
	rec := &memAuditRecorder{}
	h := NewAuditMiddleware(rec, logger.NewNop()).Audit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	req := httptest.NewRequest("POST", "/api/v1/cycles/2026-W07/close", nil)
	req.Header.Set("User-Agent", "ops-cli")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	require.Len(t, rec.entries, 1)
	entry := rec.entries[0]
	assert.Equal(t, "POST /api/v1/cycles/2026-W07/close", entry.Action)
	assert.Equal(t, http.StatusConflict, entry.StatusCode)
	assert.Equal(t, "ops-cli", entry.UserAgent)
	assert.NotEmpty(t, entry.ID)
}

func TestAuditMiddleware_SkipsReads(t *testing.T) {
	rec := &memAuditRecorder{}
	h := NewAuditMiddleware(rec, logger.NewNop()).Audit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/ledger", nil))
	assert.Empty(t, rec.entries)
}

func TestAuditMiddleware_RecorderFailureKeepsResponse(t *testing.T) {
	rec := &memAuditRecorder{err: assert.AnError}
	h := NewAuditMiddleware(rec, logger.NewNop()).Audit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/cycles/2026-W07/run", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, rec.entries, 1)
}

func TestAuditMiddleware_NilRecorder(t *testing.T) {
	h := NewAuditMiddleware(nil, logger.NewNop()).Audit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/cycles/2026-W07/run", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}
