package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mlmengine/internal/domain"
	"mlmengine/pkg/logger"
)

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry *domain.AuditEntry) error
}

// AuditMiddleware writes an audit entry for every admin mutation, such as
// running a cycle or closing a period.
type AuditMiddleware struct {
	recorder AuditRecorder
	logger   logger.Logger
}

// NewAuditMiddleware creates a new AuditMiddleware. A nil recorder keeps the
// trail in the log only.
func NewAuditMiddleware(recorder AuditRecorder, log logger.Logger) *AuditMiddleware {
	return &AuditMiddleware{recorder: recorder, logger: log}
}

// Audit records the caller, action and outcome. It must run after
// Authenticate.
func (m *AuditMiddleware) Audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		subject, _ := SubjectFromContext(r.Context())
		entry := &domain.AuditEntry{
			ID:         uuid.New(),
			Subject:    subject,
			Action:     r.Method + " " + r.URL.Path,
			StatusCode: wrapped.statusCode,
			RequestID:  RequestIDFromContext(r.Context()),
			IPAddress:  r.RemoteAddr,
			UserAgent:  r.UserAgent(),
			DurationMs: time.Since(start).Milliseconds(),
			CreatedAt:  start.UTC(),
		}

		m.logger.Info("Admin action", map[string]interface{}{
			"audit":       true,
			"subject":     entry.Subject,
			"action":      entry.Action,
			"status":      entry.StatusCode,
			"request_id":  entry.RequestID,
			"ip":          entry.IPAddress,
			"duration_ms": entry.DurationMs,
		})

		if m.recorder == nil {
			return
		}
		// the client may already be gone; the trail must still be written
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if err := m.recorder.Record(ctx, entry); err != nil {
			m.logger.Error("Failed to persist audit entry", map[string]interface{}{
				"action": entry.Action,
				"error":  err.Error(),
			})
		}
	})
}
