// Package middleware provides shared HTTP middleware utilities.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// CapturedResponse is a stored reply replayed for a repeated key.
type CapturedResponse struct {
	Status  int               `json:"status"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// ResponseStore holds in-flight locks and captured responses.
type ResponseStore interface {
	Lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	Load(ctx context.Context, key string) (*CapturedResponse, error)
	Save(ctx context.Context, key string, resp *CapturedResponse, ttl time.Duration) error
}

// IdempotencyMiddleware replays the first response for a repeated
// Idempotency-Key, so a retried registration does not place a second member.
// Requests without the header pass through.
type IdempotencyMiddleware struct {
	store    ResponseStore
	ttl      time.Duration
	wait     time.Duration
	interval time.Duration
}

// NewIdempotencyMiddleware constructs an IdempotencyMiddleware with a TTL.
func NewIdempotencyMiddleware(store ResponseStore, ttl time.Duration) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{
		store:    store,
		ttl:      ttl,
		wait:     5 * time.Second,
		interval: 100 * time.Millisecond,
	}
}

// Replay wraps unsafe methods. Only 2xx responses are stored, so a request
// rejected for bad input can be corrected and retried with the same key.
func (m *IdempotencyMiddleware) Replay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 128 {
			jsonError(w, http.StatusBadRequest, "Idempotency-Key too long")
			return
		}

		dataKey := fmt.Sprintf("%s:%s", r.URL.Path, key)
		if m.replay(w, r, dataKey) {
			return
		}

		owner := RequestIDFromContext(r.Context())
		ok, err := m.store.Lock(r.Context(), dataKey, owner, m.ttl)
		if err != nil {
			jsonError(w, http.StatusServiceUnavailable, "Idempotency store unavailable")
			return
		}
		if !ok {
			// another request with this key is in flight
			deadline := time.Now().Add(m.wait)
			for time.Now().Before(deadline) {
				time.Sleep(m.interval)
				if m.replay(w, r, dataKey) {
					return
				}
			}
			jsonError(w, http.StatusConflict, "Request with this Idempotency-Key is still in progress")
			return
		}
		defer m.store.Unlock(context.Background(), dataKey)

		cw := newCaptureWriter(w, 1<<20)
		next.ServeHTTP(cw, r)

		if cw.status >= 200 && cw.status < 300 && !cw.truncated {
			_ = m.store.Save(r.Context(), dataKey, &CapturedResponse{
				Status:  cw.status,
				Body:    cw.buf,
				Headers: cw.headers,
			}, m.ttl)
		}
	})
}

func (m *IdempotencyMiddleware) replay(w http.ResponseWriter, r *http.Request, dataKey string) bool {
	resp, err := m.store.Load(r.Context(), dataKey)
	if err != nil || resp == nil {
		return false
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
	return true
}

type captureWriter struct {
	http.ResponseWriter
	buf       []byte
	limit     int
	truncated bool
	status    int
	headers   map[string]string
}

func newCaptureWriter(w http.ResponseWriter, limit int) *captureWriter {
	return &captureWriter{
		ResponseWriter: w,
		buf:            make([]byte, 0, 1024),
		limit:          limit,
		headers:        make(map[string]string),
	}
}

func (w *captureWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	for k, v := range w.ResponseWriter.Header() {
		if len(v) > 0 {
			w.headers[k] = v[0]
		}
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if space := w.limit - len(w.buf); space < len(p) {
		w.truncated = true
		if space > 0 {
			w.buf = append(w.buf, p[:space]...)
		}
	} else {
		w.buf = append(w.buf, p...)
	}
	return w.ResponseWriter.Write(p)
}

// RedisResponseStore keeps idempotency state in Redis.
type RedisResponseStore struct {
	client *redis.Client
}

func NewRedisResponseStore(client *redis.Client) *RedisResponseStore {
	return &RedisResponseStore{client: client}
}

func (s *RedisResponseStore) Lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, "mlm:idempotency:lock:"+key, owner, ttl).Result()
}

func (s *RedisResponseStore) Unlock(ctx context.Context, key string) error {
	return s.client.Del(ctx, "mlm:idempotency:lock:"+key).Err()
}

func (s *RedisResponseStore) Load(ctx context.Context, key string) (*CapturedResponse, error) {
	payload, err := s.client.Get(ctx, "mlm:idempotency:data:"+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp CapturedResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *RedisResponseStore) Save(ctx context.Context, key string, resp *CapturedResponse, ttl time.Duration) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, "mlm:idempotency:data:"+key, payload, ttl).Err()
}
