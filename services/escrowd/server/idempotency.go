package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"jobescrow/services/escrowd/journal"
)

// IdempotencyStore persists responses keyed by a caller-scoped
// Idempotency-Key.
type IdempotencyStore interface {
	LoadIdempotencyKey(ctx context.Context, scope string) (*journal.IdempotencyKey, error)
	SaveIdempotencyKey(ctx context.Context, rec *journal.IdempotencyKey) error
}

// Idempotency replays the stored response of a mutating request when the
// same caller retries it with the same Idempotency-Key. Reusing a key for a
// different request is rejected with 409. A zero ttl keeps keys forever.
type Idempotency struct {
	store    IdempotencyStore
	ttl      time.Duration
	logger   *slog.Logger
	clockNow func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewIdempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{
		store:    store,
		ttl:      ttl,
		logger:   logger,
		clockNow: time.Now,
		inflight: make(map[string]struct{}),
	}
}

func (c *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if c.store == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("idempotency store unavailable"))
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		_ = r.Body.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		caller := clientKey(r)
		scope := idempotencyScope(caller, key)
		requestHash := hashRequest(r.Method, r.URL.Path, body)

		c.mu.Lock()
		if _, busy := c.inflight[scope]; busy {
			c.mu.Unlock()
			writeJSON(w, http.StatusConflict, errorResponse{Error: "request with this idempotency key is in progress"})
			return
		}
		c.inflight[scope] = struct{}{}
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, scope)
			c.mu.Unlock()
		}()

		stored, err := c.store.LoadIdempotencyKey(r.Context(), scope)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if stored != nil && !stored.Expired(c.clockNow()) {
			if stored.RequestHash != requestHash {
				writeJSON(w, http.StatusConflict, errorResponse{Error: "idempotency key reuse with different request"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(stored.Status)
			_, _ = io.WriteString(w, stored.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if !replayable(recorder.status) {
			return
		}

		now := c.clockNow().UTC()
		rec := &journal.IdempotencyKey{
			Scope:       scope,
			Caller:      caller,
			Key:         key,
			RequestHash: requestHash,
			Method:      r.Method,
			Path:        r.URL.Path,
			Status:      recorder.status,
			Response:    recorder.buf.String(),
			CreatedAt:   now,
		}
		if c.ttl > 0 {
			expires := now.Add(c.ttl)
			rec.ExpiresAt = &expires
		}
		if err := c.store.SaveIdempotencyKey(context.WithoutCancel(r.Context()), rec); err != nil {
			c.logger.Warn("idempotency key not stored",
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
		}
	})
}

// replayable reports whether a response is stored for replay. Outcomes that
// depend on the current escrow state (403, 404, 409, 402) are evaluated again
// on retry; only successes and malformed requests are final.
func replayable(status int) bool {
	switch {
	case status >= 200 && status < 300:
		return true
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

func idempotencyScope(caller, key string) string {
	sum := blake3.Sum256([]byte(caller + "\n" + key))
	return hex.EncodeToString(sum[:])
}

func hashRequest(method, path string, body []byte) string {
	sum := blake3.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}

type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
