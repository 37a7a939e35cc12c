package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"jobescrow/core/events"
	"jobescrow/crypto"
	"jobescrow/native/escrow"
	"jobescrow/services/escrowd/journal"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20
	requestTimeout       = 15 * time.Second
)

// Engine is the subset of the escrow engine served over HTTP.
type Engine interface {
	Get(jobID uint64) (*escrow.Record, error)
	Initialize(caller crypto.Identity, jobID, amount uint64, worker crypto.Identity, deadline int64, oracles []crypto.Identity, threshold uint8) (*escrow.Record, error)
	AssignWorker(caller crypto.Identity, jobID uint64) (*escrow.Record, error)
	Deposit(caller crypto.Identity, jobID, amount uint64) (*escrow.Record, error)
	ApproveRelease(oracle crypto.Identity, jobID uint64) (*escrow.Record, error)
	ApproveRefund(oracle crypto.Identity, jobID uint64) (*escrow.Record, error)
	InitiateDispute(caller crypto.Identity, jobID uint64) (*escrow.Record, error)
	VoteDispute(juror crypto.Identity, jobID uint64, forWorker bool) (*escrow.Record, error)
	ExecuteRelease(caller crypto.Identity, jobID uint64) (*escrow.Record, error)
	ExecuteRefund(caller crypto.Identity, jobID uint64) (*escrow.Record, error)
}

// Journal serves the event history and reputation projection.
type Journal interface {
	Events(ctx context.Context, after uint64, limit int) ([]journal.JournalEvent, error)
	Reputation(ctx context.Context, identity string) (*journal.Reputation, error)
}

// Stream hands out live event subscriptions.
type Stream interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Config bundles the HTTP layer settings. IdempotencyTTL bounds how long
// Idempotency-Key responses are replayed; zero keeps them indefinitely.
type Config struct {
	Auth           AuthConfig
	RateLimit      RateLimit
	IdempotencyTTL time.Duration
	ServiceName    string
}

// Server is the HTTP front-end for escrow interactions.
type Server struct {
	cfg         Config
	engine      Engine
	journal     Journal
	stream      Stream
	logger      *slog.Logger
	auth        *Authenticator
	limiter     *RateLimiter
	idempotency *Idempotency
	router      chi.Router
}

// New wires the router. journal and stream may be nil, in which case the
// corresponding routes answer 503. Idempotency keys are persisted through
// the journal when it implements IdempotencyStore.
func New(cfg Config, engine Engine, j Journal, stream Stream, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, errors.New("server: engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "escrowd"
	}
	s := &Server{
		cfg:         cfg,
		engine:      engine,
		journal:     j,
		stream:      stream,
		logger:      logger,
		auth:        NewAuthenticator(cfg.Auth, logger),
		limiter:     NewRateLimiter(cfg.RateLimit),
	}
	store, _ := j.(IdempotencyStore)
	s.idempotency = NewIdempotency(store, cfg.IdempotencyTTL, logger)
	s.router = s.routes()
	return s, nil
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, s.cfg.ServiceName)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Use(s.limiter.Middleware)

		r.Get("/escrows/{jobID}", s.handleGetEscrow)
		r.Get("/reputation/{identity}", s.handleReputation)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleEventStream)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(requestTimeout))
			r.Use(s.idempotency.Middleware)
			r.Post("/escrows", s.handleCreateEscrow)
			r.Post("/escrows/{jobID}/accept", s.handleAccept)
			r.Post("/escrows/{jobID}/deposit", s.handleDeposit)
			r.Post("/escrows/{jobID}/approvals/release", s.handleApproveRelease)
			r.Post("/escrows/{jobID}/approvals/refund", s.handleApproveRefund)
			r.Post("/escrows/{jobID}/dispute", s.handleDispute)
			r.Post("/escrows/{jobID}/votes", s.handleVote)
			r.Post("/escrows/{jobID}/release", s.handleRelease)
			r.Post("/escrows/{jobID}/refund", s.handleRefund)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("requestId", chimw.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)))
	})
}

// statusForKind maps an engine error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case escrow.KindNotFound:
		return http.StatusNotFound
	case escrow.KindAlreadyExists, escrow.KindInvalidStatus, escrow.KindAlreadyApproved:
		return http.StatusConflict
	case escrow.KindInvalidConfig, escrow.KindInvalidAmount, escrow.KindDeadlinePassed:
		return http.StatusBadRequest
	case escrow.KindUnauthorized:
		return http.StatusForbidden
	case escrow.KindTransferFailed:
		return http.StatusPaymentRequired
	case escrow.KindArithmeticOverflow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := escrow.ErrorKind(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("escrow operation failed",
			slog.String("requestId", chimw.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func readJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return err
	}
	if len(data) > maxRequestBody {
		return fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errors.New("request body required")
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}
