package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"jobescrow/crypto"
	"jobescrow/native/escrow"
	"jobescrow/observability/metrics"
	telemetry "jobescrow/observability/otel"
)

// EscrowView is the JSON rendering of an escrow record.
type EscrowView struct {
	JobID            uint64   `json:"jobId"`
	Poster           string   `json:"poster"`
	Worker           string   `json:"worker,omitempty"`
	Amount           uint64   `json:"amount"`
	Deadline         int64    `json:"deadline"`
	CreatedAt        int64    `json:"createdAt"`
	Status           string   `json:"status"`
	Oracles          []string `json:"oracles"`
	Threshold        int      `json:"threshold"`
	ReleaseApprovals []string `json:"releaseApprovals"`
	RefundApprovals  []string `json:"refundApprovals"`
	DisputeInitiated bool     `json:"disputeInitiated"`
	DisputeInitiator string   `json:"disputeInitiator,omitempty"`
	VotesForWorker   uint32   `json:"votesForWorker"`
	VotesForPoster   uint32   `json:"votesForPoster"`
	Resolution       string   `json:"resolution,omitempty"`
}

func newEscrowView(rec *escrow.Record) EscrowView {
	view := EscrowView{
		JobID:            rec.JobID,
		Poster:           rec.Poster.String(),
		Amount:           rec.Amount,
		Deadline:         rec.Deadline,
		CreatedAt:        rec.CreatedAt,
		Status:           rec.Status.String(),
		Oracles:          identityStrings(rec.Committee.Members()),
		Threshold:        rec.Committee.Threshold(),
		ReleaseApprovals: identityStrings(rec.Committee.Approvers(rec.ReleaseApprovals)),
		RefundApprovals:  identityStrings(rec.Committee.Approvers(rec.RefundApprovals)),
		DisputeInitiated: rec.DisputeInitiated,
		VotesForWorker:   rec.JurorVotesForWorker,
		VotesForPoster:   rec.JurorVotesForPoster,
	}
	if rec.HasWorker() {
		view.Worker = rec.Worker.String()
	}
	if !rec.DisputeInitiator.IsZero() {
		view.DisputeInitiator = rec.DisputeInitiator.String()
	}
	if rec.Resolution != escrow.ResolutionNone {
		view.Resolution = rec.Resolution.String()
	}
	return view
}

func identityStrings(ids []crypto.Identity) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// CreateEscrowRequest is the body of POST /v1/escrows. The caller becomes
// the poster.
type CreateEscrowRequest struct {
	JobID     uint64   `json:"jobId"`
	Amount    uint64   `json:"amount"`
	Worker    string   `json:"worker,omitempty"`
	Deadline  int64    `json:"deadline"`
	Oracles   []string `json:"oracles,omitempty"`
	Threshold uint8    `json:"threshold"`
}

// DepositRequest is the body of POST /v1/escrows/{jobID}/deposit.
type DepositRequest struct {
	Amount uint64 `json:"amount"`
}

// VoteRequest is the body of POST /v1/escrows/{jobID}/votes.
type VoteRequest struct {
	ForWorker bool `json:"forWorker"`
}

func parseJobID(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "jobID"))
	if raw == "" {
		return 0, errors.New("job id required")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("job id must be an unsigned integer")
	}
	return id, nil
}

// op runs one engine operation for the authenticated caller and writes the
// resulting record.
func (s *Server) op(w http.ResponseWriter, r *http.Request, name string, status int, fn func(caller crypto.Identity, jobID uint64) (*escrow.Record, error)) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("caller required"))
		return
	}
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.execute(w, r, name, status, func() (*escrow.Record, error) { return fn(caller, jobID) })
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, name string, status int, fn func() (*escrow.Record, error)) {
	_, span := telemetry.Tracer().Start(r.Context(), "escrow."+name)
	start := time.Now()
	rec, err := fn()
	kind := escrow.ErrorKind(err)
	metrics.Escrow().Observe(name, kind, time.Since(start))
	if err != nil {
		span.SetAttributes(attribute.String("escrow.error_kind", kind))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.Int64("escrow.job_id", int64(rec.JobID)),
			attribute.String("escrow.status", rec.Status.String()),
		)
	}
	span.End()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	recordPayouts(rec)
	writeJSON(w, status, newEscrowView(rec))
}

func recordPayouts(rec *escrow.Record) {
	m := metrics.Escrow()
	switch rec.Status {
	case escrow.StatusReleased:
		split, err := escrow.SplitRelease(rec.Amount)
		if err != nil {
			return
		}
		m.RecordPayout("worker", split.Worker)
		m.RecordPayout("platform", split.Platform)
		m.RecordPayout("juror", split.Juror)
	case escrow.StatusRefunded:
		split, err := escrow.SplitRefund(rec.Amount, rec.DisputeInitiated)
		if err != nil {
			return
		}
		m.RecordPayout("poster", split.Poster)
		m.RecordPayout("juror", split.Juror)
		m.RecordPayout("treasury", split.Treasury)
	}
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("caller required"))
		return
	}
	var req CreateEscrowRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var worker crypto.Identity
	if strings.TrimSpace(req.Worker) != "" {
		parsed, err := crypto.ParseIdentity(req.Worker)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		worker = parsed
	}
	oracles := make([]crypto.Identity, 0, len(req.Oracles))
	for _, raw := range req.Oracles {
		id, err := crypto.ParseIdentity(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		oracles = append(oracles, id)
	}
	s.execute(w, r, "initialize", http.StatusCreated, func() (*escrow.Record, error) {
		return s.engine.Initialize(caller, req.JobID, req.Amount, worker, req.Deadline, oracles, req.Threshold)
	})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.engine.Get(jobID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowView(rec))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.op(w, r, "assign_worker", http.StatusOK, s.engine.AssignWorker)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.op(w, r, "deposit", http.StatusOK, func(caller crypto.Identity, jobID uint64) (*escrow.Record, error) {
		return s.engine.Deposit(caller, jobID, req.Amount)
	})
}

func (s *Server) handleApproveRelease(w http.ResponseWriter, r *http.Request) {
	s.op(w, r, "approve_release", http.StatusOK, s.engine.ApproveRelease)
}

func (s *Server) handleApproveRefund(w http.ResponseWriter, r *http.Request) {
	s.op(w, r, "approve_refund", http.StatusOK, s.engine.ApproveRefund)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.op(w, r, "initiate_dispute", http.StatusOK, s.engine.InitiateDispute)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.op(w, r, "vote_dispute", http.StatusOK, func(caller crypto.Identity, jobID uint64) (*escrow.Record, error) {
		return s.engine.VoteDispute(caller, jobID, req.ForWorker)
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.op(w, r, "execute_release", http.StatusOK, s.engine.ExecuteRelease)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.op(w, r, "execute_refund", http.StatusOK, s.engine.ExecuteRefund)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("journal unavailable"))
		return
	}
	id, err := crypto.ParseIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rep, err := s.journal.Reputation(r.Context(), id.String())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity":      rep.Identity,
		"jobsPosted":    rep.JobsPosted,
		"jobsCompleted": rep.JobsCompleted,
		"totalEarned":   rep.TotalEarned,
		"totalSpent":    rep.TotalSpent,
		"disputeWins":   rep.DisputeWins,
		"disputeLosses": rep.DisputeLosses,
	})
}

// EventView is the JSON rendering of a journaled event.
type EventView struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	JobID      uint64            `json:"jobId"`
	Digest     string            `json:"digest"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("journal unavailable"))
		return
	}
	query := r.URL.Query()
	var after uint64
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("after must be an unsigned integer"))
			return
		}
		after = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	rows, err := s.journal.Events(r.Context(), after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]EventView, 0, len(rows))
	for i := range rows {
		attrs, err := rows[i].DecodeAttributes()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, EventView{
			Sequence:   rows[i].Sequence,
			ID:         rows[i].ID.String(),
			Type:       rows[i].Type,
			JobID:      rows[i].JobID,
			Digest:     rows[i].Digest,
			Attributes: attrs,
			CreatedAt:  rows[i].CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}
