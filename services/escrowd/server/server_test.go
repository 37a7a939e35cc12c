package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"nhooyr.io/websocket"

	"jobescrow/core/events"
	"jobescrow/core/state"
	"jobescrow/core/types"
	"jobescrow/crypto"
	"jobescrow/native/bank"
	"jobescrow/native/escrow"
	"jobescrow/services/escrowd/journal"
	"jobescrow/storage"
)

func testIdentity(fill byte) crypto.Identity {
	var id crypto.Identity
	for i := range id {
		id[i] = fill
	}
	return id
}

var (
	poster    = testIdentity(0x01)
	worker    = testIdentity(0x02)
	oracle1   = testIdentity(0x11)
	oracle2   = testIdentity(0x12)
	treasury  = testIdentity(0xA1)
	jurorPool = testIdentity(0xA2)
)

const (
	testNow      = int64(1_900_000_000)
	testDeadline = testNow + 86_400
	testSecret   = "test-hmac-secret"
)

type fixture struct {
	manager *state.Manager
	engine  *escrow.Engine
	journal *journal.Journal
	hub     *events.Hub
	server  *Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	engine := escrow.NewEngine(mgr)
	engine.SetTreasury(treasury)
	engine.SetJurorPool(jurorPool)
	engine.SetNowFunc(func() int64 { return testNow })

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	j, err := journal.New(db, nil)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	hub := events.NewHub()
	hub.Attach(j)
	engine.SetEmitter(hub)

	srv, err := New(cfg, engine, j, hub, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if _, err := mgr.Credit(bank.IdentityAccount(poster), 1_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	return &fixture{manager: mgr, engine: engine, journal: j, hub: hub, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, caller crypto.Identity, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if !caller.IsZero() {
		req.Header.Set(HeaderCaller, caller.String())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) balance(t *testing.T, id crypto.Identity) uint64 {
	t.Helper()
	bal, err := f.manager.Balance(bank.IdentityAccount(id))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Uint64()
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) EscrowView {
	t.Helper()
	var view EscrowView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v (%s)", err, rec.Body.String())
	}
	return view
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func createBody(jobID uint64) CreateEscrowRequest {
	return CreateEscrowRequest{
		JobID:     jobID,
		Amount:    100,
		Deadline:  testDeadline,
		Oracles:   []string{oracle1.String(), oracle2.String()},
		Threshold: 2,
	}
}

func TestMultisigLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(1), nil)
	expectStatus(t, rec, http.StatusCreated)
	view := decodeView(t, rec)
	if view.Status != escrow.StatusPending.String() || view.Threshold != 2 || len(view.Oracles) != 2 {
		t.Fatalf("unexpected created view: %+v", view)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/1/accept", worker, nil, nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/1/deposit", poster, DepositRequest{Amount: 100}, nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/1/approvals/release", oracle1, nil, nil), http.StatusOK)

	rec = f.do(t, http.MethodPost, "/v1/escrows/1/approvals/release", oracle2, nil, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeView(t, rec).ReleaseApprovals; len(got) != 2 {
		t.Fatalf("expected 2 release approvals, got %v", got)
	}

	rec = f.do(t, http.MethodPost, "/v1/escrows/1/release", oracle1, nil, nil)
	expectStatus(t, rec, http.StatusOK)
	view = decodeView(t, rec)
	if view.Status != escrow.StatusReleased.String() || view.Resolution != escrow.ResolutionMultisig.String() {
		t.Fatalf("unexpected released view: %+v", view)
	}
	if got := f.balance(t, worker); got != 95 {
		t.Fatalf("worker balance: got %d want 95", got)
	}
	if got := f.balance(t, treasury); got != 4 {
		t.Fatalf("treasury balance: got %d want 4", got)
	}
	if got := f.balance(t, jurorPool); got != 1 {
		t.Fatalf("juror pool balance: got %d want 1", got)
	}

	rec = f.do(t, http.MethodGet, "/v1/escrows/1", poster, nil, nil)
	expectStatus(t, rec, http.StatusOK)
	if decodeView(t, rec).Worker != worker.String() {
		t.Fatalf("worker not rendered")
	}

	rec = f.do(t, http.MethodGet, "/v1/events?after=0&limit=50", poster, nil, nil)
	expectStatus(t, rec, http.StatusOK)
	var page struct {
		Events []EventView `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	wantTypes := []string{
		escrow.EventTypeEscrowInitialized,
		escrow.EventTypeWorkerAssigned,
		escrow.EventTypeEscrowFunded,
		escrow.EventTypeReleaseApproved,
		escrow.EventTypeReleaseApproved,
		escrow.EventTypePaymentReleased,
	}
	if len(page.Events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(page.Events))
	}
	for i, want := range wantTypes {
		if page.Events[i].Type != want {
			t.Fatalf("event %d: got %s want %s", i, page.Events[i].Type, want)
		}
	}

	rec = f.do(t, http.MethodGet, "/v1/reputation/"+worker.String(), poster, nil, nil)
	expectStatus(t, rec, http.StatusOK)
	var rep map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode reputation: %v", err)
	}
	if rep["jobsCompleted"].(float64) != 1 || rep["totalEarned"].(float64) != 95 {
		t.Fatalf("unexpected reputation: %v", rep)
	}
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	f := newFixture(t, Config{})
	body := createBody(2)
	body.Oracles = nil
	body.Threshold = 0
	body.Worker = worker.String()
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows", poster, body, nil), http.StatusCreated)
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/2/deposit", poster, DepositRequest{Amount: 100}, nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/2/dispute", worker, nil, nil), http.StatusOK)

	for _, juror := range []crypto.Identity{testIdentity(0x31), testIdentity(0x32)} {
		expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/2/votes", juror, VoteRequest{ForWorker: false}, nil), http.StatusOK)
	}
	rec := f.do(t, http.MethodPost, "/v1/escrows/2/refund", testIdentity(0x99), nil, nil)
	expectStatus(t, rec, http.StatusOK)
	if view := decodeView(t, rec); view.Resolution != escrow.ResolutionJury.String() || view.VotesForPoster != 2 {
		t.Fatalf("unexpected refund view: %+v", view)
	}
	if got := f.balance(t, poster); got != 990 {
		t.Fatalf("poster balance: got %d want 990", got)
	}
}

func TestEngineErrorsMapToStatus(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/v1/escrows/404", poster, nil, nil)
	expectStatus(t, rec, http.StatusNotFound)
	if kind := decodeError(t, rec).Kind; kind != escrow.KindNotFound {
		t.Fatalf("unexpected kind %q", kind)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(3), nil), http.StatusCreated)
	rec = f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(3), nil)
	expectStatus(t, rec, http.StatusConflict)
	if kind := decodeError(t, rec).Kind; kind != escrow.KindAlreadyExists {
		t.Fatalf("unexpected kind %q", kind)
	}

	rec = f.do(t, http.MethodPost, "/v1/escrows/3/deposit", worker, DepositRequest{Amount: 100}, nil)
	expectStatus(t, rec, http.StatusForbidden)

	rec = f.do(t, http.MethodPost, "/v1/escrows/3/deposit", poster, DepositRequest{Amount: 99}, nil)
	expectStatus(t, rec, http.StatusBadRequest)
	if kind := decodeError(t, rec).Kind; kind != escrow.KindInvalidAmount {
		t.Fatalf("unexpected kind %q", kind)
	}

	large := createBody(4)
	large.Amount = 5_000
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows", poster, large, nil), http.StatusCreated)
	rec = f.do(t, http.MethodPost, "/v1/escrows/4/deposit", poster, DepositRequest{Amount: 5_000}, nil)
	expectStatus(t, rec, http.StatusPaymentRequired)
	if kind := decodeError(t, rec).Kind; kind != escrow.KindTransferFailed {
		t.Fatalf("unexpected kind %q", kind)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/abc/accept", worker, nil, nil), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/3/votes", worker, nil, nil), http.StatusBadRequest)
}

func TestRequestsWithoutCallerAreRejected(t *testing.T) {
	f := newFixture(t, Config{})
	expectStatus(t, f.do(t, http.MethodGet, "/v1/escrows/1", crypto.Identity{}, nil, nil), http.StatusUnauthorized)
	expectStatus(t, f.do(t, http.MethodGet, "/healthz", crypto.Identity{}, nil, nil), http.StatusOK)
}

func TestBearerTokenIdentifiesCaller(t *testing.T) {
	f := newFixture(t, Config{Auth: AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "escrowd", Audience: "escrow-api"}})
	now := time.Now()

	token, err := IssueToken(testSecret, poster, "escrowd", "escrow-api", time.Hour, now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec := f.do(t, http.MethodPost, "/v1/escrows", crypto.Identity{}, createBody(5), map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, rec, http.StatusCreated)
	if decodeView(t, rec).Poster != poster.String() {
		t.Fatalf("token subject not used as poster")
	}

	// The caller header is ignored once tokens are required.
	expectStatus(t, f.do(t, http.MethodGet, "/v1/escrows/5", worker, nil, nil), http.StatusUnauthorized)

	forged, err := IssueToken("other-secret", poster, "escrowd", "escrow-api", time.Hour, now)
	if err != nil {
		t.Fatalf("issue forged token: %v", err)
	}
	expectStatus(t, f.do(t, http.MethodGet, "/v1/escrows/5", crypto.Identity{}, nil, map[string]string{"Authorization": "Bearer " + forged}), http.StatusUnauthorized)

	wrongAudience, err := IssueToken(testSecret, poster, "escrowd", "other", time.Hour, now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	expectStatus(t, f.do(t, http.MethodGet, "/v1/escrows/5", crypto.Identity{}, nil, map[string]string{"Authorization": "Bearer " + wrongAudience}), http.StatusUnauthorized)

	expired, err := IssueToken(testSecret, poster, "escrowd", "escrow-api", time.Minute, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	expectStatus(t, f.do(t, http.MethodGet, "/v1/escrows/5", crypto.Identity{}, nil, map[string]string{"Authorization": "Bearer " + expired}), http.StatusUnauthorized)

	if _, err := IssueToken(testSecret, crypto.Identity{}, "", "", time.Hour, now); err == nil {
		t.Fatalf("expected zero caller to be rejected")
	}
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	f := newFixture(t, Config{})
	headers := map[string]string{headerIdempotencyKey: "create-6"}

	first := f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(6), headers)
	expectStatus(t, first, http.StatusCreated)
	replay := f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(6), headers)
	expectStatus(t, replay, http.StatusCreated)
	if replay.Header().Get("Idempotent-Replay") != "true" {
		t.Fatalf("expected replay header")
	}
	if !bytes.Equal(first.Body.Bytes(), replay.Body.Bytes()) {
		t.Fatalf("replayed body differs")
	}

	mismatch := f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(7), headers)
	expectStatus(t, mismatch, http.StatusConflict)

	// Keys are scoped per caller.
	other := createBody(6)
	other.Worker = poster.String()
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows", worker, other, headers), http.StatusConflict)

	rows, err := f.journal.Events(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single initialized event, got %d", len(rows))
	}
}

func TestIdempotencyKeySurvivesRestart(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.engine.Initialize(poster, 20, 100, worker, testDeadline, nil, 0); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := f.engine.Deposit(poster, 20, 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.InitiateDispute(poster, 20); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	juror := testIdentity(0x31)
	headers := map[string]string{headerIdempotencyKey: "vote-20"}
	first := f.do(t, http.MethodPost, "/v1/escrows/20/votes", juror, VoteRequest{ForWorker: true}, headers)
	expectStatus(t, first, http.StatusOK)

	// a fresh server over the same journal has no in-process state
	restarted, err := New(Config{}, f.engine, f.journal, f.hub, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	f.server = restarted

	retry := f.do(t, http.MethodPost, "/v1/escrows/20/votes", juror, VoteRequest{ForWorker: true}, headers)
	expectStatus(t, retry, http.StatusOK)
	if retry.Header().Get("Idempotent-Replay") != "true" {
		t.Fatalf("expected replay after restart")
	}
	if !bytes.Equal(first.Body.Bytes(), retry.Body.Bytes()) {
		t.Fatalf("replayed body differs")
	}
	rec, err := f.engine.Get(20)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.JurorVotesForWorker != 1 {
		t.Fatalf("retried vote counted twice: %d", rec.JurorVotesForWorker)
	}
}

func TestIdempotencyReevaluatesRejectedOperations(t *testing.T) {
	f := newFixture(t, Config{})
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(21), nil), http.StatusCreated)
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/21/accept", worker, nil, nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/21/deposit", poster, DepositRequest{Amount: 100}, nil), http.StatusOK)

	headers := map[string]string{headerIdempotencyKey: "release-21"}
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/21/release", oracle1, nil, headers), http.StatusForbidden)

	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/21/approvals/release", oracle1, nil, nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows/21/approvals/release", oracle2, nil, nil), http.StatusOK)

	rec := f.do(t, http.MethodPost, "/v1/escrows/21/release", oracle1, nil, headers)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("Idempotent-Replay") != "" {
		t.Fatalf("rejected outcome was replayed")
	}
	if view := decodeView(t, rec); view.Status != escrow.StatusReleased.String() {
		t.Fatalf("unexpected view: %+v", view)
	}

	again := f.do(t, http.MethodPost, "/v1/escrows/21/release", oracle1, nil, headers)
	expectStatus(t, again, http.StatusOK)
	if again.Header().Get("Idempotent-Replay") != "true" {
		t.Fatalf("expected successful release to replay")
	}
}

func TestIdempotencyKeysExpire(t *testing.T) {
	f := newFixture(t, Config{IdempotencyTTL: time.Hour})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.server.idempotency.clockNow = func() time.Time { return now }
	headers := map[string]string{headerIdempotencyKey: "create"}

	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(22), headers), http.StatusCreated)
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(23), headers), http.StatusConflict)

	now = now.Add(2 * time.Hour)
	rec := f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(23), headers)
	expectStatus(t, rec, http.StatusCreated)
	if decodeView(t, rec).JobID != 23 {
		t.Fatalf("expected job 23 after the key expired")
	}
}

func TestIdempotencyRequiresStore(t *testing.T) {
	f := newFixture(t, Config{})
	srv, err := New(Config{}, f.engine, nil, f.hub, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	f.server = srv
	headers := map[string]string{headerIdempotencyKey: "create"}
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(24), headers), http.StatusServiceUnavailable)
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(24), nil), http.StatusCreated)
}

func TestRateLimitPerCaller(t *testing.T) {
	f := newFixture(t, Config{RateLimit: RateLimit{RequestsPerSecond: 0.001, Burst: 2}})
	for i := 0; i < 2; i++ {
		expectStatus(t, f.do(t, http.MethodGet, "/v1/escrows/1", poster, nil, nil), http.StatusNotFound)
	}
	rec := f.do(t, http.MethodGet, "/v1/escrows/1", poster, nil, nil)
	expectStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	expectStatus(t, f.do(t, http.MethodGet, "/v1/escrows/1", worker, nil, nil), http.StatusNotFound)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	expectStatus(t, f.do(t, http.MethodPost, "/v1/escrows", poster, createBody(8), nil), http.StatusCreated)

	rec := f.do(t, http.MethodGet, "/metrics", crypto.Identity{}, nil, nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "escrow_operations_total") {
		t.Fatalf("metrics output missing escrow counters")
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, Config{})
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set(HeaderCaller, oracle1.String())
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events/stream", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if _, err := f.engine.Initialize(poster, 9, 100, crypto.Identity{}, testDeadline, nil, 0); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != escrow.EventTypeEscrowInitialized || evt.JobID != 9 {
		t.Fatalf("unexpected streamed event: %+v", evt)
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[string]int{
		escrow.KindNotFound:           http.StatusNotFound,
		escrow.KindAlreadyExists:      http.StatusConflict,
		escrow.KindInvalidStatus:      http.StatusConflict,
		escrow.KindAlreadyApproved:    http.StatusConflict,
		escrow.KindInvalidConfig:      http.StatusBadRequest,
		escrow.KindDeadlinePassed:     http.StatusBadRequest,
		escrow.KindUnauthorized:       http.StatusForbidden,
		escrow.KindTransferFailed:     http.StatusPaymentRequired,
		escrow.KindArithmeticOverflow: http.StatusUnprocessableEntity,
		escrow.KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Fatalf("%s: got %d want %d", kind, got, want)
		}
	}
}
