package state

import (
	"bytes"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"jobescrow/core/events"
	"jobescrow/crypto"
	"jobescrow/native/bank"
	"jobescrow/native/escrow"
	"jobescrow/storage"
)

func newTestIdentity(fill byte) crypto.Identity {
	var id crypto.Identity
	copy(id[:], bytes.Repeat([]byte{fill}, crypto.IdentityLength))
	return id
}

var (
	poster    = newTestIdentity(0x01)
	worker    = newTestIdentity(0x02)
	oracle1   = newTestIdentity(0x11)
	oracle2   = newTestIdentity(0x12)
	treasury  = newTestIdentity(0xA1)
	jurorPool = newTestIdentity(0xA2)
)

const testDeadline = int64(2_000_000_000)

func newEngine(t *testing.T, db storage.Database) (*Manager, *escrow.Engine) {
	t.Helper()
	mgr := NewManager(db)
	engine := escrow.NewEngine(mgr)
	engine.SetTreasury(treasury)
	engine.SetJurorPool(jurorPool)
	engine.SetNowFunc(func() int64 { return testDeadline - 1000 })
	return mgr, engine
}

func credit(t *testing.T, mgr *Manager, id crypto.Identity, amount uint64) {
	t.Helper()
	if _, err := mgr.Credit(bank.IdentityAccount(id), amount); err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func balance(t *testing.T, mgr *Manager, account bank.Account) uint64 {
	t.Helper()
	bal, err := mgr.Balance(account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Uint64()
}

func TestRecordRoundTrip(t *testing.T) {
	committee, err := escrow.NewCommittee([]crypto.Identity{oracle1, oracle2}, 2)
	if err != nil {
		t.Fatalf("committee: %v", err)
	}
	rec := &escrow.Record{
		JobID:               9,
		Poster:              poster,
		Worker:              worker,
		Amount:              1234,
		Deadline:            -5,
		CreatedAt:           1_700_000_000,
		Status:              escrow.StatusDisputed,
		Committee:           committee,
		ReleaseApprovals:    1,
		RefundApprovals:     2,
		DisputeInitiated:    true,
		DisputeInitiator:    worker,
		JurorVotesForWorker: 3,
		JurorVotesForPoster: 1,
	}
	encoded, err := encodeRecord(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeRecord(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *decoded != *rec {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, rec)
	}
}

func TestEngineAcrossBackends(t *testing.T) {
	backends := map[string]func(t *testing.T) storage.Database{
		storage.BackendMemory: func(t *testing.T) storage.Database { return storage.NewMemDB() },
		storage.BackendLevelDB: func(t *testing.T) storage.Database {
			db, err := storage.Open(storage.BackendLevelDB, filepath.Join(t.TempDir(), "ldb"))
			if err != nil {
				t.Fatalf("open leveldb: %v", err)
			}
			return db
		},
		storage.BackendBolt: func(t *testing.T) storage.Database {
			db, err := storage.Open(storage.BackendBolt, filepath.Join(t.TempDir(), "escrow.db"))
			if err != nil {
				t.Fatalf("open bolt: %v", err)
			}
			return db
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			defer db.Close()
			mgr, engine := newEngine(t, db)
			credit(t, mgr, poster, 1000)
			if _, err := engine.Initialize(poster, 1, 1000, worker, testDeadline, []crypto.Identity{oracle1, oracle2}, 2); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			if _, err := engine.Deposit(poster, 1, 1000); err != nil {
				t.Fatalf("deposit: %v", err)
			}
			for _, oracle := range []crypto.Identity{oracle1, oracle2} {
				if _, err := engine.ApproveRelease(oracle, 1); err != nil {
					t.Fatalf("approve: %v", err)
				}
			}
			if _, err := engine.ExecuteRelease(worker, 1); err != nil {
				t.Fatalf("release: %v", err)
			}
			if got := balance(t, mgr, bank.IdentityAccount(worker)); got != 950 {
				t.Fatalf("worker balance %d", got)
			}
			if got := balance(t, mgr, bank.CustodyAccount(1)); got != 0 {
				t.Fatalf("custody balance %d", got)
			}
			rec, ok, err := mgr.Record(1)
			if err != nil || !ok {
				t.Fatalf("record: %v %v", ok, err)
			}
			if rec.Status != escrow.StatusReleased || rec.Resolution != escrow.ResolutionMultisig {
				t.Fatalf("unexpected stored record %+v", rec)
			}
		})
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ldb")
	db, err := storage.Open(storage.BackendLevelDB, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mgr, engine := newEngine(t, db)
	if err := mgr.EnsureStateVersion(false); err != nil {
		t.Fatalf("stamp version: %v", err)
	}
	credit(t, mgr, poster, 500)
	if _, err := engine.Initialize(poster, 7, 500, worker, testDeadline, nil, 0); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := engine.Deposit(poster, 7, 500); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = storage.Open(storage.BackendLevelDB, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	mgr, engine = newEngine(t, db)
	if err := mgr.EnsureStateVersion(false); err != nil {
		t.Fatalf("version check: %v", err)
	}
	rec, err := engine.Get(7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != escrow.StatusFunded || balance(t, mgr, bank.CustodyAccount(7)) != 500 {
		t.Fatalf("state lost across reopen: %+v", rec)
	}

	if err := mgr.SetStateVersion(StateVersion + 1); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := mgr.EnsureStateVersion(false); !errors.Is(err, ErrStateVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	if err := mgr.EnsureStateVersion(true); err != nil {
		t.Fatalf("migration override: %v", err)
	}
}

func TestFailedUnitOfWorkWritesNothing(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	credit(t, mgr, poster, 100)
	committee, _ := escrow.NewCommittee(nil, 0)
	rec := &escrow.Record{JobID: 3, Poster: poster, Amount: 100, Deadline: testDeadline, Committee: committee}
	boom := errors.New("boom")
	hookRan := false
	err := mgr.Atomic(3, func(tx escrow.Tx) error {
		tx.AfterCommit(func() { hookRan = true })
		if err := tx.Create(rec); err != nil {
			return err
		}
		if err := tx.Transfer(bank.IdentityAccount(poster), bank.CustodyAccount(3), 100); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if _, ok, _ := mgr.Record(3); ok {
		t.Fatalf("record persisted after failed unit of work")
	}
	if balance(t, mgr, bank.IdentityAccount(poster)) != 100 {
		t.Fatalf("transfer persisted after failed unit of work")
	}
	if hookRan {
		t.Fatalf("commit hook ran for a failed unit of work")
	}
}

func TestCommitHooksSeeCommittedState(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	committee, _ := escrow.NewCommittee(nil, 0)
	rec := &escrow.Record{JobID: 4, Poster: poster, Amount: 100, Deadline: testDeadline, Committee: committee}
	var order []string
	err := mgr.Atomic(4, func(tx escrow.Tx) error {
		tx.AfterCommit(func() {
			if _, ok, _ := mgr.Record(4); !ok {
				t.Errorf("record not visible to commit hook")
			}
			order = append(order, "first")
		})
		tx.AfterCommit(func() { order = append(order, "second") })
		return tx.Create(rec)
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected hook order %v", order)
	}
}

func TestTxnIsScopedToItsJob(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	err := mgr.Atomic(1, func(tx escrow.Tx) error {
		_, _, err := tx.Get(2)
		return err
	})
	if err == nil {
		t.Fatalf("expected cross-job access to fail")
	}
}

func TestCommitRevalidatesSharedBalances(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	credit(t, mgr, poster, 100)
	committee, _ := escrow.NewCommittee(nil, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = mgr.Atomic(1, func(tx escrow.Tx) error {
			if err := tx.Create(&escrow.Record{JobID: 1, Poster: poster, Amount: 100, Committee: committee}); err != nil {
				return err
			}
			if err := tx.Transfer(bank.IdentityAccount(poster), bank.CustodyAccount(1), 100); err != nil {
				return err
			}
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	// job 2 sees the same committed balance and commits first
	err := mgr.Atomic(2, func(tx escrow.Tx) error {
		return tx.Transfer(bank.IdentityAccount(poster), bank.CustodyAccount(2), 100)
	})
	if err != nil {
		t.Fatalf("second job: %v", err)
	}
	close(release)
	wg.Wait()
	if !errors.Is(firstErr, escrow.ErrTransferFailed) || !errors.Is(firstErr, bank.ErrInsufficientFunds) {
		t.Fatalf("expected stale debit to fail at commit, got %v", firstErr)
	}
	if _, ok, _ := mgr.Record(1); ok {
		t.Fatalf("record of failed commit persisted")
	}
	if balance(t, mgr, bank.CustodyAccount(2)) != 100 || balance(t, mgr, bank.IdentityAccount(poster)) != 0 {
		t.Fatalf("unexpected balances after revalidation")
	}
}

func TestConcurrentReleasesShareTreasury(t *testing.T) {
	mgr, engine := newEngine(t, storage.NewMemDB())
	const jobs = 32
	credit(t, mgr, poster, jobs*1000)
	for i := uint64(1); i <= jobs; i++ {
		if _, err := engine.Initialize(poster, i, 1000, worker, testDeadline, nil, 0); err != nil {
			t.Fatalf("initialize %d: %v", i, err)
		}
		if _, err := engine.Deposit(poster, i, 1000); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}
	var wg sync.WaitGroup
	errs := make(chan error, jobs*2)
	for i := uint64(1); i <= jobs; i++ {
		wg.Add(2)
		go func(id uint64) {
			defer wg.Done()
			_, err := engine.ExecuteRelease(poster, id)
			errs <- err
		}(i)
		// racing second execution must lose
		go func(id uint64) {
			defer wg.Done()
			_, err := engine.ExecuteRelease(poster, id)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	var ok, invalid int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, escrow.ErrInvalidStatus):
			invalid++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != jobs || invalid != jobs {
		t.Fatalf("expected %d releases and %d rejections, got %d/%d", jobs, jobs, ok, invalid)
	}
	if got := balance(t, mgr, bank.IdentityAccount(treasury)); got != jobs*40 {
		t.Fatalf("treasury lost updates: %d", got)
	}
	if got := balance(t, mgr, bank.IdentityAccount(worker)); got != jobs*950 {
		t.Fatalf("worker balance %d", got)
	}
	if mgr.locks.size() != 0 {
		t.Fatalf("job locks leaked: %d", mgr.locks.size())
	}
}

func TestConcurrentApprovalsOnOneJob(t *testing.T) {
	mgr, engine := newEngine(t, storage.NewMemDB())
	credit(t, mgr, poster, 1000)
	if _, err := engine.Initialize(poster, 1, 1000, worker, testDeadline, []crypto.Identity{oracle1, oracle2}, 2); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := engine.Deposit(poster, 1, 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			oracle := oracle1
			if i%2 == 1 {
				oracle = oracle2
			}
			_, _ = engine.ApproveRelease(oracle, 1)
		}(i)
	}
	wg.Wait()
	rec, err := engine.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ReleaseApprovals.Count() != 2 {
		t.Fatalf("expected exactly two approvals, got %d", rec.ReleaseApprovals.Count())
	}
}

type voteRecorder struct {
	mu    sync.Mutex
	votes []string
}

func (r *voteRecorder) Emit(evt events.Event) {
	payload, ok := events.Payload(evt)
	if !ok || payload.Type != escrow.EventTypeDisputeVote {
		return
	}
	r.mu.Lock()
	r.votes = append(r.votes, payload.Attr("votesForWorker"))
	r.mu.Unlock()
}

func TestEventsFollowCommitOrderPerJob(t *testing.T) {
	mgr, engine := newEngine(t, storage.NewMemDB())
	credit(t, mgr, poster, 1000)
	if _, err := engine.Initialize(poster, 1, 1000, worker, testDeadline, nil, 0); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := engine.Deposit(poster, 1, 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.InitiateDispute(worker, 1); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	recorder := &voteRecorder{}
	engine.SetEmitter(recorder)

	const voters = 16
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := engine.VoteDispute(newTestIdentity(byte(0x40+i)), 1, true); err != nil {
				t.Errorf("vote: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if len(recorder.votes) != voters {
		t.Fatalf("expected %d vote events, got %d", voters, len(recorder.votes))
	}
	for i, got := range recorder.votes {
		if want := strconv.Itoa(i + 1); got != want {
			t.Fatalf("vote event %d carries count %s, want %s", i, got, want)
		}
	}
}
