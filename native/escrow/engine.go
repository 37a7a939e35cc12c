package escrow

import (
	"errors"
	"fmt"
	"math"
	"time"

	"jobescrow/core/events"
	"jobescrow/core/types"
	"jobescrow/crypto"
	"jobescrow/native/bank"
)

var (
	errNilHost        = errors.New("escrow engine: host not configured")
	errNilFeeAccounts = errors.New("escrow engine: treasury or juror pool not configured")
)

// Tx is the unit of work handed to engine operations. Record writes and
// ledger transfers made through a Tx become visible together when the host
// commits, or not at all.
type Tx interface {
	bank.Ledger
	Get(jobID uint64) (*Record, bool, error)
	Create(r *Record) error
	Update(r *Record) error
	// AfterCommit registers fn to run once the unit of work is committed,
	// before the next operation on the same job may start.
	AfterCommit(fn func())
}

// Host serializes operations on a job and runs them atomically.
type Host interface {
	Atomic(jobID uint64, fn func(tx Tx) error) error
}

// Engine implements the escrow state machine, the multisig approval tracker
// and the juror tally on top of a Host.
type Engine struct {
	host      Host
	emitter   events.Emitter
	treasury  crypto.Identity
	jurorPool crypto.Identity
	grace     int64
	nowFn     func() int64
}

// NewEngine creates an escrow engine with a no-op emitter and the default
// grace period.
func NewEngine(host Host) *Engine {
	return &Engine{
		host:    host,
		emitter: events.NoopEmitter{},
		grace:   int64(DefaultGracePeriod / time.Second),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetTreasury configures the platform treasury identity.
func (e *Engine) SetTreasury(id crypto.Identity) { e.treasury = id }

// SetJurorPool configures the identity collecting juror fees.
func (e *Engine) SetJurorPool(id crypto.Identity) { e.jurorPool = id }

// SetGracePeriod overrides the timeout grace period. Non-positive values
// restore the default.
func (e *Engine) SetGracePeriod(d time.Duration) {
	if d <= 0 {
		d = DefaultGracePeriod
	}
	e.grace = int64(d / time.Second)
}

// GracePeriod returns the configured grace period.
func (e *Engine) GracePeriod() time.Duration {
	return time.Duration(e.grace) * time.Second
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// timedOut reports whether now is strictly past deadline + grace. A deadline
// too large to extend never times out.
func (e *Engine) timedOut(r *Record, now int64) bool {
	if r.Deadline > math.MaxInt64-e.grace {
		return false
	}
	return now > r.Deadline+e.grace
}

// mutate runs fn against the job's record inside one unit of work and emits
// the event fn produced once the host has committed, while the job is still
// held so observers see a job's events in commit order.
func (e *Engine) mutate(jobID uint64, fn func(tx Tx, rec *Record) (*types.Event, error)) (*Record, error) {
	if e == nil || e.host == nil {
		return nil, errNilHost
	}
	var (
		out *Record
		evt *types.Event
	)
	err := e.host.Atomic(jobID, func(tx Tx) error {
		rec, err := load(tx, jobID)
		if err != nil {
			return err
		}
		evt, err = fn(tx, rec)
		if err != nil {
			return err
		}
		if err := tx.Update(rec); err != nil {
			return err
		}
		out = rec.Clone()
		tx.AfterCommit(func() { e.emit(evt) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func load(tx Tx, jobID uint64) (*Record, error) {
	rec, ok, err := tx.Get(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %d", ErrRecordNotFound, jobID)
	}
	return rec, nil
}

func transfer(tx Tx, from, to bank.Account, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := tx.Transfer(from, to, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

func (e *Engine) ensureFeeAccounts() error {
	if e.treasury.IsZero() || e.jurorPool.IsZero() {
		return errNilFeeAccounts
	}
	return nil
}

func requireCaller(caller crypto.Identity) error {
	if caller.IsZero() {
		return fmt.Errorf("%w: caller identity unset", ErrUnauthorized)
	}
	return nil
}

// Get returns a copy of the record for jobID.
func (e *Engine) Get(jobID uint64) (*Record, error) {
	if e == nil || e.host == nil {
		return nil, errNilHost
	}
	var out *Record
	err := e.host.Atomic(jobID, func(tx Tx) error {
		rec, err := load(tx, jobID)
		if err != nil {
			return err
		}
		out = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Initialize creates the escrow record for jobID with caller as poster. The
// worker may be left unset and assigned later through AssignWorker.
func (e *Engine) Initialize(caller crypto.Identity, jobID, amount uint64, worker crypto.Identity, deadline int64, oracles []crypto.Identity, threshold uint8) (*Record, error) {
	if e == nil || e.host == nil {
		return nil, errNilHost
	}
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidConfig)
	}
	if !worker.IsZero() && worker == caller {
		return nil, fmt.Errorf("%w: poster cannot be the worker", ErrInvalidConfig)
	}
	committee, err := NewCommittee(oracles, threshold)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		JobID:     jobID,
		Poster:    caller,
		Worker:    worker,
		Amount:    amount,
		Deadline:  deadline,
		CreatedAt: e.now(),
		Status:    StatusPending,
		Committee: committee,
	}
	err = e.host.Atomic(jobID, func(tx Tx) error {
		_, exists, err := tx.Get(jobID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: job %d", ErrAlreadyExists, jobID)
		}
		if err := tx.Create(rec); err != nil {
			return err
		}
		evt := NewInitializedEvent(rec)
		tx.AfterCommit(func() { e.emit(evt) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// AssignWorker records caller as the worker of an escrow that has none yet.
func (e *Engine) AssignWorker(caller crypto.Identity, jobID uint64) (*Record, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.mutate(jobID, func(_ Tx, rec *Record) (*types.Event, error) {
		if rec.Status != StatusPending && rec.Status != StatusFunded {
			return nil, fmt.Errorf("%w: cannot assign worker in status %s", ErrInvalidStatus, rec.Status)
		}
		if rec.HasWorker() {
			return nil, fmt.Errorf("%w: worker already assigned", ErrInvalidStatus)
		}
		if caller == rec.Poster {
			return nil, fmt.Errorf("%w: poster cannot accept own job", ErrUnauthorized)
		}
		if e.now() >= rec.Deadline {
			return nil, fmt.Errorf("%w: job %d", ErrDeadlinePassed, jobID)
		}
		rec.Worker = caller
		return NewWorkerAssignedEvent(rec), nil
	})
}

// Deposit moves the configured amount from the poster into custody.
func (e *Engine) Deposit(caller crypto.Identity, jobID, amount uint64) (*Record, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.mutate(jobID, func(tx Tx, rec *Record) (*types.Event, error) {
		if rec.Status != StatusPending {
			return nil, fmt.Errorf("%w: cannot deposit in status %s", ErrInvalidStatus, rec.Status)
		}
		if caller != rec.Poster {
			return nil, fmt.Errorf("%w: only the poster may deposit", ErrUnauthorized)
		}
		if amount != rec.Amount {
			return nil, fmt.Errorf("%w: deposit %d does not match escrow amount %d", ErrInvalidAmount, amount, rec.Amount)
		}
		if err := transfer(tx, bank.IdentityAccount(rec.Poster), bank.CustodyAccount(jobID), amount); err != nil {
			return nil, err
		}
		rec.Status = StatusFunded
		return NewFundedEvent(rec), nil
	})
}

// ExecuteRelease pays out a funded or disputed escrow to the worker.
func (e *Engine) ExecuteRelease(caller crypto.Identity, jobID uint64) (*Record, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.mutate(jobID, func(tx Tx, rec *Record) (*types.Event, error) {
		if !rec.Status.Settleable() {
			return nil, fmt.Errorf("%w: cannot release in status %s", ErrInvalidStatus, rec.Status)
		}
		if !rec.HasWorker() {
			return nil, fmt.Errorf("%w: no worker assigned", ErrInvalidStatus)
		}
		path := e.releasePath(rec, caller)
		if path == ResolutionNone {
			return nil, fmt.Errorf("%w: release not authorized", ErrUnauthorized)
		}
		if err := e.ensureFeeAccounts(); err != nil {
			return nil, err
		}
		split, err := SplitRelease(rec.Amount)
		if err != nil {
			return nil, err
		}
		custody := bank.CustodyAccount(jobID)
		if err := transfer(tx, custody, bank.IdentityAccount(rec.Worker), split.Worker); err != nil {
			return nil, err
		}
		if err := transfer(tx, custody, bank.IdentityAccount(e.treasury), split.Platform); err != nil {
			return nil, err
		}
		if err := transfer(tx, custody, bank.IdentityAccount(e.jurorPool), split.Juror); err != nil {
			return nil, err
		}
		rec.Status = StatusReleased
		rec.Resolution = path
		return NewReleasedEvent(rec, split), nil
	})
}

func (e *Engine) releasePath(rec *Record, caller crypto.Identity) Resolution {
	switch {
	case rec.Committee.Reached(rec.ReleaseApprovals):
		return ResolutionMultisig
	case rec.Status == StatusDisputed && rec.Tally().WorkerWins():
		return ResolutionJury
	case caller == rec.Poster:
		return ResolutionPoster
	case caller == rec.Worker && e.timedOut(rec, e.now()):
		return ResolutionTimeout
	default:
		return ResolutionNone
	}
}

// ExecuteRefund returns a funded or disputed escrow to the poster. Disputed
// refunds carry juror and treasury fees.
func (e *Engine) ExecuteRefund(caller crypto.Identity, jobID uint64) (*Record, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.mutate(jobID, func(tx Tx, rec *Record) (*types.Event, error) {
		if !rec.Status.Settleable() {
			return nil, fmt.Errorf("%w: cannot refund in status %s", ErrInvalidStatus, rec.Status)
		}
		path := e.refundPath(rec)
		if path == ResolutionNone {
			return nil, fmt.Errorf("%w: refund not authorized", ErrUnauthorized)
		}
		disputed := rec.Status == StatusDisputed
		if disputed {
			if err := e.ensureFeeAccounts(); err != nil {
				return nil, err
			}
		}
		split, err := SplitRefund(rec.Amount, disputed)
		if err != nil {
			return nil, err
		}
		custody := bank.CustodyAccount(jobID)
		if err := transfer(tx, custody, bank.IdentityAccount(rec.Poster), split.Poster); err != nil {
			return nil, err
		}
		if err := transfer(tx, custody, bank.IdentityAccount(e.jurorPool), split.Juror); err != nil {
			return nil, err
		}
		if err := transfer(tx, custody, bank.IdentityAccount(e.treasury), split.Treasury); err != nil {
			return nil, err
		}
		rec.Status = StatusRefunded
		rec.Resolution = path
		return NewRefundedEvent(rec, split, disputed), nil
	})
}

func (e *Engine) refundPath(rec *Record) Resolution {
	switch {
	case rec.Committee.Reached(rec.RefundApprovals):
		return ResolutionMultisig
	case rec.Status == StatusDisputed && rec.Tally().PosterWins():
		return ResolutionJury
	case e.timedOut(rec, e.now()):
		return ResolutionTimeout
	default:
		return ResolutionNone
	}
}
