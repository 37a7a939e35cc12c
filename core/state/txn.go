package state

import (
	"fmt"

	"jobescrow/native/bank"
	"jobescrow/native/escrow"
)

// Txn is the unit of work handed to escrow operations. Record writes and
// transfers are buffered until the Manager commits.
type Txn struct {
	manager *Manager
	jobID   uint64
	writes  map[uint64]*escrow.Record
	journal *bank.Journal
	hooks   []func()
}

var _ escrow.Tx = (*Txn)(nil)

func newTxn(m *Manager, jobID uint64) *Txn {
	return &Txn{
		manager: m,
		jobID:   jobID,
		writes:  make(map[uint64]*escrow.Record),
		journal: bank.NewJournal(m),
	}
}

func (tx *Txn) guard(jobID uint64) error {
	if jobID != tx.jobID {
		return fmt.Errorf("state: transaction for job %d cannot touch job %d", tx.jobID, jobID)
	}
	return nil
}

// Get returns the record as seen by the transaction.
func (tx *Txn) Get(jobID uint64) (*escrow.Record, bool, error) {
	if err := tx.guard(jobID); err != nil {
		return nil, false, err
	}
	if rec, ok := tx.writes[jobID]; ok {
		return rec.Clone(), true, nil
	}
	return tx.manager.Record(jobID)
}

// Create stages a new record. It fails if the job already has one.
func (tx *Txn) Create(rec *escrow.Record) error {
	if rec == nil {
		return fmt.Errorf("state: nil record")
	}
	_, exists, err := tx.Get(rec.JobID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: job %d", escrow.ErrAlreadyExists, rec.JobID)
	}
	return tx.stage(rec)
}

// Update stages a replacement for an existing record.
func (tx *Txn) Update(rec *escrow.Record) error {
	if rec == nil {
		return fmt.Errorf("state: nil record")
	}
	_, exists, err := tx.Get(rec.JobID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: job %d", escrow.ErrRecordNotFound, rec.JobID)
	}
	return tx.stage(rec)
}

func (tx *Txn) stage(rec *escrow.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	tx.writes[rec.JobID] = rec.Clone()
	return nil
}

// AfterCommit queues fn to run after a successful commit. Hooks of a failed
// unit of work are dropped.
func (tx *Txn) AfterCommit(fn func()) {
	if fn != nil {
		tx.hooks = append(tx.hooks, fn)
	}
}

// Transfer stages a ledger transfer against the transaction's balance view.
func (tx *Txn) Transfer(from, to bank.Account, amount uint64) error {
	return tx.journal.Transfer(from, to, amount)
}
