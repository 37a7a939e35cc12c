package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"jobescrow/native/escrow"
	"jobescrow/storage"
)

var (
	recordPrefix  = []byte("escrow/record/")
	balancePrefix = []byte("balance/")
)

func recordKey(jobID uint64) []byte {
	buf := make([]byte, len(recordPrefix)+8)
	copy(buf, recordPrefix)
	binary.BigEndian.PutUint64(buf[len(recordPrefix):], jobID)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(account string) []byte {
	buf := make([]byte, len(balancePrefix)+len(account))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], account)
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// Manager is the escrow record store. It serializes work per job, stages
// record writes and ledger transfers in a Txn and commits each unit of work
// with a single storage batch.
type Manager struct {
	db    storage.Database
	locks *keyedMutex
	// commitMu orders balance revalidation and batch writes across jobs.
	commitMu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, locks: newKeyedMutex()}
}

var _ escrow.Host = (*Manager)(nil)

// Atomic runs fn with exclusive access to jobID. Everything fn staged through
// the Txn is committed in one batch when fn returns nil and discarded
// otherwise. AfterCommit hooks run in order after the batch is written and
// before the job lock is released.
func (m *Manager) Atomic(jobID uint64, fn func(tx escrow.Tx) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	unlock := m.locks.Lock(jobID)
	defer unlock()

	tx := newTxn(m, jobID)
	if err := fn(tx); err != nil {
		return err
	}
	if err := m.commit(tx); err != nil {
		return err
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

func (m *Manager) commit(tx *Txn) error {
	transfers := tx.journal.Transfers()
	if len(tx.writes) == 0 && len(transfers) == 0 {
		return nil
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	batch := m.db.NewBatch()
	for jobID, rec := range tx.writes {
		encoded, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		batch.Put(recordKey(jobID), encoded)
	}
	if len(transfers) > 0 {
		balances, err := applyTransfers(m, transfers)
		if err != nil {
			return fmt.Errorf("%w: %w", escrow.ErrTransferFailed, err)
		}
		for account, encoded := range balances {
			batch.Put(balanceKey(string(account)), encoded)
		}
	}
	return batch.Write()
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil || data == nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// get returns nil without error for absent keys.
func (m *Manager) get(key []byte) ([]byte, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Record loads the committed record for jobID without taking the job lock.
func (m *Manager) Record(jobID uint64) (*escrow.Record, bool, error) {
	if m == nil || m.db == nil {
		return nil, false, fmt.Errorf("state: manager unavailable")
	}
	data, err := m.get(recordKey(jobID))
	if err != nil || data == nil {
		return nil, false, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, false, fmt.Errorf("state: decode record %d: %w", jobID, err)
	}
	return rec, true, nil
}
