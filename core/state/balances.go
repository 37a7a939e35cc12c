package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"jobescrow/native/bank"
)

var _ bank.BalanceReader = (*Manager)(nil)

// Balance returns the committed balance of account.
func (m *Manager) Balance(account bank.Account) (*uint256.Int, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: manager unavailable")
	}
	if !account.Valid() {
		return nil, fmt.Errorf("%w: %q", bank.ErrInvalidTransfer, account)
	}
	data, err := m.get(balanceKey(string(account)))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return uint256.NewInt(0), nil
	}
	return decodeBalance(data)
}

// Credit adds amount to account outside of any escrow. It models the external
// ledger funding an identity and is used by operators and tests.
func (m *Manager) Credit(account bank.Account, amount uint64) (*uint256.Int, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: manager unavailable")
	}
	if !account.Valid() {
		return nil, fmt.Errorf("%w: %q", bank.ErrInvalidTransfer, account)
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	current, err := m.Balance(account)
	if err != nil {
		return nil, err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, uint256.NewInt(amount))
	if overflow {
		return nil, fmt.Errorf("%w: balance overflow on %s", bank.ErrInvalidTransfer, account)
	}
	encoded, err := encodeBalance(next)
	if err != nil {
		return nil, err
	}
	if err := m.db.Put(balanceKey(string(account)), encoded); err != nil {
		return nil, err
	}
	return next, nil
}

func applyTransfers(base bank.BalanceReader, transfers []bank.Transfer) (map[bank.Account][]byte, error) {
	balances, err := bank.Apply(base, transfers)
	if err != nil {
		return nil, err
	}
	out := make(map[bank.Account][]byte, len(balances))
	for account, bal := range balances {
		encoded, err := encodeBalance(bal)
		if err != nil {
			return nil, err
		}
		out[account] = encoded
	}
	return out, nil
}

func encodeBalance(v *uint256.Int) ([]byte, error) {
	return rlp.EncodeToBytes(v.ToBig())
}

func decodeBalance(data []byte) (*uint256.Int, error) {
	var stored big.Int
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	bal, overflow := uint256.FromBig(&stored)
	if overflow {
		return nil, fmt.Errorf("state: stored balance exceeds 256 bits")
	}
	return bal, nil
}
