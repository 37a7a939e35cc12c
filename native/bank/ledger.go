package bank

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"jobescrow/crypto"
)

var (
	// ErrInsufficientFunds marks a debit exceeding the source balance.
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	// ErrInvalidTransfer marks malformed transfer requests.
	ErrInvalidTransfer = errors.New("bank: invalid transfer")
)

const (
	identityAccountPrefix = "id:"
	custodyAccountPrefix  = "custody:"
)

// Account names a balance held by the ledger.
type Account string

// IdentityAccount returns the spendable balance owned by an identity.
func IdentityAccount(id crypto.Identity) Account {
	return Account(identityAccountPrefix + id.Hex())
}

// CustodyAccount returns the balance holding the funds escrowed for a job.
func CustodyAccount(jobID uint64) Account {
	return Account(custodyAccountPrefix + strconv.FormatUint(jobID, 10))
}

// ParseAccount accepts "custody:<job>", "id:<hex>" or a bare identity.
func ParseAccount(raw string) (Account, error) {
	trimmed := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(trimmed, custodyAccountPrefix); ok {
		jobID, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: custody job id: %v", ErrInvalidTransfer, err)
		}
		return CustodyAccount(jobID), nil
	}
	trimmed = strings.TrimPrefix(trimmed, identityAccountPrefix)
	id, err := crypto.ParseIdentity(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	return IdentityAccount(id), nil
}

// Valid reports whether the account carries a known prefix.
func (a Account) Valid() bool {
	s := string(a)
	return (strings.HasPrefix(s, identityAccountPrefix) && len(s) > len(identityAccountPrefix)) ||
		(strings.HasPrefix(s, custodyAccountPrefix) && len(s) > len(custodyAccountPrefix))
}

// Transfer is a single value movement between two balances.
type Transfer struct {
	From   Account
	To     Account
	Amount uint64
}

// Ledger moves value between balances. Each call is atomic: it either applies
// fully or not at all.
type Ledger interface {
	Transfer(from, to Account, amount uint64) error
}

// BalanceReader exposes committed balances.
type BalanceReader interface {
	Balance(account Account) (*uint256.Int, error)
}

func validate(t Transfer) error {
	if !t.From.Valid() || !t.To.Valid() {
		return fmt.Errorf("%w: unknown account", ErrInvalidTransfer)
	}
	if t.From == t.To {
		return fmt.Errorf("%w: source and destination are identical", ErrInvalidTransfer)
	}
	return nil
}

// Journal is a Ledger that stages transfers on top of a committed balance
// view. Nothing reaches the underlying store until the owner replays the
// journal with Apply.
type Journal struct {
	base      BalanceReader
	overlay   map[Account]*uint256.Int
	transfers []Transfer
}

var _ Ledger = (*Journal)(nil)

// NewJournal returns an empty journal over base.
func NewJournal(base BalanceReader) *Journal {
	return &Journal{base: base, overlay: make(map[Account]*uint256.Int)}
}

// Balance returns the balance as seen through staged transfers.
func (j *Journal) Balance(account Account) (*uint256.Int, error) {
	if bal, ok := j.overlay[account]; ok {
		return bal.Clone(), nil
	}
	bal, err := j.base.Balance(account)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return uint256.NewInt(0), nil
	}
	return bal.Clone(), nil
}

// Transfer implements Ledger against the staged view.
func (j *Journal) Transfer(from, to Account, amount uint64) error {
	t := Transfer{From: from, To: to, Amount: amount}
	if err := validate(t); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	next, err := step(j.Balance, t)
	if err != nil {
		return err
	}
	for account, bal := range next {
		j.overlay[account] = bal
	}
	j.transfers = append(j.transfers, t)
	return nil
}

// Transfers returns the staged transfers in issue order.
func (j *Journal) Transfers() []Transfer {
	return append([]Transfer(nil), j.transfers...)
}

// Apply replays transfers against base and returns the resulting balances of
// every touched account. It fails without partial results when any transfer
// would overdraw its source.
func Apply(base BalanceReader, transfers []Transfer) (map[Account]*uint256.Int, error) {
	result := make(map[Account]*uint256.Int)
	read := func(account Account) (*uint256.Int, error) {
		if bal, ok := result[account]; ok {
			return bal, nil
		}
		bal, err := base.Balance(account)
		if err != nil {
			return nil, err
		}
		if bal == nil {
			bal = uint256.NewInt(0)
		}
		return bal.Clone(), nil
	}
	for _, t := range transfers {
		if err := validate(t); err != nil {
			return nil, err
		}
		next, err := step(read, t)
		if err != nil {
			return nil, err
		}
		for account, bal := range next {
			result[account] = bal
		}
	}
	return result, nil
}

func step(read func(Account) (*uint256.Int, error), t Transfer) (map[Account]*uint256.Int, error) {
	amt := uint256.NewInt(t.Amount)
	fromBal, err := read(t.From)
	if err != nil {
		return nil, err
	}
	if fromBal.Lt(amt) {
		return nil, fmt.Errorf("%w: %s holds %s, needs %d", ErrInsufficientFunds, t.From, fromBal.Dec(), t.Amount)
	}
	toBal, err := read(t.To)
	if err != nil {
		return nil, err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBal, amt)
	if overflow {
		return nil, fmt.Errorf("%w: balance overflow on %s", ErrInvalidTransfer, t.To)
	}
	return map[Account]*uint256.Int{
		t.From: new(uint256.Int).Sub(fromBal, amt),
		t.To:   credited,
	}, nil
}
