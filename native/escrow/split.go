package escrow

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Split percentages. The last component of each split receives the rounding
// remainder so the parts always sum to the escrowed amount.
const (
	ReleaseWorkerPercent   = 95
	ReleasePlatformPercent = 4
	RefundPosterPercent    = 90
	RefundJurorPercent     = 5
)

// ReleaseSplit is the distribution of a released escrow.
type ReleaseSplit struct {
	Worker   uint64
	Platform uint64
	Juror    uint64
}

// RefundSplit is the distribution of a refunded escrow. Undisputed refunds
// return everything to the poster.
type RefundSplit struct {
	Poster   uint64
	Juror    uint64
	Treasury uint64
}

// SplitRelease computes worker = ⌊a·95/100⌋, platform = ⌊a·4/100⌋ and gives the
// remainder to the juror pool.
func SplitRelease(amount uint64) (ReleaseSplit, error) {
	parts, err := split(amount, ReleaseWorkerPercent, ReleasePlatformPercent)
	if err != nil {
		return ReleaseSplit{}, err
	}
	return ReleaseSplit{Worker: parts[0], Platform: parts[1], Juror: parts[2]}, nil
}

// SplitRefund computes the refund distribution. When disputed the poster gets
// ⌊a·90/100⌋, the juror pool ⌊a·5/100⌋ and the treasury the remainder.
func SplitRefund(amount uint64, disputed bool) (RefundSplit, error) {
	if !disputed {
		return RefundSplit{Poster: amount}, nil
	}
	parts, err := split(amount, RefundPosterPercent, RefundJurorPercent)
	if err != nil {
		return RefundSplit{}, err
	}
	return RefundSplit{Poster: parts[0], Juror: parts[1], Treasury: parts[2]}, nil
}

// Sum returns the total of all components.
func (s ReleaseSplit) Sum() (uint64, error) { return sum(s.Worker, s.Platform, s.Juror) }

// Sum returns the total of all components.
func (s RefundSplit) Sum() (uint64, error) { return sum(s.Poster, s.Juror, s.Treasury) }

func split(amount uint64, firstPct, secondPct uint64) ([3]uint64, error) {
	var out [3]uint64
	total := uint256.NewInt(amount)
	first, err := percentOf(total, firstPct)
	if err != nil {
		return out, err
	}
	second, err := percentOf(total, secondPct)
	if err != nil {
		return out, err
	}
	allocated, overflow := new(uint256.Int).AddOverflow(first, second)
	if overflow || allocated.Gt(total) {
		return out, fmt.Errorf("%w: split of %d exceeds amount", ErrArithmeticOverflow, amount)
	}
	rest := new(uint256.Int).Sub(total, allocated)
	out[0], out[1], out[2] = first.Uint64(), second.Uint64(), rest.Uint64()
	got, err := sum(out[0], out[1], out[2])
	if err != nil {
		return out, err
	}
	if got != amount {
		return out, fmt.Errorf("%w: split of %d sums to %d", ErrArithmeticOverflow, amount, got)
	}
	return out, nil
}

func percentOf(total *uint256.Int, pct uint64) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(total, uint256.NewInt(pct))
	if overflow {
		return nil, fmt.Errorf("%w: %s * %d", ErrArithmeticOverflow, total.Dec(), pct)
	}
	return product.Div(product, uint256.NewInt(100)), nil
}

func sum(parts ...uint64) (uint64, error) {
	acc := new(uint256.Int)
	for _, p := range parts {
		acc.Add(acc, uint256.NewInt(p))
	}
	if !acc.IsUint64() {
		return 0, fmt.Errorf("%w: split sum exceeds 64 bits", ErrArithmeticOverflow)
	}
	return acc.Uint64(), nil
}
