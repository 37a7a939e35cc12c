package escrow

import (
	"fmt"

	"jobescrow/core/types"
	"jobescrow/crypto"
)

// ApproveRelease records oracle's approval to release the escrow. Approvals
// accumulate until a payout executes and are never retracted.
func (e *Engine) ApproveRelease(oracle crypto.Identity, jobID uint64) (*Record, error) {
	return e.approve(oracle, jobID, EventTypeReleaseApproved, func(r *Record) *ApprovalSet { return &r.ReleaseApprovals })
}

// ApproveRefund records oracle's approval to refund the escrow.
func (e *Engine) ApproveRefund(oracle crypto.Identity, jobID uint64) (*Record, error) {
	return e.approve(oracle, jobID, EventTypeRefundApproved, func(r *Record) *ApprovalSet { return &r.RefundApprovals })
}

func (e *Engine) approve(oracle crypto.Identity, jobID uint64, eventType string, selectSet func(*Record) *ApprovalSet) (*Record, error) {
	if err := requireCaller(oracle); err != nil {
		return nil, err
	}
	return e.mutate(jobID, func(_ Tx, rec *Record) (*types.Event, error) {
		if !rec.Status.Settleable() {
			return nil, fmt.Errorf("%w: cannot approve in status %s", ErrInvalidStatus, rec.Status)
		}
		idx, ok := rec.Committee.IndexOf(oracle)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not an oracle", ErrUnauthorized, oracle)
		}
		set := selectSet(rec)
		if !set.Add(idx) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyApproved, oracle)
		}
		return NewApprovalEvent(eventType, rec, oracle, set.Count()), nil
	})
}
