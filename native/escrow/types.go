package escrow

import (
	"fmt"
	"math/bits"
	"time"

	"jobescrow/crypto"
)

const (
	// MaxOracles bounds the size of an oracle committee.
	MaxOracles = 5
	// JurorQuorum is the number of votes a side needs to win a dispute.
	JurorQuorum = 2
	// DefaultGracePeriod is added to the deadline before timeout paths open.
	DefaultGracePeriod = 48 * time.Hour
)

// Status represents the lifecycle phase of an escrow record. It is the only
// source of truth for which operations are currently permitted.
type Status uint8

const (
	StatusPending Status = iota
	StatusFunded
	StatusReleased
	StatusRefunded
	StatusDisputed
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusDisputed
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Settleable reports whether release or refund may be executed.
func (s Status) Settleable() bool {
	return s == StatusFunded || s == StatusDisputed
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFunded:
		return "funded"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	case StatusDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Resolution records which authorization path settled an escrow.
type Resolution uint8

const (
	ResolutionNone Resolution = iota
	ResolutionMultisig
	ResolutionJury
	ResolutionPoster
	ResolutionTimeout
)

func (r Resolution) String() string {
	switch r {
	case ResolutionNone:
		return "none"
	case ResolutionMultisig:
		return "multisig"
	case ResolutionJury:
		return "jury"
	case ResolutionPoster:
		return "poster"
	case ResolutionTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("resolution(%d)", uint8(r))
	}
}

// Committee is the fixed-capacity oracle set of an escrow together with its
// approval threshold. An empty committee carries threshold 0 and disables the
// multisig path.
type Committee struct {
	members   [MaxOracles]crypto.Identity
	size      uint8
	threshold uint8
}

// NewCommittee validates the oracle set and threshold.
func NewCommittee(oracles []crypto.Identity, threshold uint8) (Committee, error) {
	var c Committee
	if len(oracles) > MaxOracles {
		return c, fmt.Errorf("%w: %d oracles exceeds maximum of %d", ErrInvalidConfig, len(oracles), MaxOracles)
	}
	if int(threshold) > len(oracles) {
		return c, fmt.Errorf("%w: threshold %d exceeds %d oracles", ErrInvalidConfig, threshold, len(oracles))
	}
	if len(oracles) > 0 && threshold == 0 {
		return c, fmt.Errorf("%w: threshold must be positive when oracles are configured", ErrInvalidConfig)
	}
	for i, oracle := range oracles {
		if oracle.IsZero() {
			return c, fmt.Errorf("%w: oracle %d is unset", ErrInvalidConfig, i)
		}
		for j := 0; j < i; j++ {
			if c.members[j] == oracle {
				return c, fmt.Errorf("%w: duplicate oracle %s", ErrInvalidConfig, oracle)
			}
		}
		c.members[i] = oracle
	}
	c.size = uint8(len(oracles))
	c.threshold = threshold
	return c, nil
}

// Size returns the number of oracles.
func (c Committee) Size() int { return int(c.size) }

// Threshold returns the number of approvals required by the multisig path.
func (c Committee) Threshold() int { return int(c.threshold) }

// Enabled reports whether the multisig path can ever authorize a payout.
func (c Committee) Enabled() bool { return c.size > 0 && c.threshold > 0 }

// Members returns a copy of the oracle identities in registration order.
func (c Committee) Members() []crypto.Identity {
	out := make([]crypto.Identity, c.size)
	copy(out, c.members[:c.size])
	return out
}

// IndexOf returns the committee slot of id.
func (c Committee) IndexOf(id crypto.Identity) (int, bool) {
	if id.IsZero() {
		return 0, false
	}
	for i := 0; i < int(c.size); i++ {
		if c.members[i] == id {
			return i, true
		}
	}
	return 0, false
}

// Contains reports whether id is an oracle.
func (c Committee) Contains(id crypto.Identity) bool {
	_, ok := c.IndexOf(id)
	return ok
}

// Reached reports whether the approval set satisfies the threshold.
func (c Committee) Reached(set ApprovalSet) bool {
	return c.Enabled() && set.Count() >= int(c.threshold)
}

// Approvers resolves the identities recorded in set.
func (c Committee) Approvers(set ApprovalSet) []crypto.Identity {
	out := make([]crypto.Identity, 0, set.Count())
	for i := 0; i < int(c.size); i++ {
		if set.Has(i) {
			out = append(out, c.members[i])
		}
	}
	return out
}

// ApprovalSet is a bitset over committee slots.
type ApprovalSet uint8

// Has reports whether slot idx has approved.
func (s ApprovalSet) Has(idx int) bool {
	if idx < 0 || idx >= MaxOracles {
		return false
	}
	return s&(1<<uint(idx)) != 0
}

// Add records an approval for slot idx and reports whether it was new.
func (s *ApprovalSet) Add(idx int) bool {
	if idx < 0 || idx >= MaxOracles || s.Has(idx) {
		return false
	}
	*s |= 1 << uint(idx)
	return true
}

// Count returns the number of distinct approvals.
func (s ApprovalSet) Count() int {
	return bits.OnesCount8(uint8(s))
}

// within reports whether the set only references the first size slots.
func (s ApprovalSet) within(size int) bool {
	return uint8(s)>>uint(size) == 0
}

// Record is the per-job escrow state.
type Record struct {
	JobID     uint64
	Poster    crypto.Identity
	Worker    crypto.Identity
	Amount    uint64
	Deadline  int64
	CreatedAt int64
	Status    Status

	Committee        Committee
	ReleaseApprovals ApprovalSet
	RefundApprovals  ApprovalSet

	// DisputeInitiated is history only; Status decides the phase.
	DisputeInitiated    bool
	DisputeInitiator    crypto.Identity
	JurorVotesForWorker uint32
	JurorVotesForPoster uint32

	Resolution Resolution
}

// Clone returns a copy callers can mutate freely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// HasWorker reports whether a worker has been assigned.
func (r *Record) HasWorker() bool {
	return r != nil && !r.Worker.IsZero()
}

// Tally returns the juror vote counts of the record.
func (r *Record) Tally() Tally {
	if r == nil {
		return Tally{}
	}
	return Tally{ForWorker: r.JurorVotesForWorker, ForPoster: r.JurorVotesForPoster}
}

// Validate checks the structural invariants of a stored record.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidConfig)
	}
	if r.Amount == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidConfig)
	}
	if r.Poster.IsZero() {
		return fmt.Errorf("%w: poster unset", ErrInvalidConfig)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: invalid status %d", ErrInvalidConfig, r.Status)
	}
	if !r.Resolution.valid() {
		return fmt.Errorf("%w: invalid resolution %d", ErrInvalidConfig, r.Resolution)
	}
	size := r.Committee.Size()
	if !r.ReleaseApprovals.within(size) || !r.RefundApprovals.within(size) {
		return fmt.Errorf("%w: approvals reference slots outside the committee", ErrInvalidConfig)
	}
	if r.Status.Terminal() != (r.Resolution != ResolutionNone) {
		return fmt.Errorf("%w: resolution %s inconsistent with status %s", ErrInvalidConfig, r.Resolution, r.Status)
	}
	return nil
}

func (r Resolution) valid() bool {
	return r <= ResolutionTimeout
}
