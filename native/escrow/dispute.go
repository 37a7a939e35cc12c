package escrow

import (
	"fmt"
	"math"

	"jobescrow/core/types"
	"jobescrow/crypto"
)

// Tally summarises the juror votes of a dispute.
type Tally struct {
	ForWorker uint32
	ForPoster uint32
}

// WorkerWins reports whether the worker side reached quorum.
func (t Tally) WorkerWins() bool { return t.ForWorker >= JurorQuorum }

// PosterWins reports whether the poster side reached quorum.
func (t Tally) PosterWins() bool { return t.ForPoster >= JurorQuorum }

// InitiateDispute moves a funded escrow into the disputed phase. Only the
// poster or the assigned worker may open a dispute and only once.
func (e *Engine) InitiateDispute(caller crypto.Identity, jobID uint64) (*Record, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.mutate(jobID, func(_ Tx, rec *Record) (*types.Event, error) {
		if rec.Status != StatusFunded {
			return nil, fmt.Errorf("%w: cannot dispute in status %s", ErrInvalidStatus, rec.Status)
		}
		if caller != rec.Poster && !(rec.HasWorker() && caller == rec.Worker) {
			return nil, fmt.Errorf("%w: only the poster or worker may dispute", ErrUnauthorized)
		}
		rec.Status = StatusDisputed
		rec.DisputeInitiated = true
		rec.DisputeInitiator = caller
		return NewDisputeInitiatedEvent(rec), nil
	})
}

// VoteDispute counts one juror vote. Any identity may vote and repeat votes
// are counted; the quorum per side is fixed at JurorQuorum.
func (e *Engine) VoteDispute(juror crypto.Identity, jobID uint64, forWorker bool) (*Record, error) {
	if err := requireCaller(juror); err != nil {
		return nil, err
	}
	return e.mutate(jobID, func(_ Tx, rec *Record) (*types.Event, error) {
		if rec.Status != StatusDisputed {
			return nil, fmt.Errorf("%w: cannot vote in status %s", ErrInvalidStatus, rec.Status)
		}
		if forWorker {
			rec.JurorVotesForWorker = saturatingIncrement(rec.JurorVotesForWorker)
		} else {
			rec.JurorVotesForPoster = saturatingIncrement(rec.JurorVotesForPoster)
		}
		return NewDisputeVoteEvent(rec, juror, forWorker), nil
	})
}

func saturatingIncrement(v uint32) uint32 {
	if v == math.MaxUint32 {
		return v
	}
	return v + 1
}
