package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"jobescrow/crypto"
	"jobescrow/native/escrow"
)

// storedRecord is the RLP layout of an escrow record. Signed timestamps are
// stored as their two's complement bit pattern.
type storedRecord struct {
	JobID            uint64
	Poster           [20]byte
	Worker           [20]byte
	Amount           uint64
	Deadline         uint64
	CreatedAt        uint64
	Status           uint8
	Oracles          [][20]byte
	Threshold        uint8
	ReleaseApprovals uint8
	RefundApprovals  uint8
	DisputeInitiated bool
	DisputeInitiator [20]byte
	VotesForWorker   uint32
	VotesForPoster   uint32
	Resolution       uint8
}

func encodeRecord(rec *escrow.Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	members := rec.Committee.Members()
	oracles := make([][20]byte, len(members))
	for i, m := range members {
		oracles[i] = m
	}
	return rlp.EncodeToBytes(&storedRecord{
		JobID:            rec.JobID,
		Poster:           rec.Poster,
		Worker:           rec.Worker,
		Amount:           rec.Amount,
		Deadline:         uint64(rec.Deadline),
		CreatedAt:        uint64(rec.CreatedAt),
		Status:           uint8(rec.Status),
		Oracles:          oracles,
		Threshold:        uint8(rec.Committee.Threshold()),
		ReleaseApprovals: uint8(rec.ReleaseApprovals),
		RefundApprovals:  uint8(rec.RefundApprovals),
		DisputeInitiated: rec.DisputeInitiated,
		DisputeInitiator: rec.DisputeInitiator,
		VotesForWorker:   rec.JurorVotesForWorker,
		VotesForPoster:   rec.JurorVotesForPoster,
		Resolution:       uint8(rec.Resolution),
	})
}

func decodeRecord(data []byte) (*escrow.Record, error) {
	var stored storedRecord
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	oracles := make([]crypto.Identity, len(stored.Oracles))
	for i, o := range stored.Oracles {
		oracles[i] = o
	}
	committee, err := escrow.NewCommittee(oracles, stored.Threshold)
	if err != nil {
		return nil, fmt.Errorf("stored committee: %w", err)
	}
	rec := &escrow.Record{
		JobID:               stored.JobID,
		Poster:              stored.Poster,
		Worker:              stored.Worker,
		Amount:              stored.Amount,
		Deadline:            int64(stored.Deadline),
		CreatedAt:           int64(stored.CreatedAt),
		Status:              escrow.Status(stored.Status),
		Committee:           committee,
		ReleaseApprovals:    escrow.ApprovalSet(stored.ReleaseApprovals),
		RefundApprovals:     escrow.ApprovalSet(stored.RefundApprovals),
		DisputeInitiated:    stored.DisputeInitiated,
		DisputeInitiator:    stored.DisputeInitiator,
		JurorVotesForWorker: stored.VotesForWorker,
		JurorVotesForPoster: stored.VotesForPoster,
		Resolution:          escrow.Resolution(stored.Resolution),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}
