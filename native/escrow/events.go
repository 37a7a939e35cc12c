package escrow

import (
	"strconv"

	"jobescrow/core/types"
	"jobescrow/crypto"
)

const (
	EventTypeEscrowInitialized = "escrow.initialized"
	EventTypeWorkerAssigned    = "escrow.worker_assigned"
	EventTypeEscrowFunded      = "escrow.funded"
	EventTypeReleaseApproved   = "escrow.release_approved"
	EventTypeRefundApproved    = "escrow.refund_approved"
	EventTypePaymentReleased   = "escrow.payment_released"
	EventTypePaymentRefunded   = "escrow.payment_refunded"
	EventTypeDisputeInitiated  = "escrow.dispute_initiated"
	EventTypeDisputeVote       = "escrow.dispute_vote"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewInitializedEvent returns the payload for a newly initialised escrow.
func NewInitializedEvent(r *Record) *types.Event {
	evt := newRecordEvent(EventTypeEscrowInitialized, r)
	evt.Attributes["deadline"] = strconv.FormatInt(r.Deadline, 10)
	evt.Attributes["oracles"] = strconv.Itoa(r.Committee.Size())
	evt.Attributes["threshold"] = strconv.Itoa(r.Committee.Threshold())
	return evt
}

// NewWorkerAssignedEvent returns the payload emitted when a worker accepts the job.
func NewWorkerAssignedEvent(r *Record) *types.Event {
	return newRecordEvent(EventTypeWorkerAssigned, r)
}

// NewFundedEvent returns the payload emitted when the poster deposits.
func NewFundedEvent(r *Record) *types.Event {
	return newRecordEvent(EventTypeEscrowFunded, r)
}

// NewApprovalEvent returns the payload for a recorded oracle approval.
func NewApprovalEvent(eventType string, r *Record, approver crypto.Identity, approvals int) *types.Event {
	evt := newRecordEvent(eventType, r)
	evt.Attributes["approver"] = approver.String()
	evt.Attributes["approvals"] = strconv.Itoa(approvals)
	evt.Attributes["threshold"] = strconv.Itoa(r.Committee.Threshold())
	return evt
}

// NewReleasedEvent returns the payload for a settled release.
func NewReleasedEvent(r *Record, split ReleaseSplit) *types.Event {
	evt := newRecordEvent(EventTypePaymentReleased, r)
	evt.Attributes["workerAmount"] = strconv.FormatUint(split.Worker, 10)
	evt.Attributes["platformAmount"] = strconv.FormatUint(split.Platform, 10)
	evt.Attributes["jurorAmount"] = strconv.FormatUint(split.Juror, 10)
	evt.Attributes["path"] = r.Resolution.String()
	return evt
}

// NewRefundedEvent returns the payload for a settled refund.
func NewRefundedEvent(r *Record, split RefundSplit, disputed bool) *types.Event {
	evt := newRecordEvent(EventTypePaymentRefunded, r)
	evt.Attributes["posterAmount"] = strconv.FormatUint(split.Poster, 10)
	evt.Attributes["jurorAmount"] = strconv.FormatUint(split.Juror, 10)
	evt.Attributes["treasuryAmount"] = strconv.FormatUint(split.Treasury, 10)
	evt.Attributes["disputed"] = strconv.FormatBool(disputed)
	evt.Attributes["path"] = r.Resolution.String()
	return evt
}

// NewDisputeInitiatedEvent returns the payload emitted when a dispute opens.
func NewDisputeInitiatedEvent(r *Record) *types.Event {
	evt := newRecordEvent(EventTypeDisputeInitiated, r)
	evt.Attributes["initiator"] = r.DisputeInitiator.String()
	return evt
}

// NewDisputeVoteEvent returns the payload for a counted juror vote.
func NewDisputeVoteEvent(r *Record, juror crypto.Identity, forWorker bool) *types.Event {
	evt := newRecordEvent(EventTypeDisputeVote, r)
	evt.Attributes["juror"] = juror.String()
	evt.Attributes["voteForWorker"] = strconv.FormatBool(forWorker)
	evt.Attributes["votesForWorker"] = strconv.FormatUint(uint64(r.JurorVotesForWorker), 10)
	evt.Attributes["votesForPoster"] = strconv.FormatUint(uint64(r.JurorVotesForPoster), 10)
	return evt
}

func newRecordEvent(eventType string, r *Record) *types.Event {
	attrs := make(map[string]string)
	if r == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["jobId"] = strconv.FormatUint(r.JobID, 10)
	attrs["poster"] = r.Poster.String()
	if r.HasWorker() {
		attrs["worker"] = r.Worker.String()
	}
	attrs["amount"] = strconv.FormatUint(r.Amount, 10)
	attrs["status"] = r.Status.String()
	return &types.Event{Type: eventType, JobID: r.JobID, Attributes: attrs}
}
