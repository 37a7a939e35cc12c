package escrow

import "errors"

var (
	ErrAlreadyExists      = errors.New("escrow: already exists")
	ErrInvalidConfig      = errors.New("escrow: invalid configuration")
	ErrRecordNotFound     = errors.New("escrow: record not found")
	ErrInvalidStatus      = errors.New("escrow: invalid status for operation")
	ErrUnauthorized       = errors.New("escrow: unauthorized")
	ErrAlreadyApproved    = errors.New("escrow: already approved")
	ErrTransferFailed     = errors.New("escrow: transfer failed")
	ErrInvalidAmount      = errors.New("escrow: invalid amount")
	ErrDeadlinePassed     = errors.New("escrow: deadline passed")
	ErrArithmeticOverflow = errors.New("escrow: arithmetic overflow")

	// ErrInvalidJobID is reported when a job id does not resolve to a record.
	ErrInvalidJobID = ErrRecordNotFound
)

// Stable error kinds used by metrics labels and API responses.
const (
	KindAlreadyExists      = "already_exists"
	KindInvalidConfig      = "invalid_config"
	KindNotFound           = "not_found"
	KindInvalidStatus      = "invalid_status"
	KindUnauthorized       = "unauthorized"
	KindAlreadyApproved    = "already_approved"
	KindTransferFailed     = "transfer_failed"
	KindInvalidAmount      = "invalid_amount"
	KindDeadlinePassed     = "deadline_passed"
	KindArithmeticOverflow = "arithmetic_overflow"
	KindInternal           = "internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrAlreadyExists, KindAlreadyExists},
	{ErrInvalidConfig, KindInvalidConfig},
	{ErrRecordNotFound, KindNotFound},
	{ErrInvalidStatus, KindInvalidStatus},
	{ErrUnauthorized, KindUnauthorized},
	{ErrAlreadyApproved, KindAlreadyApproved},
	{ErrTransferFailed, KindTransferFailed},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrDeadlinePassed, KindDeadlinePassed},
	{ErrArithmeticOverflow, KindArithmeticOverflow},
}

// ErrorKind maps an engine error to its stable kind. Nil maps to the empty
// string and unknown errors to KindInternal.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
