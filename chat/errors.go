package chat

import "errors"

var (
	// ErrBusy: another state-changing request is in flight.
	ErrBusy = errors.New("busy: a request is already in progress")
	// ErrInvalidEvent: the event does not apply to the current stage.
	ErrInvalidEvent = errors.New("event not valid in the current stage")
	// ErrApprovalPending: free text was submitted while the plan awaits approve/reject.
	ErrApprovalPending = errors.New("approve or reject the plan first")
)

type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return e.Field + " must not be empty"
}
