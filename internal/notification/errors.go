package notification

import "fmt"

// ValidationError rejects a dispatch before anything is stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RowFailure records one recipient whose row could not be stored during a
// fan-out. Failures are reported in the result, never as an error.
type RowFailure struct {
	RecipientID string
	Err         error
}

// RetractionError means the rows to retract could not be deleted. Nothing was
// published in that case.
type RetractionError struct {
	UserID string
	Err    error
}

func (e *RetractionError) Error() string {
	return fmt.Sprintf("retract notifications for user %s: %v", e.UserID, e.Err)
}

func (e *RetractionError) Unwrap() error {
	return e.Err
}
