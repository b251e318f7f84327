package escrow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("escrow transaction not found")
	ErrSellerNotFound  = errors.New("seller profile not found")
	ErrForbidden       = errors.New("not allowed to access this escrow transaction")
	ErrTooManyAttempts = errors.New("too many confirmation attempts, try again later")

	ErrPaymentNotCompleted = errors.New("payment has not completed at the gateway")
	ErrAmountMismatch      = errors.New("paid amount does not match the escrow total")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
)

// ValidationError reports bad input at creation time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError is returned when an operation is attempted from a
// status that forbids it, including replays of processed gateway callbacks.
type InvalidTransitionError struct {
	ID     uuid.UUID
	Op     string
	From   string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s escrow %s in status %s", e.Op, e.ID, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// InvalidCodeError means the submitted confirmation code did not match.
// Attempts and Remaining are filled in by the attempt limiter when one is wired.
type InvalidCodeError struct {
	ID        uuid.UUID
	Attempts  int
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("invalid confirmation code (%d attempts used, %d remaining)", e.Attempts, e.Remaining)
	}
	return "invalid confirmation code"
}

// GatewayError wraps a failed or timed out payment gateway call. The
// transaction is left untouched and the call may be retried.
type GatewayError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NotificationError is non-fatal: the transition it follows has committed.
type NotificationError struct {
	ID  uuid.UUID
	Err error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("confirmation code delivery for %s failed: %v", e.ID, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

func IsInvalidCode(err error) bool {
	var target *InvalidCodeError
	return errors.As(err, &target)
}
