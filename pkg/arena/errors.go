package arena

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error categories. Every error returned by this package matches one of them via errors.Is.
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrPersistence          = errors.New("persistence error")
	ErrTimeout              = errors.New("timeout")
	ErrPartialFailure       = errors.New("partial failure")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrMatchNotOpen         = errors.New("match not open for entries")
	ErrAlreadyJoined        = errors.New("user already joined match")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// Validation failures.
var (
	ErrInvalidMatchID           = fmt.Errorf("%w: invalid match id", ErrValidation)
	ErrInvalidUserID            = fmt.Errorf("%w: invalid user id", ErrValidation)
	ErrInvalidAdminID           = fmt.Errorf("%w: invalid admin id", ErrValidation)
	ErrInvalidIdempotencyKey    = fmt.Errorf("%w: invalid idempotency key", ErrValidation)
	ErrInvalidAmount            = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidEntryFee          = fmt.Errorf("%w: invalid entry fee", ErrValidation)
	ErrInvalidMatchStatus       = fmt.Errorf("%w: invalid match status", ErrValidation)
	ErrInvalidTransactionType   = fmt.Errorf("%w: invalid transaction type", ErrValidation)
	ErrInvalidTransactionStatus = fmt.Errorf("%w: invalid transaction status", ErrValidation)
	ErrInvalidMetadataJSON      = fmt.Errorf("%w: invalid metadata json", ErrValidation)
	ErrInvalidMatchTemplate     = fmt.Errorf("%w: invalid match template", ErrValidation)
	ErrInvalidNotificationID    = fmt.Errorf("%w: invalid notification id", ErrValidation)
	ErrInvalidTimestamp         = fmt.Errorf("%w: missing timestamp", ErrValidation)
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// StoreError wraps a driver failure so it matches ErrPersistence, or ErrTimeout when
// the driver gave up on a context deadline.
func StoreError(subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	category := ErrPersistence
	if errors.Is(err, context.DeadlineExceeded) {
		category = ErrTimeout
	}
	return WrapError(errorOperationStore, subject, code, fmt.Errorf("%w: %w", category, err))
}

// RefundFailure records a refund attempt that did not commit.
type RefundFailure struct {
	UserID UserID
	Err    error
}

// PartialFailureError reports refunds that failed while others committed.
type PartialFailureError struct {
	MatchID  MatchID
	Refunded int
	Failures []RefundFailure
	// EntriesErr is set when the paid entries could not be re-read after the match was
	// cancelled, so entries that joined late may still be owed a refund.
	EntriesErr error
}

func (partialFailure *PartialFailureError) Error() string {
	message := fmt.Sprintf("%v: match %s refunded %d, failed for users [%s]",
		ErrPartialFailure, partialFailure.MatchID, partialFailure.Refunded, strings.Join(partialFailure.FailedUserIDs(), ", "))
	if partialFailure.EntriesErr != nil {
		message += fmt.Sprintf("; entries unconfirmed: %v", partialFailure.EntriesErr)
	}
	return message
}

// FailedUserIDs lists the users whose refund must be retried.
func (partialFailure *PartialFailureError) FailedUserIDs() []string {
	userIDs := make([]string, 0, len(partialFailure.Failures))
	for _, failure := range partialFailure.Failures {
		userIDs = append(userIDs, failure.UserID.String())
	}
	return userIDs
}

// Unwrap exposes ErrPartialFailure and every per-user cause.
func (partialFailure *PartialFailureError) Unwrap() []error {
	causes := make([]error, 0, len(partialFailure.Failures)+2)
	causes = append(causes, ErrPartialFailure)
	if partialFailure.EntriesErr != nil {
		causes = append(causes, partialFailure.EntriesErr)
	}
	for _, failure := range partialFailure.Failures {
		if failure.Err != nil {
			causes = append(causes, failure.Err)
		}
	}
	return causes
}
