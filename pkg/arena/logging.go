package arena

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Option configures the services in this package.
type Option func(*settings)

type settings struct {
	logger        OperationLogger
	storeTimeout  time.Duration
	auditAttempts int
	auditBackoff  time.Duration
	queueSize     int
}

func newSettings(options []Option) settings {
	configured := settings{
		storeTimeout:  defaultStoreTimeout,
		auditAttempts: defaultAuditAttempts,
		auditBackoff:  defaultAuditBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(&configured)
		}
	}
	return configured
}

// OperationLogger records domain-level events emitted by service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing operation.
type OperationLog struct {
	Operation string
	MatchID   MatchID
	UserID    UserID
	AdminID   AdminID
	Amount    Coins
	State     WorkflowState
	Refunded  int
	Failed    int
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) Option {
	return func(configured *settings) {
		configured.logger = logger
	}
}

// WithStoreTimeout bounds every store call. Zero or negative disables the bound.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(configured *settings) {
		configured.storeTimeout = timeout
	}
}

// WithAuditRetry sets how many times an audit write is attempted and the linear backoff step.
func WithAuditRetry(attempts int, backoff time.Duration) Option {
	return func(configured *settings) {
		if attempts > 0 {
			configured.auditAttempts = attempts
		}
		if backoff >= 0 {
			configured.auditBackoff = backoff
		}
	}
}

// WithAsyncQueue makes SideEffects deliver on a background worker with the given queue size.
func WithAsyncQueue(size int) Option {
	return func(configured *settings) {
		configured.queueSize = size
	}
}

func (configured settings) logOperation(ctx context.Context, entry OperationLog) {
	if configured.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	configured.logger.LogOperation(ctx, entry)
}

// bounded runs fn under the configured store timeout.
func (configured settings) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	if configured.storeTimeout <= 0 {
		return fn(ctx)
	}
	boundedContext, cancel := context.WithTimeout(ctx, configured.storeTimeout)
	defer cancel()
	err := fn(boundedContext)
	if err != nil && errors.Is(boundedContext.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
