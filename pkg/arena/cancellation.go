package arena

import (
	"context"
	"errors"
	"fmt"
)

// WorkflowState is the furthest step a cancellation reached.
type WorkflowState string

const (
	StateRequested     WorkflowState = "requested"
	StateMatchLoaded   WorkflowState = "match_loaded"
	StateStatusUpdated WorkflowState = "status_updated"
	StateRefunding     WorkflowState = "refunding"
	StateLogged        WorkflowState = "logged"
	StateCompleted     WorkflowState = "completed"
	StateFailed        WorkflowState = "failed"
)

// Refund is a refund transaction committed by this invocation.
type Refund struct {
	UserID        UserID
	Amount        Coins
	TransactionID string
}

// CancellationResult reports per-entry refund outcomes.
type CancellationResult struct {
	MatchID MatchID
	// Refunds committed by this call.
	Refunds []Refund
	// AlreadyRefunded lists users whose refund was committed by an earlier call.
	AlreadyRefunded []UserID
	// Skipped lists paid entries with nothing to refund.
	Skipped  []UserID
	Failures []RefundFailure
}

// RefundedUsers is the number of refund transactions committed by this call.
func (result CancellationResult) RefundedUsers() int {
	return len(result.Refunds)
}

// FailedUserIDs lists users whose refund did not commit.
func (result CancellationResult) FailedUserIDs() []UserID {
	userIDs := make([]UserID, 0, len(result.Failures))
	for _, failure := range result.Failures {
		userIDs = append(userIDs, failure.UserID)
	}
	return userIDs
}

// CancellationWorkflow cancels matches and refunds their paid entries.
// It holds no state between calls.
type CancellationWorkflow struct {
	ledger      *Ledger
	matches     MatchStore
	entries     EntryStore
	sideEffects *SideEffects
	nowFn       func() int64
	settings
}

// NewCancellationWorkflow wires a CancellationWorkflow.
func NewCancellationWorkflow(ledger *Ledger, matches MatchStore, entries EntryStore, sideEffects *SideEffects, now func() int64, options ...Option) (*CancellationWorkflow, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if matches == nil {
		return nil, fmt.Errorf("%w: match store dependency is nil", ErrInvalidServiceConfig)
	}
	if entries == nil {
		return nil, fmt.Errorf("%w: entry store dependency is nil", ErrInvalidServiceConfig)
	}
	if sideEffects == nil {
		return nil, fmt.Errorf("%w: side effects dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &CancellationWorkflow{
		ledger:      ledger,
		matches:     matches,
		entries:     entries,
		sideEffects: sideEffects,
		nowFn:       now,
		settings:    newSettings(options),
	}, nil
}

// CancelMatch marks the match cancelled and refunds every paid entry exactly once.
// A match that is already cancelled or completed fails with ErrInvalidTransition before
// anything is written. Refund failures do not undo committed refunds; they are returned
// as a *PartialFailureError alongside the result so the caller can use RetryRefunds.
func (workflow *CancellationWorkflow) CancelMatch(ctx context.Context, matchID MatchID, adminID AdminID) (CancellationResult, error) {
	result := CancellationResult{MatchID: matchID}
	state := StateRequested
	operationError := func() error {
		if matchID.IsZero() {
			return ErrInvalidMatchID
		}
		if adminID.IsZero() {
			return ErrInvalidAdminID
		}
		match, err := workflow.loadMatch(ctx, matchID)
		if err != nil {
			return err
		}
		state = StateMatchLoaded
		if !match.Status.CanTransitionTo(MatchStatusCancelled) {
			return fmt.Errorf("%w: match %s is %s", ErrInvalidTransition, matchID, match.Status)
		}
		entries, err := workflow.loadPaidEntries(ctx, matchID)
		if err != nil {
			return err
		}
		err = workflow.bounded(ctx, func(ctx context.Context) error {
			_, transitionError := workflow.matches.TransitionStatus(ctx, matchID, CancellableStatuses, MatchStatusCancelled, workflow.nowFn())
			return transitionError
		})
		if err != nil {
			return err
		}
		state = StateStatusUpdated

		// Joins hold the match lock until commit, so this read sees every paid entry.
		settled, entriesErr := workflow.loadPaidEntries(ctx, matchID)
		entries = append(entries, settled...)

		result = workflow.refundEntries(ctx, match, adminID, entries)
		workflow.notifyRefunded(ctx, match, result.Refunds)
		workflow.sideEffects.LogAction(ctx, adminID, AuditActionCancelMatch, fmt.Sprintf(
			"cancelled match %s (%s); refunded %d users; failed %d",
			matchID, match.Title, result.RefundedUsers(), len(result.Failures)))
		state = StateLogged

		if len(result.Failures) > 0 || entriesErr != nil {
			return &PartialFailureError{MatchID: matchID, Refunded: result.RefundedUsers(), Failures: result.Failures, EntriesErr: entriesErr}
		}
		state = StateCompleted
		return nil
	}()
	workflow.logOperation(ctx, OperationLog{
		Operation: operationCancelMatch,
		MatchID:   matchID,
		AdminID:   adminID,
		State:     finalState(state, operationError),
		Refunded:  result.RefundedUsers(),
		Failed:    len(result.Failures),
		Error:     operationError,
	})
	return result, operationError
}

// RetryRefunds reissues refunds for a cancelled match. Entries whose refund already
// committed are reported in AlreadyRefunded and never credited twice.
func (workflow *CancellationWorkflow) RetryRefunds(ctx context.Context, matchID MatchID, adminID AdminID) (CancellationResult, error) {
	result := CancellationResult{MatchID: matchID}
	state := StateRequested
	operationError := func() error {
		if matchID.IsZero() {
			return ErrInvalidMatchID
		}
		if adminID.IsZero() {
			return ErrInvalidAdminID
		}
		match, err := workflow.loadMatch(ctx, matchID)
		if err != nil {
			return err
		}
		state = StateMatchLoaded
		if match.Status != MatchStatusCancelled {
			return fmt.Errorf("%w: refunds require a cancelled match, %s is %s", ErrInvalidTransition, matchID, match.Status)
		}
		entries, err := workflow.loadPaidEntries(ctx, matchID)
		if err != nil {
			return err
		}
		state = StateRefunding
		result = workflow.refundEntries(ctx, match, adminID, entries)
		workflow.notifyRefunded(ctx, match, result.Refunds)
		workflow.sideEffects.LogAction(ctx, adminID, AuditActionRetryRefunds, fmt.Sprintf(
			"retried refunds for match %s; refunded %d users; already refunded %d; failed %d",
			matchID, result.RefundedUsers(), len(result.AlreadyRefunded), len(result.Failures)))
		state = StateLogged
		if len(result.Failures) > 0 {
			return &PartialFailureError{MatchID: matchID, Refunded: result.RefundedUsers(), Failures: result.Failures}
		}
		state = StateCompleted
		return nil
	}()
	workflow.logOperation(ctx, OperationLog{
		Operation: operationRetryRefunds,
		MatchID:   matchID,
		AdminID:   adminID,
		State:     finalState(state, operationError),
		Refunded:  result.RefundedUsers(),
		Failed:    len(result.Failures),
		Error:     operationError,
	})
	return result, operationError
}

func (workflow *CancellationWorkflow) loadMatch(ctx context.Context, matchID MatchID) (Match, error) {
	var match Match
	err := workflow.bounded(ctx, func(ctx context.Context) error {
		var getError error
		match, getError = workflow.matches.GetMatch(ctx, matchID)
		return getError
	})
	return match, err
}

func (workflow *CancellationWorkflow) loadPaidEntries(ctx context.Context, matchID MatchID) ([]Entry, error) {
	var entries []Entry
	err := workflow.bounded(ctx, func(ctx context.Context) error {
		var listError error
		entries, listError = workflow.entries.ListPaidEntries(ctx, matchID)
		return listError
	})
	return entries, err
}

func (workflow *CancellationWorkflow) refundEntries(ctx context.Context, match Match, adminID AdminID, entries []Entry) CancellationResult {
	result := CancellationResult{MatchID: match.MatchID}
	seen := make(map[UserID]struct{}, len(entries))
	for _, entry := range entries {
		if !entry.Paid {
			continue
		}
		if _, duplicate := seen[entry.UserID]; duplicate {
			continue
		}
		seen[entry.UserID] = struct{}{}

		amount := entry.EntryFee
		if amount == 0 {
			amount = match.EntryFee
		}
		if amount <= 0 {
			result.Skipped = append(result.Skipped, entry.UserID)
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Failures = append(result.Failures, RefundFailure{UserID: entry.UserID, Err: err})
			continue
		}
		transaction, err := workflow.ledger.recordWith(ctx, workflow.ledger.store, TransactionDraft{
			UserID:         entry.UserID,
			Amount:         amount,
			Type:           TransactionRefund,
			Status:         TransactionCompleted,
			MatchID:        match.MatchID,
			AdminID:        adminID,
			Notes:          fmt.Sprintf("Refund for cancelled match %s", matchLabel(match)),
			IdempotencyKey: RefundKey(match.MatchID, entry.UserID),
		})
		switch {
		case err == nil:
			result.Refunds = append(result.Refunds, Refund{UserID: entry.UserID, Amount: amount, TransactionID: transaction.TransactionID})
		case errors.Is(err, ErrDuplicateTransaction):
			result.AlreadyRefunded = append(result.AlreadyRefunded, entry.UserID)
		default:
			result.Failures = append(result.Failures, RefundFailure{UserID: entry.UserID, Err: err})
		}
	}
	return result
}

func (workflow *CancellationWorkflow) notifyRefunded(ctx context.Context, match Match, refunds []Refund) {
	for _, refund := range refunds {
		workflow.sideEffects.Notify(ctx, refund.UserID, fmt.Sprintf(
			"Match %s was cancelled. %d coins were refunded to your balance.", matchLabel(match), refund.Amount))
	}
}

func matchLabel(match Match) string {
	if match.Title != "" {
		return fmt.Sprintf("%q", match.Title)
	}
	return match.MatchID.String()
}

func finalState(reached WorkflowState, err error) WorkflowState {
	if err != nil && !errors.Is(err, ErrPartialFailure) {
		return StateFailed
	}
	return reached
}
