package arena

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Ledger records coin-moving transactions and derives balances from them.
type Ledger struct {
	store LedgerStore
	nowFn func() int64
	settings
}

// NewLedger wires a Ledger.
func NewLedger(store LedgerStore, now func() int64, options ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: ledger store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Ledger{store: store, nowFn: now, settings: newSettings(options)}, nil
}

// RecordTransaction validates the draft, defaults its status to completed, and appends it.
func (ledger *Ledger) RecordTransaction(ctx context.Context, draft TransactionDraft) (Transaction, error) {
	transaction, operationError := ledger.recordWith(ctx, ledger.store, draft)
	ledger.logOperation(ctx, OperationLog{
		Operation: operationRecordTransaction,
		MatchID:   draft.MatchID,
		UserID:    draft.UserID,
		AdminID:   draft.AdminID,
		Amount:    draft.Amount,
		Error:     operationError,
	})
	return transaction, operationError
}

// recordWith appends without an operation log; callers log their own operation.
func (ledger *Ledger) recordWith(ctx context.Context, store LedgerStore, draft TransactionDraft) (Transaction, error) {
	normalized, err := normalizeDraft(draft)
	if err != nil {
		return Transaction{}, err
	}
	var transaction Transaction
	err = ledger.bounded(ctx, func(ctx context.Context) error {
		var insertError error
		transaction, insertError = store.InsertTransaction(ctx, normalized, ledger.nowFn())
		return insertError
	})
	if err != nil {
		return Transaction{}, err
	}
	return transaction, nil
}

// Balance sums the user's completed transactions.
func (ledger *Ledger) Balance(ctx context.Context, userID UserID) (Coins, error) {
	if userID.IsZero() {
		return 0, ErrInvalidUserID
	}
	var balance Coins
	err := ledger.bounded(ctx, func(ctx context.Context) error {
		var sumError error
		balance, sumError = ledger.store.SumCompleted(ctx, userID)
		return sumError
	})
	return balance, err
}

// ListTransactions lists a user's transactions created before the cutoff, newest first.
// A zero cutoff means "now".
func (ledger *Ledger) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, ErrInvalidUserID
	}
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = ledger.nowFn() + 1
	}
	var transactions []Transaction
	err := ledger.bounded(ctx, func(ctx context.Context) error {
		var listError error
		transactions, listError = ledger.store.ListTransactions(ctx, userID, beforeUnixUTC, NormalizeListLimit(limit))
		return listError
	})
	return transactions, err
}

// CreditRequest is an admin-recorded balance change after manual review.
type CreditRequest struct {
	UserID         UserID
	AdminID        AdminID
	Amount         Coins
	Type           TransactionType
	Notes          string
	IdempotencyKey IdempotencyKey
}

// Credit records a top-up or manual adjustment on behalf of an admin.
func (ledger *Ledger) Credit(ctx context.Context, request CreditRequest) (Transaction, error) {
	transaction, operationError := ledger.credit(ctx, request)
	ledger.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    request.UserID,
		AdminID:   request.AdminID,
		Amount:    request.Amount,
		Error:     operationError,
	})
	return transaction, operationError
}

func (ledger *Ledger) credit(ctx context.Context, request CreditRequest) (Transaction, error) {
	if request.AdminID.IsZero() {
		return Transaction{}, ErrInvalidAdminID
	}
	switch request.Type {
	case TransactionTopUp:
		if request.Amount <= 0 {
			return Transaction{}, fmt.Errorf("%w: top-up must be positive", ErrInvalidAmount)
		}
	case TransactionManualAdjustment:
	default:
		return Transaction{}, fmt.Errorf("%w: credits accept %s or %s", ErrInvalidTransactionType, TransactionTopUp, TransactionManualAdjustment)
	}
	return ledger.recordWith(ctx, ledger.store, TransactionDraft{
		UserID:         request.UserID,
		Amount:         request.Amount,
		Type:           request.Type,
		Status:         TransactionCompleted,
		AdminID:        request.AdminID,
		Notes:          request.Notes,
		IdempotencyKey: request.IdempotencyKey,
	})
}

func normalizeDraft(draft TransactionDraft) (TransactionDraft, error) {
	if draft.UserID.IsZero() {
		return TransactionDraft{}, ErrInvalidUserID
	}
	if draft.Amount == 0 {
		return TransactionDraft{}, fmt.Errorf("%w: must be non-zero", ErrInvalidAmount)
	}
	transactionType, err := ParseTransactionType(draft.Type.String())
	if err != nil {
		return TransactionDraft{}, err
	}
	draft.Type = transactionType
	if draft.Status == "" {
		draft.Status = TransactionCompleted
	}
	status, err := ParseTransactionStatus(draft.Status.String())
	if err != nil {
		return TransactionDraft{}, err
	}
	draft.Status = status
	if draft.IdempotencyKey.IsZero() {
		draft.IdempotencyKey = IdempotencyKey{value: idempotencyPrefixLedger + idempotencyKeyDelimiter + uuid.NewString()}
	}
	metadata, err := NewMetadataJSON(draft.Metadata.value)
	if err != nil {
		return TransactionDraft{}, err
	}
	draft.Metadata = metadata
	return draft, nil
}
