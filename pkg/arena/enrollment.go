package arena

import (
	"context"
	"errors"
	"fmt"
)

// Enrollment lets users join matches, debiting the entry fee.
type Enrollment struct {
	store  Store
	ledger *Ledger
	nowFn  func() int64
	settings
}

// NewEnrollment wires an Enrollment.
func NewEnrollment(store Store, ledger *Ledger, now func() int64, options ...Option) (*Enrollment, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Enrollment{store: store, ledger: ledger, nowFn: now, settings: newSettings(options)}, nil
}

// JoinMatch debits the match's entry fee and records a paid entry carrying that fee,
// in one store transaction. Free matches create an unpaid entry and no transaction.
// Joins by the same user are serialized so the balance check cannot be raced.
func (enrollment *Enrollment) JoinMatch(ctx context.Context, matchID MatchID, userID UserID) (Entry, error) {
	var entry Entry
	operationError := func() error {
		if matchID.IsZero() {
			return ErrInvalidMatchID
		}
		if userID.IsZero() {
			return ErrInvalidUserID
		}
		return enrollment.bounded(ctx, func(ctx context.Context) error {
			return enrollment.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
				// Held until commit so a concurrent cancellation cannot miss this entry.
				match, err := transactionStore.LockMatch(ctx, matchID)
				if err != nil {
					return err
				}
				if match.Status != MatchStatusUpcoming {
					return fmt.Errorf("%w: match %s is %s", ErrMatchNotOpen, matchID, match.Status)
				}
				nowUnixUTC := enrollment.nowFn()
				if match.EntryFee > 0 {
					if err := transactionStore.LockUser(ctx, userID); err != nil {
						return err
					}
					balance, err := transactionStore.SumCompleted(ctx, userID)
					if err != nil {
						return err
					}
					if balance < match.EntryFee {
						return ErrInsufficientFunds
					}
					_, err = enrollment.ledger.recordWith(ctx, transactionStore, TransactionDraft{
						UserID:         userID,
						Amount:         -match.EntryFee,
						Type:           TransactionEntryFee,
						Status:         TransactionCompleted,
						MatchID:        matchID,
						Notes:          fmt.Sprintf("Entry fee for match %s", matchLabel(match)),
						IdempotencyKey: EntryFeeKey(matchID, userID),
					})
					if errors.Is(err, ErrDuplicateTransaction) {
						return ErrAlreadyJoined
					}
					if err != nil {
						return err
					}
				}
				entry = Entry{
					MatchID:        matchID,
					UserID:         userID,
					Paid:           match.EntryFee > 0,
					EntryFee:       match.EntryFee,
					CreatedUnixUTC: nowUnixUTC,
				}
				return transactionStore.CreateEntry(ctx, entry)
			})
		})
	}()
	enrollment.logOperation(ctx, OperationLog{
		Operation: operationJoinMatch,
		MatchID:   matchID,
		UserID:    userID,
		Amount:    entry.EntryFee,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return entry, nil
}
