package arena

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Coins is an integer amount of in-app currency. Credits are positive, debits negative.
type Coins int64

// Int64 returns the raw amount.
func (coins Coins) Int64() int64 {
	return int64(coins)
}

// MatchID identifies a match.
type MatchID struct {
	value string
}

// UserID identifies a player.
type UserID struct {
	value string
}

// AdminID identifies the administrator triggering an action.
type AdminID struct {
	value string
}

// IdempotencyKey makes ledger writes safely retryable.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary transaction metadata.
type MetadataJSON struct {
	value string
}

// NewMatchID validates and normalizes a match id.
func NewMatchID(raw string) (MatchID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MatchID{}, fmt.Errorf("%w: empty value", ErrInvalidMatchID)
	}
	return MatchID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id MatchID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id MatchID) IsZero() bool {
	return id.value == ""
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewAdminID validates and normalizes an admin id.
func NewAdminID(raw string) (AdminID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AdminID{}, fmt.Errorf("%w: empty value", ErrInvalidAdminID)
	}
	return AdminID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AdminID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id AdminID) IsZero() bool {
	return id.value == ""
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key is unset.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// RefundKey is the idempotency key of the single refund a user may receive for a match.
func RefundKey(matchID MatchID, userID UserID) IdempotencyKey {
	return IdempotencyKey{value: idempotencyPrefixRefund + idempotencyKeyDelimiter + matchID.String() + idempotencyKeyDelimiter + userID.String()}
}

// EntryFeeKey is the idempotency key of the entry fee debit for a match.
func EntryFeeKey(matchID MatchID, userID UserID) IdempotencyKey {
	return IdempotencyKey{value: idempotencyPrefixJoin + idempotencyKeyDelimiter + matchID.String() + idempotencyKeyDelimiter + userID.String()}
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// MatchStatus defines the match lifecycle.
type MatchStatus string

const (
	MatchStatusUpcoming   MatchStatus = "upcoming"
	MatchStatusInProgress MatchStatus = "in_progress"
	MatchStatusCompleted  MatchStatus = "completed"
	MatchStatusCancelled  MatchStatus = "cancelled"
)

// CancellableStatuses are the statuses a match may be cancelled from.
var CancellableStatuses = []MatchStatus{MatchStatusUpcoming, MatchStatusInProgress}

// ParseMatchStatus validates a stored status value.
func ParseMatchStatus(raw string) (MatchStatus, error) {
	status := MatchStatus(strings.TrimSpace(raw))
	switch status {
	case MatchStatusUpcoming, MatchStatusInProgress, MatchStatusCompleted, MatchStatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMatchStatus, raw)
	}
}

// String returns the stored value.
func (status MatchStatus) String() string {
	return string(status)
}

// IsTerminal reports whether no further transition is possible.
func (status MatchStatus) IsTerminal() bool {
	return status == MatchStatusCompleted || status == MatchStatusCancelled
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (status MatchStatus) CanTransitionTo(next MatchStatus) bool {
	switch next {
	case MatchStatusCancelled, MatchStatusCompleted:
		return !status.IsTerminal()
	case MatchStatusInProgress:
		return status == MatchStatusUpcoming
	default:
		return false
	}
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionEntryFee         TransactionType = "entry_fee"
	TransactionRefund           TransactionType = "refund"
	TransactionMatchPrize       TransactionType = "match_prize"
	TransactionManualAdjustment TransactionType = "manual_adjustment"
	TransactionTopUp            TransactionType = "topup"
	TransactionWithdrawal       TransactionType = "withdrawal"
)

// ParseTransactionType validates a transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.TrimSpace(raw))
	switch transactionType {
	case TransactionEntryFee, TransactionRefund, TransactionMatchPrize, TransactionManualAdjustment, TransactionTopUp, TransactionWithdrawal:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// TransactionStatus enumerates transaction states. Only completed transactions count toward balances.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// ParseTransactionStatus validates a transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	status := TransactionStatus(strings.TrimSpace(raw))
	switch status {
	case TransactionPending, TransactionCompleted, TransactionFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the stored value.
func (status TransactionStatus) String() string {
	return string(status)
}

// Match is a scheduled game that users pay to enter.
type Match struct {
	MatchID        MatchID
	Title          string
	Type           string
	Status         MatchStatus
	EntryFee       Coins
	CreatedUnixUTC int64
}

// Entry is a user's participation in a match. EntryFee is the fee charged at join time.
type Entry struct {
	MatchID        MatchID
	UserID         UserID
	Paid           bool
	EntryFee       Coins
	CreatedUnixUTC int64
}

// TransactionDraft is the input to Ledger.RecordTransaction.
type TransactionDraft struct {
	UserID         UserID
	Amount         Coins
	Type           TransactionType
	Status         TransactionStatus
	MatchID        MatchID
	AdminID        AdminID
	Notes          string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID  string
	UserID         UserID
	Amount         Coins
	Type           TransactionType
	Status         TransactionStatus
	MatchID        MatchID
	AdminID        AdminID
	Notes          string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Notification is a message shown to a user later.
type Notification struct {
	NotificationID string
	UserID         UserID
	Message        string
	Read           bool
	CreatedUnixUTC int64
}

// AuditLogEntry records an administrative action.
type AuditLogEntry struct {
	EntryID        string
	AdminID        AdminID
	Action         string
	Details        string
	CreatedUnixUTC int64
}

// NormalizeListLimit clamps list sizes to [1, MaxListLimit].
func NormalizeListLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
