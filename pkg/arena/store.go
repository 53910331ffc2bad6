package arena

import "context"

// LedgerStore persists the append-only transaction log.
type LedgerStore interface {
	// InsertTransaction assigns an id and persists the draft. A reused idempotency key
	// fails with ErrDuplicateTransaction.
	InsertTransaction(ctx context.Context, draft TransactionDraft, createdUnixUTC int64) (Transaction, error)
	SumCompleted(ctx context.Context, userID UserID) (Coins, error)
	ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error)
	// LockUser serializes balance checks and debits for the user until the enclosing
	// WithTx returns. Outside a transaction it does not block.
	LockUser(ctx context.Context, userID UserID) error
}

// MatchStore persists matches.
type MatchStore interface {
	GetMatch(ctx context.Context, matchID MatchID) (Match, error)
	// LockMatch reads the match and holds a shared lock on it until the enclosing WithTx
	// returns. TransitionStatus waits for every shared holder.
	LockMatch(ctx context.Context, matchID MatchID) (Match, error)
	CreateMatch(ctx context.Context, match Match) (Match, error)
	// TransitionStatus moves the match to status "to" only if its current status is one of
	// "from", as a single conditional write. It fails with ErrNotFound or ErrInvalidTransition.
	TransitionStatus(ctx context.Context, matchID MatchID, from []MatchStatus, to MatchStatus, atUnixUTC int64) (Match, error)
	CountMatchesSince(ctx context.Context, matchType string, sinceUnixUTC int64) (int64, error)
}

// EntryStore persists match participation.
type EntryStore interface {
	ListPaidEntries(ctx context.Context, matchID MatchID) ([]Entry, error)
	// CreateEntry fails with ErrAlreadyJoined when the user already has an entry for the match.
	CreateEntry(ctx context.Context, entry Entry) error
}

// NotificationSink records messages for users.
type NotificationSink interface {
	Notify(ctx context.Context, notification Notification) error
}

// NotificationStore adds the recipient-side reads.
type NotificationStore interface {
	NotificationSink
	ListNotifications(ctx context.Context, userID UserID, unreadOnly bool, limit int) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, userID UserID, notificationID string) error
}

// AuditLog records administrative actions.
type AuditLog interface {
	LogAction(ctx context.Context, entry AuditLogEntry) error
}

// AuditStore adds reads of the audit log.
type AuditStore interface {
	AuditLog
	ListAuditLog(ctx context.Context, limit int) ([]AuditLogEntry, error)
}

// Store is the full persistence contract implemented by gormstore and pgstore.
type Store interface {
	LedgerStore
	MatchStore
	EntryStore
	NotificationStore
	AuditStore
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
}
