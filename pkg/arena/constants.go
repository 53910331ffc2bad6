package arena

import "time"

const (
	operationRecordTransaction = "record_transaction"
	operationCredit            = "credit"
	operationCancelMatch       = "cancel_match"
	operationRetryRefunds      = "retry_refunds"
	operationJoinMatch         = "join_match"
	operationGenerateMatches   = "generate_matches"
	operationNotify            = "notify"
	operationAuditLog          = "audit_log"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationStore = "store"

	idempotencyKeyDelimiter  = ":"
	idempotencyPrefixRefund  = "refund"
	idempotencyPrefixJoin    = "entry_fee"
	idempotencyPrefixLedger  = "txn"
	matchTemplateDelimiter   = ","
	matchTemplateFeeSplitter = ":"

	// AuditActionCancelMatch tags audit entries written by CancelMatch.
	AuditActionCancelMatch = "cancel_match"
	// AuditActionRetryRefunds tags audit entries written by RetryRefunds.
	AuditActionRetryRefunds = "retry_refunds"
	// AuditActionCredit tags audit entries recorded for admin credits.
	AuditActionCredit = "credit"

	defaultStoreTimeout  = 5 * time.Second
	defaultAuditAttempts = 3
	defaultAuditBackoff  = 50 * time.Millisecond

	// DefaultListLimit is used when a list call passes a non-positive limit.
	DefaultListLimit = 50
	// MaxListLimit caps list calls.
	MaxListLimit = 200
)
