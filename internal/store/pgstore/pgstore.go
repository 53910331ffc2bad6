package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/arena/pkg/arena"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintTransactionIdempotencyKey = "transactions_idempotency_key_key"
	constraintMatchEntryPrimary         = "match_entries_pkey"
	pgUniqueViolationCode               = "23505"
	errorOperationStore                 = "store"
	errorSubjectAudit                   = "audit"
	errorSubjectBalance                 = "balance"
	errorSubjectEntry                   = "entry"
	errorSubjectMatch                   = "match"
	errorSubjectNotification            = "notification"
	errorSubjectTransaction             = "transaction"
	errorCodeBegin                      = "begin"
	errorCodeCommit                     = "commit"
	errorCodeCount                      = "count"
	errorCodeCreate                     = "create"
	errorCodeDuplicate                  = "duplicate"
	errorCodeGet                        = "get"
	errorCodeInsert                     = "insert"
	errorCodeInvalid                    = "invalid"
	errorCodeList                       = "list"
	errorCodeLock                       = "lock"
	errorCodeMarkRead                   = "mark_read"
	errorCodeSum                        = "sum"
	errorCodeTransition                 = "transition"

	sqlTransactionColumns = `
		transaction_id, user_id, amount, type, status,
		coalesce(match_id,''), coalesce(admin_id,''), notes, idempotency_key,
		coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, user_id, amount, type, status, match_id, admin_id, notes, idempotency_key, metadata, created_at
		)
		values(
			gen_random_uuid()::text, $1, $2, $3, $4,
			nullif($5,''), nullif($6,''), $7, $8,
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10)
		)
		returning ` + sqlTransactionColumns

	sqlSumCompleted = `
		select coalesce(sum(amount),0)::bigint from transactions
		where user_id = $1 and status = 'completed'
	`

	sqlListTransactionsBefore = `
		select ` + sqlTransactionColumns + `
		from transactions
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc, transaction_id desc
		limit $3
	`

	sqlMatchColumns = `
		match_id, title, type, status, entry_fee, extract(epoch from created_at)::bigint
	`

	sqlSelectMatch = `select ` + sqlMatchColumns + ` from matches where match_id = $1`

	sqlSelectMatchForShare = sqlSelectMatch + ` for share`

	sqlLockUser = `select pg_advisory_xact_lock(hashtext($1))`

	sqlInsertMatch = `
		insert into matches(match_id, title, type, status, entry_fee, created_at, updated_at)
		values(coalesce(nullif($1,''), gen_random_uuid()::text), $2, $3, $4, $5, to_timestamp($6), to_timestamp($6))
		returning ` + sqlMatchColumns

	sqlTransitionMatch = `
		update matches
		set status = $3, updated_at = to_timestamp($4)
		where match_id = $1 and status = any($2::text[])
		returning ` + sqlMatchColumns

	sqlCountMatchesSince = `
		select count(*) from matches
		where type = $1 and created_at >= to_timestamp($2)
	`

	sqlListPaidEntries = `
		select match_id, user_id, paid, entry_fee, extract(epoch from created_at)::bigint
		from match_entries
		where match_id = $1 and paid
		order by created_at asc, user_id asc
	`

	sqlInsertEntry = `
		insert into match_entries(match_id, user_id, paid, entry_fee, created_at)
		values($1, $2, $3, $4, to_timestamp($5))
	`

	sqlInsertNotification = `
		insert into notifications(notification_id, user_id, message, is_read, created_at)
		values(gen_random_uuid()::text, $1, $2, $3, to_timestamp($4))
	`

	sqlListNotifications = `
		select notification_id, user_id, message, is_read, extract(epoch from created_at)::bigint
		from notifications
		where user_id = $1 and (not $2::boolean or not is_read)
		order by created_at desc, notification_id desc
		limit $3
	`

	sqlMarkNotificationRead = `
		update notifications set is_read = true
		where notification_id = $1 and user_id = $2
	`

	sqlInsertAuditLog = `
		insert into audit_log(entry_id, admin_id, action, details, created_at)
		values(gen_random_uuid()::text, $1, $2, $3, to_timestamp($4))
	`

	sqlListAuditLog = `
		select entry_id, admin_id, action, details, extract(epoch from created_at)::bigint
		from audit_log
		order by created_at desc, entry_id desc
		limit $1
	`
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// queries holds the statements shared by the pool and transaction stores.
type queries struct {
	db queryer
}

// Store implements arena.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements arena.Store for an active transaction.
type TxStore struct {
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore arena.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return arena.StoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return arena.StoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx joins the already open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore arena.Store) error) error {
	return fn(ctx, store)
}

func (store *queries) InsertTransaction(ctx context.Context, draft arena.TransactionDraft, createdUnixUTC int64) (arena.Transaction, error) {
	if err := requireTimestamp(createdUnixUTC); err != nil {
		return arena.Transaction{}, wrapDomainError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	row := store.db.QueryRow(ctx, sqlInsertTransaction,
		draft.UserID.String(),
		draft.Amount.Int64(),
		draft.Type.String(),
		draft.Status.String(),
		draft.MatchID.String(),
		draft.AdminID.String(),
		draft.Notes,
		draft.IdempotencyKey.String(),
		draft.Metadata.String(),
		createdUnixUTC,
	)
	transaction, err := scanTransaction(row)
	if isUniqueViolation(err, constraintTransactionIdempotencyKey) {
		return arena.Transaction{}, wrapDomainError(errorSubjectTransaction, errorCodeDuplicate,
			fmt.Errorf("%w: %s", arena.ErrDuplicateTransaction, draft.IdempotencyKey))
	}
	if err != nil {
		return arena.Transaction{}, arena.StoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return transaction, nil
}

func (store *queries) SumCompleted(ctx context.Context, userID arena.UserID) (arena.Coins, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumCompleted, userID.String()).Scan(&sum); err != nil {
		return 0, arena.StoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return arena.Coins(sum), nil
}

// LockUser takes a transaction-scoped advisory lock; outside a transaction it is released at once.
func (store *queries) LockUser(ctx context.Context, userID arena.UserID) error {
	if _, err := store.db.Exec(ctx, sqlLockUser, userID.String()); err != nil {
		return arena.StoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return nil
}

func (store *queries) ListTransactions(ctx context.Context, userID arena.UserID, beforeUnixUTC int64, limit int) ([]arena.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, arena.StoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := []arena.Transaction{}
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, arena.StoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, arena.StoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *queries) GetMatch(ctx context.Context, matchID arena.MatchID) (arena.Match, error) {
	return store.selectMatch(ctx, sqlSelectMatch, matchID)
}

func (store *queries) LockMatch(ctx context.Context, matchID arena.MatchID) (arena.Match, error) {
	return store.selectMatch(ctx, sqlSelectMatchForShare, matchID)
}

func (store *queries) selectMatch(ctx context.Context, query string, matchID arena.MatchID) (arena.Match, error) {
	match, err := scanMatch(store.db.QueryRow(ctx, query, matchID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return arena.Match{}, wrapDomainError(errorSubjectMatch, errorCodeGet, fmt.Errorf("%w: match %s", arena.ErrNotFound, matchID))
		}
		return arena.Match{}, arena.StoreError(errorSubjectMatch, errorCodeGet, err)
	}
	return match, nil
}

func (store *queries) CreateMatch(ctx context.Context, match arena.Match) (arena.Match, error) {
	if err := requireTimestamp(match.CreatedUnixUTC); err != nil {
		return arena.Match{}, wrapDomainError(errorSubjectMatch, errorCodeInvalid, err)
	}
	created, err := scanMatch(store.db.QueryRow(ctx, sqlInsertMatch,
		match.MatchID.String(),
		match.Title,
		match.Type,
		match.Status.String(),
		match.EntryFee.Int64(),
		match.CreatedUnixUTC,
	))
	if err != nil {
		return arena.Match{}, arena.StoreError(errorSubjectMatch, errorCodeCreate, err)
	}
	return created, nil
}

// TransitionStatus updates the status only while it is one of from, so concurrent
// callers race on a single conditional write.
func (store *queries) TransitionStatus(ctx context.Context, matchID arena.MatchID, from []arena.MatchStatus, to arena.MatchStatus, atUnixUTC int64) (arena.Match, error) {
	if err := requireTimestamp(atUnixUTC); err != nil {
		return arena.Match{}, wrapDomainError(errorSubjectMatch, errorCodeInvalid, err)
	}
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, status.String())
	}
	updated, err := scanMatch(store.db.QueryRow(ctx, sqlTransitionMatch, matchID.String(), allowed, to.String(), atUnixUTC))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return arena.Match{}, arena.StoreError(errorSubjectMatch, errorCodeTransition, err)
	}
	current, err := store.GetMatch(ctx, matchID)
	if err != nil {
		return arena.Match{}, err
	}
	return arena.Match{}, wrapDomainError(errorSubjectMatch, errorCodeTransition,
		fmt.Errorf("%w: match %s is %s", arena.ErrInvalidTransition, matchID, current.Status))
}

func (store *queries) CountMatchesSince(ctx context.Context, matchType string, sinceUnixUTC int64) (int64, error) {
	var count int64
	if err := store.db.QueryRow(ctx, sqlCountMatchesSince, matchType, sinceUnixUTC).Scan(&count); err != nil {
		return 0, arena.StoreError(errorSubjectMatch, errorCodeCount, err)
	}
	return count, nil
}

func (store *queries) ListPaidEntries(ctx context.Context, matchID arena.MatchID) ([]arena.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListPaidEntries, matchID.String())
	if err != nil {
		return nil, arena.StoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := []arena.Entry{}
	for rows.Next() {
		var (
			matchValue     string
			userValue      string
			paid           bool
			entryFee       int64
			createdUnixUTC int64
		)
		if err := rows.Scan(&matchValue, &userValue, &paid, &entryFee, &createdUnixUTC); err != nil {
			return nil, arena.StoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		parsedMatchID, err := arena.NewMatchID(matchValue)
		if err != nil {
			return nil, arena.StoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		userID, err := arena.NewUserID(userValue)
		if err != nil {
			return nil, arena.StoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, arena.Entry{
			MatchID:        parsedMatchID,
			UserID:         userID,
			Paid:           paid,
			EntryFee:       arena.Coins(entryFee),
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, arena.StoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *queries) CreateEntry(ctx context.Context, entry arena.Entry) error {
	if err := requireTimestamp(entry.CreatedUnixUTC); err != nil {
		return wrapDomainError(errorSubjectEntry, errorCodeInvalid, err)
	}
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.MatchID.String(),
		entry.UserID.String(),
		entry.Paid,
		entry.EntryFee.Int64(),
		entry.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintMatchEntryPrimary) {
		return wrapDomainError(errorSubjectEntry, errorCodeDuplicate, arena.ErrAlreadyJoined)
	}
	if err != nil {
		return arena.StoreError(errorSubjectEntry, errorCodeCreate, err)
	}
	return nil
}

func (store *queries) Notify(ctx context.Context, notification arena.Notification) error {
	if err := requireTimestamp(notification.CreatedUnixUTC); err != nil {
		return wrapDomainError(errorSubjectNotification, errorCodeInvalid, err)
	}
	_, err := store.db.Exec(ctx, sqlInsertNotification,
		notification.UserID.String(),
		notification.Message,
		notification.Read,
		notification.CreatedUnixUTC,
	)
	if err != nil {
		return arena.StoreError(errorSubjectNotification, errorCodeInsert, err)
	}
	return nil
}

func (store *queries) ListNotifications(ctx context.Context, userID arena.UserID, unreadOnly bool, limit int) ([]arena.Notification, error) {
	rows, err := store.db.Query(ctx, sqlListNotifications, userID.String(), unreadOnly, limit)
	if err != nil {
		return nil, arena.StoreError(errorSubjectNotification, errorCodeList, err)
	}
	defer rows.Close()
	notifications := []arena.Notification{}
	for rows.Next() {
		var (
			notification arena.Notification
			userValue    string
		)
		if err := rows.Scan(&notification.NotificationID, &userValue, &notification.Message, &notification.Read, &notification.CreatedUnixUTC); err != nil {
			return nil, arena.StoreError(errorSubjectNotification, errorCodeInvalid, err)
		}
		if notification.UserID, err = arena.NewUserID(userValue); err != nil {
			return nil, arena.StoreError(errorSubjectNotification, errorCodeInvalid, err)
		}
		notifications = append(notifications, notification)
	}
	if err := rows.Err(); err != nil {
		return nil, arena.StoreError(errorSubjectNotification, errorCodeList, err)
	}
	return notifications, nil
}

func (store *queries) MarkNotificationRead(ctx context.Context, userID arena.UserID, notificationID string) error {
	tag, err := store.db.Exec(ctx, sqlMarkNotificationRead, notificationID, userID.String())
	if err != nil {
		return arena.StoreError(errorSubjectNotification, errorCodeMarkRead, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapDomainError(errorSubjectNotification, errorCodeMarkRead, fmt.Errorf("%w: notification %s", arena.ErrNotFound, notificationID))
	}
	return nil
}

func (store *queries) LogAction(ctx context.Context, entry arena.AuditLogEntry) error {
	if err := requireTimestamp(entry.CreatedUnixUTC); err != nil {
		return wrapDomainError(errorSubjectAudit, errorCodeInvalid, err)
	}
	_, err := store.db.Exec(ctx, sqlInsertAuditLog,
		entry.AdminID.String(),
		entry.Action,
		entry.Details,
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return arena.StoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func (store *queries) ListAuditLog(ctx context.Context, limit int) ([]arena.AuditLogEntry, error) {
	rows, err := store.db.Query(ctx, sqlListAuditLog, limit)
	if err != nil {
		return nil, arena.StoreError(errorSubjectAudit, errorCodeList, err)
	}
	defer rows.Close()
	entries := []arena.AuditLogEntry{}
	for rows.Next() {
		var (
			entry      arena.AuditLogEntry
			adminValue string
		)
		if err := rows.Scan(&entry.EntryID, &adminValue, &entry.Action, &entry.Details, &entry.CreatedUnixUTC); err != nil {
			return nil, arena.StoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		if entry.AdminID, err = arena.NewAdminID(adminValue); err != nil {
			return nil, arena.StoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, arena.StoreError(errorSubjectAudit, errorCodeList, err)
	}
	return entries, nil
}

func scanMatch(row scanner) (arena.Match, error) {
	var (
		matchValue     string
		title          string
		matchType      string
		statusValue    string
		entryFee       int64
		createdUnixUTC int64
	)
	if err := row.Scan(&matchValue, &title, &matchType, &statusValue, &entryFee, &createdUnixUTC); err != nil {
		return arena.Match{}, err
	}
	matchID, err := arena.NewMatchID(matchValue)
	if err != nil {
		return arena.Match{}, err
	}
	status, err := arena.ParseMatchStatus(statusValue)
	if err != nil {
		return arena.Match{}, err
	}
	return arena.Match{
		MatchID:        matchID,
		Title:          title,
		Type:           matchType,
		Status:         status,
		EntryFee:       arena.Coins(entryFee),
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func scanTransaction(row scanner) (arena.Transaction, error) {
	var (
		transactionID  string
		userValue      string
		amount         int64
		typeValue      string
		statusValue    string
		matchValue     string
		adminValue     string
		notes          string
		keyValue       string
		metadataValue  string
		createdUnixUTC int64
	)
	err := row.Scan(&transactionID, &userValue, &amount, &typeValue, &statusValue,
		&matchValue, &adminValue, &notes, &keyValue, &metadataValue, &createdUnixUTC)
	if err != nil {
		return arena.Transaction{}, err
	}
	userID, err := arena.NewUserID(userValue)
	if err != nil {
		return arena.Transaction{}, err
	}
	transactionType, err := arena.ParseTransactionType(typeValue)
	if err != nil {
		return arena.Transaction{}, err
	}
	status, err := arena.ParseTransactionStatus(statusValue)
	if err != nil {
		return arena.Transaction{}, err
	}
	idempotencyKey, err := arena.NewIdempotencyKey(keyValue)
	if err != nil {
		return arena.Transaction{}, err
	}
	metadata, err := arena.NewMetadataJSON(metadataValue)
	if err != nil {
		return arena.Transaction{}, err
	}
	transaction := arena.Transaction{
		TransactionID:  transactionID,
		UserID:         userID,
		Amount:         arena.Coins(amount),
		Type:           transactionType,
		Status:         status,
		Notes:          notes,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
	}
	if matchValue != "" {
		if transaction.MatchID, err = arena.NewMatchID(matchValue); err != nil {
			return arena.Transaction{}, err
		}
	}
	if adminValue != "" {
		if transaction.AdminID, err = arena.NewAdminID(adminValue); err != nil {
			return arena.Transaction{}, err
		}
	}
	return transaction, nil
}

func wrapDomainError(subject string, code string, err error) error {
	return arena.WrapError(errorOperationStore, subject, code, err)
}

func requireTimestamp(unixUTC int64) error {
	if unixUTC <= 0 {
		return arena.ErrInvalidTimestamp
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
