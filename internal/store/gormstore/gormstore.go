package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/arena/pkg/arena"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIdempotencyKey = "transactions_idempotency_key_key"
	constraintMatchEntryPrimary         = "match_entries_pkey"
	defaultMetadataJSON                 = "{}"
	dialectPostgres                     = "postgres"
	pgUniqueViolationCode               = "23505"
	sqliteConstraintUniqueCode          = 2067
	sqliteConstraintPrimaryKeyCode      = 1555
	sqlLockUser                         = "SELECT pg_advisory_xact_lock(hashtext(?))"
	errorOperationStore                 = "store"
	errorSubjectAudit                   = "audit"
	errorSubjectBalance                 = "balance"
	errorSubjectEntry                   = "entry"
	errorSubjectMatch                   = "match"
	errorSubjectNotification            = "notification"
	errorSubjectTransaction             = "transaction"
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
)

// sqliteConstraintColumns names the columns SQLite reports for each unique constraint.
var sqliteConstraintColumns = map[string]string{
	constraintTransactionIdempotencyKey: "transactions.idempotency_key",
	constraintMatchEntryPrimary:         "match_entries.match_id, match_entries.user_id",
}

// Store implements arena.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore arena.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertTransaction(ctx context.Context, draft arena.TransactionDraft, createdUnixUTC int64) (arena.Transaction, error) {
	createdAt, err := storeTime(createdUnixUTC)
	if err != nil {
		return arena.Transaction{}, wrapDomainError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	row := Transaction{
		UserID:         draft.UserID.String(),
		Amount:         draft.Amount.Int64(),
		Type:           draft.Type.String(),
		Status:         draft.Status.String(),
		MatchID:        optionalString(draft.MatchID.String()),
		AdminID:        optionalString(draft.AdminID.String()),
		Notes:          draft.Notes,
		IdempotencyKey: draft.IdempotencyKey.String(),
		Metadata:       datatypesJSON(draft.Metadata.String()),
		CreatedAt:      createdAt,
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return arena.Transaction{}, wrapDomainError(errorSubjectTransaction, errorCodeDuplicate,
			fmt.Errorf("%w: %s", arena.ErrDuplicateTransaction, draft.IdempotencyKey))
	}
	if err != nil {
		return arena.Transaction{}, arena.StoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return arena.Transaction{}, arena.StoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) SumCompleted(ctx context.Context, userID arena.UserID) (arena.Coins, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND status = ?", userID.String(), arena.TransactionCompleted.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, arena.StoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return arena.Coins(sum.Total), nil
}

// LockUser takes a transaction-scoped advisory lock on postgres. SQLite runs one
// write transaction at a time, so there it is a no-op.
func (store *Store) LockUser(ctx context.Context, userID arena.UserID) error {
	if store.db.Dialector.Name() != dialectPostgres {
		return nil
	}
	if err := store.db.WithContext(ctx).Exec(sqlLockUser, userID.String()).Error; err != nil {
		return arena.StoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID arena.UserID, beforeUnixUTC int64, limit int) ([]arena.Transaction, error) {
	before, err := storeTime(beforeUnixUTC)
	if err != nil {
		return nil, wrapDomainError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	var rows []Transaction
	err = store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Order("transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, arena.StoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]arena.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, arena.StoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) GetMatch(ctx context.Context, matchID arena.MatchID) (arena.Match, error) {
	return store.takeMatch(store.db.WithContext(ctx), matchID)
}

// LockMatch reads the match FOR SHARE. SQLite ignores the locking clause.
func (store *Store) LockMatch(ctx context.Context, matchID arena.MatchID) (arena.Match, error) {
	return store.takeMatch(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "SHARE"}), matchID)
}

func (store *Store) takeMatch(query *gorm.DB, matchID arena.MatchID) (arena.Match, error) {
	var row Match
	err := query.
		Where("match_id = ?", matchID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return arena.Match{}, wrapDomainError(errorSubjectMatch, errorCodeGet, fmt.Errorf("%w: match %s", arena.ErrNotFound, matchID))
		}
		return arena.Match{}, arena.StoreError(errorSubjectMatch, errorCodeGet, err)
	}
	match, err := mapMatch(row)
	if err != nil {
		return arena.Match{}, arena.StoreError(errorSubjectMatch, errorCodeInvalid, err)
	}
	return match, nil
}

func (store *Store) CreateMatch(ctx context.Context, match arena.Match) (arena.Match, error) {
	createdAt, err := storeTime(match.CreatedUnixUTC)
	if err != nil {
		return arena.Match{}, wrapDomainError(errorSubjectMatch, errorCodeInvalid, err)
	}
	row := Match{
		MatchID:   match.MatchID.String(),
		Title:     match.Title,
		Type:      match.Type,
		Status:    match.Status.String(),
		EntryFee:  match.EntryFee.Int64(),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return arena.Match{}, arena.StoreError(errorSubjectMatch, errorCodeCreate, err)
	}
	created, err := mapMatch(row)
	if err != nil {
		return arena.Match{}, arena.StoreError(errorSubjectMatch, errorCodeInvalid, err)
	}
	return created, nil
}

// TransitionStatus updates the status only while it is one of from, so concurrent
// callers race on a single conditional write.
func (store *Store) TransitionStatus(ctx context.Context, matchID arena.MatchID, from []arena.MatchStatus, to arena.MatchStatus, atUnixUTC int64) (arena.Match, error) {
	updatedAt, err := storeTime(atUnixUTC)
	if err != nil {
		return arena.Match{}, wrapDomainError(errorSubjectMatch, errorCodeInvalid, err)
	}
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, status.String())
	}
	result := store.db.WithContext(ctx).
		Model(&Match{}).
		Where("match_id = ? AND status IN ?", matchID.String(), allowed).
		Updates(map[string]any{"status": to.String(), "updated_at": updatedAt})
	if result.Error != nil {
		return arena.Match{}, arena.StoreError(errorSubjectMatch, errorCodeTransition, result.Error)
	}
	current, err := store.GetMatch(ctx, matchID)
	if err != nil {
		return arena.Match{}, err
	}
	if result.RowsAffected == 0 {
		return arena.Match{}, wrapDomainError(errorSubjectMatch, errorCodeTransition,
			fmt.Errorf("%w: match %s is %s", arena.ErrInvalidTransition, matchID, current.Status))
	}
	return current, nil
}

func (store *Store) CountMatchesSince(ctx context.Context, matchType string, sinceUnixUTC int64) (int64, error) {
	since, err := storeTime(sinceUnixUTC)
	if err != nil {
		return 0, wrapDomainError(errorSubjectMatch, errorCodeInvalid, err)
	}
	var count int64
	err = store.db.WithContext(ctx).
		Model(&Match{}).
		Where("type = ? AND created_at >= ?", matchType, since).
		Count(&count).Error
	if err != nil {
		return 0, arena.StoreError(errorSubjectMatch, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) ListPaidEntries(ctx context.Context, matchID arena.MatchID) ([]arena.Entry, error) {
	var rows []MatchEntry
	err := store.db.WithContext(ctx).
		Where("match_id = ? AND paid = ?", matchID.String(), true).
		Order("created_at ASC").
		Order("user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, arena.StoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]arena.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, arena.StoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CreateEntry(ctx context.Context, entry arena.Entry) error {
	createdAt, err := storeTime(entry.CreatedUnixUTC)
	if err != nil {
		return wrapDomainError(errorSubjectEntry, errorCodeInvalid, err)
	}
	row := MatchEntry{
		MatchID:   entry.MatchID.String(),
		UserID:    entry.UserID.String(),
		Paid:      entry.Paid,
		EntryFee:  entry.EntryFee.Int64(),
		CreatedAt: createdAt,
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isEntryConflict(err) {
		return wrapDomainError(errorSubjectEntry, errorCodeDuplicate, arena.ErrAlreadyJoined)
	}
	if err != nil {
		return arena.StoreError(errorSubjectEntry, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) Notify(ctx context.Context, notification arena.Notification) error {
	createdAt, err := storeTime(notification.CreatedUnixUTC)
	if err != nil {
		return wrapDomainError(errorSubjectNotification, errorCodeInvalid, err)
	}
	row := Notification{
		UserID:    notification.UserID.String(),
		Message:   notification.Message,
		IsRead:    notification.Read,
		CreatedAt: createdAt,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return arena.StoreError(errorSubjectNotification, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListNotifications(ctx context.Context, userID arena.UserID, unreadOnly bool, limit int) ([]arena.Notification, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	var rows []Notification
	err := query.
		Order("created_at DESC").
		Order("notification_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, arena.StoreError(errorSubjectNotification, errorCodeList, err)
	}
	notifications := make([]arena.Notification, 0, len(rows))
	for _, row := range rows {
		parsedUserID, err := arena.NewUserID(row.UserID)
		if err != nil {
			return nil, arena.StoreError(errorSubjectNotification, errorCodeInvalid, err)
		}
		notifications = append(notifications, arena.Notification{
			NotificationID: row.NotificationID,
			UserID:         parsedUserID,
			Message:        row.Message,
			Read:           row.IsRead,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return notifications, nil
}

func (store *Store) MarkNotificationRead(ctx context.Context, userID arena.UserID, notificationID string) error {
	result := store.db.WithContext(ctx).
		Model(&Notification{}).
		Where("notification_id = ? AND user_id = ?", notificationID, userID.String()).
		Update("is_read", true)
	if result.Error != nil {
		return arena.StoreError(errorSubjectNotification, errorCodeMarkRead, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapDomainError(errorSubjectNotification, errorCodeMarkRead, fmt.Errorf("%w: notification %s", arena.ErrNotFound, notificationID))
	}
	return nil
}

func (store *Store) LogAction(ctx context.Context, entry arena.AuditLogEntry) error {
	createdAt, err := storeTime(entry.CreatedUnixUTC)
	if err != nil {
		return wrapDomainError(errorSubjectAudit, errorCodeInvalid, err)
	}
	row := AuditLogEntry{
		AdminID:   entry.AdminID.String(),
		Action:    entry.Action,
		Details:   entry.Details,
		CreatedAt: createdAt,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return arena.StoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListAuditLog(ctx context.Context, limit int) ([]arena.AuditLogEntry, error) {
	var rows []AuditLogEntry
	err := store.db.WithContext(ctx).
		Order("created_at DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, arena.StoreError(errorSubjectAudit, errorCodeList, err)
	}
	entries := make([]arena.AuditLogEntry, 0, len(rows))
	for _, row := range rows {
		adminID, err := arena.NewAdminID(row.AdminID)
		if err != nil {
			return nil, arena.StoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		entries = append(entries, arena.AuditLogEntry{
			EntryID:        row.EntryID,
			AdminID:        adminID,
			Action:         row.Action,
			Details:        row.Details,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return entries, nil
}

func wrapDomainError(subject string, code string, err error) error {
	return arena.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapMatch(row Match) (arena.Match, error) {
	matchID, err := arena.NewMatchID(row.MatchID)
	if err != nil {
		return arena.Match{}, err
	}
	status, err := arena.ParseMatchStatus(row.Status)
	if err != nil {
		return arena.Match{}, err
	}
	return arena.Match{
		MatchID:        matchID,
		Title:          row.Title,
		Type:           row.Type,
		Status:         status,
		EntryFee:       arena.Coins(row.EntryFee),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapEntry(row MatchEntry) (arena.Entry, error) {
	matchID, err := arena.NewMatchID(row.MatchID)
	if err != nil {
		return arena.Entry{}, err
	}
	userID, err := arena.NewUserID(row.UserID)
	if err != nil {
		return arena.Entry{}, err
	}
	return arena.Entry{
		MatchID:        matchID,
		UserID:         userID,
		Paid:           row.Paid,
		EntryFee:       arena.Coins(row.EntryFee),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapTransaction(row Transaction) (arena.Transaction, error) {
	userID, err := arena.NewUserID(row.UserID)
	if err != nil {
		return arena.Transaction{}, err
	}
	transactionType, err := arena.ParseTransactionType(row.Type)
	if err != nil {
		return arena.Transaction{}, err
	}
	status, err := arena.ParseTransactionStatus(row.Status)
	if err != nil {
		return arena.Transaction{}, err
	}
	idempotencyKey, err := arena.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return arena.Transaction{}, err
	}
	metadata, err := arena.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return arena.Transaction{}, err
	}
	transaction := arena.Transaction{
		TransactionID:  row.TransactionID,
		UserID:         userID,
		Amount:         arena.Coins(row.Amount),
		Type:           transactionType,
		Status:         status,
		Notes:          row.Notes,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.MatchID != nil {
		if transaction.MatchID, err = arena.NewMatchID(*row.MatchID); err != nil {
			return arena.Transaction{}, err
		}
	}
	if row.AdminID != nil {
		if transaction.AdminID, err = arena.NewAdminID(*row.AdminID); err != nil {
			return arena.Transaction{}, err
		}
	}
	return transaction, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// storeTime rejects unset timestamps; callers pass their clock's reading.
func storeTime(unixUTC int64) (time.Time, error) {
	if unixUTC <= 0 {
		return time.Time{}, arena.ErrInvalidTimestamp
	}
	return time.Unix(unixUTC, 0).UTC(), nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	return isUniqueViolation(err, constraintTransactionIdempotencyKey)
}

func isEntryConflict(err error) bool {
	return isUniqueViolation(err, constraintMatchEntryPrimary)
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code != sqliteConstraintUniqueCode && code != sqliteConstraintPrimaryKeyCode {
			return false
		}
		columns, known := sqliteConstraintColumns[constraint]
		return known && strings.Contains(sqliteErr.Error(), columns)
	}
	return false
}
