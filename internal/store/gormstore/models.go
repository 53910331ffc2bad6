package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Match represents the matches table.
type Match struct {
	MatchID   string    `gorm:"primaryKey"`
	Title     string    `gorm:"not null"`
	Type      string    `gorm:"not null;index:idx_matches_type_created,priority:1"`
	Status    string    `gorm:"not null;index:idx_matches_status"`
	EntryFee  int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null;index:idx_matches_type_created,priority:2"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Match) TableName() string { return "matches" }

func (match *Match) BeforeCreate(tx *gorm.DB) error {
	if match.MatchID == "" {
		match.MatchID = uuid.NewString()
	}
	return nil
}

// MatchEntry mirrors the match_entries table. One row per user per match.
type MatchEntry struct {
	MatchID   string    `gorm:"primaryKey"`
	UserID    string    `gorm:"primaryKey;index:idx_match_entries_user"`
	Paid      bool      `gorm:"not null;default:false"`
	EntryFee  int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (MatchEntry) TableName() string { return "match_entries" }

// Transaction mirrors the append-only transactions table.
type Transaction struct {
	TransactionID  string         `gorm:"primaryKey"`
	UserID         string         `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	Amount         int64          `gorm:"not null"`
	Type           string         `gorm:"not null"`
	Status         string         `gorm:"not null"`
	MatchID        *string        `gorm:"index:idx_transactions_match"`
	AdminID        *string        `gorm:""`
	Notes          string         `gorm:"not null;default:''"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:transactions_idempotency_key_key"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Notification mirrors the notifications table.
type Notification struct {
	NotificationID string    `gorm:"primaryKey"`
	UserID         string    `gorm:"not null;index:idx_notifications_user_created,priority:1"`
	Message        string    `gorm:"not null"`
	IsRead         bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null;index:idx_notifications_user_created,priority:2"`
}

func (Notification) TableName() string { return "notifications" }

func (notification *Notification) BeforeCreate(tx *gorm.DB) error {
	if notification.NotificationID == "" {
		notification.NotificationID = uuid.NewString()
	}
	return nil
}

// AuditLogEntry mirrors the audit_log table.
type AuditLogEntry struct {
	EntryID   string    `gorm:"primaryKey"`
	AdminID   string    `gorm:"not null;index:idx_audit_log_admin"`
	Action    string    `gorm:"not null"`
	Details   string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null;index:idx_audit_log_created"`
}

func (AuditLogEntry) TableName() string { return "audit_log" }

func (entry *AuditLogEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Match{}, &MatchEntry{}, &Transaction{}, &Notification{}, &AuditLogEntry{}}
}
