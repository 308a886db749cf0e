package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table.
type Wallet struct {
	WalletID        string    `gorm:"type:uuid;primaryKey"`
	OwnerID         string    `gorm:"not null;index:idx_wallets_owner,unique,priority:1"`
	OwnerType       string    `gorm:"not null;index:idx_wallets_owner,unique,priority:2"`
	AvailablePoints int64     `gorm:"not null"`
	EscrowPoints    int64     `gorm:"not null"`
	EarnedPoints    int64     `gorm:"not null"`
	Currency        string    `gorm:"not null"`
	Version         int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.WalletID == "" {
		wallet.WalletID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table. Rows are append-only.
type LedgerEntry struct {
	EntryID         string         `gorm:"type:uuid;primaryKey"`
	TransactionID   string         `gorm:"type:uuid;not null;index:idx_entries_transaction"`
	WalletID        string         `gorm:"type:uuid;not null;index:idx_entries_wallet_created,priority:1"`
	OwnerType       string         `gorm:"not null"`
	Direction       string         `gorm:"not null"`
	AmountPoints    int64          `gorm:"not null"`
	BalanceState    string         `gorm:"not null"`
	StateTransition string         `gorm:"not null"`
	ReasonCode      string         `gorm:"not null"`
	IdempotencyKey  string         `gorm:"not null;index:uniq_entries_key_operation,unique,priority:1"`
	OperationType   string         `gorm:"not null;index:uniq_entries_key_operation,unique,priority:2"`
	RequestID       string         `gorm:""`
	BalanceBefore   int64          `gorm:"not null"`
	BalanceAfter    int64          `gorm:"not null"`
	EscrowID        *string        `gorm:"type:uuid;index:idx_entries_escrow"`
	ReservationID   *string        `gorm:"type:uuid;index:idx_entries_reservation"`
	CorrelationID   string         `gorm:""`
	PayloadHash     string         `gorm:"not null"`
	Metadata        datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_entries_wallet_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// EscrowItem mirrors the escrow_items table.
type EscrowItem struct {
	EscrowID     string     `gorm:"type:uuid;primaryKey"`
	OwnerID      string     `gorm:"not null;index:idx_escrow_owner"`
	AmountPoints int64      `gorm:"not null"`
	Status       string     `gorm:"not null"`
	ExternalRef  string     `gorm:"not null;index:uniq_escrow_external_ref,unique"`
	ReasonCode   string     `gorm:"not null"`
	CreatedAt    time.Time  `gorm:"not null"`
	ProcessedAt  *time.Time `gorm:""`
}

func (EscrowItem) TableName() string { return "escrow_items" }

func (escrow *EscrowItem) BeforeCreate(tx *gorm.DB) error {
	if escrow.EscrowID == "" {
		escrow.EscrowID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table.
type Reservation struct {
	ReservationID  string    `gorm:"type:uuid;primaryKey"`
	OwnerID        string    `gorm:"not null;index:idx_reservations_owner"`
	AmountPoints   int64     `gorm:"not null"`
	Status         string    `gorm:"not null;index:idx_reservations_status_expires,priority:1"`
	ExpiresAt      time.Time `gorm:"not null;index:idx_reservations_status_expires,priority:2"`
	IdempotencyKey string    `gorm:"not null;index:uniq_reservations_key_scope,unique,priority:1"`
	EventScope     string    `gorm:"not null;index:uniq_reservations_key_scope,unique,priority:2"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// IdempotencyRecord mirrors the idempotency_records table, keyed by
// (idempotency key, operation scope).
type IdempotencyRecord struct {
	IdempotencyKey string    `gorm:"primaryKey"`
	Scope          string    `gorm:"primaryKey"`
	RequestHash    string    `gorm:"not null"`
	Status         string    `gorm:"not null"`
	ResponseBody   []byte    `gorm:""`
	ExpiresAt      time.Time `gorm:"not null;index:idx_idempotency_expires"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// IngestEvent mirrors the ingest_events table.
type IngestEvent struct {
	EventID       string         `gorm:"type:uuid;primaryKey"`
	EventType     string         `gorm:"not null;index:idx_ingest_type"`
	Payload       datatypes.JSON `gorm:"type:jsonb"`
	Status        string         `gorm:"not null;index:idx_ingest_status_due,priority:1"`
	Attempts      int            `gorm:"not null"`
	NextAttemptAt time.Time      `gorm:"index:idx_ingest_status_due,priority:2"`
	LastError     string         `gorm:""`
	CreatedAt     time.Time      `gorm:"not null"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

func (IngestEvent) TableName() string { return "ingest_events" }

// DLQEntry mirrors the dlq_entries table.
type DLQEntry struct {
	DLQID             string     `gorm:"type:uuid;primaryKey"`
	EventID           string     `gorm:"type:uuid;not null;index:idx_dlq_event"`
	EventType         string     `gorm:"not null;index:idx_dlq_type"`
	Reason            string     `gorm:"not null"`
	Replayable        bool       `gorm:"not null"`
	ReplayCount       int        `gorm:"not null"`
	LastReplayAt      *time.Time `gorm:""`
	LastReplayOutcome string     `gorm:""`
	CreatedAt         time.Time  `gorm:"not null"`
}

func (DLQEntry) TableName() string { return "dlq_entries" }

// Models lists every table for migration wiring.
func Models() []any {
	return []any{
		&Wallet{},
		&LedgerEntry{},
		&EscrowItem{},
		&Reservation{},
		&IdempotencyRecord{},
		&IngestEvent{},
		&DLQEntry{},
	}
}
