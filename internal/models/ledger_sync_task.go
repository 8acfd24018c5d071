package models

import (
	"time"

	"captable/internal/uuid"

	"gorm.io/gorm"
)

// LedgerSyncKind is the kind of posting a ledger sync task performs.
type LedgerSyncKind string

const (
	LedgerSyncInitializeMortgage LedgerSyncKind = "initialize_mortgage"
	LedgerSyncOwnershipTransfer  LedgerSyncKind = "ownership_transfer"
)

// LedgerSyncStatus is the delivery state of an outbox task.
type LedgerSyncStatus string

const (
	LedgerSyncPending   LedgerSyncStatus = "pending"
	LedgerSyncCompleted LedgerSyncStatus = "completed"
)

// MortgageInitReferencePrefix prefixes the reference of the issuance posting.
const MortgageInitReferencePrefix = "mortgage-init:"

// LedgerSyncTask is a transactional outbox row. It is written in the same
// transaction as the ownership change it mirrors and drained by the outbox
// worker, which calls the external ledger outside of any transaction.
type LedgerSyncTask struct {
	ID                  string           `gorm:"type:uuid;primaryKey" json:"id"`
	Kind                LedgerSyncKind   `gorm:"type:varchar(32);not null" json:"kind"`
	MortgageID          string           `gorm:"type:uuid;not null;index" json:"mortgage_id"`
	TransferID          *string          `gorm:"type:uuid;index" json:"transfer_id,omitempty"`
	Reference           string           `gorm:"not null;uniqueIndex" json:"reference"`
	Status              LedgerSyncStatus `gorm:"type:varchar(16);not null;index:idx_ledger_sync_due" json:"status"`
	Attempts            int              `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt       time.Time        `gorm:"not null;index:idx_ledger_sync_due" json:"next_attempt_at"`
	LeaseUntil          *time.Time       `json:"lease_until,omitempty"`
	LastError           *string          `json:"last_error,omitempty"`
	LedgerTransactionID *string          `json:"ledger_transaction_id,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// TableName keeps the table name stable regardless of struct naming.
func (LedgerSyncTask) TableName() string { return "ledger_sync_tasks" }

// BeforeCreate hook generates a UUIDv7 and makes the task due immediately.
func (t *LedgerSyncTask) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = LedgerSyncPending
	}
	if t.NextAttemptAt.IsZero() {
		t.NextAttemptAt = time.Now().UTC()
	}
	return nil
}
