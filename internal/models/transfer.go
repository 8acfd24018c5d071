package models

import (
	"time"

	"captable/internal/uuid"

	"gorm.io/gorm"
)

// TransferStatus is the maker-checker state of an ownership transfer.
type TransferStatus string

const (
	TransferPendingApproval          TransferStatus = "pending_approval"
	TransferApproved                 TransferStatus = "approved"
	TransferCompleted                TransferStatus = "completed"
	TransferRejected                 TransferStatus = "rejected"
	TransferManualResolutionRequired TransferStatus = "manual_resolution_required"
)

// IsValid reports whether s is a known status.
func (s TransferStatus) IsValid() bool {
	switch s {
	case TransferPendingApproval, TransferApproved, TransferCompleted,
		TransferRejected, TransferManualResolutionRequired:
		return true
	}
	return false
}

// TransferReferencePrefix prefixes the idempotency reference sent to the ledger.
const TransferReferencePrefix = "transfer:"

// PendingOwnershipTransfer is a proposed move of a percentage of a mortgage
// from one owner to another. Rows are never deleted; rejected and completed
// transfers remain as history.
type PendingOwnershipTransfer struct {
	ID                   string         `gorm:"type:uuid;primaryKey" json:"id"`
	MortgageID           string         `gorm:"type:uuid;not null;index" json:"mortgage_id"`
	FromOwnerID          OwnerRef       `gorm:"type:varchar(64);not null" json:"from_owner_id"`
	ToOwnerID            OwnerRef       `gorm:"type:varchar(64);not null" json:"to_owner_id"`
	Percentage           float64        `gorm:"type:numeric(9,6);not null" json:"percentage"`
	Status               TransferStatus `gorm:"type:varchar(40);not null;index" json:"status"`
	CreatedBy            string         `gorm:"not null" json:"created_by"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	ReviewedBy           *string        `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time     `json:"reviewed_at,omitempty"`
	RejectionReason      *string        `json:"rejection_reason,omitempty"`
	AttemptCount         int            `gorm:"not null;default:0" json:"attempt_count"`
	IdempotencyReference string         `gorm:"not null;uniqueIndex" json:"idempotency_reference"`
	PreviousTransferID   *string        `gorm:"type:uuid" json:"previous_transfer_id,omitempty"`
	IntentKey            string         `gorm:"not null;index" json:"intent_key"`
	LedgerTransactionID  *string        `json:"ledger_transaction_id,omitempty"`
	LastSyncError        *string        `json:"last_sync_error,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	EscalatedAt          *time.Time     `json:"escalated_at,omitempty"`
}

// TableName keeps the table name stable regardless of struct naming.
func (PendingOwnershipTransfer) TableName() string { return "ownership_transfers" }

// BeforeCreate assigns the UUIDv7, the ledger idempotency reference and the intent key.
func (t *PendingOwnershipTransfer) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New()
	}
	if t.IdempotencyReference == "" {
		t.IdempotencyReference = TransferReferencePrefix + t.ID
	}
	if t.IntentKey == "" {
		t.IntentKey = IntentKey(t.MortgageID, t.FromOwnerID, t.ToOwnerID)
	}
	return nil
}

// IntentKey identifies the same underlying transfer intent across
// resubmissions, for rejection counting.
func IntentKey(mortgageID string, from, to OwnerRef) string {
	return mortgageID + ":" + from.String() + ":" + to.String()
}
