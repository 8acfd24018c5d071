package models

import (
	"time"

	"captable/internal/uuid"

	"gorm.io/gorm"
)

// AuditEventType names an ownership-affecting action.
type AuditEventType string

const (
	EventMortgageOnboarded        AuditEventType = "MORTGAGE_ONBOARDED"
	EventOwnershipAdjusted        AuditEventType = "OWNERSHIP_ADJUSTED"
	EventTransferCreated          AuditEventType = "TRANSFER_CREATED"
	EventTransferApproved         AuditEventType = "TRANSFER_APPROVED"
	EventTransferRejected         AuditEventType = "TRANSFER_REJECTED"
	EventTransferCompleted        AuditEventType = "TRANSFER_COMPLETED"
	EventManualResolutionRequired AuditEventType = "MANUAL_RESOLUTION_REQUIRED"
	EventLedgerSyncFailed         AuditEventType = "LEDGER_SYNC_FAILED"
	EventListingLocked            AuditEventType = "LISTING_LOCKED"
	EventListingUnlocked          AuditEventType = "LISTING_UNLOCKED"
	EventListingVisibilityChanged AuditEventType = "LISTING_VISIBILITY_CHANGED"
)

// Entity types referenced by audit events.
const (
	EntityMortgage  = "mortgage"
	EntityOwnership = "ownership"
	EntityTransfer  = "transfer"
	EntityListing   = "listing"
)

// AuditEventRecord is an append-only, sanitized record of an ownership
// affecting action. Only the emission bookkeeping columns are ever updated.
type AuditEventRecord struct {
	ID               string         `gorm:"type:uuid;primaryKey" json:"id"`
	EventType        AuditEventType `gorm:"type:varchar(64);not null;index" json:"event_type"`
	EntityType       string         `gorm:"type:varchar(32);not null;index:idx_audit_entity" json:"entity_type"`
	EntityID         string         `gorm:"not null;index:idx_audit_entity" json:"entity_id"`
	ActorID          string         `gorm:"not null" json:"actor_id"`
	BeforeState      map[string]any `gorm:"type:jsonb;serializer:json" json:"before_state,omitempty"`
	AfterState       map[string]any `gorm:"type:jsonb;serializer:json" json:"after_state,omitempty"`
	Metadata         map[string]any `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`
	Timestamp        time.Time      `gorm:"column:occurred_at;not null;index" json:"timestamp"`
	EmittedAt        *time.Time     `gorm:"index" json:"emitted_at,omitempty"`
	EmitFailureCount int            `gorm:"not null;default:0" json:"emit_failure_count"`
	LastEmitError    *string        `json:"last_emit_error,omitempty"`
}

// TableName keeps the table name stable regardless of struct naming.
func (AuditEventRecord) TableName() string { return "audit_events" }

// BeforeCreate hook generates a UUIDv7 and stamps the event time.
func (e *AuditEventRecord) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return nil
}
