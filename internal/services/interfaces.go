package services

import (
	"context"

	"gorm.io/gorm"

	"captable/internal/auth"
	"captable/internal/models"
	"captable/internal/pagination"
)

// OwnershipServicer defines the contract for the ownership store. The
// mutating primitives take the caller's transaction and re-check the
// 100% invariant before returning.
type OwnershipServicer interface {
	Create(tx *gorm.DB, mortgageID string, owner models.OwnerRef, percentage float64) (*models.OwnershipRecord, error)
	UpdatePercentage(tx *gorm.DB, record *models.OwnershipRecord, percentage float64) (*models.OwnershipRecord, error)
	Delete(tx *gorm.DB, record *models.OwnershipRecord) error
	FindRecord(tx *gorm.DB, mortgageID string, owner models.OwnerRef) (*models.OwnershipRecord, error)

	GetOwnershipTable(ctx context.Context, mortgageID string) ([]models.OwnershipRecord, error)
	GetTotalOwnership(ctx context.Context, mortgageID string) (*models.OwnershipTotal, error)
	GetOwnerPercentage(ctx context.Context, mortgageID string, owner models.OwnerRef) (float64, error)
	VerifyAll(ctx context.Context) ([]models.OwnershipTotal, error)

	OnboardMortgage(ctx context.Context, label string, actor auth.Identity) (*MortgageOnboarding, error)
	AdjustOwnership(ctx context.Context, mortgageID string, owner models.OwnerRef, percentage float64, reason string, actor auth.Identity) ([]models.OwnershipRecord, error)
}

// ListingServicer defines the contract for the listing lock manager.
type ListingServicer interface {
	GetListing(ctx context.Context, mortgageID string) (*models.Listing, error)
	TryLock(ctx context.Context, mortgageID string, requester auth.Identity) (*models.Listing, error)
	Unlock(ctx context.Context, mortgageID string, requester auth.Identity) (*models.Listing, error)
	SetVisibility(ctx context.Context, mortgageID string, visible bool, actor auth.Identity) (*models.Listing, error)
	ReleaseForTransfer(tx *gorm.DB, mortgageID, holderID, actorID string) error
}

// AuditServicer defines the contract for the audit trail.
type AuditServicer interface {
	Record(tx *gorm.DB, entry AuditEntry) error
	EmitPendingEvents(ctx context.Context, batchSize int) (*EmitSummary, error)
	PruneExpired(ctx context.Context, batchSize int) (int64, error)
	ListEvents(ctx context.Context, filter AuditFilter, page pagination.PageRequest) (*pagination.PageResponse[models.AuditEventRecord], error)
}

// TransferFilter holds optional filter parameters for listing transfers.
type TransferFilter struct {
	Status *models.TransferStatus
}

// TransferServicer defines the contract for the maker-checker workflow.
type TransferServicer interface {
	CreateTransfer(ctx context.Context, input CreateTransferInput, maker auth.Identity) (*models.PendingOwnershipTransfer, error)
	ResubmitTransfer(ctx context.Context, transferID string, percentage *float64, maker auth.Identity) (*models.PendingOwnershipTransfer, error)
	ApproveTransfer(ctx context.Context, transferID string, checker auth.Identity) (*models.PendingOwnershipTransfer, error)
	RejectTransfer(ctx context.Context, transferID, reason string, checker auth.Identity) (*models.PendingOwnershipTransfer, error)
	OnLedgerSyncResult(tx *gorm.DB, transferID string, outcome SyncOutcome) error
	GetTransfer(ctx context.Context, transferID string, caller auth.Identity) (*models.PendingOwnershipTransfer, error)
	ListTransfers(ctx context.Context, mortgageID string, filter TransferFilter, page pagination.PageRequest, caller auth.Identity) (*pagination.PageResponse[models.PendingOwnershipTransfer], error)
}

// LedgerSyncServicer defines the contract for the ledger outbox worker.
type LedgerSyncServicer interface {
	DrainOutbox(ctx context.Context, batchSize int) (*DrainSummary, error)
	SyncTransfer(ctx context.Context, transferID string) (*models.PendingOwnershipTransfer, error)
	RetryLedgerSync(ctx context.Context, transferID string, admin auth.Identity) (*models.PendingOwnershipTransfer, error)
	PendingCount(ctx context.Context) (int64, error)
}
