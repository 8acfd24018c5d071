package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"captable/internal/auth"
	"captable/internal/database"
	apperrors "captable/internal/errors"
	"captable/internal/metrics"
	"captable/internal/models"
)

// listingService implements the listing lock manager.
type listingService struct {
	db           *gorm.DB
	audit        AuditServicer
	maxTxRetries int
}

// NewListingService creates a new ListingServicer.
func NewListingService(db *gorm.DB, audit AuditServicer, maxTxRetries int) ListingServicer {
	return &listingService{db: db, audit: audit, maxTxRetries: maxTxRetries}
}

func findListing(tx *gorm.DB, mortgageID string) (*models.Listing, error) {
	var listing models.Listing
	if err := tx.Where("mortgage_id = ?", mortgageID).First(&listing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrListingNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &listing, nil
}

// GetListing returns the listing of a mortgage.
func (s *listingService) GetListing(ctx context.Context, mortgageID string) (*models.Listing, error) {
	return findListing(s.db.WithContext(ctx), mortgageID)
}

// TryLock takes the listing's lock for the requester. The lock is taken by
// a single conditional update, so of several concurrent callers exactly one
// succeeds.
func (s *listingService) TryLock(ctx context.Context, mortgageID string, requester auth.Identity) (*models.Listing, error) {
	if requester.ID == "" {
		return nil, apperrors.ErrUnauthorized
	}

	var listing *models.Listing
	err := database.RunInTx(ctx, s.db, s.maxTxRetries, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&models.Listing{}).
			Where("mortgage_id = ? AND locked = ? AND visible = ?", mortgageID, false, true).
			Updates(map[string]any{
				"locked":    true,
				"locked_by": requester.ID,
				"locked_at": now,
			})
		if res.Error != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
		}

		current, err := findListing(tx, mortgageID)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			if current.Locked {
				return apperrors.ErrAlreadyLocked
			}
			return apperrors.ErrListingNotAvailable
		}

		listing = current
		return s.audit.Record(tx, AuditEntry{
			EventType:  models.EventListingLocked,
			EntityType: models.EntityListing,
			EntityID:   mortgageID,
			ActorID:    requester.ID,
			AfterState: snapshot(current),
		})
	})
	if err != nil {
		metrics.ListingLockAttempts.WithLabelValues(lockResultLabel(err)).Inc()
		return nil, err
	}
	metrics.ListingLockAttempts.WithLabelValues("acquired").Inc()
	return listing, nil
}

func lockResultLabel(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperrors.ErrAlreadyLocked.Code:
			return "already_locked"
		case apperrors.ErrListingNotAvailable.Code:
			return "not_available"
		case apperrors.ErrListingNotFound.Code:
			return "not_found"
		}
	}
	return "error"
}

// Unlock releases the listing. Only the holder or an admin may unlock;
// unlocking an unlocked listing is a no-op.
func (s *listingService) Unlock(ctx context.Context, mortgageID string, requester auth.Identity) (*models.Listing, error) {
	var listing *models.Listing
	err := database.RunInTx(ctx, s.db, s.maxTxRetries, func(tx *gorm.DB) error {
		current, err := findListing(tx, mortgageID)
		if err != nil {
			return err
		}
		if !current.Locked {
			listing = current
			return nil
		}
		holder := ""
		if current.LockedBy != nil {
			holder = *current.LockedBy
		}
		if holder != requester.ID && !requester.IsAdmin() {
			return apperrors.ErrListingLockUnauthorized
		}

		before := snapshot(current)
		if err := releaseListing(tx, mortgageID); err != nil {
			return err
		}
		current.Locked, current.LockedBy, current.LockedAt = false, nil, nil
		listing = current

		return s.audit.Record(tx, AuditEntry{
			EventType:   models.EventListingUnlocked,
			EntityType:  models.EntityListing,
			EntityID:    mortgageID,
			ActorID:     requester.ID,
			BeforeState: before,
			AfterState:  snapshot(current),
		})
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// SetVisibility publishes or hides a listing. A locked listing cannot be hidden.
func (s *listingService) SetVisibility(ctx context.Context, mortgageID string, visible bool, actor auth.Identity) (*models.Listing, error) {
	if !actor.HasRole(auth.RoleBroker, auth.RoleAdmin) {
		return nil, apperrors.ErrForbidden
	}

	var listing *models.Listing
	err := database.RunInTx(ctx, s.db, s.maxTxRetries, func(tx *gorm.DB) error {
		current, err := findListing(tx, mortgageID)
		if err != nil {
			return err
		}
		if current.Visible == visible {
			listing = current
			return nil
		}
		if !visible && current.Locked {
			return apperrors.WithMessage(apperrors.ErrAlreadyLocked, "A locked listing cannot be hidden")
		}

		before := snapshot(current)
		if err := tx.Model(&models.Listing{}).Where("id = ?", current.ID).Update("visible", visible).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		current.Visible = visible
		listing = current

		return s.audit.Record(tx, AuditEntry{
			EventType:   models.EventListingVisibilityChanged,
			EntityType:  models.EntityListing,
			EntityID:    mortgageID,
			ActorID:     actor.ID,
			BeforeState: before,
			AfterState:  snapshot(current),
		})
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// ReleaseForTransfer clears the lock as part of resolving a transfer, in the
// caller's transaction. Only a lock held by holderID is released; a lock
// someone else took in the meantime is left alone.
func (s *listingService) ReleaseForTransfer(tx *gorm.DB, mortgageID, holderID, actorID string) error {
	current, err := findListing(tx, mortgageID)
	if err != nil {
		return err
	}
	if !current.Locked || current.LockedBy == nil || *current.LockedBy != holderID {
		return nil
	}

	before := snapshot(current)
	res := tx.Model(&models.Listing{}).
		Where("mortgage_id = ? AND locked = ? AND locked_by = ?", mortgageID, true, holderID).
		Updates(map[string]any{
			"locked":    false,
			"locked_by": nil,
			"locked_at": nil,
		})
	if res.Error != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	current.Locked, current.LockedBy, current.LockedAt = false, nil, nil

	return s.audit.Record(tx, AuditEntry{
		EventType:   models.EventListingUnlocked,
		EntityType:  models.EntityListing,
		EntityID:    mortgageID,
		ActorID:     actorID,
		BeforeState: before,
		AfterState:  snapshot(current),
		Metadata:    map[string]any{"reason": "transfer_resolved"},
	})
}

func releaseListing(tx *gorm.DB, mortgageID string) error {
	if err := tx.Model(&models.Listing{}).
		Where("mortgage_id = ?", mortgageID).
		Updates(map[string]any{
			"locked":    false,
			"locked_by": nil,
			"locked_at": nil,
		}).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return nil
}
