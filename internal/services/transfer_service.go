package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"captable/internal/auth"
	"captable/internal/database"
	apperrors "captable/internal/errors"
	"captable/internal/logger"
	"captable/internal/metrics"
	"captable/internal/models"
	"captable/internal/pagination"
)

// TransferConfig controls the maker-checker workflow.
type TransferConfig struct {
	RejectionLimit                   int
	RequireFourEyes                  bool
	LedgerFailureEscalationThreshold int
	MaxTxRetries                     int
}

// DefaultTransferConfig returns the production defaults.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		RejectionLimit:                   2,
		RequireFourEyes:                  true,
		LedgerFailureEscalationThreshold: 3,
		MaxTxRetries:                     database.DefaultMaxRetries,
	}
}

// CreateTransferInput describes a proposed ownership transfer.
type CreateTransferInput struct {
	MortgageID  string
	FromOwnerID models.OwnerRef
	ToOwnerID   models.OwnerRef
	Percentage  float64
}

// SyncOutcome is the result of posting a transfer to the external ledger.
type SyncOutcome struct {
	Success             bool
	LedgerTransactionID string
	Error               string
}

// transferService orchestrates pending ownership transfers.
type transferService struct {
	db        *gorm.DB
	ownership OwnershipServicer
	listings  ListingServicer
	audit     AuditServicer
	cfg       TransferConfig
}

// NewTransferService creates a new TransferServicer.
func NewTransferService(
	db *gorm.DB,
	ownership OwnershipServicer,
	listings ListingServicer,
	audit AuditServicer,
	cfg TransferConfig,
) TransferServicer {
	if cfg.RejectionLimit <= 0 {
		cfg.RejectionLimit = DefaultTransferConfig().RejectionLimit
	}
	if cfg.LedgerFailureEscalationThreshold <= 0 {
		cfg.LedgerFailureEscalationThreshold = DefaultTransferConfig().LedgerFailureEscalationThreshold
	}
	return &transferService{db: db, ownership: ownership, listings: listings, audit: audit, cfg: cfg}
}

func findTransfer(tx *gorm.DB, transferID string) (*models.PendingOwnershipTransfer, error) {
	var transfer models.PendingOwnershipTransfer
	if err := tx.Where("id = ?", transferID).First(&transfer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTransferNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &transfer, nil
}

// intentHistory summarizes prior outcomes for one transfer intent since its
// last completed transfer.
type intentHistory struct {
	Rejections int64
	Escalated  bool
}

func (s *transferService) history(tx *gorm.DB, intentKey string) (*intentHistory, error) {
	query := tx.Model(&models.PendingOwnershipTransfer{}).Where("intent_key = ?", intentKey)

	var lastCompleted models.PendingOwnershipTransfer
	err := tx.Where("intent_key = ? AND status = ?", intentKey, models.TransferCompleted).
		Order("created_at DESC").
		First(&lastCompleted).Error
	switch {
	case err == nil:
		query = query.Where("created_at > ?", lastCompleted.CreatedAt)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	var rows []struct {
		Status models.TransferStatus
		Count  int64
	}
	if err := query.Select("status, COUNT(*) AS count").
		Where("status IN ?", []models.TransferStatus{models.TransferRejected, models.TransferManualResolutionRequired}).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	h := &intentHistory{}
	for _, r := range rows {
		h.Rejections += r.Count
		if r.Status == models.TransferManualResolutionRequired {
			h.Escalated = true
		}
	}
	return h, nil
}

// validateNew runs the checks shared by create and resubmit, inside tx.
func (s *transferService) validateNew(tx *gorm.DB, input CreateTransferInput, maker auth.Identity) error {
	var mortgage models.Mortgage
	if err := tx.Where("id = ?", input.MortgageID).First(&mortgage).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrMortgageNotFound
		}
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	listing, err := findListing(tx, input.MortgageID)
	if err != nil {
		return err
	}
	if !maker.IsAdmin() {
		switch {
		case !listing.Locked:
			return apperrors.ErrListingNotLocked
		case listing.LockedBy == nil || *listing.LockedBy != maker.ID:
			return apperrors.ErrListingLockUnauthorized
		}
	}

	source, err := s.ownership.FindRecord(tx, input.MortgageID, input.FromOwnerID)
	if err != nil {
		return err
	}
	if source == nil || source.Percentage+zeroEpsilon < input.Percentage {
		held := 0.0
		if source != nil {
			held = source.Percentage
		}
		return apperrors.WithMessage(apperrors.ErrInsufficientOwnership,
			fmt.Sprintf("Source owner holds %.4f%%, cannot transfer %.4f%%", held, input.Percentage))
	}

	h, err := s.history(tx, models.IntentKey(input.MortgageID, input.FromOwnerID, input.ToOwnerID))
	if err != nil {
		return err
	}
	if h.Escalated || h.Rejections >= int64(s.cfg.RejectionLimit) {
		return apperrors.ErrManualResolutionRequired
	}
	return nil
}

func validateTransferInput(input CreateTransferInput) error {
	if input.MortgageID == "" {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "Mortgage ID is required")
	}
	if input.FromOwnerID.IsZero() || input.ToOwnerID.IsZero() {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "Both owners are required")
	}
	if !validPercentage(input.Percentage) {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "Percentage must be greater than 0 and at most 100")
	}
	if input.FromOwnerID == input.ToOwnerID {
		return apperrors.ErrSameOwnerTransfer
	}
	return nil
}

func (s *transferService) create(ctx context.Context, input CreateTransferInput, maker auth.Identity, previousID *string) (*models.PendingOwnershipTransfer, error) {
	if maker.ID == "" {
		return nil, apperrors.ErrUnauthorized
	}
	if err := validateTransferInput(input); err != nil {
		return nil, err
	}

	var transfer *models.PendingOwnershipTransfer
	err := database.RunInTx(ctx, s.db, s.cfg.MaxTxRetries, func(tx *gorm.DB) error {
		if err := s.validateNew(tx, input, maker); err != nil {
			return err
		}

		t := &models.PendingOwnershipTransfer{
			MortgageID:         input.MortgageID,
			FromOwnerID:        input.FromOwnerID,
			ToOwnerID:          input.ToOwnerID,
			Percentage:         input.Percentage,
			Status:             models.TransferPendingApproval,
			CreatedBy:          maker.ID,
			PreviousTransferID: previousID,
		}
		if err := tx.Create(t).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}

		metadata := map[string]any{"maker_role": string(maker.Role)}
		if previousID != nil {
			metadata["previous_transfer_id"] = *previousID
		}
		if err := s.audit.Record(tx, AuditEntry{
			EventType:  models.EventTransferCreated,
			EntityType: models.EntityTransfer,
			EntityID:   t.ID,
			ActorID:    maker.ID,
			AfterState: snapshot(t),
			Metadata:   metadata,
		}); err != nil {
			return err
		}

		transfer = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TransfersByOutcome.WithLabelValues(string(models.TransferPendingApproval)).Inc()
	logger.Get().Infow("transfer created",
		"transfer_id", transfer.ID,
		"mortgage_id", transfer.MortgageID,
		"maker_id", maker.ID,
	)
	return transfer, nil
}

// CreateTransfer proposes a transfer. Nothing is applied to the ownership
// store until a checker approves it.
func (s *transferService) CreateTransfer(ctx context.Context, input CreateTransferInput, maker auth.Identity) (*models.PendingOwnershipTransfer, error) {
	return s.create(ctx, input, maker, nil)
}

// ResubmitTransfer creates a new pending transfer from a rejected one,
// optionally with a new percentage.
func (s *transferService) ResubmitTransfer(ctx context.Context, transferID string, percentage *float64, maker auth.Identity) (*models.PendingOwnershipTransfer, error) {
	source, err := findTransfer(s.db.WithContext(ctx), transferID)
	if err != nil {
		return nil, err
	}
	if source.CreatedBy != maker.ID && !maker.IsAdmin() {
		return nil, apperrors.ErrForbidden
	}
	switch source.Status {
	case models.TransferRejected:
	case models.TransferManualResolutionRequired:
		return nil, apperrors.ErrManualResolutionRequired
	default:
		return nil, apperrors.WithMessage(apperrors.ErrInvalidTransferState, "Only rejected transfers can be resubmitted")
	}

	input := CreateTransferInput{
		MortgageID:  source.MortgageID,
		FromOwnerID: source.FromOwnerID,
		ToOwnerID:   source.ToOwnerID,
		Percentage:  source.Percentage,
	}
	if percentage != nil {
		input.Percentage = *percentage
	}
	return s.create(ctx, input, maker, &source.ID)
}

func (s *transferService) authorizeChecker(transfer *models.PendingOwnershipTransfer, checker auth.Identity) error {
	if !checker.IsAdmin() {
		return apperrors.ErrForbidden
	}
	if s.cfg.RequireFourEyes && transfer.CreatedBy == checker.ID {
		return apperrors.ErrFourEyesViolation
	}
	return nil
}

// claimForReview moves a pending transfer to next in a single conditional
// update, so only one reviewer can ever act on it.
func claimForReview(tx *gorm.DB, transfer *models.PendingOwnershipTransfer, next models.TransferStatus, checker auth.Identity, now time.Time) error {
	res := tx.Model(&models.PendingOwnershipTransfer{}).
		Where("id = ? AND status = ?", transfer.ID, models.TransferPendingApproval).
		Updates(map[string]any{
			"status":      next,
			"reviewed_by": checker.ID,
			"reviewed_at": now,
		})
	if res.Error != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrInvalidTransferState
	}
	transfer.Status = next
	transfer.ReviewedBy = &checker.ID
	transfer.ReviewedAt = &now
	return nil
}

// ApproveTransfer applies the transfer to the ownership store, records the
// approval and enqueues the ledger posting, all in one transaction.
func (s *transferService) ApproveTransfer(ctx context.Context, transferID string, checker auth.Identity) (*models.PendingOwnershipTransfer, error) {
	var transfer *models.PendingOwnershipTransfer
	err := database.RunInTx(ctx, s.db, s.cfg.MaxTxRetries, func(tx *gorm.DB) error {
		t, err := findTransfer(tx, transferID)
		if err != nil {
			return err
		}
		if err := s.authorizeChecker(t, checker); err != nil {
			return err
		}
		if t.Status != models.TransferPendingApproval {
			return apperrors.ErrInvalidTransferState
		}

		before, err := s.positions(tx, t)
		if err != nil {
			return err
		}
		if before.from+zeroEpsilon < t.Percentage {
			return apperrors.WithMessage(apperrors.ErrInsufficientOwnership,
				fmt.Sprintf("Source owner now holds %.4f%%, cannot transfer %.4f%%", before.from, t.Percentage))
		}

		if err := claimForReview(tx, t, models.TransferApproved, checker, time.Now().UTC()); err != nil {
			return err
		}
		if err := s.move(tx, t); err != nil {
			return err
		}

		after, err := s.positions(tx, t)
		if err != nil {
			return err
		}
		if err := s.audit.Record(tx, AuditEntry{
			EventType:   models.EventTransferApproved,
			EntityType:  models.EntityTransfer,
			EntityID:    t.ID,
			ActorID:     checker.ID,
			BeforeState: before.state(),
			AfterState:  after.state(),
			Metadata: map[string]any{
				"mortgage_id":           t.MortgageID,
				"percentage":            t.Percentage,
				"idempotency_reference": t.IdempotencyReference,
			},
		}); err != nil {
			return err
		}

		if err := enqueueLedgerTask(tx, &models.LedgerSyncTask{
			Kind:       models.LedgerSyncOwnershipTransfer,
			MortgageID: t.MortgageID,
			TransferID: &t.ID,
			Reference:  t.IdempotencyReference,
		}); err != nil {
			return err
		}

		transfer = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TransfersByOutcome.WithLabelValues(string(models.TransferApproved)).Inc()
	logger.Get().Infow("transfer approved",
		"transfer_id", transfer.ID,
		"mortgage_id", transfer.MortgageID,
		"checker_id", checker.ID,
	)
	return transfer, nil
}

type transferPositions struct {
	from, to float64
	fromID   string
	toID     string
}

func (p transferPositions) state() map[string]any {
	return map[string]any{
		p.fromID: p.from,
		p.toID:   p.to,
	}
}

func (s *transferService) positions(tx *gorm.DB, t *models.PendingOwnershipTransfer) (transferPositions, error) {
	p := transferPositions{fromID: t.FromOwnerID.String(), toID: t.ToOwnerID.String()}
	from, err := s.ownership.FindRecord(tx, t.MortgageID, t.FromOwnerID)
	if err != nil {
		return p, err
	}
	to, err := s.ownership.FindRecord(tx, t.MortgageID, t.ToOwnerID)
	if err != nil {
		return p, err
	}
	if from != nil {
		p.from = from.Percentage
	}
	if to != nil {
		p.to = to.Percentage
	}
	return p, nil
}

// move applies the transfer through the ownership store primitives. Every
// step keeps the mortgage at 100% because the institution absorbs the
// difference.
func (s *transferService) move(tx *gorm.DB, t *models.PendingOwnershipTransfer) error {
	if !t.FromOwnerID.IsInstitution() {
		src, err := s.ownership.FindRecord(tx, t.MortgageID, t.FromOwnerID)
		if err != nil {
			return err
		}
		if src == nil {
			return apperrors.ErrInsufficientOwnership
		}
		remaining := src.Percentage - t.Percentage
		if remaining < zeroEpsilon {
			remaining = 0
		}
		if _, err := s.ownership.UpdatePercentage(tx, src, remaining); err != nil {
			return err
		}
	}

	if t.ToOwnerID.IsInstitution() {
		return nil
	}
	dst, err := s.ownership.FindRecord(tx, t.MortgageID, t.ToOwnerID)
	if err != nil {
		return err
	}
	if dst == nil {
		_, err = s.ownership.Create(tx, t.MortgageID, t.ToOwnerID, t.Percentage)
		return err
	}
	_, err = s.ownership.UpdatePercentage(tx, dst, dst.Percentage+t.Percentage)
	return err
}

// RejectTransfer archives a pending transfer. When the intent reaches the
// rejection limit it is escalated to manual resolution and the listing is
// released.
func (s *transferService) RejectTransfer(ctx context.Context, transferID, reason string, checker auth.Identity) (*models.PendingOwnershipTransfer, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "Rejection reason is required")
	}

	var transfer *models.PendingOwnershipTransfer
	err := database.RunInTx(ctx, s.db, s.cfg.MaxTxRetries, func(tx *gorm.DB) error {
		t, err := findTransfer(tx, transferID)
		if err != nil {
			return err
		}
		if err := s.authorizeChecker(t, checker); err != nil {
			return err
		}
		if t.Status != models.TransferPendingApproval {
			return apperrors.ErrInvalidTransferState
		}

		now := time.Now().UTC()
		if err := claimForReview(tx, t, models.TransferRejected, checker, now); err != nil {
			return err
		}
		if err := tx.Model(t).Update("rejection_reason", reason).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		t.RejectionReason = &reason

		if err := s.audit.Record(tx, AuditEntry{
			EventType:   models.EventTransferRejected,
			EntityType:  models.EntityTransfer,
			EntityID:    t.ID,
			ActorID:     checker.ID,
			BeforeState: map[string]any{"status": string(models.TransferPendingApproval)},
			AfterState:  snapshot(t),
			Metadata:    map[string]any{"reason": reason},
		}); err != nil {
			return err
		}

		h, err := s.history(tx, t.IntentKey)
		if err != nil {
			return err
		}
		if h.Rejections >= int64(s.cfg.RejectionLimit) {
			if err := s.escalate(tx, t, checker.ID, now, map[string]any{
				"cause":      "rejection_limit",
				"rejections": h.Rejections,
				"limit":      s.cfg.RejectionLimit,
			}); err != nil {
				return err
			}
		}

		transfer = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TransfersByOutcome.WithLabelValues(string(transfer.Status)).Inc()
	logger.Get().Infow("transfer rejected",
		"transfer_id", transfer.ID,
		"status", transfer.Status,
		"checker_id", checker.ID,
	)
	return transfer, nil
}

// escalate marks a rejected transfer as requiring manual resolution and
// frees the listing.
func (s *transferService) escalate(tx *gorm.DB, t *models.PendingOwnershipTransfer, actorID string, now time.Time, metadata map[string]any) error {
	if err := tx.Model(t).Updates(map[string]any{
		"status":       models.TransferManualResolutionRequired,
		"escalated_at": now,
	}).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	t.Status = models.TransferManualResolutionRequired
	t.EscalatedAt = &now

	if err := s.listings.ReleaseForTransfer(tx, t.MortgageID, t.CreatedBy, actorID); err != nil {
		return err
	}
	return s.audit.Record(tx, AuditEntry{
		EventType:   models.EventManualResolutionRequired,
		EntityType:  models.EntityTransfer,
		EntityID:    t.ID,
		ActorID:     actorID,
		BeforeState: map[string]any{"status": string(models.TransferRejected)},
		AfterState:  snapshot(t),
		Metadata:    metadata,
	})
}

// OnLedgerSyncResult applies the outcome of a ledger posting in the caller's
// transaction. Completion happens exactly once; repeated successes are
// ignored. Failures never roll back the approved ownership change.
func (s *transferService) OnLedgerSyncResult(tx *gorm.DB, transferID string, outcome SyncOutcome) error {
	t, err := findTransfer(tx, transferID)
	if err != nil {
		return err
	}
	if t.Status == models.TransferCompleted {
		return nil
	}
	if t.Status != models.TransferApproved {
		return apperrors.WithMessage(apperrors.ErrInvalidTransferState,
			fmt.Sprintf("Transfer is %s, not approved", t.Status))
	}

	now := time.Now().UTC()
	if outcome.Success {
		updates := map[string]any{
			"status":          models.TransferCompleted,
			"completed_at":    now,
			"last_sync_error": nil,
		}
		if outcome.LedgerTransactionID != "" {
			updates["ledger_transaction_id"] = outcome.LedgerTransactionID
		}
		res := tx.Model(&models.PendingOwnershipTransfer{}).
			Where("id = ? AND status = ?", t.ID, models.TransferApproved).
			Updates(updates)
		if res.Error != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := s.listings.ReleaseForTransfer(tx, t.MortgageID, t.CreatedBy, auth.System.ID); err != nil {
			return err
		}
		if err := s.audit.Record(tx, AuditEntry{
			EventType:   models.EventTransferCompleted,
			EntityType:  models.EntityTransfer,
			EntityID:    t.ID,
			ActorID:     auth.System.ID,
			BeforeState: map[string]any{"status": string(models.TransferApproved)},
			AfterState: map[string]any{
				"status":                string(models.TransferCompleted),
				"ledger_transaction_id": outcome.LedgerTransactionID,
			},
		}); err != nil {
			return err
		}
		metrics.TransfersByOutcome.WithLabelValues(string(models.TransferCompleted)).Inc()
		logger.Get().Infow("transfer completed",
			"transfer_id", t.ID,
			"ledger_transaction_id", outcome.LedgerTransactionID,
		)
		return nil
	}

	attempts := t.AttemptCount + 1
	updates := map[string]any{
		"attempt_count":   attempts,
		"last_sync_error": outcome.Error,
	}
	escalate := attempts > s.cfg.LedgerFailureEscalationThreshold && t.EscalatedAt == nil
	if escalate {
		updates["escalated_at"] = now
	}
	if err := tx.Model(&models.PendingOwnershipTransfer{}).Where("id = ?", t.ID).Updates(updates).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	logger.Get().Warnw("ledger sync failed for approved transfer",
		"transfer_id", t.ID,
		"attempt_count", attempts,
		"error", outcome.Error,
	)
	if err := s.audit.Record(tx, AuditEntry{
		EventType:  models.EventLedgerSyncFailed,
		EntityType: models.EntityTransfer,
		EntityID:   t.ID,
		ActorID:    auth.System.ID,
		Metadata: map[string]any{
			"attempt_count":         attempts,
			"idempotency_reference": t.IdempotencyReference,
			"error":                 outcome.Error,
		},
	}); err != nil {
		return err
	}
	if !escalate {
		return nil
	}

	logger.Get().Errorw("transfer requires manual resolution after repeated ledger failures",
		"transfer_id", t.ID,
		"attempt_count", attempts,
	)
	return s.audit.Record(tx, AuditEntry{
		EventType:  models.EventManualResolutionRequired,
		EntityType: models.EntityTransfer,
		EntityID:   t.ID,
		ActorID:    auth.System.ID,
		Metadata: map[string]any{
			"cause":         "ledger_sync_failures",
			"attempt_count": attempts,
			"threshold":     s.cfg.LedgerFailureEscalationThreshold,
			"last_error":    outcome.Error,
		},
	})
}

func canView(t *models.PendingOwnershipTransfer, caller auth.Identity) bool {
	if caller.HasRole(auth.RoleAdmin, auth.RoleBroker) || t.CreatedBy == caller.ID {
		return true
	}
	return t.FromOwnerID.InvestorID() == caller.ID || t.ToOwnerID.InvestorID() == caller.ID
}

// GetTransfer returns a transfer visible to the caller.
func (s *transferService) GetTransfer(ctx context.Context, transferID string, caller auth.Identity) (*models.PendingOwnershipTransfer, error) {
	t, err := findTransfer(s.db.WithContext(ctx), transferID)
	if err != nil {
		return nil, err
	}
	if !canView(t, caller) {
		return nil, apperrors.ErrTransferNotFound
	}
	return t, nil
}

// ListTransfers returns a mortgage's transfers, newest first. Investors only
// see transfers they created or are party to.
func (s *transferService) ListTransfers(
	ctx context.Context,
	mortgageID string,
	filter TransferFilter,
	page pagination.PageRequest,
	caller auth.Identity,
) (*pagination.PageResponse[models.PendingOwnershipTransfer], error) {
	query := s.db.WithContext(ctx).Model(&models.PendingOwnershipTransfer{}).Where("mortgage_id = ?", mortgageID)
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if !caller.HasRole(auth.RoleAdmin, auth.RoleBroker) {
		query = query.Where("(created_by = ? OR from_owner_id = ? OR to_owner_id = ?)", caller.ID, caller.ID, caller.ID)
	}

	resp, err := pagination.Fetch[models.PendingOwnershipTransfer](query, page, "created_at DESC, id DESC")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return resp, nil
}
