package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"gorm.io/gorm"

	"captable/internal/auth"
	"captable/internal/database"
	apperrors "captable/internal/errors"
	"captable/internal/ledger"
	"captable/internal/logger"
	"captable/internal/metrics"
	"captable/internal/models"
)

const (
	// FullOwnership is the sum every mortgage's ownership must reach.
	FullOwnership = 100.0
	// SumTolerance is the allowed deviation of the sum from 100.
	SumTolerance = 1e-2
	// zeroEpsilon treats float residue as an empty position.
	zeroEpsilon = 1e-9
)

// MortgageOnboarding is the result of onboarding a new mortgage.
type MortgageOnboarding struct {
	Mortgage  models.Mortgage          `json:"mortgage"`
	Listing   models.Listing           `json:"listing"`
	Ownership []models.OwnershipRecord `json:"ownership"`
}

// ownershipService implements the ownership store.
type ownershipService struct {
	db           *gorm.DB
	audit        AuditServicer
	maxTxRetries int
}

// NewOwnershipService creates a new OwnershipServicer.
func NewOwnershipService(db *gorm.DB, audit AuditServicer, maxTxRetries int) OwnershipServicer {
	return &ownershipService{db: db, audit: audit, maxTxRetries: maxTxRetries}
}

func validPercentage(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p > zeroEpsilon && p <= FullOwnership+zeroEpsilon
}

// FindRecord returns the owner's record, or nil if the owner holds nothing.
func (s *ownershipService) FindRecord(tx *gorm.DB, mortgageID string, owner models.OwnerRef) (*models.OwnershipRecord, error) {
	var record models.OwnershipRecord
	err := tx.Where("mortgage_id = ? AND owner_id = ?", mortgageID, owner).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &record, nil
}

// institutionRecord loads the institution's record, creating it at 100% if
// it is missing.
func (s *ownershipService) institutionRecord(tx *gorm.DB, mortgageID string) (*models.OwnershipRecord, error) {
	inst, err := s.FindRecord(tx, mortgageID, models.Institution())
	if err != nil || inst != nil {
		return inst, err
	}

	logger.Get().Warnw("institution ownership record missing, recreating at 100%",
		"mortgage_id", mortgageID,
	)
	inst = &models.OwnershipRecord{
		MortgageID: mortgageID,
		OwnerID:    models.Institution(),
		Percentage: FullOwnership,
	}
	if err := tx.Create(inst).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return inst, nil
}

// setInstitution writes a new institution balance, deleting the row when it
// reaches zero and creating it when absent.
func (s *ownershipService) setInstitution(tx *gorm.DB, mortgageID string, inst *models.OwnershipRecord, percentage float64) error {
	if percentage < -zeroEpsilon || percentage > FullOwnership+zeroEpsilon {
		return apperrors.WithMessage(apperrors.ErrInsufficientOwnership,
			fmt.Sprintf("Institution ownership would become %.4f%%", percentage))
	}

	switch {
	case inst == nil && percentage <= zeroEpsilon:
		return nil
	case inst == nil:
		inst = &models.OwnershipRecord{MortgageID: mortgageID, OwnerID: models.Institution(), Percentage: percentage}
		if err := tx.Create(inst).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
	case percentage <= zeroEpsilon:
		if err := tx.Delete(inst).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
	default:
		inst.Percentage = percentage
		if err := tx.Model(inst).Update("percentage", percentage).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
	}
	return nil
}

// checkInvariant verifies that every record is within (0,100] and that the
// mortgage sums to 100.
func (s *ownershipService) checkInvariant(tx *gorm.DB, mortgageID string) error {
	var row struct {
		Total      float64
		OutOfRange int64
	}
	if err := tx.Model(&models.OwnershipRecord{}).
		Select("COALESCE(SUM(percentage), 0) AS total, COALESCE(SUM(CASE WHEN percentage <= 0 OR percentage > ? THEN 1 ELSE 0 END), 0) AS out_of_range", FullOwnership+zeroEpsilon).
		Where("mortgage_id = ?", mortgageID).
		Scan(&row).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	if row.OutOfRange > 0 || math.Abs(row.Total-FullOwnership) > SumTolerance {
		metrics.InvariantViolations.Inc()
		logger.Get().Errorw("ownership invariant violated",
			"mortgage_id", mortgageID,
			"total", row.Total,
			"out_of_range", row.OutOfRange,
		)
		return apperrors.WithMessage(apperrors.ErrInvariantViolation,
			fmt.Sprintf("Ownership of mortgage would total %.4f%%", row.Total))
	}
	return nil
}

// Create gives a new investor a position funded by the institution.
func (s *ownershipService) Create(tx *gorm.DB, mortgageID string, owner models.OwnerRef, percentage float64) (*models.OwnershipRecord, error) {
	if owner.IsZero() {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "Owner is required")
	}
	if owner.IsInstitution() {
		return nil, apperrors.ErrInstitutionTarget
	}
	if !validPercentage(percentage) {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "Percentage must be greater than 0 and at most 100")
	}

	existing, err := s.FindRecord(tx, mortgageID, owner)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.ErrOwnershipExists
	}

	inst, err := s.institutionRecord(tx, mortgageID)
	if err != nil {
		return nil, err
	}
	if inst.Percentage+zeroEpsilon < percentage {
		metrics.InvariantViolations.Inc()
		return nil, apperrors.WithMessage(apperrors.ErrInvariantViolation,
			fmt.Sprintf("Institution holds %.4f%%, cannot allocate %.4f%%", inst.Percentage, percentage))
	}

	record := &models.OwnershipRecord{MortgageID: mortgageID, OwnerID: owner, Percentage: percentage}
	if err := tx.Create(record).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if err := s.setInstitution(tx, mortgageID, inst, inst.Percentage-percentage); err != nil {
		return nil, err
	}
	if err := s.checkInvariant(tx, mortgageID); err != nil {
		return nil, err
	}
	return record, nil
}

// UpdatePercentage sets an owner's share. For investors the difference is
// taken from or returned to the institution and a zero share deletes the
// record (nil is returned). The institution's own record is patched
// directly, which only passes the invariant check when it corrects drift.
func (s *ownershipService) UpdatePercentage(tx *gorm.DB, record *models.OwnershipRecord, percentage float64) (*models.OwnershipRecord, error) {
	if record == nil {
		return nil, apperrors.ErrOwnershipNotFound
	}
	if math.IsNaN(percentage) || math.IsInf(percentage, 0) || percentage < 0 || percentage > FullOwnership+zeroEpsilon {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "Percentage must be between 0 and 100")
	}

	if record.OwnerID.IsInstitution() {
		if err := s.setInstitution(tx, record.MortgageID, record, percentage); err != nil {
			return nil, err
		}
		if err := s.checkInvariant(tx, record.MortgageID); err != nil {
			return nil, err
		}
		if percentage <= zeroEpsilon {
			return nil, nil
		}
		return record, nil
	}

	if percentage <= zeroEpsilon {
		return nil, s.Delete(tx, record)
	}

	delta := percentage - record.Percentage
	inst, err := s.FindRecord(tx, record.MortgageID, models.Institution())
	if err != nil {
		return nil, err
	}
	instBalance := 0.0
	if inst != nil {
		instBalance = inst.Percentage
	}
	if delta > 0 && instBalance+zeroEpsilon < delta {
		metrics.InvariantViolations.Inc()
		return nil, apperrors.WithMessage(apperrors.ErrInvariantViolation,
			fmt.Sprintf("Institution holds %.4f%%, cannot allocate %.4f%% more", instBalance, delta))
	}

	record.Percentage = percentage
	if err := tx.Model(record).Update("percentage", percentage).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if err := s.setInstitution(tx, record.MortgageID, inst, instBalance-delta); err != nil {
		return nil, err
	}
	if err := s.checkInvariant(tx, record.MortgageID); err != nil {
		return nil, err
	}
	return record, nil
}

// Delete removes an investor's record and returns its share to the institution.
func (s *ownershipService) Delete(tx *gorm.DB, record *models.OwnershipRecord) error {
	if record == nil {
		return apperrors.ErrOwnershipNotFound
	}
	if record.OwnerID.IsInstitution() {
		return apperrors.ErrInstitutionTarget
	}

	inst, err := s.FindRecord(tx, record.MortgageID, models.Institution())
	if err != nil {
		return err
	}
	instBalance := 0.0
	if inst != nil {
		instBalance = inst.Percentage
	}

	res := tx.Delete(&models.OwnershipRecord{}, "id = ?", record.ID)
	if res.Error != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrOwnershipNotFound
	}
	if err := s.setInstitution(tx, record.MortgageID, inst, instBalance+record.Percentage); err != nil {
		return err
	}
	return s.checkInvariant(tx, record.MortgageID)
}

func (s *ownershipService) requireMortgage(tx *gorm.DB, mortgageID string) (*models.Mortgage, error) {
	var mortgage models.Mortgage
	if err := tx.Where("id = ?", mortgageID).First(&mortgage).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrMortgageNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &mortgage, nil
}

func (s *ownershipService) table(tx *gorm.DB, mortgageID string) ([]models.OwnershipRecord, error) {
	var records []models.OwnershipRecord
	if err := tx.Where("mortgage_id = ?", mortgageID).
		Order("percentage DESC, owner_id ASC").
		Find(&records).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return records, nil
}

// GetOwnershipTable returns every position in a mortgage, largest first.
func (s *ownershipService) GetOwnershipTable(ctx context.Context, mortgageID string) ([]models.OwnershipRecord, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.requireMortgage(db, mortgageID); err != nil {
		return nil, err
	}
	return s.table(db, mortgageID)
}

// GetTotalOwnership sums a mortgage's positions and reports whether the sum is valid.
func (s *ownershipService) GetTotalOwnership(ctx context.Context, mortgageID string) (*models.OwnershipTotal, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.requireMortgage(db, mortgageID); err != nil {
		return nil, err
	}

	var total float64
	if err := db.Model(&models.OwnershipRecord{}).
		Select("COALESCE(SUM(percentage), 0)").
		Where("mortgage_id = ?", mortgageID).
		Scan(&total).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &models.OwnershipTotal{
		MortgageID: mortgageID,
		Total:      total,
		Valid:      math.Abs(total-FullOwnership) <= SumTolerance,
	}, nil
}

// GetOwnerPercentage returns the owner's share, 0 if they hold none.
func (s *ownershipService) GetOwnerPercentage(ctx context.Context, mortgageID string, owner models.OwnerRef) (float64, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.requireMortgage(db, mortgageID); err != nil {
		return 0, err
	}
	record, err := s.FindRecord(db, mortgageID, owner)
	if err != nil || record == nil {
		return 0, err
	}
	return record.Percentage, nil
}

// VerifyAll returns the totals of every mortgage whose ownership does not sum to 100.
func (s *ownershipService) VerifyAll(ctx context.Context) ([]models.OwnershipTotal, error) {
	type row struct {
		MortgageID string
		Total      float64
	}
	var rows []row
	if err := s.db.WithContext(ctx).
		Table("mortgages m").
		Select("m.id AS mortgage_id, COALESCE(SUM(o.percentage), 0) AS total").
		Joins("LEFT JOIN ownership_records o ON o.mortgage_id = m.id").
		Where("m.deleted_at IS NULL").
		Group("m.id").
		Order("m.id").
		Scan(&rows).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	var invalid []models.OwnershipTotal
	for _, r := range rows {
		if math.Abs(r.Total-FullOwnership) > SumTolerance {
			invalid = append(invalid, models.OwnershipTotal{MortgageID: r.MortgageID, Total: r.Total})
		}
	}
	return invalid, nil
}

// OnboardMortgage registers a mortgage owned 100% by the institution, with a
// hidden listing and a pending ledger initialization.
func (s *ownershipService) OnboardMortgage(ctx context.Context, label string, actor auth.Identity) (*MortgageOnboarding, error) {
	if !actor.HasRole(auth.RoleBroker, auth.RoleAdmin) {
		return nil, apperrors.ErrForbidden
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "Label is required")
	}

	var result *MortgageOnboarding
	err := database.RunInTx(ctx, s.db, s.maxTxRetries, func(tx *gorm.DB) error {
		mortgage := models.Mortgage{Label: label, OnboardedBy: actor.ID}
		if err := tx.Create(&mortgage).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}

		inst := models.OwnershipRecord{MortgageID: mortgage.ID, OwnerID: models.Institution(), Percentage: FullOwnership}
		if err := tx.Create(&inst).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}

		listing := models.Listing{MortgageID: mortgage.ID}
		if err := tx.Create(&listing).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}

		if err := s.checkInvariant(tx, mortgage.ID); err != nil {
			return err
		}

		if err := s.audit.Record(tx, AuditEntry{
			EventType:  models.EventMortgageOnboarded,
			EntityType: models.EntityMortgage,
			EntityID:   mortgage.ID,
			ActorID:    actor.ID,
			AfterState: map[string]any{
				"mortgage":  snapshot(mortgage),
				"ownership": []any{snapshot(inst)},
			},
		}); err != nil {
			return err
		}

		if err := enqueueLedgerTask(tx, &models.LedgerSyncTask{
			Kind:       models.LedgerSyncInitializeMortgage,
			MortgageID: mortgage.ID,
			Reference:  ledger.InitializationReference(mortgage.ID),
		}); err != nil {
			return err
		}

		result = &MortgageOnboarding{Mortgage: mortgage, Listing: listing, Ownership: []models.OwnershipRecord{inst}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Get().Infow("mortgage onboarded", "mortgage_id", result.Mortgage.ID, "actor_id", actor.ID)
	return result, nil
}

// AdjustOwnership is an administrative correction of one owner's share.
// Investor changes are balanced against the institution; institution
// changes are applied as-is and must restore a valid sum.
func (s *ownershipService) AdjustOwnership(
	ctx context.Context,
	mortgageID string,
	owner models.OwnerRef,
	percentage float64,
	reason string,
	actor auth.Identity,
) ([]models.OwnershipRecord, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.ErrForbidden
	}
	if owner.IsZero() {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "Owner is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "Reason is required")
	}

	var table []models.OwnershipRecord
	err := database.RunInTx(ctx, s.db, s.maxTxRetries, func(tx *gorm.DB) error {
		if _, err := s.requireMortgage(tx, mortgageID); err != nil {
			return err
		}
		before, err := s.table(tx, mortgageID)
		if err != nil {
			return err
		}

		record, err := s.FindRecord(tx, mortgageID, owner)
		if err != nil {
			return err
		}
		switch {
		case record != nil:
			_, err = s.UpdatePercentage(tx, record, percentage)
		case owner.IsInstitution():
			err = s.setInstitution(tx, mortgageID, nil, percentage)
			if err == nil {
				err = s.checkInvariant(tx, mortgageID)
			}
		case percentage <= zeroEpsilon:
			err = apperrors.ErrOwnershipNotFound
		default:
			_, err = s.Create(tx, mortgageID, owner, percentage)
		}
		if err != nil {
			return err
		}

		table, err = s.table(tx, mortgageID)
		if err != nil {
			return err
		}

		return s.audit.Record(tx, AuditEntry{
			EventType:   models.EventOwnershipAdjusted,
			EntityType:  models.EntityOwnership,
			EntityID:    mortgageID,
			ActorID:     actor.ID,
			BeforeState: map[string]any{"ownership": toGeneric(before)},
			AfterState:  map[string]any{"ownership": toGeneric(table)},
			Metadata: map[string]any{
				"owner_id":   owner.String(),
				"percentage": percentage,
				"reason":     reason,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}
