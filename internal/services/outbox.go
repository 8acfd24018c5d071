package services

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "captable/internal/errors"
	"captable/internal/models"
)

// enqueueLedgerTask writes an outbox row in the caller's transaction. The
// reference is unique, so enqueueing the same posting twice is a no-op.
func enqueueLedgerTask(tx *gorm.DB, task *models.LedgerSyncTask) error {
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reference"}},
		DoNothing: true,
	}).Create(task).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, fmt.Errorf("enqueueing ledger task %s: %w", task.Reference, err))
	}
	return nil
}
