package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"captable/internal/auth"
	"captable/internal/database"
	apperrors "captable/internal/errors"
	"captable/internal/ledger"
	"captable/internal/logger"
	"captable/internal/metrics"
	"captable/internal/models"
)

// maxSyncErrorLength bounds the stored ledger error.
const maxSyncErrorLength = 1000

// LedgerSyncConfig controls retry behaviour of the outbox worker.
type LedgerSyncConfig struct {
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	LeaseDuration  time.Duration
	MaxTxRetries   int
}

// DefaultLedgerSyncConfig returns the production defaults.
func DefaultLedgerSyncConfig() LedgerSyncConfig {
	return LedgerSyncConfig{
		RetryBaseDelay: 5 * time.Second,
		RetryMaxDelay:  10 * time.Minute,
		LeaseDuration:  time.Minute,
		MaxTxRetries:   database.DefaultMaxRetries,
	}
}

// DrainSummary reports the outcome of one outbox sweep.
type DrainSummary struct {
	Leased    int   `json:"leased"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Pending   int64 `json:"pending"`
}

// ledgerSyncService drains the ledger outbox.
type ledgerSyncService struct {
	db        *gorm.DB
	client    ledger.Client
	transfers TransferServicer
	cfg       LedgerSyncConfig
	now       func() time.Time
}

// NewLedgerSyncService creates a new LedgerSyncServicer.
func NewLedgerSyncService(db *gorm.DB, client ledger.Client, transfers TransferServicer, cfg LedgerSyncConfig) LedgerSyncServicer {
	def := DefaultLedgerSyncConfig()
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	return &ledgerSyncService{
		db:        db,
		client:    client,
		transfers: transfers,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// backoff returns the delay before the next attempt after attempts failures.
func (s *ledgerSyncService) backoff(attempts int) time.Duration {
	delay := s.cfg.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	if delay > s.cfg.RetryMaxDelay {
		return s.cfg.RetryMaxDelay
	}
	return delay
}

// lease claims a task for this worker until the returned time. ok is false
// when another worker holds it or it is no longer pending.
func (s *ledgerSyncService) lease(ctx context.Context, taskID string, requireDue bool) (time.Time, bool, error) {
	now := s.now()
	until := now.Add(s.cfg.LeaseDuration)

	query := s.db.WithContext(ctx).Model(&models.LedgerSyncTask{}).
		Where("id = ? AND status = ?", taskID, models.LedgerSyncPending).
		Where("(lease_until IS NULL OR lease_until < ?)", now)
	if requireDue {
		query = query.Where("next_attempt_at <= ?", now)
	}
	res := query.Update("lease_until", until)
	if res.Error != nil {
		return time.Time{}, false, apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
	}
	return until, res.RowsAffected == 1, nil
}

// post performs the ledger call for a task. It runs outside any transaction.
func (s *ledgerSyncService) post(ctx context.Context, task *models.LedgerSyncTask) (ledger.Result, error) {
	switch task.Kind {
	case models.LedgerSyncInitializeMortgage:
		return s.client.InitializeMortgageOwnership(ctx, task.MortgageID)
	case models.LedgerSyncOwnershipTransfer:
		if task.TransferID == nil {
			return ledger.Result{}, fmt.Errorf("ledger task %s has no transfer", task.ID)
		}
		t, err := findTransfer(s.db.WithContext(ctx), *task.TransferID)
		if err != nil {
			return ledger.Result{}, err
		}
		return s.client.RecordOwnershipTransfer(ctx, task.Reference, t.MortgageID, t.FromOwnerID, t.ToOwnerID, t.Percentage)
	default:
		return ledger.Result{}, fmt.Errorf("unknown ledger task kind %q", task.Kind)
	}
}

// process posts a leased task and records the outcome. The returned error
// is the ledger error, if any; bookkeeping failures are returned wrapped
// as internal errors.
func (s *ledgerSyncService) process(ctx context.Context, task *models.LedgerSyncTask) (syncErr error, err error) {
	result, syncErr := s.post(ctx, task)

	outcome := SyncOutcome{Success: syncErr == nil, LedgerTransactionID: result.TransactionID}
	if syncErr != nil {
		outcome.Error = truncateError(syncErr.Error(), maxSyncErrorLength)
	}

	err = database.RunInTx(ctx, s.db, s.cfg.MaxTxRetries, func(tx *gorm.DB) error {
		now := s.now()
		var updates map[string]any
		if outcome.Success {
			updates = map[string]any{
				"status":       models.LedgerSyncCompleted,
				"completed_at": now,
				"lease_until":  nil,
				"last_error":   nil,
			}
			if result.TransactionID != "" {
				updates["ledger_transaction_id"] = result.TransactionID
			}
		} else {
			attempts := task.Attempts + 1
			updates = map[string]any{
				"attempts":        attempts,
				"next_attempt_at": now.Add(s.backoff(attempts)),
				"lease_until":     nil,
				"last_error":      outcome.Error,
			}
		}

		res := tx.Model(&models.LedgerSyncTask{}).
			Where("id = ? AND status = ?", task.ID, models.LedgerSyncPending).
			Updates(updates)
		if res.Error != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if task.Kind == models.LedgerSyncOwnershipTransfer && task.TransferID != nil {
			return s.transfers.OnLedgerSyncResult(tx, *task.TransferID, outcome)
		}
		return nil
	})
	if err != nil {
		return syncErr, err
	}

	if syncErr != nil {
		log := logger.Get().Warnw
		if ledger.IsClientError(syncErr) {
			log = logger.Get().Errorw
		}
		log("ledger sync attempt failed",
			"task_id", task.ID,
			"kind", task.Kind,
			"reference", task.Reference,
			"attempts", task.Attempts+1,
			"error", syncErr,
		)
		return syncErr, nil
	}

	logger.Get().Infow("ledger sync completed",
		"task_id", task.ID,
		"kind", task.Kind,
		"reference", task.Reference,
		"duplicate", result.Duplicate,
	)
	return nil, nil
}

// DrainOutbox leases up to batchSize due tasks, posts each to the ledger and
// records the results. A failing task never stops the sweep.
func (s *ledgerSyncService) DrainOutbox(ctx context.Context, batchSize int) (*DrainSummary, error) {
	if batchSize <= 0 {
		batchSize = 20
	}

	var due []models.LedgerSyncTask
	now := s.now()
	if err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.LedgerSyncPending, now).
		Where("(lease_until IS NULL OR lease_until < ?)", now).
		Order("next_attempt_at ASC, created_at ASC").
		Limit(batchSize).
		Find(&due).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	summary := &DrainSummary{}
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		task := &due[i]

		_, ok, err := s.lease(ctx, task.ID, true)
		if err != nil {
			return summary, err
		}
		if !ok {
			continue
		}
		summary.Leased++

		syncErr, err := s.process(ctx, task)
		if err != nil {
			logger.Get().Errorw("failed to record ledger sync outcome",
				"task_id", task.ID,
				"error", err,
			)
			summary.Failed++
			continue
		}
		if syncErr != nil {
			summary.Failed++
		} else {
			summary.Completed++
		}
	}

	pending, err := s.PendingCount(ctx)
	if err != nil {
		return summary, err
	}
	summary.Pending = pending
	return summary, nil
}

func (s *ledgerSyncService) taskForTransfer(tx *gorm.DB, t *models.PendingOwnershipTransfer) (*models.LedgerSyncTask, error) {
	var task models.LedgerSyncTask
	err := tx.Where("reference = ?", t.IdempotencyReference).First(&task).Error
	if err == nil {
		return &task, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	task = models.LedgerSyncTask{
		Kind:       models.LedgerSyncOwnershipTransfer,
		MortgageID: t.MortgageID,
		TransferID: &t.ID,
		Reference:  t.IdempotencyReference,
	}
	if err := enqueueLedgerTask(tx, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// SyncTransfer synchronously posts an approved transfer to the ledger. A
// transfer that is already completed is returned without calling the ledger.
func (s *ledgerSyncService) SyncTransfer(ctx context.Context, transferID string) (*models.PendingOwnershipTransfer, error) {
	db := s.db.WithContext(ctx)
	t, err := findTransfer(db, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TransferCompleted {
		return t, nil
	}
	if t.Status != models.TransferApproved {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidTransferState,
			fmt.Sprintf("Transfer is %s, only approved transfers can be synced", t.Status))
	}

	task, err := s.taskForTransfer(db, t)
	if err != nil {
		return nil, err
	}

	if task.Status == models.LedgerSyncCompleted {
		outcome := SyncOutcome{Success: true}
		if task.LedgerTransactionID != nil {
			outcome.LedgerTransactionID = *task.LedgerTransactionID
		}
		if err := database.RunInTx(ctx, s.db, s.cfg.MaxTxRetries, func(tx *gorm.DB) error {
			return s.transfers.OnLedgerSyncResult(tx, t.ID, outcome)
		}); err != nil {
			return nil, err
		}
		return findTransfer(db, transferID)
	}

	_, ok, err := s.lease(ctx, task.ID, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.WithMessage(apperrors.ErrLedgerSyncFailed, "Ledger sync for this transfer is already in progress")
	}

	syncErr, err := s.process(ctx, task)
	if err != nil {
		return nil, err
	}
	if syncErr != nil {
		return nil, apperrors.Wrap(apperrors.ErrLedgerSyncFailed, syncErr)
	}
	return findTransfer(db, transferID)
}

// RetryLedgerSync lets an administrator force an immediate retry of an
// approved transfer's ledger posting.
func (s *ledgerSyncService) RetryLedgerSync(ctx context.Context, transferID string, admin auth.Identity) (*models.PendingOwnershipTransfer, error) {
	if !admin.IsAdmin() {
		return nil, apperrors.ErrForbidden
	}

	if err := s.db.WithContext(ctx).Model(&models.LedgerSyncTask{}).
		Where("transfer_id = ? AND status = ?", transferID, models.LedgerSyncPending).
		Update("next_attempt_at", s.now()).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	logger.Get().Infow("manual ledger sync retry requested",
		"transfer_id", transferID,
		"admin_id", admin.ID,
	)
	return s.SyncTransfer(ctx, transferID)
}

// PendingCount returns the number of tasks not yet delivered and updates
// the outbox gauge.
func (s *ledgerSyncService) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.LedgerSyncTask{}).
		Where("status = ?", models.LedgerSyncPending).
		Count(&count).Error; err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	metrics.OutboxPending.Set(float64(count))
	return count, nil
}
