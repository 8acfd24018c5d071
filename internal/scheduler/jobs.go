package scheduler

import (
	"context"
	"fmt"
	"time"

	"captable/internal/logger"
	"captable/internal/services"
)

// Job names, shared by the ticker loop, the scheduler endpoints and the CLI.
const (
	JobOutboxDrain     = "outbox_drain"
	JobAuditEmit       = "audit_emit"
	JobAuditPrune      = "audit_prune"
	JobOwnershipVerify = "ownership_verify"
)

// JobsConfig holds the intervals and batch sizes of the standard jobs.
type JobsConfig struct {
	OutboxInterval     time.Duration
	OutboxBatchSize    int
	AuditEmitInterval  time.Duration
	AuditEmitBatchSize int
	AuditPruneInterval time.Duration
	AuditPruneBatch    int
	VerifyInterval     time.Duration
}

// StandardJobs builds the service sweeps the API process runs in the background.
func StandardJobs(
	cfg JobsConfig,
	ledgerSync services.LedgerSyncServicer,
	audit services.AuditServicer,
	ownership services.OwnershipServicer,
) []Job {
	return []Job{
		{
			Name:     JobOutboxDrain,
			Interval: cfg.OutboxInterval,
			Run: func(ctx context.Context) error {
				summary, err := ledgerSync.DrainOutbox(ctx, cfg.OutboxBatchSize)
				if err != nil {
					return err
				}
				if summary.Leased > 0 {
					logger.Get().Infow("outbox drained",
						"leased", summary.Leased,
						"completed", summary.Completed,
						"failed", summary.Failed,
						"pending", summary.Pending,
					)
				}
				return nil
			},
		},
		{
			Name:     JobAuditEmit,
			Interval: cfg.AuditEmitInterval,
			Run: func(ctx context.Context) error {
				summary, err := audit.EmitPendingEvents(ctx, cfg.AuditEmitBatchSize)
				if err != nil {
					return err
				}
				if summary.Attempted > 0 {
					logger.Get().Infow("audit events emitted",
						"attempted", summary.Attempted,
						"emitted", summary.Emitted,
						"failed", summary.Failed,
					)
				}
				return nil
			},
		},
		{
			Name:     JobAuditPrune,
			Interval: cfg.AuditPruneInterval,
			Run: func(ctx context.Context) error {
				n, err := audit.PruneExpired(ctx, cfg.AuditPruneBatch)
				if err != nil {
					return err
				}
				if n > 0 {
					logger.Get().Infow("audit events pruned", "count", n)
				}
				return nil
			},
		},
		{
			Name:     JobOwnershipVerify,
			Interval: cfg.VerifyInterval,
			Run: func(ctx context.Context) error {
				invalid, err := ownership.VerifyAll(ctx)
				if err != nil {
					return err
				}
				for _, total := range invalid {
					logger.Get().Errorw("ownership invariant broken",
						"mortgage_id", total.MortgageID,
						"total", total.Total,
					)
				}
				if len(invalid) > 0 {
					return fmt.Errorf("%d mortgages do not sum to 100%%", len(invalid))
				}
				return nil
			},
		},
	}
}
