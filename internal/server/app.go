package server

import (
	"gorm.io/gorm"

	"captable/internal/config"
	"captable/internal/eventsink"
	"captable/internal/handlers"
	"captable/internal/ledger"
	"captable/internal/scheduler"
	"captable/internal/services"
)

// App is the wired service graph.
type App struct {
	Audit      services.AuditServicer
	Ownership  services.OwnershipServicer
	Listings   services.ListingServicer
	Transfers  services.TransferServicer
	LedgerSync services.LedgerSyncServicer

	Handlers Handlers
	Jobs     []scheduler.Job
}

// NewApp wires services, handlers and background jobs from configuration.
func NewApp(db *gorm.DB, client ledger.Client, sink eventsink.Sink, cfg *config.Config) *App {
	audit := services.NewAuditService(db, sink, services.AuditConfig{
		MaxEmitFailures: cfg.AuditMaxEmitFailures,
		Retention:       cfg.AuditRetention,
		Parallelism:     cfg.AuditEmitParallelism,
	})
	ownership := services.NewOwnershipService(db, audit, cfg.DBTxMaxRetry)
	listings := services.NewListingService(db, audit, cfg.DBTxMaxRetry)
	transfers := services.NewTransferService(db, ownership, listings, audit, services.TransferConfig{
		RejectionLimit:                   cfg.TransferRejectionLimit,
		RequireFourEyes:                  cfg.TransferRequireFourEyes,
		LedgerFailureEscalationThreshold: cfg.LedgerFailureEscalationThreshold,
		MaxTxRetries:                     cfg.DBTxMaxRetry,
	})
	ledgerSync := services.NewLedgerSyncService(db, client, transfers, services.LedgerSyncConfig{
		RetryBaseDelay: cfg.LedgerRetryBase,
		RetryMaxDelay:  cfg.LedgerRetryMaxDelay,
		LeaseDuration:  cfg.LedgerLeaseDuration,
		MaxTxRetries:   cfg.DBTxMaxRetry,
	})

	return &App{
		Audit:      audit,
		Ownership:  ownership,
		Listings:   listings,
		Transfers:  transfers,
		LedgerSync: ledgerSync,
		Handlers: Handlers{
			Mortgage: handlers.NewMortgageHandler(ownership),
			Listing:  handlers.NewListingHandler(listings),
			Transfer: handlers.NewTransferHandler(transfers, ledgerSync),
			Audit:    handlers.NewAuditHandler(audit),
			Jobs: handlers.NewJobsHandler(ledgerSync, audit, ownership, handlers.JobBatchSizes{
				OutboxDrain: cfg.OutboxBatchSize,
				AuditEmit:   cfg.AuditEmitBatchSize,
				AuditPrune:  cfg.AuditPruneBatch,
			}),
		},
		Jobs: scheduler.StandardJobs(scheduler.JobsConfig{
			OutboxInterval:     cfg.OutboxInterval,
			OutboxBatchSize:    cfg.OutboxBatchSize,
			AuditEmitInterval:  cfg.AuditEmitInterval,
			AuditEmitBatchSize: cfg.AuditEmitBatchSize,
			AuditPruneInterval: cfg.AuditPruneInterval,
			AuditPruneBatch:    cfg.AuditPruneBatch,
			VerifyInterval:     cfg.VerifyInterval,
		}, ledgerSync, audit, ownership),
	}
}
