package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "captable/internal/errors"
	"captable/internal/models"
	"captable/internal/services"
)

// JobsHandler exposes the background sweeps to an external scheduler.
// Routes are guarded by SchedulerAuthMiddleware, not by user tokens.
type JobsHandler struct {
	ledgerSyncService services.LedgerSyncServicer
	auditService      services.AuditServicer
	ownershipService  services.OwnershipServicer
	defaults          JobBatchSizes
}

// JobBatchSizes holds the batch sizes used when a request does not set one.
type JobBatchSizes struct {
	OutboxDrain int
	AuditEmit   int
	AuditPrune  int
}

// NewJobsHandler creates a new JobsHandler.
func NewJobsHandler(
	ledgerSyncService services.LedgerSyncServicer,
	auditService services.AuditServicer,
	ownershipService services.OwnershipServicer,
	defaults JobBatchSizes,
) *JobsHandler {
	return &JobsHandler{
		ledgerSyncService: ledgerSyncService,
		auditService:      auditService,
		ownershipService:  ownershipService,
		defaults:          defaults,
	}
}

// RunJobRequest optionally overrides the batch size of a sweep.
type RunJobRequest struct {
	BatchSize int `json:"batch_size" binding:"omitempty,min=1,max=10000"`
}

func (h *JobsHandler) batchSize(c *gin.Context, fallback int) (int, bool) {
	var req RunJobRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
			return 0, false
		}
	}
	if req.BatchSize > 0 {
		return req.BatchSize, true
	}
	return fallback, true
}

// DrainOutbox handles a scheduler-triggered ledger outbox drain.
// @Summary     Drain ledger outbox
// @Description Post due ledger sync tasks to the external ledger (scheduler endpoint)
// @Tags        jobs
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
// @Param       request body RunJobRequest false "Batch size"
// @Success     200 {object} services.DrainSummary "Drain summary"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Invalid API key"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /jobs/outbox/drain [post]
func (h *JobsHandler) DrainOutbox(c *gin.Context) {
	n, ok := h.batchSize(c, h.defaults.OutboxDrain)
	if !ok {
		return
	}

	summary, err := h.ledgerSyncService.DrainOutbox(c.Request.Context(), n)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// EmitAuditEvents handles a scheduler-triggered audit emission sweep.
// @Summary     Emit audit events
// @Description Deliver unemitted audit events to the event sink (scheduler endpoint)
// @Tags        jobs
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
// @Param       request body RunJobRequest false "Batch size"
// @Success     200 {object} services.EmitSummary "Emission summary"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Invalid API key"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /jobs/audit/emit [post]
func (h *JobsHandler) EmitAuditEvents(c *gin.Context) {
	n, ok := h.batchSize(c, h.defaults.AuditEmit)
	if !ok {
		return
	}

	summary, err := h.auditService.EmitPendingEvents(c.Request.Context(), n)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// PruneAuditEvents handles a scheduler-triggered retention sweep.
// @Summary     Prune audit events
// @Description Delete audit events past the retention period (scheduler endpoint)
// @Tags        jobs
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
// @Param       request body RunJobRequest false "Batch size"
// @Success     200 {object} map[string]int64 "Number of events pruned"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Invalid API key"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /jobs/audit/prune [post]
func (h *JobsHandler) PruneAuditEvents(c *gin.Context) {
	n, ok := h.batchSize(c, h.defaults.AuditPrune)
	if !ok {
		return
	}

	pruned, err := h.auditService.PruneExpired(c.Request.Context(), n)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"pruned": pruned})
}

// VerifyOwnership handles a scheduler-triggered invariant check.
// @Summary     Verify ownership invariant
// @Description List mortgages whose ownership does not sum to 100 (scheduler endpoint)
// @Tags        jobs
// @Produce     json
// @Security    ApiKeyAuth
// @Success     200 {object} map[string][]models.OwnershipTotal "Mortgages breaking the invariant"
// @Failure     401 {object} ErrorResponse "Invalid API key"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /jobs/ownership/verify [get]
func (h *JobsHandler) VerifyOwnership(c *gin.Context) {
	invalid, err := h.ownershipService.VerifyAll(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	if invalid == nil {
		invalid = []models.OwnershipTotal{}
	}

	c.JSON(http.StatusOK, gin.H{"invalid": invalid, "valid": len(invalid) == 0})
}
