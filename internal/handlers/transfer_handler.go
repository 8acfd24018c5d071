package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "captable/internal/errors"
	"captable/internal/models"
	"captable/internal/pagination"
	"captable/internal/services"
)

// TransferHandler handles maker-checker ownership transfer requests.
type TransferHandler struct {
	transferService   services.TransferServicer
	ledgerSyncService services.LedgerSyncServicer
}

// NewTransferHandler creates a new TransferHandler.
func NewTransferHandler(transferService services.TransferServicer, ledgerSyncService services.LedgerSyncServicer) *TransferHandler {
	return &TransferHandler{transferService: transferService, ledgerSyncService: ledgerSyncService}
}

// CreateTransferRequest represents the request payload for proposing a transfer.
type CreateTransferRequest struct {
	MortgageID  string  `json:"mortgage_id" binding:"required,uuid_id"`
	FromOwnerID string  `json:"from_owner_id" binding:"required,owner_ref"`
	ToOwnerID   string  `json:"to_owner_id" binding:"required,owner_ref"`
	Percentage  float64 `json:"percentage" binding:"required,gt=0,percentage"`
}

// ResubmitTransferRequest optionally revises the percentage of a rejected transfer.
type ResubmitTransferRequest struct {
	Percentage *float64 `json:"percentage" binding:"omitempty,gt=0,percentage"`
}

// RejectTransferRequest represents the request payload for rejecting a transfer.
type RejectTransferRequest struct {
	Reason string `json:"reason" binding:"required,min=1,max=500"`
}

// ListTransfersQuery holds the query parameters for listing transfers.
type ListTransfersQuery struct {
	pagination.PageRequest
	Status string `form:"status" binding:"omitempty,transfer_status"`
}

// CreateTransfer handles proposing a new transfer.
// @Summary     Create a transfer
// @Description Propose moving a percentage of a mortgage between owners; awaits admin approval
// @Tags        transfers
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       request body CreateTransferRequest true "Transfer details"
// @Success     201 {object} map[string]models.PendingOwnershipTransfer "Transfer created"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     403 {object} ErrorResponse "Listing locked by another party"
// @Failure     404 {object} ErrorResponse "Mortgage not found"
// @Failure     409 {object} ErrorResponse "Insufficient ownership, listing not locked or manual resolution required"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /transfers [post]
func (h *TransferHandler) CreateTransfer(c *gin.Context) {
	caller, err := getIdentity(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req CreateTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	// Both owners already passed owner_ref, so parsing cannot fail here.
	from, _ := models.ParseOwnerRef(req.FromOwnerID)
	to, _ := models.ParseOwnerRef(req.ToOwnerID)

	transfer, err := h.transferService.CreateTransfer(c.Request.Context(), services.CreateTransferInput{
		MortgageID:  req.MortgageID,
		FromOwnerID: from,
		ToOwnerID:   to,
		Percentage:  req.Percentage,
	}, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transfer": transfer})
}

// ResubmitTransfer handles resubmitting a rejected transfer.
// @Summary     Resubmit a transfer
// @Description Create a new pending transfer linked to a rejected one
// @Tags        transfers
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string                  true  "Rejected transfer ID"
// @Param       request body ResubmitTransferRequest false "Revised percentage"
// @Success     201 {object} map[string]models.PendingOwnershipTransfer "Transfer resubmitted"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     403 {object} ErrorResponse "Forbidden"
// @Failure     404 {object} ErrorResponse "Transfer not found"
// @Failure     409 {object} ErrorResponse "Invalid state or manual resolution required"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /transfers/{id}/resubmit [post]
func (h *TransferHandler) ResubmitTransfer(c *gin.Context) {
	caller, err := getIdentity(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	transferID, err := parsePathUUID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req ResubmitTransferRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
			return
		}
	}

	transfer, err := h.transferService.ResubmitTransfer(c.Request.Context(), transferID, req.Percentage, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transfer": transfer})
}

// ApproveTransfer handles the checker approving a pending transfer.
// @Summary     Approve a transfer
// @Description Apply the ownership change and queue the ledger posting (admin, not the creator)
// @Tags        transfers
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Transfer ID"
// @Success     200 {object} map[string]models.PendingOwnershipTransfer "Transfer approved"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     403 {object} ErrorResponse "Forbidden or four-eyes violation"
// @Failure     404 {object} ErrorResponse "Transfer not found"
// @Failure     409 {object} ErrorResponse "Invalid state or insufficient ownership"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /transfers/{id}/approve [post]
func (h *TransferHandler) ApproveTransfer(c *gin.Context) {
	caller, err := getIdentity(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	transferID, err := parsePathUUID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	transfer, err := h.transferService.ApproveTransfer(c.Request.Context(), transferID, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transfer": transfer})
}

// RejectTransfer handles the checker rejecting a pending transfer.
// @Summary     Reject a transfer
// @Description Reject a pending transfer with a reason (admin, not the creator)
// @Tags        transfers
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string                true "Transfer ID"
// @Param       request body RejectTransferRequest true "Rejection reason"
// @Success     200 {object} map[string]models.PendingOwnershipTransfer "Transfer rejected"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     403 {object} ErrorResponse "Forbidden or four-eyes violation"
// @Failure     404 {object} ErrorResponse "Transfer not found"
// @Failure     409 {object} ErrorResponse "Invalid state"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /transfers/{id}/reject [post]
func (h *TransferHandler) RejectTransfer(c *gin.Context) {
	caller, err := getIdentity(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	transferID, err := parsePathUUID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req RejectTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	transfer, err := h.transferService.RejectTransfer(c.Request.Context(), transferID, req.Reason, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transfer": transfer})
}

// RetryLedgerSync handles forcing an immediate ledger sync attempt.
// @Summary     Retry ledger sync
// @Description Post an approved transfer to the external ledger now (admin only)
// @Tags        transfers
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Transfer ID"
// @Success     200 {object} map[string]models.PendingOwnershipTransfer "Transfer after sync"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     403 {object} ErrorResponse "Forbidden"
// @Failure     404 {object} ErrorResponse "Transfer not found"
// @Failure     409 {object} ErrorResponse "Invalid state"
// @Failure     502 {object} ErrorResponse "Ledger sync failed"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /transfers/{id}/retry-sync [post]
func (h *TransferHandler) RetryLedgerSync(c *gin.Context) {
	caller, err := getIdentity(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	transferID, err := parsePathUUID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	transfer, err := h.ledgerSyncService.RetryLedgerSync(c.Request.Context(), transferID, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transfer": transfer})
}

// GetTransfer handles fetching a single transfer.
// @Summary     Get a transfer
// @Description Get a transfer visible to the caller
// @Tags        transfers
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Transfer ID"
// @Success     200 {object} map[string]models.PendingOwnershipTransfer "Transfer"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Transfer not found"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /transfers/{id} [get]
func (h *TransferHandler) GetTransfer(c *gin.Context) {
	caller, err := getIdentity(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	transferID, err := parsePathUUID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	transfer, err := h.transferService.GetTransfer(c.Request.Context(), transferID, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transfer": transfer})
}

// ListTransfers handles listing the transfers of a mortgage.
// @Summary     List transfers
// @Description List transfers of a mortgage, newest first; investors only see their own
// @Tags        transfers
// @Produce     json
// @Security    BearerAuth
// @Param       id        path  string true  "Mortgage ID"
// @Param       status    query string false "Filter by status"
// @Param       page      query int    false "Page number"
// @Param       page_size query int    false "Page size"
// @Success     200 {object} pagination.PageResponse[models.PendingOwnershipTransfer] "Transfers"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /mortgages/{id}/transfers [get]
func (h *TransferHandler) ListTransfers(c *gin.Context) {
	caller, err := getIdentity(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	mortgageID, err := parsePathUUID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	var query ListTransfersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}
	query.Defaults()

	var filter services.TransferFilter
	if query.Status != "" {
		status := models.TransferStatus(query.Status)
		filter.Status = &status
	}

	result, err := h.transferService.ListTransfers(c.Request.Context(), mortgageID, filter, query.PageRequest, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
