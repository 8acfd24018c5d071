package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "captable/internal/errors"
	"captable/internal/models"
	"captable/internal/services"
)

// MortgageHandler handles mortgage onboarding and ownership queries.
type MortgageHandler struct {
	ownershipService services.OwnershipServicer
}

// NewMortgageHandler creates a new MortgageHandler.
func NewMortgageHandler(ownershipService services.OwnershipServicer) *MortgageHandler {
	return &MortgageHandler{ownershipService: ownershipService}
}

// OnboardMortgageRequest represents the request payload for onboarding a mortgage.
type OnboardMortgageRequest struct {
	Label string `json:"label" binding:"required,min=1,max=200"`
}

// AdjustOwnershipRequest represents an administrative ownership correction.
// The institution absorbs the difference.
type AdjustOwnershipRequest struct {
	Percentage *float64 `json:"percentage" binding:"required,percentage"`
	Reason     string   `json:"reason" binding:"required,min=1,max=500"`
}

// OwnerPercentageResponse represents one owner's share of a mortgage.
type OwnerPercentageResponse struct {
	MortgageID string  `json:"mortgage_id"`
	OwnerID    string  `json:"owner_id"`
	Percentage float64 `json:"percentage"`
}

// OnboardMortgage handles registering a new mortgage.
// @Summary     Onboard a mortgage
// @Description Register a mortgage owned 100% by the institution, with a hidden listing
// @Tags        mortgages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       request body OnboardMortgageRequest true "Mortgage details"
// @Success     201 {object} services.MortgageOnboarding "Mortgage onboarded"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     403 {object} ErrorResponse "Forbidden"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /mortgages [post]
func (h *MortgageHandler) OnboardMortgage(c *gin.Context) {
	caller, err := getIdentity(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req OnboardMortgageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	result, err := h.ownershipService.OnboardMortgage(c.Request.Context(), req.Label, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// GetOwnershipTable handles listing every owner of a mortgage.
// @Summary     Get ownership table
// @Description List all ownership records of a mortgage
// @Tags        ownership
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Mortgage ID"
// @Success     200 {object} map[string][]models.OwnershipRecord "Ownership table"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Mortgage not found"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /mortgages/{id}/ownership [get]
func (h *MortgageHandler) GetOwnershipTable(c *gin.Context) {
	mortgageID, err := parsePathUUID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	table, err := h.ownershipService.GetOwnershipTable(c.Request.Context(), mortgageID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if table == nil {
		table = []models.OwnershipRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"ownership": table})
}

// GetTotalOwnership handles the sum check for one mortgage.
// @Summary     Get total ownership
// @Description Sum of all ownership percentages of a mortgage and whether it equals 100
// @Tags        ownership
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Mortgage ID"
// @Success     200 {object} models.OwnershipTotal "Ownership total"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Mortgage not found"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /mortgages/{id}/ownership/total [get]
func (h *MortgageHandler) GetTotalOwnership(c *gin.Context) {
	mortgageID, err := parsePathUUID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	total, err := h.ownershipService.GetTotalOwnership(c.Request.Context(), mortgageID)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, total)
}

// GetOwnerPercentage handles a single owner's share lookup.
// @Summary     Get owner percentage
// @Description Percentage of a mortgage held by one owner; 0 when the owner holds nothing
// @Tags        ownership
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string true "Mortgage ID"
// @Param       ownerId path string true "Owner (institution or investor UUID)"
// @Success     200 {object} OwnerPercentageResponse "Owner percentage"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /mortgages/{id}/ownership/{ownerId} [get]
func (h *MortgageHandler) GetOwnerPercentage(c *gin.Context) {
	mortgageID, err := parsePathUUID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}
	owner, err := parsePathOwner(c, "ownerId")
	if err != nil {
		respondWithError(c, err)
		return
	}

	pct, err := h.ownershipService.GetOwnerPercentage(c.Request.Context(), mortgageID, owner)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, OwnerPercentageResponse{
		MortgageID: mortgageID,
		OwnerID:    owner.String(),
		Percentage: pct,
	})
}

// AdjustOwnership handles an administrative ownership correction.
// @Summary     Adjust ownership
// @Description Set an owner's percentage directly; the institution absorbs the difference (admin only)
// @Tags        ownership
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string                 true "Mortgage ID"
// @Param       ownerId path string                 true "Investor UUID"
// @Param       request body AdjustOwnershipRequest true "Adjustment"
// @Success     200 {object} map[string][]models.OwnershipRecord "Updated ownership table"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     403 {object} ErrorResponse "Forbidden"
// @Failure     404 {object} ErrorResponse "Mortgage not found"
// @Failure     409 {object} ErrorResponse "Invariant violation"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /mortgages/{id}/ownership/{ownerId} [put]
func (h *MortgageHandler) AdjustOwnership(c *gin.Context) {
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
	owner, err := parsePathOwner(c, "ownerId")
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req AdjustOwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	table, err := h.ownershipService.AdjustOwnership(c.Request.Context(), mortgageID, owner, *req.Percentage, req.Reason, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ownership": table})
}

// VerifyOwnership handles the sum check across every mortgage.
// @Summary     Verify all mortgages
// @Description List mortgages whose ownership does not sum to 100 (admin only)
// @Tags        ownership
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} map[string][]models.OwnershipTotal "Mortgages breaking the invariant"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     403 {object} ErrorResponse "Forbidden"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /ownership/verify [get]
func (h *MortgageHandler) VerifyOwnership(c *gin.Context) {
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
