package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "captable/internal/errors"
	"captable/internal/services"
)

// ListingHandler handles marketplace listing requests.
type ListingHandler struct {
	listingService services.ListingServicer
}

// NewListingHandler creates a new ListingHandler.
func NewListingHandler(listingService services.ListingServicer) *ListingHandler {
	return &ListingHandler{listingService: listingService}
}

// SetVisibilityRequest represents the request payload for showing or hiding a listing.
type SetVisibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

// GetListing handles fetching the listing of a mortgage.
// @Summary     Get listing
// @Description Get the marketplace listing of a mortgage
// @Tags        listings
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Mortgage ID"
// @Success     200 {object} map[string]models.Listing "Listing"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Listing not found"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /mortgages/{id}/listing [get]
func (h *ListingHandler) GetListing(c *gin.Context) {
	mortgageID, err := parsePathUUID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	listing, err := h.listingService.GetListing(c.Request.Context(), mortgageID)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// LockListing handles acquiring the negotiation lock on a listing.
// @Summary     Lock listing
// @Description Acquire the exclusive lock on a visible listing
// @Tags        listings
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Mortgage ID"
// @Success     200 {object} map[string]models.Listing "Locked listing"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Listing not found"
// @Failure     409 {object} ErrorResponse "Already locked or not available"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /mortgages/{id}/lock [post]
func (h *ListingHandler) LockListing(c *gin.Context) {
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

	listing, err := h.listingService.TryLock(c.Request.Context(), mortgageID, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// UnlockListing handles releasing the negotiation lock.
// @Summary     Unlock listing
// @Description Release the lock; only the holder or an admin may unlock
// @Tags        listings
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Mortgage ID"
// @Success     200 {object} map[string]models.Listing "Unlocked listing"
// @Failure     400 {object} ErrorResponse "Invalid ID"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     403 {object} ErrorResponse "Locked by another party"
// @Failure     404 {object} ErrorResponse "Listing not found"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /mortgages/{id}/lock [delete]
func (h *ListingHandler) UnlockListing(c *gin.Context) {
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

	listing, err := h.listingService.Unlock(c.Request.Context(), mortgageID, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// SetVisibility handles showing or hiding a listing on the marketplace.
// @Summary     Set listing visibility
// @Description Show or hide a listing (broker or admin)
// @Tags        listings
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string               true "Mortgage ID"
// @Param       request body SetVisibilityRequest true "Visibility"
// @Success     200 {object} map[string]models.Listing "Updated listing"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     403 {object} ErrorResponse "Forbidden"
// @Failure     404 {object} ErrorResponse "Listing not found"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /mortgages/{id}/visibility [put]
func (h *ListingHandler) SetVisibility(c *gin.Context) {
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

	var req SetVisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	listing, err := h.listingService.SetVisibility(c.Request.Context(), mortgageID, *req.Visible, caller)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": listing})
}
