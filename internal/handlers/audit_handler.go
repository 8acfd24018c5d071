package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "captable/internal/errors"
	"captable/internal/pagination"
	"captable/internal/services"
)

// AuditHandler serves the audit trail to administrators.
type AuditHandler struct {
	auditService services.AuditServicer
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(auditService services.AuditServicer) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}

// ListAuditEventsQuery holds the query parameters for listing audit events.
type ListAuditEventsQuery struct {
	pagination.PageRequest
	EntityType string `form:"entity_type" binding:"omitempty,oneof=mortgage ownership transfer listing"`
	EntityID   string `form:"entity_id" binding:"omitempty,max=100"`
	EventType  string `form:"event_type" binding:"omitempty,max=64"`
}

// ListAuditEvents handles listing audit events.
// @Summary     List audit events
// @Description List sanitized audit events, newest first (admin only)
// @Tags        audit
// @Produce     json
// @Security    BearerAuth
// @Param       entity_type query string false "Entity type"
// @Param       entity_id   query string false "Entity ID"
// @Param       event_type  query string false "Event type"
// @Param       page        query int    false "Page number"
// @Param       page_size   query int    false "Page size"
// @Success     200 {object} pagination.PageResponse[models.AuditEventRecord] "Audit events"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     403 {object} ErrorResponse "Forbidden"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /audit-events [get]
func (h *AuditHandler) ListAuditEvents(c *gin.Context) {
	var query ListAuditEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}
	query.Defaults()

	result, err := h.auditService.ListEvents(c.Request.Context(), services.AuditFilter{
		EntityType: query.EntityType,
		EntityID:   query.EntityID,
		EventType:  query.EventType,
	}, query.PageRequest)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
