package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"captable/internal/auth"
	apperrors "captable/internal/errors"
	"captable/internal/logger"
	"captable/internal/middleware"
	"captable/internal/models"
	"captable/internal/uuid"
)

// ErrorDetail represents error details in a response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// getIdentity extracts the authenticated caller from the Gin context.
// Returns ErrUnauthorized if not present.
func getIdentity(c *gin.Context) (auth.Identity, error) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return auth.Identity{}, apperrors.ErrUnauthorized
	}
	return id, nil
}

// parsePathUUID parses a UUID path parameter and returns it in canonical form.
// Returns ErrInvalidInput if the parameter is not a valid UUID.
func parsePathUUID(c *gin.Context, param string) (string, error) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		return "", apperrors.WithMessage(apperrors.ErrInvalidInput, "Invalid "+param)
	}
	return id, nil
}

// parsePathOwner parses an owner path parameter ("institution" or an investor UUID).
func parsePathOwner(c *gin.Context, param string) (models.OwnerRef, error) {
	owner, err := models.ParseOwnerRef(c.Param(param))
	if err != nil {
		return models.OwnerRef{}, apperrors.WithMessage(apperrors.ErrInvalidInput, "Invalid "+param)
	}
	return owner, nil
}

// respondWithError writes a consistent JSON error response. If the error is an
// *AppError it uses the error's status code, code, and message. Otherwise it
// logs the unexpected error and returns a generic internal server error.
func respondWithError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.Internal != nil {
			logger.Get().Errorw("app error",
				"code", appErr.Code,
				"internal", appErr.Internal.Error(),
				"path", c.Request.URL.Path,
				"request_id", middleware.RequestID(c),
			)
		}
		c.JSON(appErr.StatusCode, ErrorResponse{
			Error: ErrorDetail{Code: appErr.Code, Message: appErr.Message},
		})
		return
	}

	logger.Get().Errorw("unexpected error",
		"error", err.Error(),
		"path", c.Request.URL.Path,
		"method", c.Request.Method,
		"request_id", middleware.RequestID(c),
	)
	c.JSON(apperrors.ErrInternalServer.StatusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    apperrors.ErrInternalServer.Code,
			Message: apperrors.ErrInternalServer.Message,
		},
	})
}
