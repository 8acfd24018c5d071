// Package validator provides custom validation functions for Gin's binding engine.
package validator

import (
	"math"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"captable/internal/models"
	"captable/internal/uuid"
)

// percentScale is the number of decimal places a percentage may carry,
// matching the numeric(9,6) ownership columns.
const percentScale = 6

// Register registers all custom validators with the Gin binding engine.
func Register() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("owner_ref", validateOwnerRef)
		_ = v.RegisterValidation("uuid_id", validateUUID)
		_ = v.RegisterValidation("percentage", validatePercentage)
		_ = v.RegisterValidation("transfer_status", validateTransferStatus)
	}
}

// validateOwnerRef accepts "institution" or an investor UUID.
func validateOwnerRef(fl validator.FieldLevel) bool {
	_, err := models.ParseOwnerRef(fl.Field().String())
	return err == nil
}

func validateUUID(fl validator.FieldLevel) bool {
	return uuid.IsValid(fl.Field().String())
}

// validatePercentage accepts values in [0, 100] with at most six decimal
// places, so a value is never silently rounded on write.
func validatePercentage(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	if math.IsNaN(f) || f < 0 || f > 100 {
		return false
	}
	scaled := f * math.Pow10(percentScale)
	return math.Abs(scaled-math.Round(scaled)) < 1e-6
}

func validateTransferStatus(fl validator.FieldLevel) bool {
	return models.TransferStatus(fl.Field().String()).IsValid()
}
