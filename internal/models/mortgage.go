package models

import "time"

// Mortgage is the registry row for a fractionally owned mortgage asset.
type Mortgage struct {
	Base
	Label       string `gorm:"not null" json:"label"`
	OnboardedBy string `gorm:"not null" json:"onboarded_by"`
}

// Listing is the marketplace entry for a mortgage. A locked listing is
// held by a single broker or investor while a transfer is negotiated.
type Listing struct {
	Base
	MortgageID string     `gorm:"type:uuid;not null;uniqueIndex" json:"mortgage_id"`
	Visible    bool       `gorm:"not null;default:false" json:"visible"`
	Locked     bool       `gorm:"not null;default:false" json:"locked"`
	LockedBy   *string    `json:"locked_by,omitempty"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
}
