package models

import (
	"time"

	"captable/internal/uuid"

	"gorm.io/gorm"
)

// OwnershipRecord is one owner's share of a mortgage. Rows are hard-deleted
// when the share reaches zero; there are no soft deletes here so the sum
// over a mortgage is always computed from live rows.
type OwnershipRecord struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	MortgageID string    `gorm:"type:uuid;not null;uniqueIndex:idx_ownership_mortgage_owner" json:"mortgage_id"`
	OwnerID    OwnerRef  `gorm:"type:varchar(64);not null;uniqueIndex:idx_ownership_mortgage_owner;index" json:"owner_id"`
	Percentage float64   `gorm:"type:numeric(9,6);not null" json:"percentage"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName keeps the table name stable regardless of struct naming.
func (OwnershipRecord) TableName() string { return "ownership_records" }

// BeforeCreate hook generates a UUIDv7 for new records
func (r *OwnershipRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New()
	}
	return nil
}

// OwnershipTotal summarizes the sum of ownership for a mortgage.
type OwnershipTotal struct {
	MortgageID string  `json:"mortgage_id"`
	Total      float64 `json:"total"`
	Valid      bool    `json:"valid"`
}
