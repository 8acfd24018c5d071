package testutil

import (
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"captable/internal/auth"
	"captable/internal/models"
	"captable/internal/uuid"

	"gorm.io/gorm"
)

// counter provides unique values across fixtures within a test run.
var counter atomic.Int64

func nextID() int64 {
	return counter.Add(1)
}

// Investor returns a new investor identity.
func Investor() auth.Identity {
	return auth.Identity{ID: uuid.New(), Role: auth.RoleInvestor}
}

// Broker returns a new broker identity.
func Broker() auth.Identity {
	return auth.Identity{ID: uuid.New(), Role: auth.RoleBroker}
}

// Admin returns a new administrator identity.
func Admin() auth.Identity {
	return auth.Identity{ID: uuid.New(), Role: auth.RoleAdmin}
}

// CreateTestMortgage creates a mortgage owned 100% by the institution, with
// a visible, unlocked listing.
func CreateTestMortgage(t *testing.T, db *gorm.DB) *models.Mortgage {
	t.Helper()

	mortgage := &models.Mortgage{
		Label:       fmt.Sprintf("Mortgage %d", nextID()),
		OnboardedBy: uuid.New(),
	}
	if err := db.Create(mortgage).Error; err != nil {
		t.Fatalf("failed to create test mortgage: %v", err)
	}

	inst := &models.OwnershipRecord{
		MortgageID: mortgage.ID,
		OwnerID:    models.Institution(),
		Percentage: 100,
	}
	if err := db.Create(inst).Error; err != nil {
		t.Fatalf("failed to create institution ownership: %v", err)
	}

	listing := &models.Listing{MortgageID: mortgage.ID, Visible: true}
	if err := db.Create(listing).Error; err != nil {
		t.Fatalf("failed to create test listing: %v", err)
	}
	return mortgage
}

// CreateTestOwnership gives owner the percentage of a mortgage, taken from
// the institution, bypassing the services.
func CreateTestOwnership(t *testing.T, db *gorm.DB, mortgageID string, owner models.OwnerRef, percentage float64) *models.OwnershipRecord {
	t.Helper()

	var inst models.OwnershipRecord
	if err := db.Where("mortgage_id = ? AND owner_id = ?", mortgageID, models.Institution()).First(&inst).Error; err != nil {
		t.Fatalf("failed to load institution ownership: %v", err)
	}
	if inst.Percentage < percentage {
		t.Fatalf("institution holds %.4f%%, cannot allocate %.4f%%", inst.Percentage, percentage)
	}

	record := &models.OwnershipRecord{MortgageID: mortgageID, OwnerID: owner, Percentage: percentage}
	if err := db.Create(record).Error; err != nil {
		t.Fatalf("failed to create test ownership: %v", err)
	}

	remaining := inst.Percentage - percentage
	var err error
	if remaining <= 1e-9 {
		err = db.Delete(&inst).Error
	} else {
		err = db.Model(&inst).Update("percentage", remaining).Error
	}
	if err != nil {
		t.Fatalf("failed to update institution ownership: %v", err)
	}
	return record
}

// LockTestListing marks a mortgage's listing as locked by holder.
func LockTestListing(t *testing.T, db *gorm.DB, mortgageID string, holder auth.Identity) {
	t.Helper()

	if err := db.Model(&models.Listing{}).
		Where("mortgage_id = ?", mortgageID).
		Updates(map[string]any{"locked": true, "locked_by": holder.ID}).Error; err != nil {
		t.Fatalf("failed to lock test listing: %v", err)
	}
}

// OwnershipOf returns owner's current percentage, 0 if none.
func OwnershipOf(t *testing.T, db *gorm.DB, mortgageID string, owner models.OwnerRef) float64 {
	t.Helper()

	var records []models.OwnershipRecord
	if err := db.Where("mortgage_id = ? AND owner_id = ?", mortgageID, owner).Find(&records).Error; err != nil {
		t.Fatalf("failed to load ownership: %v", err)
	}
	if len(records) == 0 {
		return 0
	}
	return records[0].Percentage
}

// AssertOwnershipSum fails the test unless the mortgage's ownership sums to 100.
func AssertOwnershipSum(t *testing.T, db *gorm.DB, mortgageID string) {
	t.Helper()

	var total float64
	if err := db.Model(&models.OwnershipRecord{}).
		Select("COALESCE(SUM(percentage), 0)").
		Where("mortgage_id = ?", mortgageID).
		Scan(&total).Error; err != nil {
		t.Fatalf("failed to sum ownership: %v", err)
	}
	if math.Abs(total-100) > 1e-2 {
		t.Errorf("expected ownership to sum to 100, got %.6f", total)
	}
}

// CountAuditEvents returns how many audit events of the given type exist for an entity.
func CountAuditEvents(t *testing.T, db *gorm.DB, entityID string, eventType models.AuditEventType) int64 {
	t.Helper()

	var count int64
	if err := db.Model(&models.AuditEventRecord{}).
		Where("entity_id = ? AND event_type = ?", entityID, eventType).
		Count(&count).Error; err != nil {
		t.Fatalf("failed to count audit events: %v", err)
	}
	return count
}
