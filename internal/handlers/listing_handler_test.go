package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"captable/internal/auth"
	apperrors "captable/internal/errors"
	"captable/internal/models"
	"captable/internal/services"
)

// --- mock listing service ---

type mockListingService struct {
	getListingFn    func(mortgageID string) (*models.Listing, error)
	tryLockFn       func(mortgageID string, requester auth.Identity) (*models.Listing, error)
	unlockFn        func(mortgageID string, requester auth.Identity) (*models.Listing, error)
	setVisibilityFn func(mortgageID string, visible bool, actor auth.Identity) (*models.Listing, error)
}

func (m *mockListingService) GetListing(_ context.Context, mortgageID string) (*models.Listing, error) {
	if m.getListingFn != nil {
		return m.getListingFn(mortgageID)
	}
	return &models.Listing{MortgageID: mortgageID}, nil
}

func (m *mockListingService) TryLock(_ context.Context, mortgageID string, requester auth.Identity) (*models.Listing, error) {
	if m.tryLockFn != nil {
		return m.tryLockFn(mortgageID, requester)
	}
	return &models.Listing{MortgageID: mortgageID, Locked: true, LockedBy: &requester.ID}, nil
}

func (m *mockListingService) Unlock(_ context.Context, mortgageID string, requester auth.Identity) (*models.Listing, error) {
	if m.unlockFn != nil {
		return m.unlockFn(mortgageID, requester)
	}
	return &models.Listing{MortgageID: mortgageID}, nil
}

func (m *mockListingService) SetVisibility(_ context.Context, mortgageID string, visible bool, actor auth.Identity) (*models.Listing, error) {
	if m.setVisibilityFn != nil {
		return m.setVisibilityFn(mortgageID, visible, actor)
	}
	return &models.Listing{MortgageID: mortgageID, Visible: visible}, nil
}

func (m *mockListingService) ReleaseForTransfer(_ *gorm.DB, _, _, _ string) error {
	return nil
}

// verify interface compliance
var _ services.ListingServicer = (*mockListingService)(nil)

func setupListingRouter(handler *ListingHandler, caller auth.Identity) *gin.Engine {
	r := gin.New()
	authed := r.Group("", injectIdentity(caller))
	authed.GET("/mortgages/:id/listing", handler.GetListing)
	authed.POST("/mortgages/:id/lock", handler.LockListing)
	authed.DELETE("/mortgages/:id/lock", handler.UnlockListing)
	authed.PUT("/mortgages/:id/visibility", handler.SetVisibility)
	return r
}

func TestListingHandler_GetListing(t *testing.T) {
	t.Run("returns the listing", func(t *testing.T) {
		r := setupListingRouter(NewListingHandler(&mockListingService{}), testInvestor)

		rec := doRequest(r, "GET", "/mortgages/"+testMortgageID+"/listing", "")

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		listing := parseJSON(t, rec)["listing"].(map[string]interface{})
		if listing["mortgage_id"] != testMortgageID {
			t.Errorf("unexpected listing: %v", listing)
		}
	})

	t.Run("returns 404 when missing", func(t *testing.T) {
		svc := &mockListingService{
			getListingFn: func(string) (*models.Listing, error) { return nil, apperrors.ErrListingNotFound },
		}
		r := setupListingRouter(NewListingHandler(svc), testInvestor)

		rec := doRequest(r, "GET", "/mortgages/"+testMortgageID+"/listing", "")

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		assertErrorCode(t, parseJSON(t, rec), "LISTING_NOT_FOUND")
	})
}

func TestListingHandler_LockListing(t *testing.T) {
	t.Run("locks for the caller", func(t *testing.T) {
		var got auth.Identity
		svc := &mockListingService{
			tryLockFn: func(mortgageID string, requester auth.Identity) (*models.Listing, error) {
				got = requester
				now := time.Now().UTC()
				return &models.Listing{MortgageID: mortgageID, Visible: true, Locked: true, LockedBy: &requester.ID, LockedAt: &now}, nil
			},
		}
		r := setupListingRouter(NewListingHandler(svc), testInvestor)

		rec := doRequest(r, "POST", "/mortgages/"+testMortgageID+"/lock", "")

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if got.ID != testInvestorID {
			t.Errorf("expected investor to request the lock, got %q", got.ID)
		}
		listing := parseJSON(t, rec)["listing"].(map[string]interface{})
		if listing["locked"] != true || listing["locked_by"] != testInvestorID {
			t.Errorf("unexpected listing: %v", listing)
		}
	})

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"already locked", apperrors.ErrAlreadyLocked, http.StatusConflict, "ALREADY_LOCKED"},
		{"hidden listing", apperrors.ErrListingNotAvailable, http.StatusConflict, "LISTING_NOT_AVAILABLE"},
		{"unknown listing", apperrors.ErrListingNotFound, http.StatusNotFound, "LISTING_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run("maps "+tt.name, func(t *testing.T) {
			svc := &mockListingService{
				tryLockFn: func(string, auth.Identity) (*models.Listing, error) { return nil, tt.err },
			}
			r := setupListingRouter(NewListingHandler(svc), testInvestor)

			rec := doRequest(r, "POST", "/mortgages/"+testMortgageID+"/lock", "")

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			assertErrorCode(t, parseJSON(t, rec), tt.wantCode)
		})
	}
}

func TestListingHandler_UnlockListing(t *testing.T) {
	t.Run("unlocks", func(t *testing.T) {
		r := setupListingRouter(NewListingHandler(&mockListingService{}), testInvestor)

		rec := doRequest(r, "DELETE", "/mortgages/"+testMortgageID+"/lock", "")

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("returns 403 for a non-holder", func(t *testing.T) {
		svc := &mockListingService{
			unlockFn: func(string, auth.Identity) (*models.Listing, error) {
				return nil, apperrors.ErrListingLockUnauthorized
			},
		}
		r := setupListingRouter(NewListingHandler(svc), testInvestor)

		rec := doRequest(r, "DELETE", "/mortgages/"+testMortgageID+"/lock", "")

		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
		assertErrorCode(t, parseJSON(t, rec), "LISTING_LOCK_UNAUTHORIZED")
	})
}

func TestListingHandler_SetVisibility(t *testing.T) {
	t.Run("passes false through", func(t *testing.T) {
		got := true
		svc := &mockListingService{
			setVisibilityFn: func(mortgageID string, visible bool, _ auth.Identity) (*models.Listing, error) {
				got = visible
				return &models.Listing{MortgageID: mortgageID, Visible: visible}, nil
			},
		}
		r := setupListingRouter(NewListingHandler(svc), testAdmin)

		rec := doRequest(r, "PUT", "/mortgages/"+testMortgageID+"/visibility", `{"visible":false}`)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if got {
			t.Error("expected visible=false to reach the service")
		}
	})

	t.Run("returns 400 when visible is missing", func(t *testing.T) {
		r := setupListingRouter(NewListingHandler(&mockListingService{}), testAdmin)

		rec := doRequest(r, "PUT", "/mortgages/"+testMortgageID+"/visibility", `{}`)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		assertErrorCode(t, parseJSON(t, rec), "INVALID_INPUT")
	})
}
