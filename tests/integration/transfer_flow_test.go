package integration

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"testing"

	"captable/internal/auth"
	"captable/internal/ledger"
	"captable/internal/models"
)

func assertPercent(t *testing.T, got, want float64, who string) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("expected %s to hold %.6f%%, got %.6f%%", who, want, got)
	}
}

func TestTransferFlow_ApproveAndSync(t *testing.T) {
	app := setupApp(t)
	broker := newCaller(t, auth.RoleBroker)
	admin := newCaller(t, auth.RoleAdmin)
	investor := newCaller(t, auth.RoleInvestor)

	mortgageID := app.onboardListedMortgage(t, broker)

	transfer := app.createTransfer(t, broker, mortgageID, "institution", investor.ID, 25)
	transferID := transfer["id"].(string)
	if transfer["status"] != string(models.TransferPendingApproval) {
		t.Fatalf("expected pending_approval, got %v", transfer["status"])
	}

	// Nothing moves until a checker approves
	table := app.ownershipTable(t, mortgageID, investor)
	if len(table) != 1 {
		t.Fatalf("expected only the institution before approval, got %v", table)
	}
	assertPercent(t, table["institution"], 100, "institution")

	rec := app.request("POST", "/api/v1/transfers/"+transferID+"/approve", "", admin.Token)
	expectStatus(t, rec, http.StatusOK)
	if status := parseJSON(t, rec)["transfer"].(map[string]interface{})["status"]; status != string(models.TransferApproved) {
		t.Fatalf("expected approved, got %v", status)
	}

	table = app.ownershipTable(t, mortgageID, investor)
	assertPercent(t, table["institution"], 75, "institution")
	assertPercent(t, table[investor.ID], 25, "investor")

	rec = app.request("GET", "/api/v1/mortgages/"+mortgageID+"/ownership/"+investor.ID, "", investor.Token)
	expectStatus(t, rec, http.StatusOK)
	assertPercent(t, parseJSON(t, rec)["percentage"].(float64), 25, "investor")

	// The outbox posts the issuance and the transfer
	summary := app.runJob(t, "POST", "/api/v1/jobs/outbox/drain")
	if summary["completed"] != float64(2) || summary["pending"] != float64(0) {
		t.Fatalf("unexpected drain summary: %v", summary)
	}
	postings := app.Ledger.recorded()
	if len(postings) != 2 || postings[1] != models.TransferReferencePrefix+transferID {
		t.Errorf("unexpected ledger postings: %v", postings)
	}

	rec = app.request("GET", "/api/v1/transfers/"+transferID, "", investor.Token)
	expectStatus(t, rec, http.StatusOK)
	completed := parseJSON(t, rec)["transfer"].(map[string]interface{})
	if completed["status"] != string(models.TransferCompleted) {
		t.Errorf("expected completed, got %v", completed["status"])
	}
	if completed["ledger_transaction_id"] != "txn-2" {
		t.Errorf("expected ledger transaction txn-2, got %v", completed["ledger_transaction_id"])
	}

	// Completion releases the negotiation lock
	rec = app.request("GET", "/api/v1/mortgages/"+mortgageID+"/listing", "", broker.Token)
	expectStatus(t, rec, http.StatusOK)
	if parseJSON(t, rec)["listing"].(map[string]interface{})["locked"] != false {
		t.Error("expected listing to be unlocked after completion")
	}

	rec = app.request("GET", "/api/v1/mortgages/"+mortgageID+"/ownership/total", "", broker.Token)
	expectStatus(t, rec, http.StatusOK)
	total := parseJSON(t, rec)
	assertPercent(t, total["total"].(float64), 100, "mortgage total")
	if total["valid"] != true {
		t.Errorf("expected valid total, got %v", total)
	}

	verify := app.runJob(t, "GET", "/api/v1/jobs/ownership/verify")
	if verify["valid"] != true {
		t.Errorf("expected a consistent store, got %v", verify)
	}
}

func TestTransferFlow_InvestorToInvestor(t *testing.T) {
	app := setupApp(t)
	broker := newCaller(t, auth.RoleBroker)
	admin := newCaller(t, auth.RoleAdmin)
	seller := newCaller(t, auth.RoleInvestor)
	buyer := newCaller(t, auth.RoleInvestor)

	mortgageID := app.onboardListedMortgage(t, broker)

	first := app.createTransfer(t, broker, mortgageID, "institution", seller.ID, 40)
	expectStatus(t, app.request("POST", "/api/v1/transfers/"+first["id"].(string)+"/approve", "", admin.Token), http.StatusOK)

	// The seller negotiates the resale under their own lock
	expectStatus(t, app.request("DELETE", "/api/v1/mortgages/"+mortgageID+"/lock", "", broker.Token), http.StatusOK)
	expectStatus(t, app.request("POST", "/api/v1/mortgages/"+mortgageID+"/lock", "", seller.Token), http.StatusOK)

	rec := app.request("POST", "/api/v1/transfers",
		fmt.Sprintf(`{"mortgage_id":%q,"from_owner_id":%q,"to_owner_id":%q,"percentage":50}`, mortgageID, seller.ID, buyer.ID),
		seller.Token)
	expectStatus(t, rec, http.StatusConflict)
	expectErrorCode(t, rec, "INSUFFICIENT_OWNERSHIP")

	second := app.createTransfer(t, seller, mortgageID, seller.ID, buyer.ID, 40)
	expectStatus(t, app.request("POST", "/api/v1/transfers/"+second["id"].(string)+"/approve", "", admin.Token), http.StatusOK)

	table := app.ownershipTable(t, mortgageID, buyer)
	if _, ok := table[seller.ID]; ok {
		t.Errorf("expected the seller's record to be removed at zero, got %v", table)
	}
	assertPercent(t, table[buyer.ID], 40, "buyer")
	assertPercent(t, table["institution"], 60, "institution")

	// The buyer sees their transfer but not the seller's original purchase
	rec = app.request("GET", "/api/v1/mortgages/"+mortgageID+"/transfers", "", buyer.Token)
	expectStatus(t, rec, http.StatusOK)
	if total := parseJSON(t, rec)["total_items"]; total != float64(1) {
		t.Errorf("expected buyer to see 1 transfer, got %v", total)
	}
	rec = app.request("GET", "/api/v1/transfers/"+first["id"].(string), "", buyer.Token)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestTransferFlow_FourEyes(t *testing.T) {
	app := setupApp(t)
	broker := newCaller(t, auth.RoleBroker)
	admin := newCaller(t, auth.RoleAdmin)
	otherAdmin := newCaller(t, auth.RoleAdmin)
	investor := newCaller(t, auth.RoleInvestor)

	mortgageID := app.onboardListedMortgage(t, broker)

	// Admins may propose without holding the lock, but not approve their own proposal
	transfer := app.createTransfer(t, admin, mortgageID, "institution", investor.ID, 10)
	transferID := transfer["id"].(string)

	rec := app.request("POST", "/api/v1/transfers/"+transferID+"/approve", "", admin.Token)
	expectStatus(t, rec, http.StatusForbidden)
	expectErrorCode(t, rec, "FOUR_EYES_VIOLATION")

	rec = app.request("POST", "/api/v1/transfers/"+transferID+"/approve", "", investor.Token)
	expectStatus(t, rec, http.StatusForbidden)

	expectStatus(t, app.request("POST", "/api/v1/transfers/"+transferID+"/approve", "", otherAdmin.Token), http.StatusOK)

	rec = app.request("POST", "/api/v1/transfers/"+transferID+"/approve", "", otherAdmin.Token)
	expectStatus(t, rec, http.StatusConflict)
	expectErrorCode(t, rec, "INVALID_TRANSFER_STATE")
}

func TestTransferFlow_RequiresListingLock(t *testing.T) {
	app := setupApp(t)
	broker := newCaller(t, auth.RoleBroker)
	otherBroker := newCaller(t, auth.RoleBroker)
	investor := newCaller(t, auth.RoleInvestor)

	mortgageID := app.onboardListedMortgage(t, broker)
	body := fmt.Sprintf(`{"mortgage_id":%q,"from_owner_id":"institution","to_owner_id":%q,"percentage":5}`, mortgageID, investor.ID)

	rec := app.request("POST", "/api/v1/transfers", body, otherBroker.Token)
	expectStatus(t, rec, http.StatusForbidden)
	expectErrorCode(t, rec, "LISTING_LOCK_UNAUTHORIZED")

	rec = app.request("POST", "/api/v1/mortgages/"+mortgageID+"/lock", "", otherBroker.Token)
	expectStatus(t, rec, http.StatusConflict)
	expectErrorCode(t, rec, "ALREADY_LOCKED")

	expectStatus(t, app.request("DELETE", "/api/v1/mortgages/"+mortgageID+"/lock", "", broker.Token), http.StatusOK)

	rec = app.request("POST", "/api/v1/transfers", body, broker.Token)
	expectStatus(t, rec, http.StatusConflict)
	expectErrorCode(t, rec, "LISTING_NOT_LOCKED")
}

func TestTransferFlow_RejectionEscalates(t *testing.T) {
	app := setupApp(t)
	broker := newCaller(t, auth.RoleBroker)
	admin := newCaller(t, auth.RoleAdmin)
	investor := newCaller(t, auth.RoleInvestor)

	mortgageID := app.onboardListedMortgage(t, broker)
	transfer := app.createTransfer(t, broker, mortgageID, "institution", investor.ID, 30)
	firstID := transfer["id"].(string)

	rec := app.request("POST", "/api/v1/transfers/"+firstID+"/reject", `{}`, admin.Token)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = app.request("POST", "/api/v1/transfers/"+firstID+"/reject", `{"reason":"valuation out of date"}`, admin.Token)
	expectStatus(t, rec, http.StatusOK)
	rejected := parseJSON(t, rec)["transfer"].(map[string]interface{})
	if rejected["status"] != string(models.TransferRejected) || rejected["rejection_reason"] != "valuation out of date" {
		t.Fatalf("unexpected rejected transfer: %v", rejected)
	}

	// A plain rejection keeps the lock, so the maker can resubmit
	rec = app.request("POST", "/api/v1/transfers/"+firstID+"/resubmit", `{"percentage":20}`, broker.Token)
	expectStatus(t, rec, http.StatusCreated)
	resubmitted := parseJSON(t, rec)["transfer"].(map[string]interface{})
	if resubmitted["previous_transfer_id"] != firstID || resubmitted["percentage"] != float64(20) {
		t.Fatalf("unexpected resubmitted transfer: %v", resubmitted)
	}
	secondID := resubmitted["id"].(string)

	rec = app.request("POST", "/api/v1/transfers/"+secondID+"/reject", `{"reason":"still out of date"}`, admin.Token)
	expectStatus(t, rec, http.StatusOK)
	if status := parseJSON(t, rec)["transfer"].(map[string]interface{})["status"]; status != string(models.TransferManualResolutionRequired) {
		t.Fatalf("expected escalation on the second rejection, got %v", status)
	}

	rec = app.request("GET", "/api/v1/mortgages/"+mortgageID+"/listing", "", broker.Token)
	if parseJSON(t, rec)["listing"].(map[string]interface{})["locked"] != false {
		t.Error("expected escalation to release the listing")
	}

	rec = app.request("POST", "/api/v1/transfers/"+secondID+"/resubmit", "", broker.Token)
	expectStatus(t, rec, http.StatusConflict)
	expectErrorCode(t, rec, "MANUAL_RESOLUTION_REQUIRED")

	expectStatus(t, app.request("POST", "/api/v1/mortgages/"+mortgageID+"/lock", "", broker.Token), http.StatusOK)
	rec = app.request("POST", "/api/v1/transfers",
		fmt.Sprintf(`{"mortgage_id":%q,"from_owner_id":"institution","to_owner_id":%q,"percentage":30}`, mortgageID, investor.ID),
		broker.Token)
	expectStatus(t, rec, http.StatusConflict)
	expectErrorCode(t, rec, "MANUAL_RESOLUTION_REQUIRED")

	table := app.ownershipTable(t, mortgageID, broker)
	assertPercent(t, table["institution"], 100, "institution")

	rec = app.request("GET", "/api/v1/mortgages/"+mortgageID+"/transfers?status=manual_resolution_required", "", admin.Token)
	expectStatus(t, rec, http.StatusOK)
	if total := parseJSON(t, rec)["total_items"]; total != float64(1) {
		t.Errorf("expected 1 escalated transfer, got %v", total)
	}
}

func TestTransferFlow_LedgerFailureEscalates(t *testing.T) {
	app := setupApp(t)
	broker := newCaller(t, auth.RoleBroker)
	admin := newCaller(t, auth.RoleAdmin)
	investor := newCaller(t, auth.RoleInvestor)

	mortgageID := app.onboardListedMortgage(t, broker)
	transfer := app.createTransfer(t, broker, mortgageID, "institution", investor.ID, 15)
	transferID := transfer["id"].(string)
	expectStatus(t, app.request("POST", "/api/v1/transfers/"+transferID+"/approve", "", admin.Token), http.StatusOK)

	app.Ledger.fail(&ledger.Error{Status: http.StatusServiceUnavailable, Body: "ledger down"})

	for i := 0; i < 4; i++ {
		rec := app.request("POST", "/api/v1/transfers/"+transferID+"/retry-sync", "", admin.Token)
		expectStatus(t, rec, http.StatusBadGateway)
		expectErrorCode(t, rec, "LEDGER_SYNC_FAILED")
	}

	rec := app.request("GET", "/api/v1/transfers/"+transferID, "", admin.Token)
	stuck := parseJSON(t, rec)["transfer"].(map[string]interface{})
	if stuck["status"] != string(models.TransferApproved) {
		t.Errorf("expected the transfer to stay approved, got %v", stuck["status"])
	}
	if stuck["attempt_count"] != float64(4) || stuck["escalated_at"] == nil {
		t.Errorf("expected 4 attempts and an escalation, got %v", stuck)
	}

	// The approved ownership change is never rolled back
	assertPercent(t, app.ownershipTable(t, mortgageID, admin)[investor.ID], 15, "investor")

	rec = app.request("GET", "/api/v1/audit-events?entity_type=transfer&entity_id="+transferID+"&event_type=LEDGER_SYNC_FAILED", "", admin.Token)
	expectStatus(t, rec, http.StatusOK)
	if total := parseJSON(t, rec)["total_items"]; total != float64(4) {
		t.Errorf("expected 4 LEDGER_SYNC_FAILED events, got %v", total)
	}
	rec = app.request("GET", "/api/v1/audit-events?entity_id="+transferID+"&event_type=MANUAL_RESOLUTION_REQUIRED", "", admin.Token)
	if total := parseJSON(t, rec)["total_items"]; total != float64(1) {
		t.Errorf("expected a single escalation event, got %v", total)
	}

	app.Ledger.fail(nil)
	rec = app.request("POST", "/api/v1/transfers/"+transferID+"/retry-sync", "", admin.Token)
	expectStatus(t, rec, http.StatusOK)
	if status := parseJSON(t, rec)["transfer"].(map[string]interface{})["status"]; status != string(models.TransferCompleted) {
		t.Errorf("expected completed after recovery, got %v", status)
	}
}

func TestTransferFlow_LedgerFailureDoesNotBlockDrain(t *testing.T) {
	app := setupApp(t)
	broker := newCaller(t, auth.RoleBroker)

	app.onboardListedMortgage(t, broker)
	app.onboardListedMortgage(t, broker)

	app.Ledger.fail(errors.New("connection refused"))
	summary := app.runJob(t, "POST", "/api/v1/jobs/outbox/drain")
	if summary["leased"] != float64(2) || summary["failed"] != float64(2) || summary["pending"] != float64(2) {
		t.Fatalf("unexpected drain summary: %v", summary)
	}

	// Failed tasks back off, so an immediate second sweep finds nothing due
	summary = app.runJob(t, "POST", "/api/v1/jobs/outbox/drain")
	if summary["leased"] != float64(0) {
		t.Errorf("expected failed tasks to back off, got %v", summary)
	}
}
