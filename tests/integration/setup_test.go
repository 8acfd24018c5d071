package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"captable/internal/auth"
	"captable/internal/config"
	"captable/internal/eventsink"
	"captable/internal/ledger"
	"captable/internal/logger"
	"captable/internal/middleware"
	"captable/internal/models"
	"captable/internal/server"
	"captable/internal/testutil"
	"captable/internal/uuid"
	"captable/internal/validator"
)

const (
	testJWTSecret = "integration-secret"
	testAPIKey    = "integration-scheduler-key"
)

// testApp holds the full application stack for integration tests.
type testApp struct {
	DB     *gorm.DB
	App    *server.App
	Router *gin.Engine
	Ledger *fakeLedger
}

func init() {
	gin.SetMode(gin.TestMode)
	logger.Init("test")
	validator.Register()
}

// fakeLedger records postings and can be told to fail.
type fakeLedger struct {
	mu        sync.Mutex
	failWith  error
	postings  []string
	nextTxnID int
}

func (f *fakeLedger) record(reference string) (ledger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return ledger.Result{}, f.failWith
	}
	for _, p := range f.postings {
		if p == reference {
			return ledger.Result{Status: http.StatusConflict, Duplicate: true}, nil
		}
	}
	f.postings = append(f.postings, reference)
	f.nextTxnID++
	return ledger.Result{Status: http.StatusCreated, TransactionID: fmt.Sprintf("txn-%d", f.nextTxnID)}, nil
}

func (f *fakeLedger) RecordOwnershipTransfer(_ context.Context, reference, _ string, _, _ models.OwnerRef, _ float64) (ledger.Result, error) {
	return f.record(reference)
}

func (f *fakeLedger) InitializeMortgageOwnership(_ context.Context, mortgageID string) (ledger.Result, error) {
	return f.record(ledger.InitializationReference(mortgageID))
}

func (f *fakeLedger) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *fakeLedger) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.postings...)
}

// setupApp creates a full application stack backed by an isolated in-memory SQLite.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	return setupAppWithDB(t, testutil.SetupTestDB(t))
}

func setupAppWithDB(t *testing.T, db *gorm.DB) *testApp {
	t.Helper()

	cfg := &config.Config{
		JWTSecret:                        testJWTSecret,
		SchedulerAPIKey:                  testAPIKey,
		TransferRejectionLimit:           2,
		TransferRequireFourEyes:          true,
		LedgerFailureEscalationThreshold: 3,
		OutboxBatchSize:                  20,
		AuditEmitBatchSize:               100,
		AuditPruneBatch:                  1000,
	}
	fake := &fakeLedger{}
	app := server.NewApp(db, fake, eventsink.NewLogSink(), cfg)
	router := server.NewRouter(app.Handlers, server.Options{
		JWTSecret:       cfg.JWTSecret,
		SchedulerAPIKey: cfg.SchedulerAPIKey,
		EnableMetrics:   true,
	})

	return &testApp{DB: db, App: app, Router: router, Ledger: fake}
}

// request makes an HTTP request to the test router and returns the recorder.
func (app *testApp) request(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	return rec
}

// runJob calls a scheduler endpoint with the API key.
func (app *testApp) runJob(t *testing.T, method, path string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s %s: expected 200, got %d: %s", method, path, rec.Code, rec.Body.String())
	}
	return parseJSON(t, rec)
}

// parseJSON parses the response body into a map.
func parseJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, rec.Body.String())
	}
	return result
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func expectErrorCode(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()
	errObj, ok := parseJSON(t, rec)["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error object, got %s", rec.Body.String())
	}
	if errObj["code"] != want {
		t.Errorf("expected error code %s, got %v", want, errObj["code"])
	}
}

// caller is an authenticated principal with a signed token.
type caller struct {
	ID    string
	Token string
}

func newCaller(t *testing.T, role auth.Role) caller {
	t.Helper()
	id := uuid.New()
	token, err := middleware.GenerateAccessToken(testJWTSecret, id, role, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return caller{ID: id, Token: token}
}

// onboardListedMortgage onboards a mortgage as broker, makes it visible and
// locks it for the broker. It returns the mortgage ID.
func (app *testApp) onboardListedMortgage(t *testing.T, broker caller) string {
	t.Helper()

	rec := app.request("POST", "/api/v1/mortgages", `{"label":"12 Harbour Road"}`, broker.Token)
	expectStatus(t, rec, http.StatusCreated)
	mortgageID := parseJSON(t, rec)["mortgage"].(map[string]interface{})["id"].(string)

	rec = app.request("PUT", "/api/v1/mortgages/"+mortgageID+"/visibility", `{"visible":true}`, broker.Token)
	expectStatus(t, rec, http.StatusOK)

	rec = app.request("POST", "/api/v1/mortgages/"+mortgageID+"/lock", "", broker.Token)
	expectStatus(t, rec, http.StatusOK)

	return mortgageID
}

// createTransfer proposes a transfer and returns its JSON.
func (app *testApp) createTransfer(t *testing.T, maker caller, mortgageID, from, to string, percentage float64) map[string]interface{} {
	t.Helper()
	body := fmt.Sprintf(`{"mortgage_id":%q,"from_owner_id":%q,"to_owner_id":%q,"percentage":%g}`,
		mortgageID, from, to, percentage)
	rec := app.request("POST", "/api/v1/transfers", body, maker.Token)
	expectStatus(t, rec, http.StatusCreated)
	return parseJSON(t, rec)["transfer"].(map[string]interface{})
}

// ownershipTable returns owner -> percentage for a mortgage.
func (app *testApp) ownershipTable(t *testing.T, mortgageID string, viewer caller) map[string]float64 {
	t.Helper()
	rec := app.request("GET", "/api/v1/mortgages/"+mortgageID+"/ownership", "", viewer.Token)
	expectStatus(t, rec, http.StatusOK)

	table := map[string]float64{}
	for _, raw := range parseJSON(t, rec)["ownership"].([]interface{}) {
		row := raw.(map[string]interface{})
		table[row["owner_id"].(string)] = row["percentage"].(float64)
	}
	return table
}
