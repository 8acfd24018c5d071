//go:build integration

package integration

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"captable/internal/auth"
	"captable/internal/database"
	"captable/internal/models"
)

// setupPostgresApp runs the SQL migrations against a throwaway Postgres and
// wires the application on top of it.
func setupPostgresApp(t *testing.T) *testApp {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("captable"),
		tcpostgres.WithUsername("captable"),
		tcpostgres.WithPassword("captable"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	manager, err := database.NewManager(&database.Config{
		Host:     host,
		Port:     port.Port(),
		User:     "captable",
		Password: "captable",
		DBName:   "captable",
		SSLMode:  "disable",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	require.NoError(t, manager.RunMigrations("../../migrations"))
	require.NoError(t, manager.RunMigrations("../../migrations"), "migrations are idempotent")

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, manager.Ping(pingCtx))

	return setupAppWithDB(t, manager.DB())
}

func TestPostgres_ApproveAndSync(t *testing.T) {
	app := setupPostgresApp(t)
	broker := newCaller(t, auth.RoleBroker)
	admin := newCaller(t, auth.RoleAdmin)
	investor := newCaller(t, auth.RoleInvestor)

	mortgageID := app.onboardListedMortgage(t, broker)
	transfer := app.createTransfer(t, broker, mortgageID, "institution", investor.ID, 12.345678)
	expectStatus(t, app.request("POST", "/api/v1/transfers/"+transfer["id"].(string)+"/approve", "", admin.Token), http.StatusOK)

	table := app.ownershipTable(t, mortgageID, investor)
	assertPercent(t, table[investor.ID], 12.345678, "investor")
	assertPercent(t, table["institution"], 87.654322, "institution")

	summary := app.runJob(t, "POST", "/api/v1/jobs/outbox/drain")
	assert.Equal(t, float64(2), summary["completed"])

	verify := app.runJob(t, "GET", "/api/v1/jobs/ownership/verify")
	assert.Equal(t, true, verify["valid"])
}

func TestPostgres_ConcurrentApprovalAppliesOnce(t *testing.T) {
	app := setupPostgresApp(t)
	broker := newCaller(t, auth.RoleBroker)
	investor := newCaller(t, auth.RoleInvestor)
	checkers := []caller{newCaller(t, auth.RoleAdmin), newCaller(t, auth.RoleAdmin), newCaller(t, auth.RoleAdmin)}

	mortgageID := app.onboardListedMortgage(t, broker)
	transfer := app.createTransfer(t, broker, mortgageID, "institution", investor.ID, 30)
	transferID := transfer["id"].(string)

	codes := make([]int, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, checker caller) {
			defer wg.Done()
			codes[i] = app.request("POST", "/api/v1/transfers/"+transferID+"/approve", "", checker.Token).Code
		}(i, checker)
	}
	wg.Wait()

	approved := 0
	for _, code := range codes {
		switch code {
		case http.StatusOK:
			approved++
		case http.StatusConflict:
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	assert.Equal(t, 1, approved, "exactly one checker approves")

	table := app.ownershipTable(t, mortgageID, investor)
	assertPercent(t, table[investor.ID], 30, "investor")
	assertPercent(t, table["institution"], 70, "institution")

	var tasks int64
	require.NoError(t, app.DB.Model(&models.LedgerSyncTask{}).
		Where("transfer_id = ?", transferID).Count(&tasks).Error)
	assert.Equal(t, int64(1), tasks, "one ledger posting is enqueued")
}

func TestPostgres_ConcurrentLockHasOneWinner(t *testing.T) {
	app := setupPostgresApp(t)
	owner := newCaller(t, auth.RoleBroker)

	rec := app.request("POST", "/api/v1/mortgages", `{"label":"Contended"}`, owner.Token)
	expectStatus(t, rec, http.StatusCreated)
	mortgageID := parseJSON(t, rec)["mortgage"].(map[string]interface{})["id"].(string)
	expectStatus(t, app.request("PUT", "/api/v1/mortgages/"+mortgageID+"/visibility", `{"visible":true}`, owner.Token), http.StatusOK)

	contenders := make([]caller, 8)
	for i := range contenders {
		contenders[i] = newCaller(t, auth.RoleInvestor)
	}

	codes := make([]int, len(contenders))
	var wg sync.WaitGroup
	for i, c := range contenders {
		wg.Add(1)
		go func(i int, c caller) {
			defer wg.Done()
			codes[i] = app.request("POST", "/api/v1/mortgages/"+mortgageID+"/lock", "", c.Token).Code
		}(i, c)
	}
	wg.Wait()

	winners := 0
	for _, code := range codes {
		if code == http.StatusOK {
			winners++
		} else {
			assert.Equal(t, http.StatusConflict, code)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestPostgres_CheckConstraints(t *testing.T) {
	app := setupPostgresApp(t)
	broker := newCaller(t, auth.RoleBroker)
	mortgageID := app.onboardListedMortgage(t, broker)

	err := app.DB.Exec("UPDATE ownership_records SET percentage = 101 WHERE mortgage_id = ?", mortgageID).Error
	assert.Error(t, err, "percentages above 100 are rejected by the schema")

	err = app.DB.Exec("UPDATE listings SET locked = false WHERE mortgage_id = ?", mortgageID).Error
	assert.Error(t, err, "an unlocked listing cannot keep a lock holder")
}
