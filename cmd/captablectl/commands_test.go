package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gorm.io/gorm"

	"captable/internal/config"
	"captable/internal/eventsink"
	"captable/internal/ledger"
	"captable/internal/ledger/mocks"
	"captable/internal/middleware"
	"captable/internal/models"
	"captable/internal/server"
	"captable/internal/testutil"
)

var testConfig = &config.Config{
	JWTSecret:          "cli-test-secret",
	OutboxBatchSize:    20,
	AuditEmitBatchSize: 100,
	AuditPruneBatch:    1000,
}

// useTestApp points the commands at a sqlite-backed service graph.
func useTestApp(t *testing.T, client ledger.Client) (*gorm.DB, *server.App) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.TeardownTestDB(t, db) })

	app := server.NewApp(db, client, eventsink.NewLogSink(), testConfig)
	prev := loadApp
	loadApp = func(context.Context) (*server.App, *config.Config, func(), error) {
		return app, testConfig, func() {}, nil
	}
	t.Cleanup(func() { loadApp = prev })
	return db, app
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOwnershipCommands(t *testing.T) {
	db, _ := useTestApp(t, mocks.NewMockClient(gomock.NewController(t)))
	mortgage := testutil.CreateTestMortgage(t, db)
	investor := testutil.Investor()
	testutil.CreateTestOwnership(t, db, mortgage.ID, models.Investor(investor.ID), 25)

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "ownership", "table", mortgage.ID)
		require.NoError(t, err)
		assert.Contains(t, out, "OWNER")
		assert.Contains(t, out, "institution")
		assert.Contains(t, out, "75.000000")
		assert.Contains(t, out, investor.ID)
	})

	t.Run("table as json", func(t *testing.T) {
		out, err := execute(t, "ownership", "table", mortgage.ID, "--json")
		require.NoError(t, err)

		var records []models.OwnershipRecord
		require.NoError(t, json.Unmarshal([]byte(out), &records))
		assert.Len(t, records, 2)
	})

	t.Run("total", func(t *testing.T) {
		out, err := execute(t, "ownership", "total", mortgage.ID)
		require.NoError(t, err)
		assert.Contains(t, out, "100.000000 valid=true")
	})

	t.Run("rejects a malformed mortgage id", func(t *testing.T) {
		_, err := execute(t, "ownership", "total", "not-a-uuid")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid mortgage id")
	})

	t.Run("verify passes on a consistent store", func(t *testing.T) {
		out, err := execute(t, "ownership", "verify")
		require.NoError(t, err)
		assert.Contains(t, out, "all mortgages sum to 100%")
	})

	t.Run("verify fails when a mortgage is broken", func(t *testing.T) {
		require.NoError(t, db.Model(&models.OwnershipRecord{}).
			Where("mortgage_id = ? AND owner_id = ?", mortgage.ID, models.Institution()).
			Update("percentage", 70).Error)

		out, err := execute(t, "ownership", "verify")
		require.Error(t, err)
		assert.Contains(t, out, mortgage.ID)
		assert.Contains(t, err.Error(), "1 mortgages do not sum to 100%")
	})
}

func TestLedgerDrainCommand(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	_, app := useTestApp(t, client)

	onboarding, err := app.Ownership.OnboardMortgage(context.Background(), "Elm Street", testutil.Broker())
	require.NoError(t, err)

	client.EXPECT().
		InitializeMortgageOwnership(gomock.Any(), onboarding.Mortgage.ID).
		Return(ledger.Result{Status: 201, TransactionID: "tx-1"}, nil)

	out, err := execute(t, "ledger", "drain")
	require.NoError(t, err)
	assert.Contains(t, out, "leased=1 completed=1 failed=0 pending=0")

	out, err = execute(t, "ledger", "drain", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"leased":0,"completed":0,"failed":0,"pending":0}`, out)
}

func TestAuditCommands(t *testing.T) {
	_, app := useTestApp(t, mocks.NewMockClient(gomock.NewController(t)))

	_, err := app.Ownership.OnboardMortgage(context.Background(), "Oak Avenue", testutil.Admin())
	require.NoError(t, err)

	out, err := execute(t, "audit", "emit", "--batch-size", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "attempted=1 emitted=1 failed=0")

	out, err = execute(t, "audit", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned=0")
}

func TestTokenCommand(t *testing.T) {
	t.Run("signs a token for the requested role", func(t *testing.T) {
		out, err := execute(t, "token", "--subject", "ops-1", "--role", "admin", "--secret", "s3cret", "--json")
		require.NoError(t, err)

		var result map[string]string
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, "ops-1", result["subject"])
		assert.Equal(t, "admin", result["role"])

		claims := &middleware.JWTClaims{}
		_, err = jwt.ParseWithClaims(result["token"], claims, func(*jwt.Token) (interface{}, error) {
			return []byte("s3cret"), nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ops-1", claims.Subject)
		assert.Equal(t, "admin", claims.Role)
	})

	t.Run("rejects an unknown role", func(t *testing.T) {
		_, err := execute(t, "token", "--role", "root", "--secret", "s3cret")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown role")
	})

	t.Run("prints a bare token by default", func(t *testing.T) {
		out, err := execute(t, "token", "--secret", "s3cret")
		require.NoError(t, err)
		assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)
	})
}
