package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captable/internal/models"
)

const (
	testMortgageID = "0190a5b2-7c1d-7e3f-8a9b-1c2d3e4f5a6b"
	testInvestorID = "0190a5b2-7c1d-7e3f-8a9b-aaaaaaaaaaaa"
)

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body transactionRequest)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body transactionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		handler(w, r, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRecordOwnershipTransfer_Success(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request, body transactionRequest) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transactions", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "transfer:abc", body.Reference)
		require.Len(t, body.Postings, 1)
		assert.Equal(t, Posting{
			Source:      "institution",
			Destination: "investor:" + testInvestorID,
			Amount:      25_500_000,
			Asset:       "MTG_0190A5B27C1D7E3F8A9B1C2D3E4F5A6B/6",
		}, body.Postings[0])
		assert.Equal(t, testMortgageID, body.Metadata["mortgage_id"])

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"id":42}}`))
	})

	c := NewHTTPClient(server.URL+"/", "test-token", server.Client())
	res, err := c.RecordOwnershipTransfer(context.Background(), "transfer:abc", testMortgageID,
		models.Institution(), models.Investor(testInvestorID), 25.5)
	require.NoError(t, err)
	assert.Equal(t, "42", res.TransactionID)
	assert.False(t, res.Duplicate)
}

func TestRecordOwnershipTransfer_DuplicateIsSuccess(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"409 status", http.StatusConflict, `{}`},
		{"conflict error code", http.StatusBadRequest, `{"errorCode":"CONFLICT","errorMessage":"reference exists"}`},
		{"duplicate reference message", http.StatusUnprocessableEntity, `{"message":"Duplicate reference transfer:abc"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ transactionRequest) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			c := NewHTTPClient(server.URL, "", server.Client())
			res, err := c.RecordOwnershipTransfer(context.Background(), "transfer:abc", testMortgageID,
				models.Investor(testInvestorID), models.Institution(), 10)
			require.NoError(t, err)
			assert.True(t, res.Duplicate)
			assert.Equal(t, tc.status, res.Status)
		})
	}
}

func TestRecordOwnershipTransfer_Failures(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ transactionRequest) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`boom`))
		})

		c := NewHTTPClient(server.URL, "", server.Client())
		_, err := c.RecordOwnershipTransfer(context.Background(), "transfer:abc", testMortgageID,
			models.Institution(), models.Investor(testInvestorID), 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected status 500")
		assert.False(t, IsClientError(err))
	})

	t.Run("client error", func(t *testing.T) {
		server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ transactionRequest) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errorCode":"INSUFFICIENT_FUND"}`))
		})

		c := NewHTTPClient(server.URL, "", server.Client())
		_, err := c.RecordOwnershipTransfer(context.Background(), "transfer:abc", testMortgageID,
			models.Institution(), models.Investor(testInvestorID), 1)
		require.Error(t, err)
		assert.True(t, IsClientError(err))
	})

	t.Run("timeout", func(t *testing.T) {
		server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ transactionRequest) {
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		})

		c := NewHTTPClient(server.URL, "", &http.Client{Timeout: 20 * time.Millisecond})
		_, err := c.RecordOwnershipTransfer(context.Background(), "transfer:abc", testMortgageID,
			models.Institution(), models.Investor(testInvestorID), 1)
		require.Error(t, err)
	})
}

func TestInitializeMortgageOwnership(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, body transactionRequest) {
		assert.Equal(t, "mortgage-init:"+testMortgageID, body.Reference)
		require.Len(t, body.Postings, 2)
		assert.Equal(t, "world", body.Postings[0].Source)
		assert.Equal(t, "mortgage:"+testMortgageID+":issuance", body.Postings[0].Destination)
		assert.Equal(t, body.Postings[0].Destination, body.Postings[1].Source)
		assert.Equal(t, "institution", body.Postings[1].Destination)
		assert.Equal(t, TotalUnits, body.Postings[1].Amount)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"tx-7"}`))
	})

	c := NewHTTPClient(server.URL, "", server.Client())
	res, err := c.InitializeMortgageOwnership(context.Background(), testMortgageID)
	require.NoError(t, err)
	assert.Equal(t, "tx-7", res.TransactionID)
}

func TestUnitsFor(t *testing.T) {
	assert.Equal(t, TotalUnits, UnitsFor(100))
	assert.Equal(t, int64(33_330_000), UnitsFor(33.33))
	assert.Equal(t, int64(4_000), UnitsFor(0.004))
	assert.Equal(t, int64(12_345_678), UnitsFor(12.345678))
	assert.Equal(t, int64(1), UnitsFor(0.000001))
}

func TestUnitsFor_RoundTripsStoredPercentages(t *testing.T) {
	tests := []float64{100, 99.999999, 50, 33.333333, 12.345678, 0.01, 0.004, 0.000001}

	for _, pct := range tests {
		units := UnitsFor(pct)
		assert.Positive(t, units, "percentage %v", pct)
		assert.InDelta(t, pct, PercentageFor(units), 1e-9, "percentage %v", pct)
		assert.Equal(t, units, UnitsFor(PercentageFor(units)), "percentage %v", pct)
	}
}

func TestTransferPostings_PreservesSubBasisPointAmounts(t *testing.T) {
	postings := TransferPostings(testMortgageID, models.Institution(), models.Investor(testInvestorID), 0.004)

	require.Len(t, postings, 1)
	assert.Equal(t, int64(4_000), postings[0].Amount)
	assert.True(t, strings.HasSuffix(postings[0].Asset, "/6"))
}
