// Package ledger provides an HTTP client for the external double-entry
// ledger that is the system of record for share movements.
package ledger

//go:generate mockgen -source=client.go -destination=mocks/mock_client.go -package=mocks Client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"captable/internal/metrics"
	"captable/internal/models"
)

const tracerName = "captable/internal/ledger"

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 2048

// Result describes an accepted ledger posting. Duplicate is set when the
// ledger reported the reference as already recorded, which counts as success.
type Result struct {
	Status        int    `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	Duplicate     bool   `json:"duplicate"`
}

// Error is returned for a non-2xx response that is not a duplicate.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger: unexpected status %d: %s", e.Status, e.Body)
}

// Client posts ownership movements to the external ledger. Every call is
// idempotent on its reference.
type Client interface {
	RecordOwnershipTransfer(ctx context.Context, reference, mortgageID string, from, to models.OwnerRef, percentage float64) (Result, error)
	InitializeMortgageOwnership(ctx context.Context, mortgageID string) (Result, error)
}

// HTTPClient talks to the ledger's REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewHTTPClient creates a ledger client. The http.Client carries the timeout.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		tracer:     otel.Tracer(tracerName),
	}
}

type transactionRequest struct {
	Reference string            `json:"reference"`
	Postings  []Posting         `json:"postings"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RecordOwnershipTransfer posts the movement of percentage from one owner to another.
func (c *HTTPClient) RecordOwnershipTransfer(
	ctx context.Context,
	reference, mortgageID string,
	from, to models.OwnerRef,
	percentage float64,
) (Result, error) {
	return c.post(ctx, string(models.LedgerSyncOwnershipTransfer), transactionRequest{
		Reference: reference,
		Postings:  TransferPostings(mortgageID, from, to, percentage),
		Metadata: map[string]string{
			"mortgage_id": mortgageID,
			"from_owner":  from.String(),
			"to_owner":    to.String(),
			"percentage":  strconv.FormatFloat(percentage, 'f', -1, 64),
		},
	})
}

// InitializeMortgageOwnership mints the mortgage's share supply to the institution.
func (c *HTTPClient) InitializeMortgageOwnership(ctx context.Context, mortgageID string) (Result, error) {
	return c.post(ctx, string(models.LedgerSyncInitializeMortgage), transactionRequest{
		Reference: InitializationReference(mortgageID),
		Postings:  InitializationPostings(mortgageID),
		Metadata: map[string]string{
			"mortgage_id": mortgageID,
		},
	})
}

func (c *HTTPClient) post(ctx context.Context, kind string, body transactionRequest) (result Result, err error) {
	ctx, span := c.tracer.Start(ctx, "ledger.post_transaction",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ledger.kind", kind),
			attribute.String("ledger.reference", body.Reference),
		),
	)
	start := time.Now()
	defer func() {
		metrics.LedgerRequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		outcome := "success"
		switch {
		case err != nil:
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case result.Duplicate:
			outcome = "duplicate"
		}
		metrics.LedgerRequests.WithLabelValues(kind, outcome).Inc()
		span.End()
	}()

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling ledger transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(jsonBody))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("posting ledger transaction: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("reading ledger response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Status: resp.StatusCode, TransactionID: transactionID(raw)}, nil
	}
	if isDuplicate(resp.StatusCode, raw) {
		return Result{Status: resp.StatusCode, Duplicate: true}, nil
	}
	return Result{}, &Error{Status: resp.StatusCode, Body: truncate(string(raw), maxErrorBody)}
}

// isDuplicate reports whether a failed response means the reference was
// already recorded.
func isDuplicate(status int, body []byte) bool {
	if status == http.StatusConflict {
		return true
	}
	var payload struct {
		ErrorCode    string `json:"errorCode"`
		Code         string `json:"code"`
		ErrorMessage string `json:"errorMessage"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if strings.EqualFold(payload.ErrorCode, "CONFLICT") || strings.EqualFold(payload.Code, "CONFLICT") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(string(body)), "duplicate reference")
}

// transactionID extracts the ledger's transaction id from either a bare
// object or one wrapped in "data". Numeric and string ids are both accepted.
func transactionID(body []byte) string {
	var payload struct {
		ID   json.RawMessage `json:"id"`
		Data *struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	raw := payload.ID
	if payload.Data != nil && len(payload.Data.ID) > 0 {
		raw = payload.Data.ID
	}
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsClientError reports whether err is a 4xx rejection from the ledger,
// which a retry is unlikely to fix.
func IsClientError(err error) bool {
	var lerr *Error
	return errors.As(err, &lerr) && lerr.Status >= 400 && lerr.Status < 500
}
