package rail_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/rail"
	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

const (
	testKey    = "key-1"
	testSecret = "secret-1"
)

func newClient(t *testing.T, handler http.HandlerFunc) rail.IRail {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return rail.New(&config.AppConfig{
		Rail: config.RailConfig{
			BaseURL:     srv.URL,
			APIKey:      testKey,
			APISecret:   testSecret,
			CallTimeout: 2 * time.Second,
		},
	}, logger.New("test"))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestRequestsAreSigned(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		nonce := r.Header.Get("X-Nonce")

		assert.Equal(t, testKey, r.Header.Get("X-Api-Key"))
		assert.NotEmpty(t, nonce)
		assert.Equal(t, rail.Sign(testSecret, nonce, r.Method, r.URL.Path, body), r.Header.Get("X-Signature"))
		assert.Equal(t, "pay-1:redemption", r.Header.Get("Idempotency-Key"))

		writeJSON(w, http.StatusCreated, rail.Payout{ID: "po-1", Status: rail.PayoutPending, IdempotencyKey: "pay-1:redemption"})
	})

	payout, err := client.InitiatePayout(context.Background(), rail.PayoutRequest{
		Amount:         decimal.NewFromInt(8000),
		Currency:       "USD",
		Beneficiary:    "payee",
		BankAccount:    "DE001",
		Reference:      "pay-1",
		IdempotencyKey: "pay-1:redemption",
	})
	require.NoError(t, err)
	assert.Equal(t, "po-1", payout.ID)
	assert.Equal(t, rail.PayoutPending, payout.Status)
}

func TestInitiatePayout_DuplicateKeyReturnsExisting(t *testing.T) {
	var mu sync.Mutex
	posts := 0
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			mu.Lock()
			posts++
			mu.Unlock()
			writeJSON(w, http.StatusConflict, map[string]string{"code": "duplicate_payout", "message": "already exists"})
		case http.MethodGet:
			assert.Equal(t, "/v1/payouts/k-1", r.URL.Path)
			writeJSON(w, http.StatusOK, rail.Payout{ID: "po-1", Status: rail.PayoutProcessing, IdempotencyKey: "k-1"})
		}
	})

	payout, err := client.InitiatePayout(context.Background(), rail.PayoutRequest{
		Amount:         decimal.NewFromInt(10),
		IdempotencyKey: "k-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "po-1", payout.ID)
	assert.Equal(t, 1, posts)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   failure.Class
	}{
		{name: "server error is transient", status: http.StatusBadGateway, want: failure.ClassTransient},
		{name: "throttling is transient", status: http.StatusTooManyRequests, want: failure.ClassTransient},
		{name: "invalid account is permanent", status: http.StatusUnprocessableEntity, code: "invalid_account", want: failure.ClassPermanent},
		{name: "other client errors are permanent", status: http.StatusBadRequest, code: "bad_request", want: failure.ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{"code": tt.code, "message": "nope"})
			})

			_, err := client.InitiatePayout(context.Background(), rail.PayoutRequest{IdempotencyKey: "k"})
			require.Error(t, err)
			assert.Equal(t, tt.want, failure.Classify(err))

			var apiErr *rail.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestGetDeposit(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/deposits/pay-1" {
			writeJSON(w, http.StatusOK, rail.Deposit{ID: "dep-1", Reference: "pay-1", Amount: decimal.NewFromInt(10000), Status: rail.DepositConfirmed})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found"})
	})

	deposit, err := client.GetDeposit(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "dep-1", deposit.ID)
	assert.True(t, deposit.Amount.Equal(decimal.NewFromInt(10000)))

	_, err = client.GetDeposit(context.Background(), "pay-2")
	assert.ErrorIs(t, err, rail.ErrNotFound)
}

func TestTransportFailureIsTransient(t *testing.T) {
	client := rail.New(&config.AppConfig{
		Rail: config.RailConfig{BaseURL: "http://127.0.0.1:1", CallTimeout: 200 * time.Millisecond},
	}, logger.New("test"))

	_, err := client.GetBalance(context.Background(), "USDC")
	require.Error(t, err)
	assert.Equal(t, failure.ClassTransient, failure.Classify(err))
}
