package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/auctionhouse/internal/domain"
)

func TestHTTPProcessorCharge(t *testing.T) {
	userID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/charges", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req processorRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, userID, req.UserID)
		assert.Equal(t, "250", req.Amount)

		json.NewEncoder(w).Encode(processorResponse{Reference: "ch_123"})
	}))
	defer srv.Close()

	p := NewHTTPProcessor(srv.URL, "test-key", 5*time.Second)
	ref, err := p.Charge(context.Background(), userID, decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.Equal(t, "ch_123", ref)
}

func TestHTTPProcessorPayoutPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(processorResponse{Reference: "po_9"})
	}))
	defer srv.Close()

	p := NewHTTPProcessor(srv.URL, "k", 5*time.Second)
	_, err := p.Payout(context.Background(), uuid.New(), decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, "/v1/payouts", gotPath)
}

func TestHTTPProcessorDecline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(processorResponse{Error: "insufficient funds"})
	}))
	defer srv.Close()

	p := NewHTTPProcessor(srv.URL, "k", 5*time.Second)
	_, err := p.Charge(context.Background(), uuid.New(), decimal.NewFromInt(10))
	assert.ErrorIs(t, err, domain.ErrExternalService)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestHTTPProcessorUnreachable(t *testing.T) {
	p := NewHTTPProcessor("http://127.0.0.1:1", "k", time.Second)
	_, err := p.Charge(context.Background(), uuid.New(), decimal.NewFromInt(10))
	assert.Error(t, err)
}
