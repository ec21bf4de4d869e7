package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/auctionhouse/internal/domain"
)

// HTTPProcessor talks to the fiat gateway's REST API.
type HTTPProcessor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProcessor(baseURL, apiKey string, timeout time.Duration) *HTTPProcessor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProcessor{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type processorRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Amount string    `json:"amount"`
}

type processorResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error,omitempty"`
}

func (p *HTTPProcessor) Charge(ctx context.Context, userID uuid.UUID, fiatAmount decimal.Decimal) (string, error) {
	return p.post(ctx, "/v1/charges", userID, fiatAmount)
}

func (p *HTTPProcessor) Payout(ctx context.Context, userID uuid.UUID, fiatAmount decimal.Decimal) (string, error) {
	return p.post(ctx, "/v1/payouts", userID, fiatAmount)
}

func (p *HTTPProcessor) post(ctx context.Context, path string, userID uuid.UUID, amount decimal.Decimal) (string, error) {
	body, err := json.Marshal(processorRequest{UserID: userID, Amount: amount.String()})
	if err != nil {
		return "", fmt.Errorf("failed to encode processor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build processor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("processor request failed: %w", err)
	}
	defer resp.Body.Close()

	var out processorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode processor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("processor returned %d (%s): %w", resp.StatusCode, out.Error, domain.ErrExternalService)
	}
	return out.Reference, nil
}
