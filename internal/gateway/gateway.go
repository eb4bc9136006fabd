package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Gateway is the payment-rails port. The engine never moves money itself;
// it instructs the gateway and rolls the ledger back if the instruction
// fails. Release and Refund must be idempotent on the gateway side keyed by
// (transaction, phase).
type Gateway interface {
	// Release pays out one milestone's amount to the payee.
	Release(ctx context.Context, txID string, phase int, payeeID string, amount int64, currency string) error
	// Refund returns the still-held remainder to the payer.
	Refund(ctx context.Context, txID string, payerID string, amount int64, currency string) error
}

type httpConfig struct {
	BaseURL string
	APIKey  string
}

// HTTPGateway calls the external payment-gateway adapter over REST.
type HTTPGateway struct {
	cfg    httpConfig
	client *http.Client
}

// NewHTTPGatewayFromEnv reads PAYMENT_GATEWAY_URL and PAYMENT_GATEWAY_KEY.
func NewHTTPGatewayFromEnv() (*HTTPGateway, error) {
	cfg := httpConfig{
		BaseURL: os.Getenv("PAYMENT_GATEWAY_URL"),
		APIKey:  os.Getenv("PAYMENT_GATEWAY_KEY"),
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("payment gateway not configured: set PAYMENT_GATEWAY_URL")
	}
	return &HTTPGateway{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}, nil
}

type transferBody struct {
	TransactionID string `json:"transaction_id"`
	Phase         int    `json:"phase,omitempty"`
	AccountID     string `json:"account_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

func (g *HTTPGateway) Release(ctx context.Context, txID string, phase int, payeeID string, amount int64, currency string) error {
	return g.post(ctx, "/transfers/release", transferBody{
		TransactionID: txID, Phase: phase, AccountID: payeeID, Amount: amount, Currency: currency,
	})
}

func (g *HTTPGateway) Refund(ctx context.Context, txID string, payerID string, amount int64, currency string) error {
	return g.post(ctx, "/transfers/refund", transferBody{
		TransactionID: txID, AccountID: payerID, Amount: amount, Currency: currency,
	})
}

func (g *HTTPGateway) post(ctx context.Context, path string, body transferBody) error {
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, "POST", g.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errMsg string
		if b, readErr := io.ReadAll(resp.Body); readErr == nil && len(b) > 0 {
			errMsg = string(b)
		}
		if errMsg != "" {
			return fmt.Errorf("gateway %s failed: status=%d body=%s", path, resp.StatusCode, errMsg)
		}
		return fmt.Errorf("gateway %s failed: status=%d", path, resp.StatusCode)
	}
	return nil
}
