// Package payments integrates the crypto payment gateway: invoice
// creation and webhook signature verification.
package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/servoxhq/servox/internal/config"
)

// Invoice statuses the gateway reports back through the webhook.
const (
	StatusPaid      = "paid"
	StatusCancelled = "cancel"
	StatusExpired   = "expired"
)

type InvoiceRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	URLReturn   string `json:"url_return,omitempty"`
	URLCallback string `json:"url_callback,omitempty"`
}

type Invoice struct {
	UUID       string `json:"uuid"`
	OrderID    string `json:"order_id"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	PaymentURL string `json:"url"`
	Status     string `json:"status"`
}

// WebhookEvent is the payload the gateway posts on payment state changes.
type WebhookEvent struct {
	UUID    string `json:"uuid"`
	OrderID string `json:"order_id"`
	Amount  string `json:"amount"`
	Status  string `json:"status"`
	TxnID   string `json:"txid"`
}

type Client struct {
	apiURL     string
	merchantID string
	apiKey     string
	http       *http.Client
}

// New builds a gateway client. Returns nil when payments are not
// configured.
func New() *Client {
	cfg := config.Cfg
	if cfg.PaymentAPIURL == "" || cfg.PaymentAPIKey == "" {
		return nil
	}
	return &Client{
		apiURL:     cfg.PaymentAPIURL,
		merchantID: cfg.PaymentMerchantID,
		apiKey:     cfg.PaymentAPIKey,
		http:       &http.Client{Timeout: 20 * time.Second},
	}
}

// Sign computes the request/webhook signature: HMAC-SHA256 over the
// base64-encoded JSON body, keyed with the merchant API key.
func Sign(body []byte, apiKey string) string {
	encoded := base64.StdEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(body []byte, signature, apiKey string) bool {
	expected := Sign(body, apiKey)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CreateInvoice asks the gateway for a hosted payment page.
func (c *Client) CreateInvoice(ctx context.Context, inv InvoiceRequest) (*Invoice, error) {
	if inv.URLCallback == "" {
		inv.URLCallback = config.Cfg.PaymentWebhookURL
	}
	body, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("marshal invoice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/v1/payment", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("merchant", c.merchantID)
	req.Header.Set("sign", Sign(body, c.apiKey))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("gateway status %d: %s", resp.StatusCode, raw)
	}

	var wrapper struct {
		Result Invoice `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	return &wrapper.Result, nil
}

// VerifyWebhook validates the signature header against the raw body.
func (c *Client) VerifyWebhook(body []byte, signature string) bool {
	return VerifySignature(body, signature, c.apiKey)
}
