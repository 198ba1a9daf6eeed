package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client submits fund transfers to the settlement endpoint. Every transfer
// carries a unique reference so the settlement layer can enforce at-most-once
// execution; it implements rewards.Transferer.
type Client struct {
	endpoint string
	token    string
	client   *http.Client
}

// New constructs a settlement client.
func New(endpoint, bearerToken string, timeout time.Duration) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("settlement endpoint required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		token:    strings.TrimSpace(bearerToken),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type transferRequest struct {
	Reference string `json:"reference"`
	Token     string `json:"token"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
}

type transferResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Transfer moves amount of token from the treasury to the recipient. A non-2xx
// response or a rejected status is an error; callers roll back ledger state.
func (c *Client) Transfer(ctx context.Context, token, from, to string, amount *big.Int) error {
	if c == nil {
		return fmt.Errorf("settlement client not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}
	payload, err := json.Marshal(transferRequest{
		Reference: uuid.NewString(),
		Token:     token,
		From:      from,
		To:        to,
		Amount:    amount.String(),
	})
	if err != nil {
		return fmt.Errorf("encode transfer: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit transfer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("settlement rejected transfer: status %d", resp.StatusCode)
	}
	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode settlement response: %w", err)
	}
	if out.Status != "" && !strings.EqualFold(out.Status, "ok") && !strings.EqualFold(out.Status, "settled") {
		return fmt.Errorf("settlement rejected transfer: %s", out.Error)
	}
	return nil
}
