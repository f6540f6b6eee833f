/**
 * @description
 * This package provides a client for interacting with the Paystack API.
 * It encapsulates the logic for making authenticated HTTP requests to
 * Paystack's endpoints, handling request construction, and parsing
 * responses. The server-held secret key never leaves this process.
 *
 * @dependencies
 * - context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 */
package paystackclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the Paystack API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new Paystack API client.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransactionStatusSuccess is the gateway's terminal success status for a charge.
const TransactionStatusSuccess = "success"

// VerifyResponse is the expected response from Paystack's
// verify-by-reference endpoint.
type VerifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Reference      string          `json:"reference"`
		Amount         int64           `json:"amount"` // in kobo
		Status         string          `json:"status"` // e.g. 'success', 'failed', 'abandoned'
		Channel        string          `json:"channel"`
		PaidAt         string          `json:"paid_at"`
		GatewayMessage string          `json:"gateway_response"`
		Metadata       json.RawMessage `json:"metadata"`
	} `json:"data"`
}

// ErrorResponse represents an error from the Paystack API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Status     bool   `json:"status"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("paystack api error: %s (http %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("paystack api error: http %d", e.StatusCode)
}

// VerifyTransaction asks Paystack directly whether the charge with the given
// reference succeeded. The raw response body is returned alongside the
// parsed form so callers can persist it verbatim for the audit trail.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifyResponse, []byte, error) {
	url := fmt.Sprintf("%s/transaction/verify/%s", c.BaseURL, reference)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute request to paystack: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read paystack response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, body, apiErr
	}

	var parsed VerifyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, body, fmt.Errorf("failed to decode paystack response: %w", err)
	}

	return &parsed, body, nil
}
