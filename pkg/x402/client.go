package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

// PaymentResult describes a confirmed on-chain payment made by a Payer.
type PaymentResult struct {
	TxHash      string
	BlockNumber uint64
}

// Payer executes stablecoin transfers on behalf of the client. A Payer is
// expected to return only after the transfer is confirmed.
type Payer interface {
	// Address returns the paying account address.
	Address() string
	// Pay transfers amount (a decimal string, e.g. "0.05") to the given
	// address on the given network.
	Pay(ctx context.Context, network, to, amount string) (*PaymentResult, error)
}

// Client wraps http.Client with automatic 402 payment handling.
type Client struct {
	httpClient *http.Client
	payer      Payer

	// Configuration
	MaxRetries int    // Max payment retries (default: 1)
	AutoPay    bool   // Automatically pay 402s (default: true)
	MaxPayment string // Max payment amount (default: unlimited)

	// Hooks
	OnPayment func(challenge *PaymentChallenge, proof *PaymentProof) // Called after each payment
}

// NewClient creates a new x402-enabled HTTP client.
func NewClient(p Payer) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		payer:      p,
		MaxRetries: 1,
		AutoPay:    true,
	}
}

// Do performs an HTTP request with automatic 402 payment handling.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs an HTTP request with context and automatic 402 handling.
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Clone the request body if present (we might need to retry)
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		// Reset body for retry
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		// Not a 402 - return response as-is
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}

		// Don't auto-pay if disabled
		if !c.AutoPay {
			return resp, nil
		}

		challenge, err := ParseChallenge(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse payment challenge: %w", err)
		}
		if challenge.Expired() {
			return nil, fmt.Errorf("payment challenge already expired")
		}

		// Check max payment limit
		if c.MaxPayment != "" {
			if err := c.checkPaymentLimit(challenge.Amount); err != nil {
				return nil, err
			}
		}

		proof, err := c.makePayment(ctx, challenge)
		if err != nil {
			return nil, fmt.Errorf("payment failed: %w", err)
		}

		// Call hook if set
		if c.OnPayment != nil {
			c.OnPayment(challenge, proof)
		}

		// Add proof to request and retry
		if err := AddProofToRequest(req, proof); err != nil {
			return nil, fmt.Errorf("failed to add proof: %w", err)
		}
	}

	return nil, fmt.Errorf("max retries exceeded")
}

// Get performs a GET request with automatic 402 handling.
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// makePayment pays the challenge and builds the proof the server expects.
func (c *Client) makePayment(ctx context.Context, challenge *PaymentChallenge) (*PaymentProof, error) {
	result, err := c.payer.Pay(ctx, challenge.Network, challenge.PayTo, challenge.Amount)
	if err != nil {
		return nil, fmt.Errorf("transfer failed: %w", err)
	}

	return NewPaymentProof(
		result.TxHash,
		c.payer.Address(),
		challenge.PayTo,
		challenge.Amount,
		result.BlockNumber,
	), nil
}

// checkPaymentLimit verifies the payment doesn't exceed max.
func (c *Client) checkPaymentLimit(amount string) error {
	maxAmount, ok := parseDecimal(c.MaxPayment)
	if !ok {
		return fmt.Errorf("invalid max payment: %s", c.MaxPayment)
	}

	reqAmount, ok := parseDecimal(amount)
	if !ok {
		return fmt.Errorf("invalid challenge amount: %s", amount)
	}

	if reqAmount.Cmp(maxAmount) > 0 {
		return fmt.Errorf("payment %s exceeds max %s", amount, c.MaxPayment)
	}

	return nil
}

// parseDecimal converts a decimal USDC string into 6-decimal base units.
func parseDecimal(s string) (*big.Int, bool) {
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() < 0 {
		return nil, false
	}
	scaled := new(big.Rat).Mul(r, big.NewRat(1_000_000, 1))
	if !scaled.IsInt() {
		return nil, false
	}
	return scaled.Num(), true
}
