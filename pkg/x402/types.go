// Package x402 implements the x402 challenge-response payment protocol types
// and an HTTP client that pays challenges automatically.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Scheme identifies the payment scheme carried in challenges.
const Scheme = "x402"

// ProofHeader carries the base64-encoded payment proof on retried requests.
const ProofHeader = "X-Payment-Proof"

// PaymentChallenge is returned by servers in 402 responses. It tells the
// caller exactly what to pay, where, and by when.
type PaymentChallenge struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	PayTo   string `json:"payTo"`
	Memo    string `json:"memo,omitempty"`
	Expires int64  `json:"expires"`
}

// Expired reports whether the challenge deadline has passed.
func (c *PaymentChallenge) Expired() bool {
	return time.Now().Unix() >= c.Expires
}

// PaymentProof is sent by callers to prove an on-chain payment. It names the
// transaction the server should verify, not a signature the server must trust.
type PaymentProof struct {
	TxHash      string `json:"txHash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Error represents an x402 error response.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseChallenge extracts the payment challenge from a 402 response body.
func ParseChallenge(resp *http.Response) (*PaymentChallenge, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var wrapper struct {
		Challenge *PaymentChallenge `json:"challenge"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse payment challenge: %w", err)
	}
	if wrapper.Challenge == nil {
		// Some servers return the challenge as the whole body.
		var c PaymentChallenge
		if err := json.Unmarshal(body, &c); err != nil || c.Scheme == "" {
			return nil, fmt.Errorf("no payment challenge in 402 response")
		}
		return &c, nil
	}
	if wrapper.Challenge.Scheme != Scheme {
		return nil, fmt.Errorf("unsupported payment scheme %q", wrapper.Challenge.Scheme)
	}
	return wrapper.Challenge, nil
}

// NewPaymentProof creates a proof object for a confirmed payment.
func NewPaymentProof(txHash, from, to, value string, blockNumber uint64) *PaymentProof {
	return &PaymentProof{
		TxHash:      txHash,
		From:        from,
		To:          to,
		Value:       value,
		BlockNumber: blockNumber,
		Timestamp:   time.Now().Unix(),
	}
}

// Encode serializes the proof for the X-Payment-Proof header.
func (p *PaymentProof) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeProof parses an X-Payment-Proof header value.
func DecodeProof(header string) (*PaymentProof, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("proof is not valid base64: %w", err)
	}
	var p PaymentProof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse proof: %w", err)
	}
	if p.TxHash == "" {
		return nil, fmt.Errorf("proof is missing txHash")
	}
	return &p, nil
}

// AddProofToRequest adds the payment proof header to an HTTP request.
func AddProofToRequest(req *http.Request, proof *PaymentProof) error {
	header, err := proof.Encode()
	if err != nil {
		return err
	}
	req.Header.Set(ProofHeader, header)
	return nil
}
