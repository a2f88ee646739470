// Package chain provides the gateway boundary to settlement chains.
//
// A Gateway sends raw transactions to one blockchain and reports receipts.
// The settlement engine and payment gate only ever talk to this interface;
// everything chain-specific (signing, nonces, ABI encoding) stays behind it.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	ErrUnknownChain      = errors.New("chain: unknown settlement chain")
	ErrChainUnavailable  = errors.New("chain: rpc unavailable")
	ErrReceiptNotFound   = errors.New("chain: receipt not found")
	ErrTransactionFailed = errors.New("chain: transaction failed")
	ErrTimeout           = errors.New("chain: confirmation timed out")
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
)

// SubmitError wraps submission failures with context.
type SubmitError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// TokenTransfer is one ERC-20 Transfer event decoded from a receipt.
type TokenTransfer struct {
	From  string
	To    string
	Value *big.Int
}

// Receipt is the chain-agnostic view of a mined transaction.
type Receipt struct {
	TxHash      string
	Status      uint64 // 1 = success, 0 = reverted
	To          string // recipient of the value movement, when decodable
	Value       *big.Int
	BlockNumber uint64
	GasUsed     uint64
	Transfers   []TokenTransfer
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool { return r.Status == 1 }

// TransferTo returns the first decoded transfer whose recipient matches addr.
func (r *Receipt) TransferTo(addr string) *TokenTransfer {
	for i := range r.Transfers {
		if strings.EqualFold(r.Transfers[i].To, addr) {
			return &r.Transfers[i]
		}
	}
	return nil
}

// Gateway sends transactions to one settlement chain and reads receipts.
type Gateway interface {
	// Name returns the chain name (e.g. "base-sepolia").
	Name() string

	// EscrowAddress is the on-chain destination agents pay into.
	EscrowAddress() string

	// AssetContract is the ERC-20 asset settled on this chain.
	AssetContract() string

	// EncodeSettle builds the calldata moving amount (smallest units) from
	// an agent's escrow balance to a counterparty's payout balance.
	EncodeSettle(from, to string, amount *big.Int) ([]byte, error)

	// SubmitTransaction signs and broadcasts encodedCall to destination,
	// returning the transaction id. It does not wait for inclusion.
	SubmitTransaction(ctx context.Context, destination string, encodedCall []byte) (string, error)

	// GetReceipt fetches the receipt for a transaction, or ErrReceiptNotFound
	// if it has not been mined. RPC failures wrap ErrChainUnavailable.
	GetReceipt(ctx context.Context, txID string) (*Receipt, error)

	// WaitForReceipt polls until the transaction is mined or timeout elapses.
	WaitForReceipt(ctx context.Context, txID string, timeout time.Duration) (*Receipt, error)

	// Close releases the underlying RPC connection.
	Close() error
}

// Registry holds one Gateway per configured settlement chain.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry builds a registry from the given gateways.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// Get returns the gateway for the named chain.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, name)
	}
	return g, nil
}

// Names lists the registered chain names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}

// Close closes every registered gateway.
func (r *Registry) Close() error {
	var firstErr error
	for _, g := range r.gateways {
		if err := g.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
