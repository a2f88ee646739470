package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/toolpay/internal/chain"
)

// FakeGateway is an in-memory chain.Gateway for tests. Receipts are seeded
// with SeedReceipt or produced automatically for submitted transactions.
type FakeGateway struct {
	ChainName   string
	Escrow      string
	Asset       string
	Unreachable bool

	// SubmitErr, when set, is returned by SubmitTransaction.
	SubmitErr error
	// SubmitHook, when set, runs before each submission and may reject it.
	SubmitHook func(destination string, call []byte) error
	// WaitErr, when set, is returned by WaitForReceipt.
	WaitErr error
	// SubmitStatus is the receipt status for auto-mined submissions (default 1).
	SubmitStatus *uint64
	// MineSubmitted controls whether submitted transactions get a receipt
	// immediately. When false, GetReceipt returns ErrReceiptNotFound for them.
	MineSubmitted bool

	mu        sync.Mutex
	receipts  map[string]*chain.Receipt
	submitted []SubmittedTx
	seq       int
}

// SubmittedTx records one SubmitTransaction call.
type SubmittedTx struct {
	TxHash      string
	Destination string
	Call        []byte
}

// NewFakeGateway creates a fake gateway for the given chain name.
func NewFakeGateway(chainName string) *FakeGateway {
	return &FakeGateway{
		ChainName:     chainName,
		Escrow:        "0xe5c40000000000000000000000000000000000e5",
		Asset:         "0x036cbd53842c5426634e7929541ec2318f3dcf7e",
		MineSubmitted: true,
		receipts:      make(map[string]*chain.Receipt),
	}
}

var _ chain.Gateway = (*FakeGateway)(nil)

func (g *FakeGateway) Name() string          { return g.ChainName }
func (g *FakeGateway) EscrowAddress() string { return g.Escrow }
func (g *FakeGateway) AssetContract() string { return g.Asset }
func (g *FakeGateway) Close() error          { return nil }

func (g *FakeGateway) EncodeSettle(from, to string, amount *big.Int) ([]byte, error) {
	return []byte(fmt.Sprintf("settle(%s,%s,%s)", from, to, amount)), nil
}

func (g *FakeGateway) SubmitTransaction(_ context.Context, destination string, encodedCall []byte) (string, error) {
	if g.Unreachable {
		return "", fmt.Errorf("rpc dial: %w", chain.ErrChainUnavailable)
	}
	if g.SubmitErr != nil {
		return "", g.SubmitErr
	}
	if g.SubmitHook != nil {
		if err := g.SubmitHook(destination, encodedCall); err != nil {
			return "", err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	txHash := fmt.Sprintf("0x%064x", g.seq)
	g.submitted = append(g.submitted, SubmittedTx{TxHash: txHash, Destination: destination, Call: encodedCall})

	if g.MineSubmitted {
		status := uint64(1)
		if g.SubmitStatus != nil {
			status = *g.SubmitStatus
		}
		g.receipts[txHash] = &chain.Receipt{
			TxHash:      txHash,
			Status:      status,
			BlockNumber: uint64(g.seq),
		}
	}
	return txHash, nil
}

func (g *FakeGateway) GetReceipt(_ context.Context, txID string) (*chain.Receipt, error) {
	if g.Unreachable {
		return nil, fmt.Errorf("rpc dial: %w", chain.ErrChainUnavailable)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.receipts[txID]
	if !ok {
		return nil, chain.ErrReceiptNotFound
	}
	return r, nil
}

func (g *FakeGateway) WaitForReceipt(ctx context.Context, txID string, _ time.Duration) (*chain.Receipt, error) {
	if g.WaitErr != nil {
		return nil, g.WaitErr
	}
	r, err := g.GetReceipt(ctx, txID)
	if err == chain.ErrReceiptNotFound {
		return nil, chain.ErrTimeout
	}
	return r, err
}

// SeedReceipt registers a receipt for a transaction hash.
func (g *FakeGateway) SeedReceipt(r *chain.Receipt) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.receipts[r.TxHash] = r
}

// SeedDeposit registers a successful escrow deposit receipt and returns its hash.
func (g *FakeGateway) SeedDeposit(txHash, from string, value *big.Int) string {
	g.SeedReceipt(&chain.Receipt{
		TxHash:      txHash,
		Status:      1,
		BlockNumber: 100,
		Transfers: []chain.TokenTransfer{
			{From: from, To: g.Escrow, Value: value},
		},
	})
	return txHash
}

// Submitted returns a copy of all transactions submitted so far.
func (g *FakeGateway) Submitted() []SubmittedTx {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SubmittedTx, len(g.submitted))
	copy(out, g.submitted)
	return out
}
