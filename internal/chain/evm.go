package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// escrowABI is the minimal ABI of the escrow settlement contract. settle moves
// an aggregate amount from an agent's escrow balance to a counterparty's
// payout balance in one transaction.
const escrowABI = `[
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"settle","outputs":[],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// DefaultGasLimit for settle calls when estimation fails
	DefaultGasLimit = uint64(150000)

	// ReceiptPollInterval between receipt checks while waiting for inclusion
	ReceiptPollInterval = 2 * time.Second
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// EVMConfig configures an EVM-family gateway.
type EVMConfig struct {
	Name           string
	RPCURL         string
	PrivateKey     string // Hex string, with or without 0x prefix
	ChainID        int64
	AssetContract  string // ERC-20 asset (USDC)
	EscrowContract string // escrow settlement contract; falls back to the signer address
}

// EVMOption configures the gateway.
type EVMOption func(*EVMGateway)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) EVMOption {
	return func(g *EVMGateway) {
		g.client = client
	}
}

// EVMGateway submits settlement transactions to one EVM chain.
//
// All submissions go through the single signing key, so nonce ordering is
// only safe when one goroutine submits at a time. The settlement engine
// guarantees that with its one-worker-per-chain rule.
type EVMGateway struct {
	name    string
	client  EthClient
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	asset   common.Address
	escrow  common.Address
	abi     abi.ABI
}

var _ Gateway = (*EVMGateway)(nil)

// NewEVM creates a gateway for one EVM settlement chain.
func NewEVM(cfg EVMConfig, opts ...EVMOption) (*EVMGateway, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: %s: RPC URL required", ErrChainUnavailable, cfg.Name)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	g := &EVMGateway{
		name:    cfg.Name,
		key:     privateKey,
		address: crypto.PubkeyToAddress(*publicKey),
		chainID: big.NewInt(cfg.ChainID),
		asset:   common.HexToAddress(cfg.AssetContract),
		abi:     parsedABI,
	}

	if cfg.EscrowContract != "" {
		g.escrow = common.HexToAddress(cfg.EscrowContract)
	} else {
		// No deployed escrow contract: deposits go straight to the signer.
		g.escrow = g.address
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
		}
		g.client = client
	}

	return g, nil
}

func (g *EVMGateway) Name() string          { return g.name }
func (g *EVMGateway) EscrowAddress() string { return g.escrow.Hex() }
func (g *EVMGateway) AssetContract() string { return g.asset.Hex() }

// EncodeSettle packs the settle(from, to, amount) calldata.
func (g *EVMGateway) EncodeSettle(from, to string, amount *big.Int) ([]byte, error) {
	data, err := g.abi.Pack("settle", common.HexToAddress(from), common.HexToAddress(to), amount)
	if err != nil {
		return nil, &SubmitError{Op: "pack", Err: err}
	}
	return data, nil
}

// SubmitTransaction signs and broadcasts encodedCall to destination.
func (g *EVMGateway) SubmitTransaction(ctx context.Context, destination string, encodedCall []byte) (string, error) {
	dest := common.HexToAddress(destination)

	nonce, err := g.client.PendingNonceAt(ctx, g.address)
	if err != nil {
		return "", &SubmitError{Op: "nonce", Err: fmt.Errorf("%w: %v", ErrChainUnavailable, err)}
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &SubmitError{Op: "gas_price", Err: fmt.Errorf("%w: %v", ErrChainUnavailable, err)}
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.address,
		To:    &dest,
		Value: big.NewInt(0),
		Data:  encodedCall,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, dest, big.NewInt(0), gasLimit, gasPrice, encodedCall)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.key)
	if err != nil {
		return "", &SubmitError{Op: "sign", Err: err}
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &SubmitError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: fmt.Errorf("%w: %v", ErrChainUnavailable, err)}
	}

	return signedTx.Hash().Hex(), nil
}

// GetReceipt fetches and decodes the receipt for a transaction.
func (g *EVMGateway) GetReceipt(ctx context.Context, txID string) (*Receipt, error) {
	receipt, err := g.client.TransactionReceipt(ctx, common.HexToHash(txID))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	return g.decodeReceipt(txID, receipt), nil
}

// WaitForReceipt polls until the transaction is mined or timeout elapses.
func (g *EVMGateway) WaitForReceipt(ctx context.Context, txID string, timeout time.Duration) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txID)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, common.HexToHash(txID))
			if err != nil {
				// Not yet mined (or transient RPC hiccup), keep polling
				continue
			}
			return g.decodeReceipt(txID, receipt), nil
		}
	}
}

// decodeReceipt maps a go-ethereum receipt to the chain-agnostic form,
// extracting Transfer events on the asset and escrow contracts.
func (g *EVMGateway) decodeReceipt(txID string, receipt *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:      txID,
		Status:      receipt.Status,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}

	for _, log := range receipt.Logs {
		if log.Address != g.asset && log.Address != g.escrow {
			continue
		}
		if len(log.Topics) < 3 || log.Topics[0] != transferTopic {
			continue
		}
		transfer := TokenTransfer{
			From:  common.HexToAddress(log.Topics[1].Hex()).Hex(),
			To:    common.HexToAddress(log.Topics[2].Hex()).Hex(),
			Value: new(big.Int).SetBytes(log.Data),
		}
		out.Transfers = append(out.Transfers, transfer)
	}

	// The headline recipient/value is the first decoded transfer.
	if len(out.Transfers) > 0 {
		out.To = out.Transfers[0].To
		out.Value = out.Transfers[0].Value
	}

	return out
}

// Close closes the RPC connection.
func (g *EVMGateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}
