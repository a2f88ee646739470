// Package paygate implements the x402 payment gate: balance-checked admission
// of tool invocations, 402 challenge issuance, and payment proof verification.
package paygate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/toolpay/internal/chain"
	"github.com/mbd888/toolpay/internal/execution"
	"github.com/mbd888/toolpay/internal/idgen"
	"github.com/mbd888/toolpay/internal/ledger"
	"github.com/mbd888/toolpay/internal/metrics"
	"github.com/mbd888/toolpay/internal/syncutil"
	"github.com/mbd888/toolpay/internal/traces"
	"github.com/mbd888/toolpay/internal/usdc"
	"github.com/mbd888/toolpay/internal/validation"
	"github.com/mbd888/toolpay/pkg/x402"
)

// Error codes returned to callers in 402/503 bodies.
const (
	CodeInsufficientBalance     = "insufficient_balance"
	CodeInvalidProof            = "invalid_payment_proof"
	CodeTransactionNotFound     = "transaction_not_found"
	CodeTransactionFailed       = "transaction_failed"
	CodeWrongRecipient          = "wrong_recipient"
	CodeVerificationUnavailable = "verification_unavailable"
)

// PaymentRequiredError is returned when a request must pay before admission.
// It carries the challenge the caller should satisfy.
type PaymentRequiredError struct {
	Code      string
	Message   string
	Challenge *x402.PaymentChallenge
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// VerificationUnavailableError means the chain gateway could not be reached,
// so the proof is neither accepted nor rejected. Callers should retry.
type VerificationUnavailableError struct {
	Chain string
	Err   error
}

func (e *VerificationUnavailableError) Error() string {
	return fmt.Sprintf("payment verification unavailable on %s: %v", e.Chain, e.Err)
}

func (e *VerificationUnavailableError) Unwrap() error { return e.Err }

// Invoker executes the tool call once a request has been admitted. The gate
// never interprets payloads; it only decides whether the call may run.
type Invoker interface {
	Invoke(ctx context.Context, toolID string, payload []byte) ([]byte, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, toolID string, payload []byte) ([]byte, error)

func (f InvokerFunc) Invoke(ctx context.Context, toolID string, payload []byte) ([]byte, error) {
	return f(ctx, toolID, payload)
}

// InvokeRequest is one tool invocation attempt passing through the gate.
type InvokeRequest struct {
	AgentAddr        string
	CounterpartyAddr string
	ToolID           string
	Cost             string
	Chain            string
	Payload          []byte
	ProofHeader      string
}

// InvokeResult is returned for an admitted and executed invocation.
type InvokeResult struct {
	Record  *execution.Record
	Output  []byte
	Balance string
}

// Config holds the gate's tunables.
type Config struct {
	DefaultPrice   string
	DefaultChain   string
	ChallengeTTL   time.Duration
	ConfirmTimeout time.Duration

	// OnAdmit is called after a pending record is created, keyed by chain.
	// The settlement engine uses it as its threshold trigger.
	OnAdmit func(chain string)

	// OnRecordCreated receives every new pending record (realtime feed).
	OnRecordCreated func(*execution.Record)
}

// Gate admits tool invocations against escrow balances.
type Gate struct {
	cfg     Config
	ledger  *ledger.Ledger
	records execution.Store
	chains  *chain.Registry
	invoker Invoker

	// admission serializes check-and-create per (agent, chain)
	admission  *syncutil.ShardedMutex
	challenges *challengeStore
	logger     *slog.Logger
}

// NewGate creates a payment gate over the given ledger, record store, and
// chain registry.
func NewGate(cfg Config, l *ledger.Ledger, records execution.Store, chains *chain.Registry, invoker Invoker, logger *slog.Logger) *Gate {
	if cfg.ChallengeTTL == 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:        cfg,
		ledger:     l,
		records:    records,
		chains:     chains,
		invoker:    invoker,
		admission:  &syncutil.ShardedMutex{},
		challenges: newChallengeStore(cfg.ChallengeTTL),
		logger:     logger.With("component", "paygate"),
	}
}

// Invoke runs the full gate flow: optional proof credit, admission check,
// record creation, and tool execution.
func (g *Gate) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResult, error) {
	if err := g.normalize(req); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "paygate.Invoke",
		traces.AgentAddr(req.AgentAddr),
		traces.ToolID(req.ToolID),
		traces.Chain(req.Chain),
		traces.Amount(req.Cost),
	)
	defer span.End()

	gw, err := g.chains.Get(req.Chain)
	if err != nil {
		return nil, err
	}

	// A proof rides along with the retried request. Credit it before the
	// admission check so the same request that paid can pass.
	if req.ProofHeader != "" {
		if err := g.creditProof(ctx, gw, req); err != nil {
			return nil, err
		}
	}

	rec, balance, err := g.admit(ctx, gw, req)
	if err != nil {
		return nil, err
	}

	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	if g.cfg.OnRecordCreated != nil {
		g.cfg.OnRecordCreated(rec)
	}
	if g.cfg.OnAdmit != nil {
		g.cfg.OnAdmit(req.Chain)
	}

	output, err := g.invoker.Invoke(ctx, req.ToolID, req.Payload)
	if err != nil {
		// The tool never ran to completion, so nothing is owed. The record
		// goes terminal-failed and will not be picked up for settlement.
		if ferr := g.records.MarkFailed(ctx, []string{rec.ID}, ""); ferr != nil {
			g.logger.Error("failed to mark record failed after tool error",
				"record_id", rec.ID, "error", ferr)
		}
		return nil, fmt.Errorf("tool invocation failed: %w", err)
	}

	return &InvokeResult{Record: rec, Output: output, Balance: balance}, nil
}

// admit serializes the balance check and record creation per (agent, chain).
func (g *Gate) admit(ctx context.Context, gw chain.Gateway, req *InvokeRequest) (*execution.Record, string, error) {
	unlock := g.admission.Lock(req.AgentAddr + "|" + req.Chain)
	defer unlock()

	ok, balance, err := g.ledger.CheckAndReserve(ctx, req.AgentAddr, req.Chain, req.Cost)
	if err != nil {
		return nil, "", fmt.Errorf("admission check failed: %w", err)
	}
	if !ok {
		metrics.AdmissionsTotal.WithLabelValues("insufficient").Inc()
		return nil, "", g.paymentRequired(gw, req, balance)
	}

	rec := &execution.Record{
		ID:               idgen.WithPrefix("exec_"),
		AgentAddr:        req.AgentAddr,
		CounterpartyAddr: req.CounterpartyAddr,
		ToolID:           req.ToolID,
		Cost:             req.Cost,
		Chain:            req.Chain,
		Status:           execution.StatusPending,
		CreatedAt:        time.Now(),
	}
	if err := g.records.Create(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("failed to create execution record: %w", err)
	}

	g.logger.Info("invocation admitted",
		"record_id", rec.ID,
		"agent", req.AgentAddr,
		"tool", req.ToolID,
		"cost", req.Cost,
		"chain", req.Chain)

	return rec, balance, nil
}

// paymentRequired builds the 402 challenge for the shortfall.
func (g *Gate) paymentRequired(gw chain.Gateway, req *InvokeRequest, balance string) error {
	shortfall, err := shortfallAmount(req.Cost, balance)
	if err != nil {
		shortfall = req.Cost
	}

	challenge := &x402.PaymentChallenge{
		Scheme:  x402.Scheme,
		Network: req.Chain,
		Asset:   "USDC",
		Amount:  shortfall,
		PayTo:   gw.EscrowAddress(),
		Memo:    req.ToolID,
		Expires: time.Now().Add(g.cfg.ChallengeTTL).Unix(),
	}

	token := g.challenges.issue(req.AgentAddr, req.Chain, challenge)
	g.logger.Info("payment required",
		"agent", req.AgentAddr,
		"chain", req.Chain,
		"shortfall", shortfall,
		"challenge", token)

	return &PaymentRequiredError{
		Code:      CodeInsufficientBalance,
		Message:   fmt.Sprintf("escrow balance %s is below the %s cost, pay %s to continue", balance, req.Cost, shortfall),
		Challenge: challenge,
	}
}

// creditProof verifies an attached payment proof against the chain and
// credits the escrow ledger. Credits are idempotent per transaction hash.
func (g *Gate) creditProof(ctx context.Context, gw chain.Gateway, req *InvokeRequest) error {
	proof, err := x402.DecodeProof(req.ProofHeader)
	if err != nil {
		metrics.PaymentProofsTotal.WithLabelValues("invalid").Inc()
		return &PaymentRequiredError{
			Code:      CodeInvalidProof,
			Message:   err.Error(),
			Challenge: nil,
		}
	}
	if !validation.IsValidTxHash(proof.TxHash) {
		metrics.PaymentProofsTotal.WithLabelValues("invalid").Inc()
		return &PaymentRequiredError{Code: CodeInvalidProof, Message: "malformed transaction hash"}
	}

	receipt, err := gw.WaitForReceipt(ctx, proof.TxHash, g.cfg.ConfirmTimeout)
	if err != nil {
		if errors.Is(err, chain.ErrChainUnavailable) {
			metrics.PaymentProofsTotal.WithLabelValues("unavailable").Inc()
			return &VerificationUnavailableError{Chain: req.Chain, Err: err}
		}
		metrics.PaymentProofsTotal.WithLabelValues("not_found").Inc()
		return &PaymentRequiredError{
			Code:    CodeTransactionNotFound,
			Message: fmt.Sprintf("transaction %s was not confirmed on %s", proof.TxHash, req.Chain),
		}
	}

	if !receipt.Succeeded() {
		metrics.PaymentProofsTotal.WithLabelValues("failed_tx").Inc()
		return &PaymentRequiredError{
			Code:    CodeTransactionFailed,
			Message: fmt.Sprintf("transaction %s reverted", proof.TxHash),
		}
	}

	transfer := receipt.TransferTo(gw.EscrowAddress())
	if transfer == nil || transfer.Value == nil || transfer.Value.Sign() <= 0 {
		metrics.PaymentProofsTotal.WithLabelValues("wrong_recipient").Inc()
		return &PaymentRequiredError{
			Code:    CodeWrongRecipient,
			Message: fmt.Sprintf("transaction %s did not pay the escrow contract %s", proof.TxHash, gw.EscrowAddress()),
		}
	}

	credited := usdc.Format(transfer.Value)
	err = g.ledger.Credit(ctx, req.AgentAddr, req.Chain, credited, proof.TxHash)
	if errors.Is(err, ledger.ErrDuplicateCredit) {
		// Same proof presented twice. The first credit stands.
		metrics.PaymentProofsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to credit payment: %w", err)
	}

	metrics.PaymentProofsTotal.WithLabelValues("credited").Inc()
	g.logger.Info("payment credited",
		"agent", req.AgentAddr,
		"chain", req.Chain,
		"amount", credited,
		"tx_hash", proof.TxHash)
	return nil
}

func (g *Gate) normalize(req *InvokeRequest) error {
	req.AgentAddr = validation.SanitizeAddress(req.AgentAddr)
	req.CounterpartyAddr = validation.SanitizeAddress(req.CounterpartyAddr)
	if req.Chain == "" {
		req.Chain = g.cfg.DefaultChain
	}
	if req.Cost == "" {
		req.Cost = g.cfg.DefaultPrice
	}

	if errs := validation.Validate(
		validation.Required("tool id", req.ToolID),
		validation.Required("agent address", req.AgentAddr),
		validation.ValidAddress("agent address", req.AgentAddr),
		validation.Required("counterparty address", req.CounterpartyAddr),
		validation.ValidAddress("counterparty address", req.CounterpartyAddr),
		validation.ValidChain("chain", req.Chain),
		validation.ValidAmount("cost", req.Cost),
	); len(errs) > 0 {
		return errs
	}
	return nil
}

// shortfallAmount computes cost minus balance as a decimal string.
func shortfallAmount(cost, balance string) (string, error) {
	c, ok := usdc.Parse(cost)
	if !ok {
		return "", fmt.Errorf("invalid cost amount %q", cost)
	}
	b, ok := usdc.Parse(balance)
	if !ok {
		return "", fmt.Errorf("invalid balance amount %q", balance)
	}
	diff := new(big.Int).Sub(c, b)
	if diff.Sign() <= 0 {
		return "", fmt.Errorf("no shortfall")
	}
	return usdc.Format(diff), nil
}

// challengeStore tracks issued challenges so expiry and issuance can be
// observed. It is instance-scoped, one per gate.
type challengeStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	issued map[string]issuedChallenge
}

type issuedChallenge struct {
	agent     string
	chain     string
	challenge *x402.PaymentChallenge
	expires   time.Time
}

func newChallengeStore(ttl time.Duration) *challengeStore {
	return &challengeStore{ttl: ttl, issued: make(map[string]issuedChallenge)}
}

func (s *challengeStore) issue(agent, chainName string, c *x402.PaymentChallenge) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := idgen.WithPrefix("chal_")
	s.issued[token] = issuedChallenge{
		agent:     agent,
		chain:     chainName,
		challenge: c,
		expires:   time.Unix(c.Expires, 0),
	}

	// Purge expired challenges on each issue
	now := time.Now()
	for k, v := range s.issued {
		if v.expires.Before(now) {
			delete(s.issued, k)
		}
	}
	return token
}

func (s *challengeStore) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.issued)
}
