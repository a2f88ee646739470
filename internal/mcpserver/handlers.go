package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	self   string // this agent's address, used when no address argument is given
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client, selfAddress string) *Handlers {
	return &Handlers{client: client, self: selfAddress}
}

// HandleGetBalance returns an agent's escrowed USDC balance.
func (h *Handlers) HandleGetBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("agent_address", h.self)
	if address == "" {
		return mcp.NewToolResultError("agent_address is required (no default agent configured)"), nil
	}
	chain := req.GetString("chain", "")

	raw, err := h.client.GetBalance(ctx, address, chain)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetExecution returns a single execution record.
func (h *Handlers) HandleGetExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("execution_id", "")
	if id == "" {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	raw, err := h.client.GetExecution(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get execution: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse execution: %v", err)), nil
	}

	return mcp.NewToolResultText(formatExecution(m)), nil
}

// HandleListExecutions lists recent executions for an agent.
func (h *Handlers) HandleListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("agent_address", h.self)
	if address == "" {
		return mcp.NewToolResultError("agent_address is required (no default agent configured)"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListExecutions(ctx, address, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list executions: %v", err)), nil
	}

	var resp struct {
		Executions []map[string]any `json:"executions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse executions: %v", err)), nil
	}

	if len(resp.Executions) == 0 {
		return mcp.NewToolResultText("No executions found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d execution(s):\n\n", len(resp.Executions))
	for i, e := range resp.Executions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, getString(e, "id"))
		fmt.Fprintf(&sb, "   Tool: %s | Cost: %s USDC | Status: %s\n",
			getString(e, "toolId"), getString(e, "cost"), getString(e, "status"))
		if tx := getString(e, "txHash"); tx != "" {
			fmt.Fprintf(&sb, "   Settled: %s\n", tx)
		}
		if i < len(resp.Executions)-1 {
			sb.WriteString("\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetBatch returns a confirmed settlement batch.
func (h *Handlers) HandleGetBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("batch_id", "")
	if id == "" {
		return mcp.NewToolResultError("batch_id is required"), nil
	}

	raw, err := h.client.GetBatch(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get batch: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse batch: %v", err)), nil
	}

	return mcp.NewToolResultText(formatBatch(m)), nil
}

// HandleListBatches lists recent settlement batches.
func (h *Handlers) HandleListBatches(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chain := req.GetString("chain", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListBatches(ctx, chain, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list batches: %v", err)), nil
	}

	var resp struct {
		Batches []map[string]any `json:"batches"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse batches: %v", err)), nil
	}

	if len(resp.Batches) == 0 {
		return mcp.NewToolResultText("No settlement batches found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d batch(es):\n\n", len(resp.Batches))
	for i, b := range resp.Batches {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, getString(b, "id"))
		fmt.Fprintf(&sb, "   Chain: %s | Amount: %s USDC | Records: %s\n",
			getString(b, "chain"), getString(b, "amount"), getString(b, "recordCount"))
		fmt.Fprintf(&sb, "   Tx: %s\n", getString(b, "txHash"))
		if i < len(resp.Batches)-1 {
			sb.WriteString("\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}

	var sb strings.Builder
	sb.WriteString("Escrow balance:\n")
	fmt.Fprintf(&sb, "  Agent:     %s\n", getString(bal, "agentAddr"))
	fmt.Fprintf(&sb, "  Chain:     %s\n", getString(bal, "chain"))
	fmt.Fprintf(&sb, "  Available: %s USDC\n", getString(bal, "available"))
	fmt.Fprintf(&sb, "  Total in:  %s USDC\n", getString(bal, "totalIn"))
	fmt.Fprintf(&sb, "  Total out: %s USDC\n", getString(bal, "totalOut"))
	return sb.String(), nil
}

func formatExecution(m map[string]any) string {
	var sb strings.Builder
	sb.WriteString("Execution record:\n")
	fmt.Fprintf(&sb, "  ID:           %s\n", getString(m, "id"))
	fmt.Fprintf(&sb, "  Tool:         %s\n", getString(m, "toolId"))
	fmt.Fprintf(&sb, "  Agent:        %s\n", getString(m, "agentAddr"))
	fmt.Fprintf(&sb, "  Counterparty: %s\n", getString(m, "counterpartyAddr"))
	fmt.Fprintf(&sb, "  Cost:         %s USDC\n", getString(m, "cost"))
	fmt.Fprintf(&sb, "  Chain:        %s\n", getString(m, "chain"))
	fmt.Fprintf(&sb, "  Status:       %s\n", getString(m, "status"))
	if v := getString(m, "batchId"); v != "" {
		fmt.Fprintf(&sb, "  Batch:        %s\n", v)
	}
	if v := getString(m, "txHash"); v != "" {
		fmt.Fprintf(&sb, "  Settled in:   %s\n", v)
	}
	return sb.String()
}

func formatBatch(m map[string]any) string {
	var sb strings.Builder
	sb.WriteString("Settlement batch:\n")
	fmt.Fprintf(&sb, "  ID:           %s\n", getString(m, "id"))
	fmt.Fprintf(&sb, "  Chain:        %s\n", getString(m, "chain"))
	fmt.Fprintf(&sb, "  Agent:        %s\n", getString(m, "agent"))
	fmt.Fprintf(&sb, "  Counterparty: %s\n", getString(m, "counterparty"))
	fmt.Fprintf(&sb, "  Amount:       %s USDC\n", getString(m, "amount"))
	fmt.Fprintf(&sb, "  Records:      %s\n", getString(m, "recordCount"))
	fmt.Fprintf(&sb, "  Tx:           %s\n", getString(m, "txHash"))
	return sb.String()
}

// getString extracts a string value from a map, formatting numbers as needed.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
