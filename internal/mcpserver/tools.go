package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the toolpay MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetBalance = mcp.NewTool("get_balance",
	mcp.WithDescription(
		"Check an agent's escrowed USDC balance on a settlement chain. "+
			"Shows available funds plus lifetime totals in and out."),
	mcp.WithString("agent_address",
		mcp.Description("Agent address to query (e.g. '0x1234...'). Defaults to your own address.")),
	mcp.WithString("chain",
		mcp.Description("Settlement chain name (e.g. 'base-sepolia'). Defaults to the platform default.")),
)

var ToolGetExecution = mcp.NewTool("get_execution",
	mcp.WithDescription(
		"Look up a single tool execution record by id. "+
			"Shows the cost, settlement status (pending/success/failed), and the "+
			"on-chain transaction hash once the record has been batched and settled."),
	mcp.WithString("execution_id",
		mcp.Required(),
		mcp.Description("The execution record id returned from a paid tool call (e.g. 'exec_...')")),
)

var ToolListExecutions = mcp.NewTool("list_executions",
	mcp.WithDescription(
		"List recent tool executions for an agent, newest first. "+
			"Includes executions where the agent paid and where it was paid."),
	mcp.WithString("agent_address",
		mcp.Description("Agent address to query. Defaults to your own address.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20)")),
)

var ToolGetBatch = mcp.NewTool("get_batch",
	mcp.WithDescription(
		"Look up a confirmed settlement batch by id. "+
			"Shows the aggregate USDC amount, the number of executions it covers, "+
			"and the on-chain settlement transaction hash."),
	mcp.WithString("batch_id",
		mcp.Required(),
		mcp.Description("The batch id from an execution record or settlement event (e.g. 'batch_...')")),
)

var ToolListBatches = mcp.NewTool("list_batches",
	mcp.WithDescription(
		"List recent confirmed settlement batches, newest first. "+
			"Optionally filter by settlement chain."),
	mcp.WithString("chain",
		mcp.Description("Settlement chain name to filter by (e.g. 'base-sepolia')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of batches to return (default 20)")),
)
