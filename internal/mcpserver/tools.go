package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the agentspend MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolRequestPaidCall = mcp.NewTool("request_paid_call",
	mcp.WithDescription(
		"Make a paid AI provider call through the spend controller. "+
			"The call is checked against your policies, budget and risk profile, paid for, "+
			"and executed only if approved. Returns the decision, the cost, and the provider's response. "+
			"ESCALATE and QUARANTINE mean a human will review the request; do not retry it."),
	mcp.WithString("provider",
		mcp.Required(),
		mcp.Description("Provider to call (e.g. 'openai', 'anthropic')")),
	mcp.WithString("model",
		mcp.Required(),
		mcp.Description("Model to call (e.g. 'gpt-4o-mini', 'claude-3-haiku')")),
	mcp.WithString("operation",
		mcp.Required(),
		mcp.Description("Kind of call"),
		mcp.Enum("chat", "completion", "embedding", "image")),
	mcp.WithObject("params",
		mcp.Description("Provider request parameters. For chat: {\"messages\": [{\"role\": \"user\", \"content\": \"...\"}], \"max_tokens\": 256}")),
	mcp.WithString("project_id",
		mcp.Description("Project to bill. Defaults to the configured project.")),
	mcp.WithString("request_id",
		mcp.Description("Idempotency key. Reusing one returns a duplicate rejection. Generated if omitted.")),
)

var ToolGetAuditTrail = mcp.NewTool("get_audit_trail",
	mcp.WithDescription(
		"Show the tamper-evident audit trail for a previous paid call: every pipeline step, "+
			"in order, and whether the hash chain verifies."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The request ID returned by request_paid_call")),
)

var ToolGetBudget = mcp.NewTool("get_budget",
	mcp.WithDescription(
		"Check remaining spend for a project: daily and monthly limits, amount spent, "+
			"amount held for in-flight calls, and what is still available."),
	mcp.WithString("project_id",
		mcp.Description("Project to check. Defaults to the configured project.")),
)

var ToolVerifyReceipt = mcp.NewTool("verify_receipt",
	mcp.WithDescription(
		"Verify that a spend receipt is authentic and unmodified."),
	mcp.WithString("receipt_id",
		mcp.Required(),
		mcp.Description("The receipt ID (e.g. 'rcpt_...')")),
)

var ToolListReceipts = mcp.NewTool("list_receipts",
	mcp.WithDescription(
		"List your most recent spend receipts, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of receipts to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_receipts call, to fetch the next page")),
)
