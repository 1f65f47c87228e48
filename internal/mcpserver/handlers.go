package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/agentspend/internal/budget"
	"github.com/mbd888/agentspend/internal/decision"
	"github.com/mbd888/agentspend/internal/idgen"
	"github.com/mbd888/agentspend/internal/receipts"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	newID  func() string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{
		client: client,
		newID:  func() string { return idgen.WithPrefix("req_") },
	}
}

// HandleRequestPaidCall submits a paid call and reports the decision.
func (h *Handlers) HandleRequestPaidCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	call := PaidCall{
		RequestID: req.GetString("request_id", ""),
		ProjectID: req.GetString("project_id", ""),
		Provider:  req.GetString("provider", ""),
		Model:     req.GetString("model", ""),
		Operation: req.GetString("operation", ""),
	}
	if call.Provider == "" || call.Model == "" || call.Operation == "" {
		return mcp.NewToolResultError("provider, model and operation are required"), nil
	}
	if call.RequestID == "" {
		call.RequestID = h.newID()
	}
	if raw := req.GetArguments()["params"]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			call.Params = m
		}
	}

	res, err := h.client.RequestDecision(ctx, call)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Spend request failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatDecision(res)), nil
}

// HandleGetAuditTrail shows a request's audit trail.
func (h *Handlers) HandleGetAuditTrail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := req.GetString("request_id", "")
	if requestID == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	trail, err := h.client.GetAuditTrail(ctx, requestID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get audit trail: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTrail(trail)), nil
}

// HandleGetBudget reports a project's remaining budget.
func (h *Handlers) HandleGetBudget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := h.client.GetBudget(ctx, req.GetString("project_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get budget: %v", err)), nil
	}
	return mcp.NewToolResultText(formatBudget(snap)), nil
}

// HandleVerifyReceipt checks a receipt.
func (h *Handlers) HandleVerifyReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("receipt_id", "")
	if id == "" {
		return mcp.NewToolResultError("receipt_id is required"), nil
	}

	v, err := h.client.VerifyReceipt(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify receipt: %v", err)), nil
	}
	return mcp.NewToolResultText(formatVerification(v)), nil
}

// HandleListReceipts lists recent receipts.
func (h *Handlers) HandleListReceipts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := h.client.ListReceipts(ctx, req.GetInt("limit", 20), req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list receipts: %v", err)), nil
	}
	return mcp.NewToolResultText(formatReceipts(page)), nil
}

// --- Formatting ---

func formatDecision(res *decision.Result) string {
	d := res.Decision
	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision: %s\n", d.Outcome)
	fmt.Fprintf(&sb, "Request ID: %s\n", d.RequestID)
	if d.Kind != "" {
		fmt.Fprintf(&sb, "Kind: %s\n", d.Kind)
	}
	fmt.Fprintf(&sb, "Reason: %s\n", d.Reason)
	if d.EstimatedCost != "" {
		fmt.Fprintf(&sb, "Estimated cost: %s USDC\n", d.EstimatedCost)
	}
	if d.ActualCost != "" {
		fmt.Fprintf(&sb, "Actual cost: %s USDC\n", d.ActualCost)
	}
	if d.RiskScore > 0 {
		fmt.Fprintf(&sb, "Risk score: %d/10\n", d.RiskScore)
	}
	fmt.Fprintf(&sb, "Funds: %s\n", d.FundsStatus)
	if d.HandoffID != "" {
		fmt.Fprintf(&sb, "Review handoff: %s (a human will decide; do not resubmit)\n", d.HandoffID)
	}
	if res.Receipt != nil {
		fmt.Fprintf(&sb, "Receipt: %s\n", res.Receipt.ID)
	}
	if res.ProviderResponse != nil {
		fmt.Fprintf(&sb, "\nProvider response (%d):\n%s", res.ProviderResponse.StatusCode, formatAny(res.ProviderResponse.Body))
	}
	return sb.String()
}

func formatTrail(t *AuditTrail) string {
	var sb strings.Builder
	if t.Verified {
		fmt.Fprintf(&sb, "Audit trail for %s (%d entries, chain verified)\n\n", t.RequestID, t.Count)
	} else {
		fmt.Fprintf(&sb, "Audit trail for %s (%d entries, VERIFICATION FAILED: %s)\n\n", t.RequestID, t.Count, t.Error)
	}
	for _, e := range t.Entries {
		fmt.Fprintf(&sb, "%3d  %-24s %s\n", e.Seq, e.EventType, e.RecordedAt.UTC().Format("15:04:05.000000"))
	}
	return sb.String()
}

func formatBudget(s *budget.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Budget for %s\n", s.Key)
	if s.PerRequest != "" {
		fmt.Fprintf(&sb, "Per-request ceiling: %s USDC\n", s.PerRequest)
	}
	writeLevel(&sb, "Daily", s.Daily)
	writeLevel(&sb, "Monthly", s.Monthly)
	return sb.String()
}

func writeLevel(sb *strings.Builder, name string, l budget.LevelBalance) {
	limit, available := l.Limit, l.Available
	if limit == "" {
		limit, available = "unlimited", "unlimited"
	}
	fmt.Fprintf(sb, "%s (%s): limit %s, spent %s, held %s, available %s\n",
		name, l.Window, limit, l.Spent, l.Held, available)
}

func formatVerification(v *receipts.VerifyResponse) string {
	switch {
	case v.Valid:
		return fmt.Sprintf("Receipt %s is valid.", v.ReceiptID)
	case v.Expired:
		return fmt.Sprintf("Receipt %s has expired.", v.ReceiptID)
	default:
		return fmt.Sprintf("Receipt %s is NOT valid: %s", v.ReceiptID, v.Error)
	}
}

func formatReceipts(page *receipts.Page) string {
	if len(page.Receipts) == 0 {
		return "No receipts found."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d receipts:\n\n", len(page.Receipts))
	for _, r := range page.Receipts {
		amount := r.Amount
		if r.ActualAmount != "" {
			amount = r.ActualAmount
		}
		fmt.Fprintf(&sb, "%s  %-10s %12s USDC  %s  %s\n",
			r.ID, r.Outcome, amount, r.RequestID, r.IssuedAt.UTC().Format("2006-01-02 15:04"))
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore receipts available. Pass cursor %q for the next page.\n", page.NextCursor)
	}
	return sb.String()
}

func formatAny(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
