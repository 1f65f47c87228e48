package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/agentspend/internal/audit"
	"github.com/mbd888/agentspend/internal/budget"
	"github.com/mbd888/agentspend/internal/decision"
	"github.com/mbd888/agentspend/internal/receipts"
)

// Config holds the configuration for connecting to the agentspend API.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	UserID    string // user the agent spends on behalf of
	ProjectID string // default project for paid calls
	AgentID   string // optional, identifies this agent to the risk engine
}

// Client is a pure HTTP client for the agentspend API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client. The timeout covers settlement and
// the provider call, which the server performs before answering.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do makes an HTTP request and returns the status and body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (int, []byte, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-User-ID", c.cfg.UserID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// doRequest is do with any status >= 400 turned into an error.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	status, respBody, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, statusError(status, respBody)
	}
	return json.RawMessage(respBody), nil
}

func statusError(status int, body []byte) error {
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("API error (%d): %s", status, apiErr.Message)
	}
	return fmt.Errorf("API error (%d): %s", status, string(body))
}

// PaidCall is a paid API call the agent wants to make.
type PaidCall struct {
	RequestID string
	ProjectID string // defaults to Config.ProjectID
	Provider  string
	Model     string
	Operation string
	Params    map[string]any
}

// RequestDecision submits a paid call for a spend decision. Rejections,
// escalations and failures are decisions, not errors: the server answers
// them with 202, 403 or 502 and a decision body.
func (c *Client) RequestDecision(ctx context.Context, call PaidCall) (*decision.Result, error) {
	project := call.ProjectID
	if project == "" {
		project = c.cfg.ProjectID
	}
	body := decision.Request{
		RequestID: call.RequestID,
		UserID:    c.cfg.UserID,
		ProjectID: project,
		AgentID:   c.cfg.AgentID,
		Provider:  call.Provider,
		Model:     call.Model,
		Operation: call.Operation,
		Params:    call.Params,
	}
	status, respBody, err := c.do(ctx, http.MethodPost, "/v1/decisions", nil, body)
	if err != nil {
		return nil, err
	}

	var res decision.Result
	if err := json.Unmarshal(respBody, &res); err != nil || res.Decision == nil {
		if status >= 400 {
			return nil, statusError(status, respBody)
		}
		return nil, fmt.Errorf("unexpected decision response (%d): %s", status, string(respBody))
	}
	return &res, nil
}

// AuditTrail is a request's audit entries and whether the chain verified.
type AuditTrail struct {
	RequestID string         `json:"requestId"`
	Entries   []*audit.Entry `json:"entries"`
	Count     int            `json:"count"`
	Verified  bool           `json:"verified"`
	Error     string         `json:"error,omitempty"`
}

// GetAuditTrail returns the audit trail for a request. A trail that fails
// verification is returned with Verified false rather than as an error.
func (c *Client) GetAuditTrail(ctx context.Context, requestID string) (*AuditTrail, error) {
	status, respBody, err := c.do(ctx, http.MethodGet, "/v1/decisions/"+url.PathEscape(requestID)+"/audit", nil, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 && status != http.StatusConflict {
		return nil, statusError(status, respBody)
	}
	var trail AuditTrail
	if err := json.Unmarshal(respBody, &trail); err != nil {
		return nil, fmt.Errorf("decode audit trail: %w", err)
	}
	return &trail, nil
}

// GetBudget returns the budget snapshot for a project.
func (c *Client) GetBudget(ctx context.Context, projectID string) (*budget.Snapshot, error) {
	if projectID == "" {
		projectID = c.cfg.ProjectID
	}
	raw, err := c.doRequest(ctx, http.MethodGet,
		"/v1/budgets/"+url.PathEscape(c.cfg.UserID)+"/"+url.PathEscape(projectID), nil, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Budget *budget.Snapshot `json:"budget"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Budget == nil {
		return nil, fmt.Errorf("decode budget: unexpected response")
	}
	return out.Budget, nil
}

// VerifyReceipt checks a receipt's integrity.
func (c *Client) VerifyReceipt(ctx context.Context, receiptID string) (*receipts.VerifyResponse, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, "/v1/receipts/"+url.PathEscape(receiptID)+"/verify", nil, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Verification *receipts.VerifyResponse `json:"verification"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Verification == nil {
		return nil, fmt.Errorf("decode verification: unexpected response")
	}
	return out.Verification, nil
}

// ListReceipts returns a page of the user's receipts, newest first.
func (c *Client) ListReceipts(ctx context.Context, limit int, cursor string) (*receipts.Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	raw, err := c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(c.cfg.UserID)+"/receipts", q, nil)
	if err != nil {
		return nil, err
	}
	var page receipts.Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode receipts: %w", err)
	}
	return &page, nil
}
