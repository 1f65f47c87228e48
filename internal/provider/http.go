package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/agentspend/internal/circuitbreaker"
	"github.com/mbd888/agentspend/internal/usdc"
)

const (
	maxResponseSize    = 5 * 1024 * 1024 // 5MB
	DefaultHTTPTimeout = 30 * time.Second

	// HeaderActualCost carries the provider-reported cost.
	HeaderActualCost = "X-Actual-Cost"
)

// HTTPGateway posts calls to a per-provider base URL:
// POST {base}/{operation} with the params and model as JSON.
type HTTPGateway struct {
	endpoints map[string]string
	client    *http.Client
	breaker   *circuitbreaker.Breaker
}

// NewHTTPGateway creates a gateway. Provider names are matched case-insensitively.
// Pass timeout=0 to use DefaultHTTPTimeout.
func NewHTTPGateway(endpoints map[string]string, timeout time.Duration) *HTTPGateway {
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[strings.ToLower(k)] = strings.TrimRight(v, "/")
	}
	return &HTTPGateway{
		endpoints: eps,
		client:    &http.Client{Timeout: timeout},
		breaker:   circuitbreaker.New(5, 30*time.Second),
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (g *HTTPGateway) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *HTTPGateway) Invoke(ctx context.Context, call Call) (*Response, error) {
	key := strings.ToLower(call.Provider)
	base, ok := g.endpoints[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, call.Provider)
	}
	if !g.breaker.Allow(key) {
		return nil, fmt.Errorf("%w: %s: %v", ErrCallFailed, key, circuitbreaker.ErrOpen)
	}

	resp, err := g.forward(ctx, base, call)
	if err != nil {
		g.breaker.RecordFailure(key)
		return resp, err
	}
	g.breaker.RecordSuccess(key)
	return resp, nil
}

func (g *HTTPGateway) forward(ctx context.Context, base string, call Call) (*Response, error) {
	payload := make(map[string]any, len(call.Params)+1)
	for k, v := range call.Params {
		payload[k] = v
	}
	payload["model"] = call.Model

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	op := call.Operation
	if op == "" {
		op = "chat"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", call.RequestID)
	httpReq.Header.Set("X-Payment-Amount", call.Amount)
	httpReq.Header.Set("X-Payment-Reference", call.SettlementRef)

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrCallFailed, err)
	}

	var parsed map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			parsed = map[string]any{"raw": string(respBody)}
		}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       parsed,
		LatencyMs:  latency,
	}
	if h := resp.Header.Get(HeaderActualCost); h != "" {
		out.ActualCost = usdc.Normalize(h)
	} else {
		out.ActualCost = CostFromBody(parsed)
	}

	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("%w: HTTP %d", ErrCallFailed, resp.StatusCode)
	}
	return out, nil
}

var _ Gateway = (*HTTPGateway)(nil)
