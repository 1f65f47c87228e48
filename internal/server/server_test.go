package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentspend/internal/config"
	"github.com/mbd888/agentspend/internal/decision"
	"github.com/mbd888/agentspend/internal/logging"
	"github.com/mbd888/agentspend/internal/provider"
	"github.com/mbd888/agentspend/internal/settlement"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory development config
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		MicroCeiling:       config.DefaultMicroCeiling,
		FastMaxCost:        config.DefaultFastMaxCost,
		SecondaryThreshold: config.DefaultSecondaryThreshold,
		HardCeiling:        config.DefaultHardCeiling,
		AnomalyMultiple:    config.DefaultAnomalyMultiple,
		BaselineWindowDays: config.DefaultBaselineWindowDays,
		PolicyTimeout:      config.DefaultPolicyTimeout,
		ContextTimeout:     config.DefaultContextTimeout,
		PricingTimeout:     config.DefaultPricingTimeout,
		SettlementTimeout:  config.DefaultSettlementTimeout,
		ProviderTimeout:    config.DefaultProviderTimeout,
		SettlementBackend:  config.SettlementMemory,
		CORSOrigins:        []string{"*"},
		RateLimitPerMinute: config.DefaultRateLimitPerMinute,
		RateLimitBurst:     config.DefaultRateLimitBurst,
		GuardTTL:           config.DefaultGuardTTL,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWith(t, testConfig())
}

func newTestServerWith(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg,
		WithLogger(logging.Discard()),
		WithSettlement(settlement.NewMemoryGateway()),
		WithProvider(provider.NewStub()),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decisionBody(requestID, model string) map[string]any {
	return map[string]any{
		"requestId": requestID,
		"userId":    "user_srv",
		"projectId": "proj_srv",
		"provider":  "openai",
		"model":     model,
		"operation": "chat",
		"params": map[string]any{
			"messages":   []any{map[string]any{"role": "user", "content": "hello"}},
			"max_tokens": 32,
		},
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) decision.Result {
	t.Helper()
	var res decision.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v\n%s", err, w.Body.String())
	}
	return res
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}
	var hr HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &hr); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("status = %q", hr.Status)
	}
	names := make([]string, 0, len(hr.Checks))
	for _, c := range hr.Checks {
		names = append(names, c.Name)
	}
	if got := strings.Join(names, ","); got != "ledger,audit" {
		t.Errorf("checks = %s, want ledger,audit", got)
	}

	if w := do(t, s, http.MethodGet, "/health/live", nil); w.Code != http.StatusOK {
		t.Errorf("live: %d", w.Code)
	}
	// ready flips only once Run starts
	if w := do(t, s, http.MethodGet, "/health/ready", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("ready before Run: %d", w.Code)
	}
}

func TestDecide_ApprovesAndRecordsTrail(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/decisions", decisionBody("req_srv_ok", "gpt-4o-mini"))
	if w.Code != http.StatusOK {
		t.Fatalf("decide: %d %s", w.Code, w.Body.String())
	}
	res := decode(t, w)
	if res.Decision.Outcome != decision.OutcomeApprove {
		t.Fatalf("outcome = %s (%s)", res.Decision.Outcome, res.Decision.Reason)
	}
	if res.Receipt == nil || res.Receipt.RequestID != "req_srv_ok" {
		t.Errorf("receipt = %+v", res.Receipt)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	w = do(t, s, http.MethodGet, "/v1/decisions/req_srv_ok/audit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit: %d %s", w.Code, w.Body.String())
	}
	var trail struct {
		Count    int  `json:"count"`
		Verified bool `json:"verified"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &trail); err != nil {
		t.Fatalf("decode trail: %v", err)
	}
	if !trail.Verified || trail.Count < 3 {
		t.Errorf("trail = %+v", trail)
	}

	w = do(t, s, http.MethodGet, "/v1/budgets/user_srv/proj_srv", nil)
	if w.Code != http.StatusOK {
		t.Errorf("budget: %d %s", w.Code, w.Body.String())
	}
}

func TestDecide_RejectsDisallowedModel(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/decisions", decisionBody("req_srv_bad", "gpt-5-preview"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("decide: %d %s", w.Code, w.Body.String())
	}
	res := decode(t, w)
	if res.Decision.Outcome != decision.OutcomeReject || res.Decision.Kind != decision.KindUnauthorizedTarget {
		t.Errorf("decision = %s/%s", res.Decision.Outcome, res.Decision.Kind)
	}
}

func TestDecide_MalformedBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/decisions", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: %d", w.Code)
	}
}

func TestAuditTrail_NotFound(t *testing.T) {
	s := newTestServer(t)
	if w := do(t, s, http.MethodGet, "/v1/decisions/req_missing/audit", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing trail: %d", w.Code)
	}
}

func TestPolicyUpdateInvalidatesCache(t *testing.T) {
	s := newTestServer(t)

	// warm the snapshot cache
	if w := do(t, s, http.MethodPost, "/v1/decisions", decisionBody("req_srv_warm", "gpt-4o-mini")); w.Code != http.StatusOK {
		t.Fatalf("warm: %d %s", w.Code, w.Body.String())
	}

	w := do(t, s, http.MethodPut, "/v1/policies/users/user_srv?project=proj_srv", map[string]any{
		"rules": map[string]any{
			"allowedModels": map[string]any{"openai": []string{"gpt-4"}},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("put policy: %d %s", w.Code, w.Body.String())
	}

	w = do(t, s, http.MethodPost, "/v1/decisions", decisionBody("req_srv_after", "gpt-4o-mini"))
	if w.Code != http.StatusForbidden {
		t.Errorf("after policy update: %d %s", w.Code, w.Body.String())
	}
}

func TestOperatorRoutesRequireKey(t *testing.T) {
	cfg := testConfig()
	cfg.AdminAPIKeys = []string{"op-secret"}
	s := newTestServerWith(t, cfg)

	policyBody := map[string]any{"rules": map[string]any{"ceilings": map[string]any{"perRequest": "1.00"}}}
	if w := do(t, s, http.MethodPut, "/v1/policies/users/user_srv", policyBody); w.Code != http.StatusUnauthorized {
		t.Errorf("without key: %d %s", w.Code, w.Body.String())
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(policyBody)
	req := httptest.NewRequest(http.MethodPut, "/v1/policies/users/user_srv", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer op-secret")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key: %d %s", w.Code, w.Body.String())
	}

	// agent-facing routes stay open
	if w := do(t, s, http.MethodPost, "/v1/decisions", decisionBody("req_srv_ops", "gpt-4o-mini")); w.Code != http.StatusOK {
		t.Errorf("decision: %d %s", w.Code, w.Body.String())
	}
}

func TestMaintenanceSweep(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/v1/decisions", decisionBody("req_srv_sweep", "gpt-4o-mini"))

	now := time.Now().Add(48 * time.Hour)
	s.maintenance.now = func() time.Time { return now }
	s.maintenance.retention = 24 * time.Hour
	if got := s.maintenance.sweep(); got.pruned != 1 {
		t.Errorf("pruned %d activity records, want 1", got.pruned)
	}
	if s.maintenance.Running() {
		t.Error("maintenance should not be running before Run")
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://agent:s3cret@db:5432/agentspend?sslmode=disable")
	if strings.Contains(got, "s3cret") {
		t.Errorf("password leaked: %s", got)
	}
	if !strings.Contains(got, "agent:") {
		t.Errorf("username dropped: %s", got)
	}
}
