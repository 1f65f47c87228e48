package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGateway_ForwardsAndReadsHeaderCost(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat", r.URL.Path)
		assert.Equal(t, "req_1", r.Header.Get("X-Request-ID"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set(HeaderActualCost, "0.0018")
		_, _ = w.Write([]byte(`{"text":"hi"}`))
	}))
	defer srv.Close()

	gw := NewHTTPGateway(map[string]string{"OpenAI": srv.URL + "/"}, time.Second)
	resp, err := gw.Invoke(context.Background(), Call{
		RequestID: "req_1", Provider: "openai", Model: "gpt-4", Operation: "chat",
		Params: map[string]any{"prompt": "hello"}, Amount: "0.002000",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "0.001800", resp.ActualCost)
	assert.Equal(t, "gpt-4", got["model"])
	assert.Equal(t, "hello", got["prompt"])
}

func TestHTTPGateway_CostFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"cost":0.25}`))
	}))
	defer srv.Close()

	gw := NewHTTPGateway(map[string]string{"anthropic": srv.URL}, time.Second)
	resp, err := gw.Invoke(context.Background(), Call{Provider: "anthropic", Model: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "0.250000", resp.ActualCost)
}

func TestHTTPGateway_ErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(map[string]string{"openai": srv.URL}, time.Second)
	resp, err := gw.Invoke(context.Background(), Call{Provider: "openai"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCallFailed))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHTTPGateway_CircuitOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(map[string]string{"openai": srv.URL}, time.Second)
	for i := 0; i < 7; i++ {
		_, _ = gw.Invoke(context.Background(), Call{Provider: "openai"})
	}
	assert.Equal(t, int32(5), hits.Load(), "open circuit must short-circuit further calls")
}

func TestHTTPGateway_UnknownProvider(t *testing.T) {
	gw := NewHTTPGateway(nil, 0)
	_, err := gw.Invoke(context.Background(), Call{Provider: "mystery"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestHTTPGateway_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(map[string]string{"openai": srv.URL}, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := gw.Invoke(ctx, Call{Provider: "openai"})
	assert.ErrorIs(t, err, ErrCallFailed)
}

func TestStub(t *testing.T) {
	s := NewStub()
	resp, err := s.Invoke(context.Background(), Call{Provider: "OpenAI", Amount: "0.5"})
	require.NoError(t, err)
	assert.Equal(t, "0.500000", resp.ActualCost)
	assert.Len(t, s.Calls(), 1)

	s.CostFunc = func(Call) string { return "0.7" }
	resp, _ = s.Invoke(context.Background(), Call{Amount: "0.5"})
	assert.Equal(t, "0.7", resp.ActualCost)

	s.Err = errors.New("boom")
	_, err = s.Invoke(context.Background(), Call{})
	assert.ErrorIs(t, err, ErrCallFailed)
}

func TestCostFromBody(t *testing.T) {
	assert.Equal(t, "1.500000", CostFromBody(map[string]any{"cost": "1.5"}))
	assert.Equal(t, "", CostFromBody(map[string]any{"cost": "abc"}))
	assert.Equal(t, "", CostFromBody(nil))
}
