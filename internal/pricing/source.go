package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/agentspend/internal/circuitbreaker"
)

// RateSource resolves the rate for a provider/model.
type RateSource interface {
	Rate(ctx context.Context, provider, model string) (Rate, error)
}

// TableSource serves rates from a static table.
type TableSource struct {
	table *RateTable
}

// NewTableSource creates a source over t.
func NewTableSource(t *RateTable) *TableSource {
	return &TableSource{table: t}
}

func (s *TableSource) Rate(_ context.Context, provider, model string) (Rate, error) {
	r, ok := s.table.Lookup(provider, model)
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s/%s", ErrRateNotFound, provider, model)
	}
	return r, nil
}

type cachedRate struct {
	rate      Rate
	fetchedAt time.Time
}

// HTTPSource fetches rates from a remote pricing service at
// GET {base}/rates/{provider}/{model}. Fresh rates are cached for ttl.
// There is no stale fallback: a failed fetch fails the estimate.
type HTTPSource struct {
	base    string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]cachedRate
}

// NewHTTPSource creates a remote rate source.
func NewHTTPSource(base string, ttl time.Duration) *HTTPSource {
	return &HTTPSource{
		base:    strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		ttl:     ttl,
		cache:   make(map[string]cachedRate),
	}
}

func (s *HTTPSource) Rate(ctx context.Context, provider, model string) (Rate, error) {
	provider = strings.ToLower(provider)
	key := provider + "/" + model

	s.mu.RLock()
	c, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Since(c.fetchedAt) < s.ttl {
		return c.rate, nil
	}

	if !s.breaker.Allow(provider) {
		return Rate{}, fmt.Errorf("pricing %s: %w", provider, circuitbreaker.ErrOpen)
	}
	r, found, err := s.fetch(ctx, provider, model)
	if err != nil {
		s.breaker.RecordFailure(provider)
		return Rate{}, err
	}
	s.breaker.RecordSuccess(provider)
	if !found {
		return Rate{}, fmt.Errorf("%w: %s/%s", ErrRateNotFound, provider, model)
	}

	s.mu.Lock()
	s.cache[key] = cachedRate{rate: r, fetchedAt: time.Now()}
	s.mu.Unlock()
	return r, nil
}

func (s *HTTPSource) fetch(ctx context.Context, provider, model string) (Rate, bool, error) {
	endpoint := fmt.Sprintf("%s/rates/%s/%s", s.base, url.PathEscape(provider), url.PathEscape(model))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Rate{}, false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Rate{}, false, fmt.Errorf("failed to fetch rate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Rate{}, false, nil
	case resp.StatusCode != http.StatusOK:
		return Rate{}, false, fmt.Errorf("pricing API returned status %d", resp.StatusCode)
	}

	var r Rate
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Rate{}, false, fmt.Errorf("failed to decode rate: %w", err)
	}
	if err := r.validate(); err != nil {
		return Rate{}, false, err
	}
	return r, true, nil
}

var (
	_ RateSource = (*TableSource)(nil)
	_ RateSource = (*HTTPSource)(nil)
)
