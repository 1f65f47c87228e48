package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/agentspend/internal/logging"
	"github.com/mbd888/agentspend/internal/metrics"
	"github.com/mbd888/agentspend/internal/retry"
)

type head struct {
	seq  uint64
	hash string
}

// Chain appends entries to per-request chains. It keeps only the latest
// (seq, hash) per open request in memory, so an append costs one map lookup
// plus one sink write regardless of how long the log grows.
type Chain struct {
	sink   Sink
	policy retry.Policy
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	heads map[string]head
}

// Option configures a Chain.
type Option func(*Chain)

// WithRetryPolicy sets the sink write retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Chain) { c.policy = p }
}

// WithClock sets the time source for RecordedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// NewChain creates a chain writing to sink.
func NewChain(sink Sink, opts ...Option) *Chain {
	c := &Chain{
		sink:   sink,
		policy: retry.DefaultPolicy,
		now:    time.Now,
		logger: logging.Discard(),
		heads:  make(map[string]head),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append links a new entry onto requestID's chain and writes it to the sink.
// The head only advances after the sink confirms, so a failed append can be
// retried by the caller without leaving a gap.
//
// Appends for one request must not run concurrently; the pipeline drives
// each request from a single goroutine.
func (c *Chain) Append(ctx context.Context, requestID string, eventType EventType, payload any) (*Entry, error) {
	data, err := Canonical(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize %s payload: %w", eventType, err)
	}

	h, err := c.head(ctx, requestID)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		RequestID: requestID,
		EventType: eventType,
		Payload:   data,
		PrevHash:  GenesisHash,
		// sinks store microsecond precision
		RecordedAt: c.now().UTC().Truncate(time.Microsecond),
	}
	if h != nil {
		e.Seq = h.seq + 1
		e.PrevHash = h.hash
	}
	if e.Hash, err = ComputeHash(e.PrevHash, e); err != nil {
		return nil, fmt.Errorf("audit: hash entry: %w", err)
	}

	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		err := c.sink.Write(ctx, e)
		if errors.Is(err, ErrSequenceConflict) {
			// an earlier attempt may have landed before its error came back
			if c.landed(ctx, e) {
				return nil
			}
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		metrics.AuditAppendsTotal.WithLabelValues("error").Inc()
		c.logger.Error("audit append failed",
			"request_id", requestID, "event", eventType, "seq", e.Seq, "error", err)
		return nil, fmt.Errorf("audit: write %s: %w", eventType, err)
	}

	c.mu.Lock()
	c.heads[requestID] = head{seq: e.Seq, hash: e.Hash}
	c.mu.Unlock()

	metrics.AuditAppendsTotal.WithLabelValues("ok").Inc()
	return e, nil
}

// landed reports whether the sink's latest entry for e's request is e itself.
func (c *Chain) landed(ctx context.Context, e *Entry) bool {
	last, err := c.sink.Last(ctx, e.RequestID)
	return err == nil && last.Seq == e.Seq && last.Hash == e.Hash
}

// head returns the current head for requestID, resuming from the sink when
// this process has not seen the request. Nil means the chain is empty.
func (c *Chain) head(ctx context.Context, requestID string) (*head, error) {
	c.mu.Lock()
	h, ok := c.heads[requestID]
	c.mu.Unlock()
	if ok {
		return &h, nil
	}

	last, err := c.sink.Last(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: load head: %w", err)
	}
	return &head{seq: last.Seq, hash: last.Hash}, nil
}

// Head returns the latest hash for an open request.
func (c *Chain) Head(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.heads[requestID]
	return h.hash, ok
}

// Close forgets the in-memory head of a finished request. Later appends
// resume from the sink.
func (c *Chain) Close(requestID string) {
	c.mu.Lock()
	delete(c.heads, requestID)
	c.mu.Unlock()
}

// Trail returns requestID's entries in sequence order.
func (c *Chain) Trail(ctx context.Context, requestID string) ([]*Entry, error) {
	entries, err := c.sink.List(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries, nil
}

// VerifyTrail loads and verifies requestID's chain.
func (c *Chain) VerifyTrail(ctx context.Context, requestID string) ([]*Entry, error) {
	entries, err := c.Trail(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return entries, Verify(entries)
}
