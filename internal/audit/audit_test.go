package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentspend/internal/retry"
)

var fixedNow = time.Date(2026, 10, 19, 14, 30, 0, 123456789, time.UTC)

func newTestChain(sink Sink) *Chain {
	return NewChain(sink,
		WithClock(func() time.Time { return fixedNow }),
		WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}),
	)
}

func appendStages(t *testing.T, c *Chain, requestID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.Append(context.Background(), requestID, EventRequestReceived, map[string]any{"step": i})
		require.NoError(t, err)
	}
}

func TestCanonical_SortsKeysAtEveryDepth(t *testing.T) {
	type inner struct {
		Zeta  int `json:"zeta"`
		Alpha int `json:"alpha"`
	}
	a, err := Canonical(map[string]any{"b": 1, "a": inner{Zeta: 2, Alpha: 3}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"alpha":3,"zeta":2},"b":1}`, string(a))

	// large integers survive unchanged
	b, err := Canonical(map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(b))
}

func TestCanonical_Deterministic(t *testing.T) {
	payload := map[string]any{"provider": "openai", "model": "gpt-4", "params": map[string]any{"max_tokens": 10, "temperature": 0.2}}
	first, err := Canonical(payload)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Canonical(payload)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAppend_LinksEntries(t *testing.T) {
	sink := NewMemorySink()
	c := newTestChain(sink)

	appendStages(t, c, "req_1", 4)

	entries, err := c.Trail(context.Background(), "req_1")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, GenesisHash, entries[0].PrevHash)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Seq)
		if i > 0 {
			assert.Equal(t, entries[i-1].Hash, e.PrevHash)
		}
		assert.Equal(t, fixedNow.Truncate(time.Microsecond), e.RecordedAt)
	}
	assert.NoError(t, Verify(entries))

	head, ok := c.Head("req_1")
	require.True(t, ok)
	assert.Equal(t, entries[3].Hash, head)
}

func TestVerify_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		seq    int
		mutate func(*Entry)
		reason string
	}{
		{"payload edited", 1, func(e *Entry) { e.Payload = []byte(`{"step":99}`) }, "hash mismatch"},
		{"event type edited", 2, func(e *Entry) { e.EventType = EventDecisionFinalized }, "hash mismatch"},
		{"hash rewritten", 0, func(e *Entry) { e.Hash = GenesisHash }, "hash mismatch"},
		{"sequence altered", 2, func(e *Entry) { e.Seq = 7 }, "sequence gap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := NewMemorySink()
			c := newTestChain(sink)
			appendStages(t, c, "req_t", 3)
			require.True(t, sink.Tamper("req_t", tt.seq, tt.mutate))

			_, err := c.VerifyTrail(context.Background(), "req_t")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBrokenChain)

			var ve *VerifyError
			require.True(t, errors.As(err, &ve))
			assert.Contains(t, ve.Reason, tt.reason)
		})
	}
}

func TestVerify_ReportsFirstBrokenIndex(t *testing.T) {
	sink := NewMemorySink()
	c := newTestChain(sink)
	appendStages(t, c, "req_h", 3)
	sink.Tamper("req_h", 0, func(e *Entry) { e.Hash = GenesisHash })

	entries, _ := sink.List(context.Background(), "req_h")
	err := Verify(entries)
	var ve *VerifyError
	require.True(t, errors.As(err, &ve))
	// entry 0's stored hash no longer matches its content
	assert.Equal(t, 0, ve.Index)
}

func TestVerify_Empty(t *testing.T) {
	assert.ErrorIs(t, Verify(nil), ErrNotFound)
}

func TestTrail_Unknown(t *testing.T) {
	c := newTestChain(NewMemorySink())
	_, err := c.Trail(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppend_RetriesTransientSinkErrors(t *testing.T) {
	sink := NewMemorySink()
	c := newTestChain(sink)
	sink.FailNext(2)

	e, err := c.Append(context.Background(), "req_r", EventRequestReceived, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), e.Seq)
	assert.Equal(t, "null", string(e.Payload))
	assert.Equal(t, 1, sink.Len())
}

func TestAppend_FailsAfterRetriesWithoutAdvancing(t *testing.T) {
	sink := NewMemorySink()
	c := newTestChain(sink)
	appendStages(t, c, "req_f", 1)

	sink.FailNext(3)
	_, err := c.Append(context.Background(), "req_f", EventCostEstimated, map[string]string{"amount": "0.002"})
	require.Error(t, err)

	// the next append reuses the unwritten sequence number
	e, err := c.Append(context.Background(), "req_f", EventCostEstimated, map[string]string{"amount": "0.002"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Seq)

	entries, _ := c.Trail(context.Background(), "req_f")
	assert.NoError(t, Verify(entries))
}

// lostAckSink stores the first write and then reports a transient error,
// as when the connection drops after the commit.
type lostAckSink struct {
	*MemorySink
	dropped bool
}

func (s *lostAckSink) Write(ctx context.Context, e *Entry) error {
	if err := s.MemorySink.Write(ctx, e); err != nil {
		return err
	}
	if !s.dropped {
		s.dropped = true
		return errors.New("connection reset")
	}
	return nil
}

func TestAppend_WriteThatLandedDespiteErrorSucceeds(t *testing.T) {
	sink := &lostAckSink{MemorySink: NewMemorySink()}
	c := newTestChain(sink)

	e, err := c.Append(context.Background(), "req_ack", EventRequestReceived, map[string]int{"step": 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), e.Seq)
	assert.Equal(t, 1, sink.Len())

	// the head advanced, so the chain keeps linking
	next, err := c.Append(context.Background(), "req_ack", EventCostEstimated, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Seq)
	assert.Equal(t, e.Hash, next.PrevHash)

	entries, err := c.Trail(context.Background(), "req_ack")
	require.NoError(t, err)
	assert.NoError(t, Verify(entries))
}

func TestClose_ResumesFromSink(t *testing.T) {
	sink := NewMemorySink()
	c := newTestChain(sink)
	appendStages(t, c, "req_c", 2)
	c.Close("req_c")

	_, ok := c.Head("req_c")
	assert.False(t, ok)

	// a fresh chain over the same sink continues the sequence
	c2 := newTestChain(sink)
	e, err := c2.Append(context.Background(), "req_c", EventReceiptIssued, map[string]string{"receipt": "r1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Seq)

	entries, _ := c2.Trail(context.Background(), "req_c")
	assert.NoError(t, Verify(entries))
}

func TestAppend_RequestsAreIndependent(t *testing.T) {
	sink := NewMemorySink()
	c := newTestChain(sink)

	var wg sync.WaitGroup
	for r := 0; r < 20; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("req_%d", r)
			for i := 0; i < 10; i++ {
				if _, err := c.Append(context.Background(), id, EventRequestReceived, i); err != nil {
					t.Errorf("append %s: %v", id, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, sink.Len())
	for r := 0; r < 20; r++ {
		entries, err := c.Trail(context.Background(), fmt.Sprintf("req_%d", r))
		require.NoError(t, err)
		assert.Len(t, entries, 10)
		assert.NoError(t, Verify(entries))
	}
}

func TestMemorySink_RejectsDuplicateSequence(t *testing.T) {
	sink := NewMemorySink()
	e := &Entry{RequestID: "r", Seq: 0, Payload: []byte("null")}
	require.NoError(t, sink.Write(context.Background(), e))
	assert.ErrorIs(t, sink.Write(context.Background(), e), ErrSequenceConflict)
}
