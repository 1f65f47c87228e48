package audit

import (
	"context"
	"sync"
)

// MemorySink is an append-only in-memory arena. Entries are stored once in
// a single slice; each request keeps the arena offsets of its entries.
type MemorySink struct {
	mu      sync.RWMutex
	arena   []Entry
	offsets map[string][]int

	failNext int // test hook: fail this many upcoming writes
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{offsets: make(map[string][]int)}
}

// errTransient is returned by injected failures.
type errTransient struct{}

func (errTransient) Error() string { return "audit: memory sink unavailable" }

// FailNext makes the next n writes fail with a transient error.
func (m *MemorySink) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

func (m *MemorySink) Write(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return errTransient{}
	}
	offs := m.offsets[e.RequestID]
	if uint64(len(offs)) != e.Seq {
		return ErrSequenceConflict
	}
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	m.arena = append(m.arena, cp)
	m.offsets[e.RequestID] = append(offs, len(m.arena)-1)
	return nil
}

func (m *MemorySink) List(_ context.Context, requestID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offs := m.offsets[requestID]
	out := make([]*Entry, len(offs))
	for i, off := range offs {
		cp := m.arena[off]
		out[i] = &cp
	}
	return out, nil
}

func (m *MemorySink) Last(_ context.Context, requestID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offs := m.offsets[requestID]
	if len(offs) == 0 {
		return nil, ErrNotFound
	}
	cp := m.arena[offs[len(offs)-1]]
	return &cp, nil
}

// Len returns the number of entries across all requests.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.arena)
}

// Ping reports sink health.
func (m *MemorySink) Ping(context.Context) error { return nil }

// Tamper rewrites a stored entry in place. Test-only: it exists to prove
// that verification catches modification.
func (m *MemorySink) Tamper(requestID string, seq int, mutate func(*Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	offs := m.offsets[requestID]
	if seq < 0 || seq >= len(offs) {
		return false
	}
	mutate(&m.arena[offs[seq]])
	return true
}

var _ Sink = (*MemorySink)(nil)
