package review

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-memory handoff queue.
type MemoryQueue struct {
	mu       sync.RWMutex
	handoffs map[string]*Handoff
	now      func() time.Time
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{handoffs: make(map[string]*Handoff), now: time.Now}
}

// WithClock replaces the queue clock.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) Submit(_ context.Context, h *Handoff) error {
	if h.ID == "" {
		h.ID = HandoffID(h.RequestID)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handoffs[h.ID]; ok {
		return ErrDuplicate
	}
	h.Status = StatusPending
	if h.CreatedAt.IsZero() {
		h.CreatedAt = q.now().UTC()
	}
	cp := *h
	q.handoffs[h.ID] = &cp
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*Handoff, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handoffs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

// Pending returns unresolved handoffs, oldest first.
func (q *MemoryQueue) Pending(_ context.Context, limit int) ([]*Handoff, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*Handoff
	for _, h := range q.handoffs {
		if h.Status == StatusPending {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) Resolve(_ context.Context, id string, approve bool, reviewer, note string) (*Handoff, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.handoffs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if h.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	h.Status = StatusDenied
	if approve {
		h.Status = StatusApproved
	}
	h.Reviewer = reviewer
	h.Note = note
	h.ResolvedAt = q.now().UTC()
	cp := *h
	return &cp, nil
}

var _ Queue = (*MemoryQueue)(nil)
