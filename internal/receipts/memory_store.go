package receipts

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/agentspend/internal/pagination"
)

// MemoryStore is an in-memory receipt store for demo/development mode.
type MemoryStore struct {
	receipts  map[string]*Receipt
	byRequest map[string]string
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts:  make(map[string]*Receipt),
		byRequest: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRequest[r.RequestID]; ok {
		return ErrDuplicate
	}
	cp := *r
	m.receipts[r.ID] = &cp
	m.byRequest[r.RequestID] = r.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByRequest(ctx context.Context, requestID string) (*Receipt, error) {
	m.mu.RLock()
	id, ok := m.byRequest[requestID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int, opts ...ListOption) ([]*Receipt, error) {
	o := applyListOpts(opts)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Receipt
	for _, r := range m.receipts {
		if r.UserID != userID || !pastCursor(r, o.cursor) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// pastCursor reports whether r comes after the cursor in (created_at, id)
// descending order.
func pastCursor(r *Receipt, c *pagination.Cursor) bool {
	if c == nil {
		return true
	}
	if r.CreatedAt.Equal(c.CreatedAt) {
		return r.ID < c.ID
	}
	return r.CreatedAt.Before(c.CreatedAt)
}

// Tamper edits a stored receipt in place. Tests only.
func (m *MemoryStore) Tamper(id string, fn func(*Receipt)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if ok {
		fn(r)
	}
	return ok
}

var _ Store = (*MemoryStore)(nil)
