package policy

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
type MemoryStore struct {
	mu     sync.RWMutex
	system *Policy
	users  map[userKey]*Policy
	now    func() time.Time
}

type userKey struct{ user, project string }

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[userKey]*Policy),
		now:   time.Now,
	}
}

func (m *MemoryStore) GetSystem(_ context.Context) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.system == nil {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(m.system), nil
}

func (m *MemoryStore) GetUser(_ context.Context, userID, projectID string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[userKey{userID, projectID}]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(p), nil
}

func (m *MemoryStore) Put(_ context.Context, p *Policy) (*Policy, error) {
	if err := ValidatePolicy(p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := clonePolicy(p)
	cp.UpdatedAt = m.now().UTC()
	if cp.Enforcement == "" {
		cp.Enforcement = EnforceMode
	}
	if cp.Scope == ScopeSystem {
		cp.Version = 1
		if m.system != nil {
			cp.Version = m.system.Version + 1
		}
		m.system = cp
		return clonePolicy(cp), nil
	}
	k := userKey{cp.UserID, cp.ProjectID}
	cp.Version = 1
	if prev, ok := m.users[k]; ok {
		cp.Version = prev.Version + 1
	}
	m.users[k] = cp
	return clonePolicy(cp), nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, userID, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := userKey{userID, projectID}
	if _, ok := m.users[k]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.users, k)
	return nil
}

// Snapshot implements SnapshotSource.
func (m *MemoryStore) Snapshot(ctx context.Context, userID, projectID string) (*Snapshot, error) {
	return LoadSnapshot(ctx, m, userID, projectID)
}

func clonePolicy(p *Policy) *Policy {
	cp := *p
	r := p.Rules
	cp.Rules.AllowedProviders = append([]string(nil), r.AllowedProviders...)
	if r.AllowedModels != nil {
		cp.Rules.AllowedModels = make(map[string][]string, len(r.AllowedModels))
		for k, v := range r.AllowedModels {
			cp.Rules.AllowedModels[k] = append([]string(nil), v...)
		}
	}
	cp.Rules.TimeWindows = make([]TimeWindow, len(r.TimeWindows))
	for i, w := range r.TimeWindows {
		w.Days = append([]string(nil), w.Days...)
		cp.Rules.TimeWindows[i] = w
	}
	if len(cp.Rules.TimeWindows) == 0 {
		cp.Rules.TimeWindows = nil
	}
	return &cp
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ SnapshotSource = (*MemoryStore)(nil)
)
