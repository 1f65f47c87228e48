package risk

import (
	"context"
	"sort"
	"sync"
	"time"
)

// maxActivityPerUser caps retained history per user.
const maxActivityPerUser = 10000

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	activity map[string][]Activity // userID -> activity, oldest first
}

// NewMemoryStore creates an in-memory activity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		activity: make(map[string][]Activity),
	}
}

func (s *MemoryStore) RecordOutcome(_ context.Context, a Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.activity[a.UserID]
	// keep time order even if outcomes arrive late
	i := sort.Search(len(list), func(i int) bool { return list[i].At.After(a.At) })
	list = append(list, Activity{})
	copy(list[i+1:], list[i:])
	list[i] = a

	if len(list) > maxActivityPerUser {
		list = list[len(list)-maxActivityPerUser:]
	}
	s.activity[a.UserID] = list
	return nil
}

func (s *MemoryStore) Window(_ context.Context, userID string, from, to time.Time) ([]Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Activity
	for _, a := range s.activity[userID] {
		if !a.At.Before(from) && a.At.Before(to) {
			result = append(result, a)
		}
	}
	return result, nil
}

// Prune drops activity older than cutoff. Returns the number removed.
func (s *MemoryStore) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for user, list := range s.activity {
		start := 0
		for start < len(list) && list[start].At.Before(cutoff) {
			start++
		}
		removed += start
		if start == len(list) {
			delete(s.activity, user)
			continue
		}
		s.activity[user] = list[start:]
	}
	return removed
}

var _ Store = (*MemoryStore)(nil)
