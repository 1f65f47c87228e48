package decision

import (
	"sync"
	"time"
)

// DefaultGuardTTL is how long a request ID stays claimed after it arrives.
const DefaultGuardTTL = 10 * time.Minute

// guard rejects a request ID that is already in flight or was seen
// recently. Older duplicates are caught by the receipt lookup.
type guard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func newGuard(ttl time.Duration) *guard {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &guard{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// claim records id and reports whether it was free.
func (g *guard) claim(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if at, ok := g.seen[id]; ok && now.Sub(at) < g.ttl {
		return false
	}
	g.seen[id] = now
	return true
}

// release frees id so a retry can claim it again.
func (g *guard) release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, id)
}

// sweep drops expired claims and returns how many were removed.
func (g *guard) sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for id, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, id)
			n++
		}
	}
	return n
}
