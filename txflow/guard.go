package txflow

import (
	"fmt"
	"sync"

	"lendingdash/chain"
)

type guardKey struct {
	kind    chain.Kind
	account string
}

// Guard tracks which (kind, account) pairs currently have a transaction in
// flight.
type Guard struct {
	mu     sync.Mutex
	active map[guardKey]struct{}
}

// NewGuard constructs an empty guard.
func NewGuard() *Guard {
	return &Guard{active: make(map[guardKey]struct{})}
}

// Begin claims the pair, failing with ErrInFlight when it is already held.
func (g *Guard) Begin(kind chain.Kind, account string) (release func(), err error) {
	key := guardKey{kind: kind, account: account}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[key]; busy {
		return nil, fmt.Errorf("%w: %s for %s", ErrInFlight, kind, account)
	}
	g.active[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, key)
			g.mu.Unlock()
		})
	}, nil
}

// Active reports whether the pair is currently held.
func (g *Guard) Active(kind chain.Kind, account string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[guardKey{kind: kind, account: account}]
	return busy
}
