package search

import "sync"

// Generation hands out monotonically increasing request tokens and
// accepts only the latest one, so a slow response for an older query can
// never overwrite the results of a newer one.
type Generation struct {
	mu     sync.Mutex
	issued uint64
}

// Next issues a new token, invalidating all previously issued ones.
func (g *Generation) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.issued++
	return g.issued
}

// Accept reports whether token is the most recently issued one. Stale
// tokens are dropped, not treated as errors.
func (g *Generation) Accept(token uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return token == g.issued
}

// Current returns the latest issued token without issuing a new one.
func (g *Generation) Current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issued
}
