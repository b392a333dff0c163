package services

import "sync"

// InflightGuard enforces at most one in-flight submission per product id
// across the whole process, so a manual create overlapping a running
// batch cannot double-submit the same product.
type InflightGuard struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewInflightGuard creates an empty guard shared by all services.
func NewInflightGuard() *InflightGuard {
	return &InflightGuard{ids: make(map[string]struct{})}
}

// Acquire reserves the product id; false means a submission for it is
// already running.
func (g *InflightGuard) Acquire(productID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.ids[productID]; busy {
		return false
	}
	g.ids[productID] = struct{}{}
	return true
}

// Release frees the product id after the submission finished.
func (g *InflightGuard) Release(productID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ids, productID)
}
