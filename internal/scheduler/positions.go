package scheduler

import (
	"context"
	"sync"

	"github.com/quantatlas/tuner-backend/pkg/types"
)

// MemoryPositionTracker is the in-process position state fed by the
// lifecycle hooks. The trading engine reports opens and closes; the
// scheduler only ever asks "is it in a position right now".
type MemoryPositionTracker struct {
	mu   sync.RWMutex
	open map[string]struct{}
}

// NewMemoryPositionTracker creates an empty tracker.
func NewMemoryPositionTracker() *MemoryPositionTracker {
	return &MemoryPositionTracker{open: make(map[string]struct{})}
}

// SetInPosition records that the session holds an open position.
func (t *MemoryPositionTracker) SetInPosition(key types.SessionKey) {
	t.mu.Lock()
	t.open[key.String()] = struct{}{}
	t.mu.Unlock()
}

// ClearPosition records that the session's position closed.
func (t *MemoryPositionTracker) ClearPosition(key types.SessionKey) {
	t.mu.Lock()
	delete(t.open, key.String())
	t.mu.Unlock()
}

// InPosition reports whether the session holds an open position.
func (t *MemoryPositionTracker) InPosition(_ context.Context, key types.SessionKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.open[key.String()]
	return ok
}
