package mediaplayer

import (
	"context"
	"errors"
	"sync"
)

// Fleet holds every active mirror, keyed by entity ID. The web layer
// uses it to find the mirror behind a thumbnail or status request, and
// shutdown closes all mirrors through it.
type Fleet struct {
	mu      sync.RWMutex
	mirrors map[string]*Mirror
	order   []string
}

// NewFleet creates an empty fleet.
func NewFleet() *Fleet {
	return &Fleet{mirrors: make(map[string]*Mirror)}
}

// Add registers a mirror. Adding two mirrors with the same entity ID
// is a setup error.
func (f *Fleet) Add(m *Mirror) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mirrors[m.EntityID()]; ok {
		return errors.New("duplicate mirror " + m.EntityID())
	}
	f.mirrors[m.EntityID()] = m
	f.order = append(f.order, m.EntityID())
	return nil
}

// ByEntityID returns the mirror for an entity ID, or nil.
func (f *Fleet) ByEntityID(entityID string) *Mirror {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mirrors[entityID]
}

// All returns the mirrors in registration order.
func (f *Fleet) All() []*Mirror {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Mirror, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.mirrors[id])
	}
	return out
}

// Len returns the number of registered mirrors.
func (f *Fleet) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.mirrors)
}

// Close tears down every mirror, returning the first error seen while
// continuing through the rest.
func (f *Fleet) Close(ctx context.Context) error {
	var firstErr error
	for _, m := range f.All() {
		if err := m.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
