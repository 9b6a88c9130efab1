package engine

import (
	"context"
	"sync"

	"deployd/internal/deploy"
)

// slot is one held execution right. cancel aborts the executor; done closes
// when the execution goroutine has fully finished and the slot is released.
type slot struct {
	id     string
	key    deploy.LineageKey
	cancel context.CancelFunc
	done   chan struct{}
}

// slotRegistry enforces at most one in-flight execution per lineage. Both
// maps are views of the same slots: byKey answers "is this lineage busy",
// byID locates a slot for cancellation.
type slotRegistry struct {
	mu    sync.Mutex
	byKey map[deploy.LineageKey]*slot
	byID  map[string]*slot
}

func newSlotRegistry() *slotRegistry {
	return &slotRegistry{
		byKey: make(map[deploy.LineageKey]*slot),
		byID:  make(map[string]*slot),
	}
}

// tryAcquire claims the lineage slot for the given deployment. It never
// blocks; a held slot means the caller must back off.
func (r *slotRegistry) tryAcquire(key deploy.LineageKey, id string, cancel context.CancelFunc) (*slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.byKey[key]; held {
		return nil, false
	}
	sl := &slot{id: id, key: key, cancel: cancel, done: make(chan struct{})}
	r.byKey[key] = sl
	r.byID[id] = sl
	return sl, true
}

// release frees the slot and signals waiters. Safe to call once per slot.
func (r *slotRegistry) release(sl *slot) {
	r.mu.Lock()
	delete(r.byKey, sl.key)
	delete(r.byID, sl.id)
	r.mu.Unlock()
	close(sl.done)
}

func (r *slotRegistry) get(id string) (*slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.byID[id]
	return sl, ok
}

func (r *slotRegistry) busy(key deploy.LineageKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.byKey[key]
	return held
}

func (r *slotRegistry) running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}
