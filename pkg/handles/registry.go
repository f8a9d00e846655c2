// Package handles tracks which systemd units back which pod.
package handles

import (
	"sort"
	"sync"

	"github.com/raycarroll/vk-systemd-provider/pkg/models"
)

// Registry maps pods to the units backing their containers. It is safe for
// concurrent use. Readers get copies, so no caller holds the lock while it
// talks to systemd.
type Registry struct {
	mu      sync.RWMutex
	handles map[models.PodKey]models.PodHandle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[models.PodKey]models.PodHandle)}
}

// Get returns a copy of the handle for key.
func (r *Registry) Get(key models.PodKey) (models.PodHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[key]
	if !ok {
		return models.PodHandle{}, false
	}
	return h.Clone(), true
}

// Put stores the handle for key, replacing any previous one.
func (r *Registry) Put(key models.PodKey, h models.PodHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[key] = h.Clone()
}

// Delete removes key and returns the handle it had, if any.
func (r *Registry) Delete(key models.PodKey) (models.PodHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[key]
	delete(r.handles, key)
	return h, ok
}

// Keys returns all registered pod keys sorted by namespace/name.
func (r *Registry) Keys() []models.PodKey {
	r.mu.RLock()
	keys := make([]models.PodKey, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of registered pods.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
