package supervisor

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDeviceBusy is returned when a serial device is already bound to a
// running bridge. The new session is rejected, never queued.
var ErrDeviceBusy = errors.New("device busy")

// Registry tracks which bridge holds each serial device path.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	holders map[string]string
}

// NewRegistry returns an initialised, empty Registry.
func NewRegistry() *Registry {
	return &Registry{holders: make(map[string]string)}
}

// Claim binds path to owner. It fails with ErrDeviceBusy if another owner
// holds the path.
func (r *Registry) Claim(path, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.holders[path]; ok {
		return fmt.Errorf("%w: %s is held by session %s", ErrDeviceBusy, path, holder)
	}
	r.holders[path] = owner
	return nil
}

// Release unbinds path only if owner is the current holder, so a late release
// from a finished bridge cannot free a device claimed by its successor.
// It reports whether an entry was removed.
func (r *Registry) Release(path, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.holders[path]; ok && holder == owner {
		delete(r.holders, path)
		return true
	}
	return false
}

// Holder returns the owner bound to path.
func (r *Registry) Holder(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.holders[path]
	return owner, ok
}

// Bound returns a copy of the current bindings.
func (r *Registry) Bound() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.holders))
	for path, owner := range r.holders {
		out[path] = owner
	}
	return out
}
