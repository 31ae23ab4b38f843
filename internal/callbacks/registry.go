// Package callbacks maps callback ids to the script callables waiting on
// them. It is the only script-facing state shared with the scheduler
// goroutine, so every method is safe for concurrent use.
package callbacks

import (
	"sync"

	"github.com/cryguy/openworker/internal/core"
)

// Registry owns pending callables and the set of live interval ids.
type Registry struct {
	mu        sync.Mutex
	nextID    core.CallbackID
	callables map[core.CallbackID]core.Callable
	intervals map[core.CallbackID]struct{}
}

// New returns an empty registry. The first allocated id is 1.
func New() *Registry {
	return &Registry{
		callables: make(map[core.CallbackID]core.Callable),
		intervals: make(map[core.CallbackID]struct{}),
	}
}

// Allocate returns a fresh id. Ids are never reused.
func (r *Registry) Allocate() core.CallbackID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Register stores fn under id, replacing any previous callable.
func (r *Registry) Register(id core.CallbackID, fn core.Callable) {
	r.mu.Lock()
	r.callables[id] = fn
	r.mu.Unlock()
}

// Take removes and returns the callable for id. One-shot deliveries use it
// so that a callable is gone before it runs.
func (r *Registry) Take(id core.CallbackID) (core.Callable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.callables[id]
	if ok {
		delete(r.callables, id)
	}
	return fn, ok
}

// Peek returns the callable for id without removing it.
func (r *Registry) Peek(id core.CallbackID) (core.Callable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.callables[id]
	return fn, ok
}

// MarkInterval records id as a repeating callback.
func (r *Registry) MarkInterval(id core.CallbackID) {
	r.mu.Lock()
	r.intervals[id] = struct{}{}
	r.mu.Unlock()
}

// Unmark drops id from the interval set.
func (r *Registry) Unmark(id core.CallbackID) {
	r.mu.Lock()
	delete(r.intervals, id)
	r.mu.Unlock()
}

// IsActiveInterval reports whether id is a live interval. Ticks for an id
// that is no longer active must be discarded.
func (r *Registry) IsActiveInterval(id core.CallbackID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.intervals[id]
	return ok
}

// Clear removes the callable and the interval mark for id in one step and
// reports whether anything was removed.
func (r *Registry) Clear(id core.CallbackID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, had := r.callables[id]
	_, live := r.intervals[id]
	delete(r.callables, id)
	delete(r.intervals, id)
	return had || live
}

// Len returns the number of registered callables.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callables)
}

// Reset drops every callable and interval mark. Allocation continues from
// the last issued id.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.callables)
	clear(r.intervals)
}
