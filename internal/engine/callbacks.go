package engine

import (
	"sync"
	"sync/atomic"
)

// The library calls back with a user-data word. Each Init registers its
// EventFunc here and passes the slot id as that word, so no Go pointer ever
// crosses the boundary.
var callbacks = struct {
	mu    sync.RWMutex
	next  atomic.Uintptr
	slots map[uintptr]EventFunc
}{slots: make(map[uintptr]EventFunc)}

func registerCallback(fn EventFunc) uintptr {
	id := callbacks.next.Add(1)
	callbacks.mu.Lock()
	callbacks.slots[id] = fn
	callbacks.mu.Unlock()
	return id
}

func releaseCallback(id uintptr) {
	callbacks.mu.Lock()
	delete(callbacks.slots, id)
	callbacks.mu.Unlock()
}

// dispatchEvent is the Go side of the native event trampoline. Events for a
// released registration are discarded.
func dispatchEvent(id uintptr, eventJSON string) {
	callbacks.mu.RLock()
	fn := callbacks.slots[id]
	callbacks.mu.RUnlock()
	if fn != nil {
		fn(eventJSON)
	}
}

// registrations tracks the callback slot owned by each live engine handle.
type registrations struct {
	mu     sync.Mutex
	byCore map[uintptr]uintptr
}

func (r *registrations) bind(h, slot uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byCore == nil {
		r.byCore = make(map[uintptr]uintptr)
	}
	r.byCore[h] = slot
}

func (r *registrations) release(h uintptr) {
	r.mu.Lock()
	slot, ok := r.byCore[h]
	delete(r.byCore, h)
	r.mu.Unlock()
	if ok {
		releaseCallback(slot)
	}
}

func (r *registrations) releaseAll() {
	r.mu.Lock()
	slots := r.byCore
	r.byCore = nil
	r.mu.Unlock()
	for _, slot := range slots {
		releaseCallback(slot)
	}
}
