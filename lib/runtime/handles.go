package runtime

import (
	"sync"

	"github.com/chazu/kayton/pkg/value"
)

// Capsule is an opaque host object passed to programs by handle.
type Capsule struct {
	Tag     string
	Payload any
}

type handleEntry struct {
	capsule Capsule
	refs    int
	release func(Capsule)
}

// HandleTable owns the capsules of a host context. A handle starts with one
// reference; the capsule is released when the count reaches zero.
type HandleTable struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]*handleEntry
}

// NewHandleTable creates an empty table.
func NewHandleTable() *HandleTable {
	return &HandleTable{entries: make(map[uint64]*handleEntry)}
}

// New stores a capsule and returns its handle. release, if set, runs when
// the last reference is dropped.
func (t *HandleTable) New(tag string, payload any, release func(Capsule)) value.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.entries[t.next] = &handleEntry{capsule: Capsule{Tag: tag, Payload: payload}, refs: 1, release: release}
	return value.Handle(t.next)
}

func (t *HandleTable) lookup(h value.Value) (*handleEntry, uint64, error) {
	id, ok := h.AsHandle()
	if !ok {
		return nil, 0, Errorf(TypeMismatch, "%s is not a handle", h.TypeName())
	}
	e, ok := t.entries[id]
	if !ok {
		return nil, 0, Errorf(NotFound, "handle %d not found", id)
	}
	return e, id, nil
}

// Get returns the capsule behind a handle. The reference is borrowed.
func (t *HandleTable) Get(h value.Value) (Capsule, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _, err := t.lookup(h)
	if err != nil {
		return Capsule{}, err
	}
	return e.capsule, nil
}

// Retain adds a reference.
func (t *HandleTable) Retain(h value.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _, err := t.lookup(h)
	if err != nil {
		return err
	}
	e.refs++
	return nil
}

// Release drops a reference, releasing the capsule on the last one.
func (t *HandleTable) Release(h value.Value) error {
	t.mu.Lock()
	e, id, err := t.lookup(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	e.refs--
	if e.refs > 0 {
		t.mu.Unlock()
		return nil
	}
	delete(t.entries, id)
	t.mu.Unlock()
	if e.release != nil {
		e.release(e.capsule)
	}
	return nil
}

// Refs returns the reference count of a handle, or 0 if it is gone.
func (t *HandleTable) Refs(h value.Value) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _, err := t.lookup(h)
	if err != nil {
		return 0
	}
	return e.refs
}

// Len returns the number of live handles.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
