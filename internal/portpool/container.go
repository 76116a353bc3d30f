// Package portpool implements the PortPool: fixed-capacity,
// placement-style containers for each port-data kind, and the
// MemoryBlocks/MemoryProvider mechanism that packs several such
// containers (plus a chunk store) into one shared-memory segment.
package portpool

import (
	"errors"
	"sync"
)

// ErrFull is returned by Container.Insert when every slot is occupied.
var ErrFull = errors.New("portpool: container is at capacity")

// ErrNotFound describes an index outside the container's current
// occupancy, or one already removed. Remove and Get do not return it:
// Remove ignores such an index and Get reports ok=false.
var ErrNotFound = errors.New("portpool: no entry at that index")

type slot[T any] struct {
	occupied bool
	value    T
}

// Container is a fixed-capacity array of slots. Insert places a value in
// the first empty slot and returns its index; Remove clears a slot
// in place without shifting any other entry, so indices (which back
// PortRef / capro.PortRef values) remain valid for the lifetime of every
// other occupant. This is the Go expression of "port-data objects never
// move": there's no pointer arithmetic to preserve here, only the
// stability of the index itself.
type Container[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	dir   *SlotDirectory
}

// NewContainer creates a Container with the given fixed capacity.
func NewContainer[T any](capacity int) *Container[T] {
	return &Container[T]{slots: make([]slot[T], capacity)}
}

// Attach wires dir as this container's shared-memory occupancy mirror:
// from this point on, Insert and Remove also flip dir's slot state, so a
// client process holding (index, generation) can tell a stale handle
// apart from a reused one by reading shared memory directly. A container
// with no directory attached (the common case in tests) behaves exactly
// as before.
func (c *Container[T]) Attach(dir *SlotDirectory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dir = dir
}

// Capacity returns the container's fixed slot count.
func (c *Container[T]) Capacity() int { return len(c.slots) }

// Insert places v in the first empty slot and returns its index.
func (c *Container[T]) Insert(v T) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		if !c.slots[i].occupied {
			c.slots[i] = slot[T]{occupied: true, value: v}
			if c.dir != nil {
				c.dir.markOccupied(i)
			}
			return i, nil
		}
	}
	return -1, ErrFull
}

// Remove clears the slot at idx. Removing an empty or out-of-range index
// is a no-op.
func (c *Container[T]) Remove(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= len(c.slots) {
		return
	}
	var zero slot[T]
	c.slots[idx] = zero
	if c.dir != nil {
		c.dir.markFree(idx)
	}
}

// Generation returns the shared-memory generation counter for idx, if
// this container has an attached SlotDirectory. ok is false if no
// directory is attached or idx is out of range.
func (c *Container[T]) Generation(idx int) (generation uint32, ok bool) {
	c.mu.Lock()
	dir := c.dir
	c.mu.Unlock()
	if dir == nil {
		return 0, false
	}
	_, gen := dir.Lookup(idx)
	return gen, true
}

// Get returns the value at idx, or ok=false if idx is out of range or empty.
func (c *Container[T]) Get(idx int) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if idx < 0 || idx >= len(c.slots) || !c.slots[idx].occupied {
		return zero, false
	}
	return c.slots[idx].value, true
}

// Len returns the number of occupied slots.
func (c *Container[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.slots {
		if s.occupied {
			n++
		}
	}
	return n
}

// ForEach calls fn for every occupied slot in index order, stopping early
// if fn returns false. fn must not call back into Insert/Remove on this
// container.
func (c *Container[T]) ForEach(fn func(idx int, v T) bool) {
	c.mu.Lock()
	snapshot := make([]slot[T], len(c.slots))
	copy(snapshot, c.slots)
	c.mu.Unlock()

	for i, s := range snapshot {
		if !s.occupied {
			continue
		}
		if !fn(i, s.value) {
			return
		}
	}
}
