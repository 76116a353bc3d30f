package portpool

import (
	"sync/atomic"
	"unsafe"
)

// slotState is one entry of a SlotDirectory, placement-constructed
// directly onto shared-memory bytes the same way chunk.Header is: any
// process with the management segment mapped and registered can read a
// slot's occupancy and generation without an IPC round-trip, because the
// fields live in the mapped bytes themselves rather than on the router's
// Go heap.
//
// This is the POD half of the iceoryx PortData/RouDi split: the rich
// behavioral wrapper (*port.PublisherPort, *port.SubscriberPort, with
// their mutexes and channels) stays process-local to the router, exactly
// as RouDi keeps PublisherPortRouDi local while PublisherPortData lives
// in shared memory. SlotDirectory carries only what a client needs to
// confirm a handle it was given is still the same port and not a reused
// slot: occupied-ness and a generation counter bumped on every Insert.
type slotState struct {
	occupied   uint32
	generation uint32
}

const slotStateSize = unsafe.Sizeof(slotState{})

func slotAt(base uintptr, idx int) *slotState {
	return (*slotState)(unsafe.Pointer(base + uintptr(idx)*slotStateSize)) //nolint:govet // intentional placement cast onto shared memory
}

// SlotDirectory mirrors one Container[T]'s occupancy into shared-memory
// slots, so CREATE_PUBLISHER/CREATE_SUBSCRIBER can hand a client a
// (index, generation) pair it can keep validating by reading shared
// memory directly, instead of re-asking the router over the IPC channel
// every time it wants to know whether its port is still alive.
type SlotDirectory struct {
	base     uintptr
	capacity int
}

// directorySize returns the number of bytes a capacity-sized SlotDirectory needs.
func directorySize(capacity int) uintptr {
	return uintptr(capacity) * slotStateSize
}

func placeDirectory(base uintptr, capacity int) *SlotDirectory {
	d := &SlotDirectory{base: base, capacity: capacity}
	for i := 0; i < capacity; i++ {
		s := slotAt(base, i)
		atomic.StoreUint32(&s.occupied, 0)
		atomic.StoreUint32(&s.generation, 0)
	}
	return d
}

// markOccupied flips slot idx to occupied and returns its new generation.
func (d *SlotDirectory) markOccupied(idx int) uint32 {
	s := slotAt(d.base, idx)
	gen := atomic.AddUint32(&s.generation, 1)
	atomic.StoreUint32(&s.occupied, 1)
	return gen
}

// markFree flips slot idx back to free. The generation is left as-is so a
// stale (index, generation) handle observes occupied=0 rather than
// appearing to reference the next occupant.
func (d *SlotDirectory) markFree(idx int) {
	atomic.StoreUint32(&slotAt(d.base, idx).occupied, 0)
}

// Lookup reports whether slot idx is currently occupied and, if so, its
// generation — the pair a client compares against the one it was handed
// at creation time to detect "my port was torn down and this index was
// reused by someone else" without asking the router.
func (d *SlotDirectory) Lookup(idx int) (occupied bool, generation uint32) {
	if idx < 0 || idx >= d.capacity {
		return false, 0
	}
	s := slotAt(d.base, idx)
	return atomic.LoadUint32(&s.occupied) != 0, atomic.LoadUint32(&s.generation)
}

// NewMemoryBlock registers a MemoryBlock that places a capacity-sized
// SlotDirectory for this container kind inside a MemoryProvider's layout,
// and returns the handle Container.Attach uses once it's live. The
// returned *SlotDirectory is nil until the provider's Layout call has run.
func NewMemoryBlock(name string, capacity int) (MemoryBlock, **SlotDirectory) {
	var dir *SlotDirectory
	handle := &dir
	block := MemoryBlock{
		Name:      name,
		Size:      directorySize(capacity),
		Alignment: unsafe.Alignof(slotState{}),
		OnMemoryAvailable: func(base uintptr) error {
			*handle = placeDirectory(base, capacity)
			return nil
		},
	}
	return block, handle
}

// openMemoryBlock is NewMemoryBlock's read-only counterpart: it wraps an
// already-placed directory instead of zeroing it. A client process that
// didn't create the management segment's layout uses this to observe a
// directory the router owns.
func openMemoryBlock(name string, capacity int) (MemoryBlock, **SlotDirectory) {
	var dir *SlotDirectory
	handle := &dir
	block := MemoryBlock{
		Name:      name,
		Size:      directorySize(capacity),
		Alignment: unsafe.Alignof(slotState{}),
		OnMemoryAvailable: func(base uintptr) error {
			*handle = AttachSlotDirectory(base, capacity)
			return nil
		},
	}
	return block, handle
}

// AttachSlotDirectory wraps an already-placed SlotDirectory region without
// zeroing it, for a process observing a directory it did not create.
func AttachSlotDirectory(base uintptr, capacity int) *SlotDirectory {
	return &SlotDirectory{base: base, capacity: capacity}
}
