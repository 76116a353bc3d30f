package chunk

import (
	"membrane/internal/relptr"
)

// SharedChunk is a process-local, reference-counted handle to a chunk
// living in shared memory. It carries only a relocatable pointer, so
// handing one to another process costs nothing more than transmitting a
// (segment-id, offset) pair over the IPC channel or pushing it onto a
// lock-free queue.
//
// Handles are move-only by convention: Go has no move semantics to
// enforce this, so callers must treat a SharedChunk as consumed after
// Release, and must call Retain explicitly before fanning the same chunk
// out to more than one destination.
type SharedChunk struct {
	store *Store
	ptr   relptr.Pointer
}

// IsNull reports whether c is the zero value: no chunk attached.
func (c SharedChunk) IsNull() bool { return c.store == nil }

// Pointer returns the relocatable pointer identifying this chunk's
// header. This is what actually crosses a queue or an IPC message: the
// receiving process resolves it through its own relptr.Registry.
func (c SharedChunk) Pointer() relptr.Pointer { return c.ptr }

func (c SharedChunk) header() *Header {
	h, err := c.store.header(c.ptr)
	if err != nil {
		panic("chunk: " + err.Error())
	}
	return h
}

// PayloadSize returns the chunk's full payload capacity.
func (c SharedChunk) PayloadSize() uint32 { return c.header().PayloadSize }

// UsedSize returns the portion of the payload the publisher has written.
func (c SharedChunk) UsedSize() uint32 { return c.header().UsedSize }

// SetUsedSize records how much of the payload the publisher actually wrote.
func (c SharedChunk) SetUsedSize(n uint32) { c.header().UsedSize = n }

// Sequence returns the chunk's publish sequence number.
func (c SharedChunk) Sequence() uint64 { return c.header().Sequence }

// TransmitTimestampNs returns the nanosecond timestamp recorded at send time.
func (c SharedChunk) TransmitTimestampNs() int64 { return c.header().TxTimestampNs }

// SetTransmitTimestampNs stamps the chunk with its send time.
func (c SharedChunk) SetTransmitTimestampNs(ns int64) { c.header().TxTimestampNs = ns }

// RefCount returns the chunk's current reference count.
func (c SharedChunk) RefCount() int32 { return c.header().RefCount() }

// Payload returns a byte slice view of the full payload capacity.
func (c SharedChunk) Payload() []byte { return c.header().Payload() }

// Used returns a byte slice view trimmed to UsedSize.
func (c SharedChunk) Used() []byte { return c.header().Used() }

// Retain increments the chunk's refcount and returns a second handle to
// the same chunk. Call this once per additional destination (e.g. once
// per subscriber queue a publisher fans a chunk out to) before Release-ing
// the original.
func (c SharedChunk) Retain() SharedChunk {
	c.header().retain()
	return SharedChunk{store: c.store, ptr: c.ptr}
}

// Release decrements the chunk's refcount and, if it has just dropped to
// zero, returns the slot to its owning pool. Callers must not use c again
// after calling Release.
func (c SharedChunk) Release() error {
	h := c.header()
	if h.release() == 0 {
		return c.store.free(c.ptr)
	}
	return nil
}

// Adopt reconstructs a SharedChunk handle from a relocatable pointer
// received from another process — over an IPC message, a queue pop, or a
// history replay — WITHOUT incrementing the refcount. The sending process
// increments the refcount once per recipient before handing the pointer
// off, so the receiver's Adopt is the other half of that already-counted
// reference, not a fresh one.
func Adopt(store *Store, ptr relptr.Pointer) SharedChunk {
	return SharedChunk{store: store, ptr: ptr}
}
