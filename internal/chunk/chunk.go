// Package chunk implements the chunk header and the SharedChunk smart
// handle: the reference-counted, process-local wrapper around a
// relocatable pointer to a chunk living in a shared-memory segment.
//
// A chunk is payload-size-plus-header bytes inside one mempool.Pool slot.
// ChunkHeader is placement-constructed directly onto the slot's bytes (no
// serialization): any process that has the owning segment registered with
// its relptr.Registry can dereference the same header and see the same
// refcount, because the refcount lives in the mapped bytes themselves and
// all processes touch it with atomic instructions on the same physical
// memory.
package chunk

import (
	"sync/atomic"
	"unsafe"
)

// Header is the fixed-size prefix of every chunk. Its layout is part of
// the wire contract between processes: every field is read and written
// through the same byte offsets regardless of which process is looking.
type Header struct {
	PayloadSize   uint32 // capacity made available to the user
	UsedSize      uint32 // bytes actually written by the publisher
	PoolChunkSize uint32 // the owning pool's slot size, used to resolve Free()
	_pad0         uint32
	Sequence      uint64
	TxTimestampNs int64 // set by sendChunk; zero while only loaned
	refcount      int32
	_pad1         [4]byte
}

// HeaderSize is the fixed number of bytes every chunk reserves for its
// Header before the payload begins.
const HeaderSize = unsafe.Sizeof(Header{})

// payloadAlignment is the platform alignment chunks are rounded up to, so
// that the payload region following the header is itself well-aligned for
// any fixed-size record a publisher places there.
const payloadAlignment = 8

// Align rounds n up to the platform chunk alignment.
func Align(n uint32) uint32 {
	rem := n % payloadAlignment
	if rem == 0 {
		return n
	}
	return n + (payloadAlignment - rem)
}

// headerAt casts a raw address into a *Header. The caller is responsible
// for ensuring addr actually points at HeaderSize valid, exclusively-owned
// bytes — this is the one place in the package where the shared-memory
// placement trick is made explicit.
func headerAt(addr uintptr) *Header {
	return (*Header)(unsafe.Pointer(addr)) //nolint:govet // intentional placement cast onto shared memory
}

func (h *Header) refPtr() *int32 {
	return (*int32)(unsafe.Pointer(&h.refcount))
}

// RefCount returns the current reference count.
func (h *Header) RefCount() int32 {
	return atomic.LoadInt32(h.refPtr())
}

// retain atomically increments the refcount and returns the new value.
func (h *Header) retain() int32 {
	return atomic.AddInt32(h.refPtr(), 1)
}

// release atomically decrements the refcount and returns the new value.
func (h *Header) release() int32 {
	return atomic.AddInt32(h.refPtr(), -1)
}

// Payload returns a byte slice view of the chunk's payload region, sized
// to PayloadSize (the full capacity, not UsedSize).
func (h *Header) Payload() []byte {
	base := uintptr(unsafe.Pointer(h)) + HeaderSize
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), int(h.PayloadSize))
}

// Used returns a byte slice view of the chunk's payload trimmed to
// UsedSize, the portion the publisher actually wrote.
func (h *Header) Used() []byte {
	base := uintptr(unsafe.Pointer(h)) + HeaderSize
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), int(h.UsedSize))
}
