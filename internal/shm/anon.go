package shm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"membrane/internal/relptr"
)

// CreateAnonymous maps a MAP_SHARED|MAP_ANONYMOUS region of the given
// size. It is not named and cannot be opened by another process by name;
// it exists so that tests (and single-process demos) can exercise the
// rest of the stack without requiring a real /dev/shm object. Destroy
// simply munmaps it.
func CreateAnonymous(id relptr.SegmentID, size uintptr) (*Segment, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("shm: anonymous mmap of %d bytes: %w", size, err)
	}
	return &Segment{id: id, name: fmt.Sprintf("anon-%d", id), size: size, data: data, owner: true}, nil
}
