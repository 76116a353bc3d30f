// Package shm wraps the host's POSIX shared-memory facility: named,
// group-permission-bitted segments that multiple processes map at
// (possibly different) virtual addresses while sharing the same bytes.
//
// A Segment is the OS-backed collaborator referenced throughout spec.md
// §2, §3 and §6. It deliberately knows nothing about relocatable pointers,
// pools, or ports — it hands out a base address and a size, and the
// relptr registry (internal/relptr) is what makes pointers inside it
// meaningful across processes.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"

	"membrane/internal/relptr"
)

// Segment is a named shared-memory region backed by a file under
// /dev/shm, mapped MAP_SHARED so that independent processes opening the
// same name observe the same bytes.
type Segment struct {
	id    relptr.SegmentID
	name  string
	size  uintptr
	data  []byte
	owner bool // true if this process created (and should unlink) the segment
}

// Permissions controls the POSIX file mode bits on the backing /dev/shm
// object: reader/writer group membership is enforced by the OS, not by
// membrane itself (spec.md §6: "permission-bitted by group").
type Permissions struct {
	Mode      os.FileMode // e.g. 0640 for writer-group-only, 0644 for world-readable
	WriterUID int
	WriterGID int
}

func shmPath(name string) string {
	return filepath.Join("/dev/shm", name)
}

// Create creates a new shared-memory segment of the given size and maps
// it into this process. The caller owns the segment: Destroy unlinks the
// backing object from the filesystem in addition to unmapping it.
func Create(id relptr.SegmentID, name string, size uintptr, perm Permissions) (*Segment, error) {
	path := shmPath(name)

	mode := perm.Mode
	if mode == 0 {
		mode = 0640
	}

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, uint32(mode))
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("shm: ftruncate %s to %d: %w", name, size, err)
	}

	if perm.WriterUID != 0 || perm.WriterGID != 0 {
		_ = unix.Fchown(fd, perm.WriterUID, perm.WriterGID)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Segment{id: id, name: name, size: size, data: data, owner: true}, nil
}

// Open maps an existing shared-memory segment by name into this process.
// Used by client processes after REG_ACK gives them the management
// segment's name, size, and id.
func Open(id relptr.SegmentID, name string, size uintptr) (*Segment, error) {
	path := shmPath(name)

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Segment{id: id, name: name, size: size, data: data, owner: false}, nil
}

// ID returns this segment's small integer id, used as the first half of
// every relocatable pointer into it.
func (s *Segment) ID() relptr.SegmentID { return s.id }

// Name returns the segment's shared-memory object name.
func (s *Segment) Name() string { return s.name }

// Size returns the segment's byte length.
func (s *Segment) Size() uintptr { return s.size }

// Base returns the address at which this segment is mapped in THIS
// process. Different processes mapping the same Name will generally
// observe different Base() values; that is exactly why relocatable
// pointers exist.
func (s *Segment) Base() unsafe.Pointer {
	if len(s.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&s.data[0])
}

// Bytes exposes the segment's memory as a byte slice, for bulk
// placement-construction by MemoryBlocks (internal/portpool).
func (s *Segment) Bytes() []byte { return s.data }

// Close unmaps the segment from this process without destroying the
// backing object. Other processes that still have it mapped are
// unaffected.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// Destroy unmaps and unlinks the segment. Only the owning (creating)
// process should call this, and only at router shutdown (spec.md §3:
// "Segment: ... destroyed only at router shutdown").
func (s *Segment) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	if !s.owner {
		return nil
	}
	return unix.Unlink(shmPath(s.name))
}
