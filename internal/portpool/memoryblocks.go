package portpool

// MemoryBlock is a descriptor registered with a MemoryProvider: a byte
// range of Size aligned to Alignment, with a callback invoked once the
// provider has computed where that range begins.
type MemoryBlock struct {
	Name              string
	Size              uintptr
	Alignment         uintptr
	OnMemoryAvailable func(base uintptr) error
	Destroy           func()
}

// MemoryProvider packs a sequence of MemoryBlocks into one contiguous
// region and placement-constructs each one in registration order by
// calling its OnMemoryAvailable with the offset the provider assigned it.
// Teardown runs destructors in reverse registration order.
type MemoryProvider struct {
	blocks []MemoryBlock
}

// Register appends b to the layout. Blocks are placed in the order they
// are registered.
func (p *MemoryProvider) Register(b MemoryBlock) {
	p.blocks = append(p.blocks, b)
}

// Layout computes each block's offset starting at segmentBase, invokes
// each block's OnMemoryAvailable callback in order, and returns the total
// number of bytes the layout consumes. If any callback returns an error,
// Layout stops immediately and returns that error; blocks already placed
// keep the state their callback left them in.
func (p *MemoryProvider) Layout(segmentBase uintptr) (uintptr, error) {
	offset := segmentBase
	for _, b := range p.blocks {
		if b.Alignment > 1 {
			if rem := offset % b.Alignment; rem != 0 {
				offset += b.Alignment - rem
			}
		}
		if b.OnMemoryAvailable != nil {
			if err := b.OnMemoryAvailable(offset); err != nil {
				return 0, err
			}
		}
		offset += b.Size
	}
	return offset - segmentBase, nil
}

// Teardown calls every registered block's Destroy, in reverse
// registration order.
func (p *MemoryProvider) Teardown() {
	for i := len(p.blocks) - 1; i >= 0; i-- {
		if p.blocks[i].Destroy != nil {
			p.blocks[i].Destroy()
		}
	}
}
