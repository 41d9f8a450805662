package dma

import (
	"fmt"
	"sync"
)

// Arena is a bump allocator over a fixed range of a Memory. Blocks are never
// freed: ring memory and request buffers are allocated once at setup and
// stay registered with the device for its lifetime.
type Arena struct {
	mem Memory

	mu   sync.Mutex
	base uint64
	next uint64
	end  uint64
}

// NewArena manages [base, base+size) of mem.
func NewArena(mem Memory, base, size uint64) *Arena {
	return &Arena{mem: mem, base: base, next: base, end: base + size}
}

// Memory is the memory the arena allocates from.
func (a *Arena) Memory() Memory { return a.mem }

// Alloc returns the address of size zeroed bytes aligned to align, which
// must be a power of two.
func (a *Arena) Alloc(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("alloc: alignment %d is not a power of two", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	addr := (a.next + align - 1) &^ (align - 1)
	if addr < a.next || addr+size > a.end || addr+size < addr {
		return 0, fmt.Errorf("alloc %d bytes: %w (%d left)", size, ErrExhausted, a.end-a.next)
	}

	b, err := a.mem.Bytes(addr, int(size))
	if err != nil {
		return 0, fmt.Errorf("alloc %d bytes at 0x%x: %w", size, addr, err)
	}
	clear(b)

	a.next = addr + size
	return addr, nil
}

// Used returns the number of bytes handed out, including alignment padding.
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next - a.base
}
