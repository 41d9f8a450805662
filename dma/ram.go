package dma

import (
	"fmt"
	"unsafe"
)

// RAM is simulated physical memory starting at a base address. It is backed
// by 64-bit words so that every naturally aligned address is also aligned in
// the host, which the atomic ring header accesses rely on.
type RAM struct {
	base  uint64
	words []uint64
	bytes []byte
}

// NewRAM returns size bytes of zeroed memory at base, rounded up to 8.
func NewRAM(base uint64, size uint64) *RAM {
	words := make([]uint64, (size+7)/8)
	r := &RAM{base: base, words: words}
	if len(words) > 0 {
		r.bytes = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	}
	return r
}

func (r *RAM) Base() uint64 { return r.base }
func (r *RAM) Size() uint64 { return uint64(len(r.bytes)) }

func (r *RAM) Bytes(addr uint64, n int) ([]byte, error) {
	if n < 0 || addr < r.base || addr-r.base+uint64(n) > uint64(len(r.bytes)) {
		return nil, fmt.Errorf("0x%x+%d: %w", addr, n, ErrOutOfRange)
	}
	off := addr - r.base
	return r.bytes[off : off+uint64(n) : off+uint64(n)], nil
}

// ReadMMIO lets RAM sit on an mmio.Bus. off is relative to Base.
func (r *RAM) ReadMMIO(off uint64, data []byte) error {
	b, err := r.Bytes(r.base+off, len(data))
	if err != nil {
		return err
	}
	copy(data, b)
	return nil
}

func (r *RAM) WriteMMIO(off uint64, data []byte) error {
	b, err := r.Bytes(r.base+off, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}
