//go:build !(riscv64 && baremetal)

package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Without the firmware routines a narrow access goes through the aligned
// 32-bit word that contains it, so it is still an atomic, ordered access.
// Lanes are little-endian and 16-bit accesses must be 2-byte aligned.
// Stores read-modify-write the whole word.

func word(addr uintptr) (*uint32, uint) {
	return (*uint32)(unsafe.Pointer(addr &^ 3)), uint(addr&3) * 8
}

func load8(addr uintptr) uint8 {
	w, shift := word(addr)
	return uint8(atomic.LoadUint32(w) >> shift)
}

func load16(addr uintptr) uint16 {
	w, shift := word(addr)
	return uint16(atomic.LoadUint32(w) >> shift)
}

func store8(addr uintptr, v uint8) {
	w, shift := word(addr)
	old := atomic.LoadUint32(w)
	atomic.StoreUint32(w, old&^(0xff<<shift)|uint32(v)<<shift)
}

func store16(addr uintptr, v uint16) {
	w, shift := word(addr)
	old := atomic.LoadUint32(w)
	atomic.StoreUint32(w, old&^(0xffff<<shift)|uint32(v)<<shift)
}
