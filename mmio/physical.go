package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Physical is a Region at a fixed physical address. It is only meaningful
// where physical addresses are directly dereferenceable (identity-mapped
// firmware).
type Physical uintptr

func (p Physical) ptr(off uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) + off)
}

//go:nosplit
func (p Physical) Read32(off uintptr) uint32 {
	return atomic.LoadUint32((*uint32)(p.ptr(off)))
}

//go:nosplit
func (p Physical) Write32(off uintptr, v uint32) {
	atomic.StoreUint32((*uint32)(p.ptr(off)), v)
}

//go:nosplit
func (p Physical) Read16(off uintptr) uint16 { return load16(uintptr(p) + off) }

//go:nosplit
func (p Physical) Write16(off uintptr, v uint16) { store16(uintptr(p)+off, v) }

//go:nosplit
func (p Physical) Read8(off uintptr) uint8 { return load8(uintptr(p) + off) }

//go:nosplit
func (p Physical) Write8(off uintptr, v uint8) { store8(uintptr(p)+off, v) }
