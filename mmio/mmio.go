// Package mmio gives drivers opaque handles to memory-mapped register blocks.
//
// A Region is owned by exactly one driver. Accesses through it are issued in
// program order and are never merged or elided.
package mmio

import "errors"

var (
	ErrUnmapped   = errors.New("address not mapped")
	ErrOverlap    = errors.New("mapping overlaps an existing device")
	ErrMisaligned = errors.New("misaligned access")
	ErrAccess     = errors.New("access rejected by device")
)

// Region is a block of device registers addressed by byte offset.
type Region interface {
	Read32(off uintptr) uint32
	Write32(off uintptr, v uint32)
	Read16(off uintptr) uint16
	Write16(off uintptr, v uint16)
	Read8(off uintptr) uint8
	Write8(off uintptr, v uint8)
}

// Device is the device side of a mapping. off is relative to the device
// base and len(data) is the access width.
type Device interface {
	ReadMMIO(off uint64, data []byte) error
	WriteMMIO(off uint64, data []byte) error
}
