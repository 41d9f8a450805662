//go:build riscv64 && baremetal

package mmio

import (
	_ "unsafe" // Required for //go:linkname directives
)

// Narrow register accesses are single lbu/lhu/sb/sh instructions fenced on
// both sides, linked from the firmware's assembly.

//go:linkname load8 mmio_read8
//go:nosplit
//go:noinline
func load8(addr uintptr) uint8

//go:linkname load16 mmio_read16
//go:nosplit
//go:noinline
func load16(addr uintptr) uint16

//go:linkname store8 mmio_write8
//go:nosplit
//go:noinline
func store8(addr uintptr, v uint8)

//go:linkname store16 mmio_write16
//go:nosplit
//go:noinline
func store16(addr uintptr, v uint16)
