//go:build riscv64 && baremetal

package csr

import (
	_ "unsafe" // Required for //go:linkname directives
)

// csr_read and csr_write are switch tables in the firmware's assembly: the
// CSR number is an instruction immediate, so one routine per register is
// generated and dispatched on reg.

//go:linkname csrRead csr_read
//go:nosplit
//go:noinline
func csrRead(reg uint16) uint64

//go:linkname csrWrite csr_write
//go:nosplit
//go:noinline
func csrWrite(reg uint16, v uint64)

// Hardware is the executing hart's CSR file.
type Hardware struct{}

//go:nosplit
func (Hardware) Read(r Reg) uint64 { return csrRead(uint16(r)) }

//go:nosplit
func (Hardware) Write(r Reg, v uint64) { csrWrite(uint16(r), v) }
