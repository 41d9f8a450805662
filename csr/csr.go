// Package csr names the RISC-V control and status registers used by the trap
// layer and gives a single accessor pair over them.
package csr

import "fmt"

// Reg is a CSR number as encoded in the csrr/csrw immediate.
type Reg uint16

// Supervisor-mode CSRs
const (
	SStatus  Reg = 0x100
	SIE      Reg = 0x104
	STVec    Reg = 0x105
	SScratch Reg = 0x140
	SEPC     Reg = 0x141
	SCause   Reg = 0x142
	STVal    Reg = 0x143
	SIP      Reg = 0x144
	SATP     Reg = 0x180
)

// Machine-mode CSRs
const (
	MStatus  Reg = 0x300
	MISA     Reg = 0x301
	MIE      Reg = 0x304
	MTVec    Reg = 0x305
	MScratch Reg = 0x340
	MEPC     Reg = 0x341
	MCause   Reg = 0x342
	MTVal    Reg = 0x343
	MIP      Reg = 0x344
	MHartID  Reg = 0xF14
)

// mstatus / sstatus bits
const (
	StatusSIE  uint64 = 1 << 1
	StatusMIE  uint64 = 1 << 3
	StatusSPIE uint64 = 1 << 5
	StatusMPIE uint64 = 1 << 7
	StatusSPP  uint64 = 1 << 8
	StatusMPP  uint64 = 3 << 11
)

// mie / mip bits
const (
	IntSSI uint64 = 1 << 1
	IntMSI uint64 = 1 << 3
	IntSTI uint64 = 1 << 5
	IntMTI uint64 = 1 << 7
	IntSEI uint64 = 1 << 9
	IntMEI uint64 = 1 << 11
)

var names = map[Reg]string{
	SStatus:  "sstatus",
	SIE:      "sie",
	STVec:    "stvec",
	SScratch: "sscratch",
	SEPC:     "sepc",
	SCause:   "scause",
	STVal:    "stval",
	SIP:      "sip",
	SATP:     "satp",
	MStatus:  "mstatus",
	MISA:     "misa",
	MIE:      "mie",
	MTVec:    "mtvec",
	MScratch: "mscratch",
	MEPC:     "mepc",
	MCause:   "mcause",
	MTVal:    "mtval",
	MIP:      "mip",
	MHartID:  "mhartid",
}

func (r Reg) String() string {
	if n, ok := names[r]; ok {
		return n
	}
	return fmt.Sprintf("csr(0x%03x)", uint16(r))
}

// File reads and writes CSRs. The hart's own register file is the only
// implementation on hardware; simulated harts provide their own.
type File interface {
	Read(r Reg) uint64
	Write(r Reg, v uint64)
}

// Set ORs bits into r and returns the previous value.
func Set(f File, r Reg, bits uint64) uint64 {
	old := f.Read(r)
	f.Write(r, old|bits)
	return old
}

// Clear clears bits in r and returns the previous value.
func Clear(f File, r Reg, bits uint64) uint64 {
	old := f.Read(r)
	f.Write(r, old&^bits)
	return old
}
