package trap

import "fmt"

// Cause is the raw value of mcause (or scause). The top bit marks an
// interrupt; the rest is the exception or interrupt code.
type Cause uint64

const InterruptBit Cause = 1 << 63

// Synchronous exceptions
const (
	InstructionMisaligned Cause = 0
	InstructionFault      Cause = 1
	IllegalInstruction    Cause = 2
	Breakpoint            Cause = 3
	LoadMisaligned        Cause = 4
	LoadFault             Cause = 5
	StoreMisaligned       Cause = 6
	StoreFault            Cause = 7
	EcallUser             Cause = 8
	EcallSupervisor       Cause = 9
	EcallMachine          Cause = 11
	InstructionPageFault  Cause = 12
	LoadPageFault         Cause = 13
	StorePageFault        Cause = 15
)

// Interrupts
const (
	SupervisorSoftware Cause = InterruptBit | 1
	MachineSoftware    Cause = InterruptBit | 3
	SupervisorTimer    Cause = InterruptBit | 5
	MachineTimer       Cause = InterruptBit | 7
	SupervisorExternal Cause = InterruptBit | 9
	MachineExternal    Cause = InterruptBit | 11
)

var causeNames = map[Cause]string{
	InstructionMisaligned: "instruction address misaligned",
	InstructionFault:      "instruction access fault",
	IllegalInstruction:    "illegal instruction",
	Breakpoint:            "breakpoint",
	LoadMisaligned:        "load address misaligned",
	LoadFault:             "load access fault",
	StoreMisaligned:       "store address misaligned",
	StoreFault:            "store access fault",
	EcallUser:             "environment call from U-mode",
	EcallSupervisor:       "environment call from S-mode",
	EcallMachine:          "environment call from M-mode",
	InstructionPageFault:  "instruction page fault",
	LoadPageFault:         "load page fault",
	StorePageFault:        "store page fault",
	SupervisorSoftware:    "supervisor software interrupt",
	MachineSoftware:       "machine software interrupt",
	SupervisorTimer:       "supervisor timer interrupt",
	MachineTimer:          "machine timer interrupt",
	SupervisorExternal:    "supervisor external interrupt",
	MachineExternal:       "machine external interrupt",
}

func (c Cause) IsInterrupt() bool { return c&InterruptBit != 0 }

// Code strips the interrupt bit.
func (c Cause) Code() uint64 { return uint64(c &^ InterruptBit) }

func (c Cause) IsEcall() bool {
	return c == EcallUser || c == EcallSupervisor || c == EcallMachine
}

func (c Cause) IsExternal() bool {
	return c == MachineExternal || c == SupervisorExternal
}

func (c Cause) String() string {
	if n, ok := causeNames[c]; ok {
		return n
	}
	if c.IsInterrupt() {
		return fmt.Sprintf("interrupt %d", c.Code())
	}
	return fmt.Sprintf("exception %d", c.Code())
}
