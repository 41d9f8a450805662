package csr

// Mode is the privilege level a trap is taken in.
type Mode int

const (
	Machine Mode = iota
	Supervisor
)

func (m Mode) String() string {
	switch m {
	case Machine:
		return "machine"
	case Supervisor:
		return "supervisor"
	}
	return "unknown"
}

// Bank groups the trap CSRs of one privilege level so trap code can be
// written once for either mode.
type Bank struct {
	Mode    Mode
	Status  Reg
	IE      Reg
	TVec    Reg
	Scratch Reg
	EPC     Reg
	Cause   Reg
	TVal    Reg
	IP      Reg

	// GlobalIE is the interrupt enable bit in Status.
	GlobalIE uint64
	// ExternalIE is the external interrupt bit in IE and IP.
	ExternalIE uint64
}

var (
	MachineBank = Bank{
		Mode:       Machine,
		Status:     MStatus,
		IE:         MIE,
		TVec:       MTVec,
		Scratch:    MScratch,
		EPC:        MEPC,
		Cause:      MCause,
		TVal:       MTVal,
		IP:         MIP,
		GlobalIE:   StatusMIE,
		ExternalIE: IntMEI,
	}

	SupervisorBank = Bank{
		Mode:       Supervisor,
		Status:     SStatus,
		IE:         SIE,
		TVec:       STVec,
		Scratch:    SScratch,
		EPC:        SEPC,
		Cause:      SCause,
		TVal:       STVal,
		IP:         SIP,
		GlobalIE:   StatusSIE,
		ExternalIE: IntSEI,
	}
)

// BankFor returns the CSR bank for m.
func BankFor(m Mode) Bank {
	if m == Supervisor {
		return SupervisorBank
	}
	return MachineBank
}
