package trap

// Platform is what the dispatcher needs from the assembly side: where the
// entry sequence lives, where its stack is, and where to go to power off.
type Platform interface {
	// EntryAddr is written to the trap vector. It must be 4-byte aligned
	// (direct mode).
	EntryAddr() uint64
	// TrapStackTop is written to the scratch CSR. The entry sequence swaps
	// it into sp; the saved Context sits at the base of the same stack.
	TrapStackTop() uint64
	// HaltAddr is the power-off routine. A fatal trap returns there.
	HaltAddr() uint64
}

// Static is a Platform with a fixed layout: one trap stack per hart whose
// base holds the Context.
type Static struct {
	Entry     uint64
	StackBase uint64
	StackSize uint64
	Halt      uint64
}

func (s Static) EntryAddr() uint64    { return s.Entry }
func (s Static) TrapStackTop() uint64 { return s.StackBase + s.StackSize }
func (s Static) HaltAddr() uint64     { return s.Halt }

// ContextAddr is where the entry sequence keeps the saved Context: the
// lowest ContextSize bytes of the trap stack.
func (s Static) ContextAddr() uint64 { return s.StackBase }
