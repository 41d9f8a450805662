package trap

// Context is the register snapshot the entry sequence saves on the trap
// stack. Its layout is shared with assembly: 32 general registers followed by
// status, epc and scratch, all 64-bit and contiguous.
type Context struct {
	X       [32]uint64
	Status  uint64
	EPC     uint64
	Scratch uint64
}

// Byte offsets into Context, for the entry sequence.
const (
	OffsetX       = 0
	OffsetStatus  = 32 * 8
	OffsetEPC     = OffsetStatus + 8
	OffsetScratch = OffsetEPC + 8
	ContextSize   = OffsetScratch + 8
)

// ABI register numbers
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17
)

// Arg returns argument register a<i>.
func (c *Context) Arg(i int) uint64 {
	return c.X[RegA0+i]
}

// SyscallNum is the environment call number, passed in a7.
func (c *Context) SyscallNum() uint64 {
	return c.X[RegA7]
}

// SetReturn places v in a0 for the interrupted code.
func (c *Context) SetReturn(v uint64) {
	c.X[RegA0] = v
}
