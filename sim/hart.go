package sim

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"rvcore/csr"
	"rvcore/mmio"
	"rvcore/plic"
	"rvcore/trap"
)

// LineSource drives the external interrupt pending bit of a hart.
type LineSource interface {
	Asserted(ctx plic.Context) bool
}

// Ticker is a device that advances when the hart idles.
type Ticker interface {
	Tick()
}

type HartConfig struct {
	Bus *mmio.Bus
	// Lines is the interrupt controller wired to the hart's external
	// interrupt input.
	Lines   LineSource
	Context plic.Context
	// PowerAddr is where the halt routine writes the power-off code.
	PowerAddr uint64
	HartID    uint64
	Logger    *logrus.Logger
}

// Hart is a machine-mode hart that executes Go calls instead of
// instructions. Every Load, Store and Ecall counts as one 4-byte instruction
// at PC. Traps behave as on hardware: the trap CSRs are written, interrupts
// are disabled, the registered entry sequence (here, the dispatcher) runs,
// and mret resumes at the saved EPC.
type Hart struct {
	bus   *mmio.Bus
	lines LineSource
	pctx  plic.Context
	power uint64
	l     *logrus.Logger

	mu   sync.Mutex
	csrs map[csr.Reg]uint64

	d        *trap.Dispatcher
	platform trap.Platform
	tickers  []Ticker

	x      [32]uint64
	pc     uint64
	traps  uint64
	halted atomic.Bool
}

// writable masks of the CSRs the hart implements. Anything else traps on
// hardware; here it reads as zero and ignores writes.
var csrMasks = map[csr.Reg]uint64{
	csr.MStatus:  csr.StatusMIE | csr.StatusMPIE | csr.StatusMPP | csr.StatusSIE | csr.StatusSPIE | csr.StatusSPP,
	csr.MIE:      csr.IntMSI | csr.IntMTI | csr.IntMEI | csr.IntSSI | csr.IntSTI | csr.IntSEI,
	csr.MIP:      csr.IntMSI | csr.IntSSI | csr.IntSTI | csr.IntSEI,
	csr.MTVec:    ^uint64(0),
	csr.MScratch: ^uint64(0),
	csr.MEPC:     ^uint64(3),
	csr.MCause:   ^uint64(0),
	csr.MTVal:    ^uint64(0),
	csr.MISA:     0,
	csr.MHartID:  0,
}

// misaRV64IMA is MXL=2 with the I, M and A extensions.
const misaRV64IMA = 2<<62 | 1<<('I'-'A') | 1<<('M'-'A') | 1<<('A'-'A')

func NewHart(c HartConfig) *Hart {
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return &Hart{
		bus:   c.Bus,
		lines: c.Lines,
		pctx:  c.Context,
		power: c.PowerAddr,
		l:     c.Logger,
		csrs: map[csr.Reg]uint64{
			csr.MISA:    misaRV64IMA,
			csr.MHartID: c.HartID,
			csr.MStatus: csr.StatusMPP,
		},
	}
}

func (h *Hart) Read(r csr.Reg) uint64 {
	h.mu.Lock()
	v := h.csrs[r]
	h.mu.Unlock()

	if r == csr.MIP && h.lines != nil && h.lines.Asserted(h.pctx) {
		v |= csr.IntMEI
	}
	return v
}

func (h *Hart) Write(r csr.Reg, v uint64) {
	mask, ok := csrMasks[r]
	if !ok {
		h.l.WithField("csr", r).Debug("Write to unimplemented CSR ignored")
		return
	}
	h.mu.Lock()
	h.csrs[r] = h.csrs[r]&^mask | v&mask
	h.mu.Unlock()
}

// Attach installs d as the trap entry sequence and p as the platform it was
// configured with.
func (h *Hart) Attach(d *trap.Dispatcher, p trap.Platform) {
	h.d = d
	h.platform = p
}

// AddTicker registers a device to advance on Idle.
func (h *Hart) AddTicker(t Ticker) {
	h.tickers = append(h.tickers, t)
}

func (h *Hart) PC() uint64       { return h.pc }
func (h *Hart) SetPC(pc uint64)  { h.pc = pc }
func (h *Hart) Reg(i int) uint64 { return h.x[i] }

func (h *Hart) SetReg(i int, v uint64) {
	if i != trap.RegZero {
		h.x[i] = v
	}
}

// Traps is the number of traps taken.
func (h *Hart) Traps() uint64 { return h.traps }

// Halted reports whether the hart has returned into the halt routine.
func (h *Hart) Halted() bool { return h.halted.Load() }

func (h *Hart) take(cause trap.Cause, tval uint64) {
	h.traps++
	if h.d == nil || h.Read(csr.MTVec) == 0 {
		h.l.WithFields(logrus.Fields{
			"cause": cause.String(),
			"pc":    h.pc,
		}).Error("Trap with no vector installed")
		h.halt()
		return
	}

	h.mu.Lock()
	h.csrs[csr.MEPC] = h.pc
	h.csrs[csr.MCause] = uint64(cause)
	h.csrs[csr.MTVal] = tval
	st := h.csrs[csr.MStatus]
	st &^= csr.StatusMPIE
	if st&csr.StatusMIE != 0 {
		st |= csr.StatusMPIE
	}
	st = st&^csr.StatusMIE | csr.StatusMPP
	h.csrs[csr.MStatus] = st
	scratch := h.csrs[csr.MScratch]
	h.mu.Unlock()

	ctx := &trap.Context{X: h.x, Status: st, EPC: h.pc, Scratch: scratch}
	h.d.Dispatch(ctx)
	h.mret(ctx)
}

func (h *Hart) mret(ctx *trap.Context) {
	h.x = ctx.X
	h.x[trap.RegZero] = 0
	h.pc = ctx.EPC

	h.mu.Lock()
	st := h.csrs[csr.MStatus]
	st &^= csr.StatusMIE
	if st&csr.StatusMPIE != 0 {
		st |= csr.StatusMIE
	}
	h.csrs[csr.MStatus] = st | csr.StatusMPIE
	h.mu.Unlock()

	if h.platform != nil && h.pc == h.platform.HaltAddr() {
		h.halt()
	}
}

// halt runs the power-off routine.
func (h *Hart) halt() {
	if h.halted.Swap(true) {
		return
	}
	var code [2]byte
	binary.LittleEndian.PutUint16(code[:], PowerOffCode)
	if err := h.bus.Write(h.power, code[:]); err != nil {
		h.l.WithError(err).Error("Power off failed")
	}
}

// PollInterrupts takes pending, enabled interrupts and returns how many.
func (h *Hart) PollInterrupts() int {
	n := 0
	for !h.halted.Load() && n < plic.MaxSources {
		st := h.Read(csr.MStatus)
		ie := h.Read(csr.MIE)
		ip := h.Read(csr.MIP)
		if st&csr.StatusMIE == 0 || ie&ip&csr.IntMEI == 0 {
			return n
		}
		h.take(trap.MachineExternal, 0)
		n++
	}
	return n
}

// Idle is wfi: devices advance, other goroutines run, and pending
// interrupts are taken.
func (h *Hart) Idle() {
	for _, t := range h.tickers {
		t.Tick()
	}
	runtime.Gosched()
	h.PollInterrupts()
}

func (h *Hart) retire() {
	h.pc += 4
}

// Load reads size bytes at addr. A misaligned address or a bus error traps;
// ok reports whether the load itself completed.
func (h *Hart) Load(addr uint64, size int) (v uint64, ok bool) {
	if h.halted.Load() {
		return 0, false
	}
	h.PollInterrupts()
	if addr%uint64(size) != 0 {
		h.take(trap.LoadMisaligned, addr)
		return 0, false
	}
	data := make([]byte, size)
	if err := h.bus.Read(addr, data); err != nil {
		h.take(trap.LoadFault, addr)
		return 0, false
	}
	h.retire()
	return getUint(data), true
}

// Store writes the low size bytes of v at addr.
func (h *Hart) Store(addr uint64, size int, v uint64) bool {
	if h.halted.Load() {
		return false
	}
	h.PollInterrupts()
	if addr%uint64(size) != 0 {
		h.take(trap.StoreMisaligned, addr)
		return false
	}
	data := make([]byte, size)
	putUint(data, v)
	if err := h.bus.Write(addr, data); err != nil {
		h.take(trap.StoreFault, addr)
		return false
	}
	h.retire()
	return true
}

// Ecall places num in a7 and args in a0..a6, executes ecall and returns
// a0 as left by the handler.
func (h *Hart) Ecall(num uint64, args ...uint64) uint64 {
	if h.halted.Load() {
		return 0
	}
	h.PollInterrupts()
	for i := 0; i < 7; i++ {
		var a uint64
		if i < len(args) {
			a = args[i]
		}
		h.x[trap.RegA0+i] = a
	}
	h.x[trap.RegA7] = num
	h.take(trap.EcallMachine, 0)
	return h.x[trap.RegA0]
}
