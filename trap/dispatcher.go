// Package trap installs the trap vector and routes every synchronous
// exception and interrupt taken by a hart to a single handler.
package trap

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"rvcore/bitfield"
	"rvcore/csr"
)

var ErrInTrap = errors.New("handler registration during a trap")

// Handler receives every trap. It may modify ctx; the entry sequence
// restores from it and resumes at ctx.EPC.
type Handler interface {
	HandleTrap(ctx *Context, cause Cause, tval uint64)
}

type HandlerFunc func(ctx *Context, cause Cause, tval uint64)

func (f HandlerFunc) HandleTrap(ctx *Context, cause Cause, tval uint64) {
	f(ctx, cause, tval)
}

type Config struct {
	CSR      csr.File
	Mode     csr.Mode
	Platform Platform
	// Out receives fatal reports. Nil discards them.
	Out io.Writer
	// Dump, if set, runs after each fatal report while ctx still holds the
	// faulting EPC.
	Dump    HandlerFunc
	Logger  *logrus.Logger
	Metrics metrics.Registry
}

// Dispatcher is the per-hart trap dispatcher. Init runs once before
// interrupts are enabled; Register may be called before or after Init but
// never from inside a trap. Dispatch is only ever called by the entry
// sequence with interrupts disabled.
type Dispatcher struct {
	csr      csr.File
	bank     csr.Bank
	platform Platform
	l        *logrus.Logger
	fatal    *Fatal

	once    sync.Once
	initErr error
	ready   atomic.Bool

	mu      sync.Mutex
	handler Handler

	inTrap atomic.Bool

	exceptions metrics.Counter
	interrupts metrics.Counter
}

func NewDispatcher(c Config) *Dispatcher {
	l := c.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	bank := csr.BankFor(c.Mode)

	return &Dispatcher{
		csr:        c.CSR,
		bank:       bank,
		platform:   c.Platform,
		l:          l,
		fatal:      newFatal(c.Out, c.Dump, c.Platform, bank, l, c.Metrics),
		exceptions: metrics.GetOrRegisterCounter("trap.exception", c.Metrics),
		interrupts: metrics.GetOrRegisterCounter("trap.interrupt", c.Metrics),
	}
}

// Init points the trap vector at the entry sequence, the scratch register
// at the trap stack, and enables external interrupts. Calls after the first
// return the first result.
func (d *Dispatcher) Init() error {
	d.once.Do(func() {
		d.initErr = d.init()
		if d.initErr == nil {
			d.ready.Store(true)
		}
	})
	return d.initErr
}

func (d *Dispatcher) init() error {
	entry := d.platform.EntryAddr()
	if entry%4 != 0 {
		return fmt.Errorf("trap entry 0x%x is not 4-byte aligned", entry)
	}
	if s, ok := d.platform.(Static); ok && s.ContextAddr()+ContextSize > s.TrapStackTop() {
		return fmt.Errorf("trap stack of %d bytes cannot hold a %d byte context", s.StackSize, ContextSize)
	}

	d.csr.Write(d.bank.TVec, entry)
	d.csr.Write(d.bank.Scratch, d.platform.TrapStackTop())

	ie := bitfield.UnpackInterrupts(d.csr.Read(d.bank.IE))
	if d.bank.Mode == csr.Machine {
		ie.MEI = true
	} else {
		ie.SEI = true
	}
	packed, err := bitfield.PackInterrupts(ie)
	if err != nil {
		return fmt.Errorf("%s: %w", d.bank.IE, err)
	}
	old := d.csr.Read(d.bank.IE)
	d.csr.Write(d.bank.IE, old&^bitfield.InterruptMask|packed)

	old = d.csr.Read(d.bank.Status)
	st := bitfield.UnpackMachineStatus(old)
	if d.bank.Mode == csr.Machine {
		st.MIE = true
	} else {
		st.SIE = true
	}
	packed, err = bitfield.PackMachineStatus(st)
	if err != nil {
		return fmt.Errorf("%s: %w", d.bank.Status, err)
	}
	d.csr.Write(d.bank.Status, old&^bitfield.MachineStatusMask|packed)

	d.l.WithFields(logrus.Fields{
		"mode":     d.bank.Mode,
		"entry":    fmt.Sprintf("0x%x", entry),
		"stackTop": fmt.Sprintf("0x%x", d.platform.TrapStackTop()),
	}).Info("Trap vector installed")
	return nil
}

// Initialized reports whether Init has completed successfully.
func (d *Dispatcher) Initialized() bool {
	return d.ready.Load()
}

// Register replaces the handler. A nil handler restores the fatal default.
func (d *Dispatcher) Register(h Handler) error {
	if d.inTrap.Load() {
		return ErrInTrap
	}
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
	return nil
}

// Fatal is the default handler: it reports the trap and returns to the halt
// routine.
func (d *Dispatcher) Fatal() *Fatal {
	return d.fatal
}

// CSR exposes the CSR file and bank handlers need to acknowledge traps.
func (d *Dispatcher) CSR() (csr.File, csr.Bank) {
	return d.csr, d.bank
}

// Dispatch is called by the entry sequence with the saved context.
func (d *Dispatcher) Dispatch(ctx *Context) {
	cause := Cause(d.csr.Read(d.bank.Cause))
	tval := d.csr.Read(d.bank.TVal)

	if !d.inTrap.CompareAndSwap(false, true) {
		d.fatal.Report(ctx, cause, tval, "trap taken while handling a trap")
		return
	}
	defer d.inTrap.Store(false)

	if cause.IsInterrupt() {
		d.interrupts.Inc(1)
	} else {
		d.exceptions.Inc(1)
	}

	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h == nil {
		h = d.fatal
	}

	h.HandleTrap(ctx, cause, tval)
}
