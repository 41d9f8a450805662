package trap

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"rvcore/csr"
	"rvcore/ring"
)

// Syscall is one recorded environment call.
type Syscall struct {
	Num  uint64
	Args [7]uint64
	EPC  uint64
}

// Fault is one recorded synchronous exception in diagnostic mode.
type Fault struct {
	Cause Cause
	EPC   uint64
	TVal  uint64
}

// External services the external interrupt controller. It returns the
// number of sources handled.
type External interface {
	Service() int
}

type StandardConfig struct {
	// Diagnostic records faults and skips the faulting instruction instead
	// of halting.
	Diagnostic bool
	// Capacity bounds the syscall and fault records.
	Capacity int
	Policy   ring.Policy
	External External
	Metrics  metrics.Registry
}

// Standard is the usual trap policy: environment calls are recorded and
// stepped over, external interrupts go to the interrupt controller, and
// faults are fatal unless Diagnostic is set.
type Standard struct {
	d          *Dispatcher
	csr        csr.File
	bank       csr.Bank
	l          *logrus.Logger
	ext        External
	diagnostic bool

	syscalls *ring.Buffer[Syscall]
	faults   *ring.Buffer[Fault]

	external metrics.Counter
	spurious metrics.Counter
}

func NewStandard(d *Dispatcher, c StandardConfig) *Standard {
	if c.Capacity <= 0 {
		c.Capacity = 64
	}
	f, bank := d.CSR()
	return &Standard{
		d:          d,
		csr:        f,
		bank:       bank,
		l:          d.l,
		ext:        c.External,
		diagnostic: c.Diagnostic,
		syscalls:   ring.New[Syscall](c.Capacity, c.Policy),
		faults:     ring.New[Fault](c.Capacity, c.Policy),
		external:   metrics.GetOrRegisterCounter("trap.external", c.Metrics),
		spurious:   metrics.GetOrRegisterCounter("trap.external.unrouted", c.Metrics),
	}
}

func (s *Standard) HandleTrap(ctx *Context, cause Cause, tval uint64) {
	switch {
	case cause.IsEcall():
		sc := Syscall{Num: ctx.SyscallNum(), EPC: ctx.EPC}
		for i := range sc.Args {
			sc.Args[i] = ctx.Arg(i)
		}
		if !s.syscalls.Push(sc) {
			s.l.WithField("num", sc.Num).Debug("Syscall record overflowed")
		}
		ctx.EPC += 4

	case cause.IsExternal():
		csr.Clear(s.csr, s.bank.IP, s.bank.ExternalIE)
		s.external.Inc(1)
		if s.ext == nil {
			s.spurious.Inc(1)
			s.l.WithField("cause", cause.String()).Warn("External interrupt with no controller attached")
			return
		}
		s.ext.Service()

	case cause.IsInterrupt():
		s.l.WithField("cause", cause.String()).Debug("Ignoring interrupt")

	case s.diagnostic:
		if !s.faults.Push(Fault{Cause: cause, EPC: ctx.EPC, TVal: tval}) {
			s.l.WithField("cause", cause.String()).Debug("Fault record overflowed")
		}
		s.l.WithFields(logrus.Fields{
			"cause": cause.String(),
			"epc":   fmt.Sprintf("0x%x", ctx.EPC),
			"tval":  fmt.Sprintf("0x%x", tval),
		}).Info("Skipping faulting instruction")
		ctx.EPC += 4

	default:
		s.d.Fatal().Report(ctx, cause, tval, "Fatal exception")
	}
}

// Syscalls returns the recorded environment calls, oldest first.
func (s *Standard) Syscalls() []Syscall { return s.syscalls.Snapshot() }

// Faults returns the recorded faults, oldest first.
func (s *Standard) Faults() []Fault { return s.faults.Snapshot() }

// Dropped is the number of records lost to overflow.
func (s *Standard) Dropped() uint64 {
	return s.syscalls.Dropped() + s.faults.Dropped()
}
