package trap

import (
	"fmt"
	"io"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"rvcore/csr"
)

// Fatal reports a trap on the output sink and redirects the hart to the halt
// routine. It is the handler used when none is registered.
type Fatal struct {
	out      io.Writer
	dump     HandlerFunc
	platform Platform
	bank     csr.Bank
	l        *logrus.Logger
	count    metrics.Counter
}

func newFatal(out io.Writer, dump HandlerFunc, p Platform, bank csr.Bank, l *logrus.Logger, r metrics.Registry) *Fatal {
	if out == nil {
		out = io.Discard
	}
	return &Fatal{
		out:      out,
		dump:     dump,
		platform: p,
		bank:     bank,
		l:        l,
		count:    metrics.GetOrRegisterCounter("trap.fatal", r),
	}
}

func (f *Fatal) HandleTrap(ctx *Context, cause Cause, tval uint64) {
	f.Report(ctx, cause, tval, "Unhandled trap")
}

// Report prints the cause and trap value, then sets ctx.EPC to the halt
// routine so the hart powers off on return.
func (f *Fatal) Report(ctx *Context, cause Cause, tval uint64, reason string) {
	f.count.Inc(1)

	fmt.Fprintf(f.out, "%s: %x\n", f.bank.Cause, uint64(cause))
	fmt.Fprintf(f.out, "%s: %x\n", f.bank.TVal, tval)

	f.l.WithFields(logrus.Fields{
		"cause": cause.String(),
		"epc":   fmt.Sprintf("0x%x", ctx.EPC),
		"tval":  fmt.Sprintf("0x%x", tval),
	}).Error(reason)

	if f.dump != nil {
		f.dump(ctx, cause, tval)
	}
	ctx.EPC = f.platform.HaltAddr()
}
