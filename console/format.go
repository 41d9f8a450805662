package console

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"rvcore/trap"
)

var levelColors = map[logrus.Level]*color.Color{
	logrus.PanicLevel: color.New(color.FgRed, color.Bold),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.InfoLevel:  color.New(color.FgCyan),
	logrus.DebugLevel: color.New(color.FgWhite),
	logrus.TraceLevel: color.New(color.FgBlack),
}

// Formatter prints one line per entry: a colored level, the message and the
// fields sorted by key.
type Formatter struct {
	// NoColor disables escape sequences, for sinks that are not terminals.
	NoColor bool
}

func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	lvl := fmt.Sprintf("%-5.5s", levelName(e.Level))
	if c, ok := levelColors[e.Level]; ok && !f.NoColor {
		c.EnableColor()
		lvl = c.Sprint(lvl)
	}
	fmt.Fprintf(&b, "%s %s", lvl, e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelName(l logrus.Level) string {
	if l == logrus.WarnLevel {
		return "WARN"
	}
	b, _ := l.MarshalText()
	return string(bytes.ToUpper(b))
}

var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// DumpContext writes the saved registers of a trap, four per line.
func DumpContext(w io.Writer, ctx *trap.Context, cause trap.Cause, tval uint64, noColor bool) {
	head := color.New(color.FgGreen)
	regs := color.New(color.FgCyan)
	if noColor {
		head.DisableColor()
		regs.DisableColor()
	} else {
		head.EnableColor()
		regs.EnableColor()
	}

	head.Fprintf(w, "trap: %s (cause=0x%x tval=0x%x)\n", cause, uint64(cause), tval)
	regs.Fprintf(w, "epc=0x%016x status=0x%016x scratch=0x%016x\n", ctx.EPC, ctx.Status, ctx.Scratch)
	for i := 0; i < 32; i += 4 {
		regs.Fprintf(w, "%4s=0x%016x %4s=0x%016x %4s=0x%016x %4s=0x%016x\n",
			abiNames[i], ctx.X[i],
			abiNames[i+1], ctx.X[i+1],
			abiNames[i+2], ctx.X[i+2],
			abiNames[i+3], ctx.X[i+3],
		)
	}
}
