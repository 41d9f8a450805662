package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rvcore/mmio"
	"rvcore/sim"
	"rvcore/trap"
)

func newTestUART(t *testing.T) (*UART, *bytes.Buffer) {
	out := &bytes.Buffer{}
	bus := &mmio.Bus{}
	require.NoError(t, bus.Map("uart", sim.UARTBase, sim.UARTSize, sim.NewUART(out)))
	w := bus.Window(sim.UARTBase)
	t.Cleanup(func() { assert.NoError(t, w.Err()) })
	return NewUART(w), out
}

func TestUARTWrite(t *testing.T) {
	u, out := newTestUART(t)
	u.Init()

	n, err := u.Write([]byte("mcause: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "mcause: 5\n", out.String())

	out.Reset()
	u.CRLF = true
	u.Putc('a')
	_, _ = u.Write([]byte("b\n"))
	assert.Equal(t, "ab\r\n", out.String())

	_, ok := u.Getc()
	assert.False(t, ok, "the simulated UART has no receiver")
}

func TestFormatter(t *testing.T) {
	l := logrus.New()
	out := &bytes.Buffer{}
	l.Out = out
	l.Formatter = &Formatter{NoColor: true}

	l.WithFields(logrus.Fields{"source": 1, "reaped": 2}).Warn("virtio-blk interrupt")
	assert.Equal(t, "WARN  virtio-blk interrupt reaped=2 source=1\n", out.String())

	out.Reset()
	l.Formatter = &Formatter{}
	l.Error("boom")
	assert.Contains(t, out.String(), "\x1b[")
	assert.Contains(t, out.String(), "boom")
}

func TestDumpContext(t *testing.T) {
	ctx := &trap.Context{EPC: 0x80001234}
	ctx.X[trap.RegA0] = 0xdead
	out := &bytes.Buffer{}

	DumpContext(out, ctx, trap.LoadFault, 0x11110000, true)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 10)
	assert.Equal(t, "trap: load access fault (cause=0x5 tval=0x11110000)", lines[0])
	assert.Contains(t, lines[1], "epc=0x0000000080001234")
	assert.Contains(t, lines[4], "  a0=0x000000000000dead")
	assert.NotContains(t, out.String(), "\x1b[")
}
