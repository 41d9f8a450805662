package trap

import (
	"bytes"
	"io"
	"testing"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rvcore/csr"
	"rvcore/test"
)

type mapFile map[csr.Reg]uint64

func (m mapFile) Read(r csr.Reg) uint64 { return m[r] }
func (m mapFile) Write(r csr.Reg, v uint64) { m[r] = v }

var testPlatform = Static{Entry: 0x80001000, StackBase: 0x80100000, StackSize: 0x4000, Halt: 0x80000100}

func newTestDispatcher(f mapFile, out io.Writer) *Dispatcher {
	return NewDispatcher(Config{
		CSR:      f,
		Mode:     csr.Machine,
		Platform: testPlatform,
		Out:      out,
		Logger:   test.NewLogger(),
		Metrics:  metrics.NewRegistry(),
	})
}

func TestContextLayout(t *testing.T) {
	var c Context
	assert.Equal(t, uintptr(ContextSize), unsafe.Sizeof(c))
	assert.Equal(t, uintptr(280), unsafe.Sizeof(c))
	assert.Equal(t, uintptr(OffsetStatus), unsafe.Offsetof(c.Status))
	assert.Equal(t, uintptr(OffsetEPC), unsafe.Offsetof(c.EPC))
	assert.Equal(t, uintptr(OffsetScratch), unsafe.Offsetof(c.Scratch))
}

func TestContextArgs(t *testing.T) {
	var c Context
	c.X[RegA7] = 93
	for i := 0; i < 7; i++ {
		c.X[RegA0+i] = uint64(i + 1)
	}
	assert.Equal(t, uint64(93), c.SyscallNum())
	assert.Equal(t, uint64(1), c.Arg(0))
	assert.Equal(t, uint64(7), c.Arg(6))

	c.SetReturn(42)
	assert.Equal(t, uint64(42), c.X[10])
}

func TestInit(t *testing.T) {
	f := mapFile{csr.MStatus: 0xa00001800, csr.MIE: csr.IntMTI}
	d := newTestDispatcher(f, nil)

	require.NoError(t, d.Init())
	assert.True(t, d.Initialized())

	assert.Equal(t, testPlatform.Entry, f[csr.MTVec])
	assert.Equal(t, uint64(0x80104000), f[csr.MScratch])
	assert.Equal(t, csr.IntMTI|csr.IntMEI, f[csr.MIE], "existing enables are kept")
	assert.Equal(t, uint64(0xa00001808), f[csr.MStatus], "bits above the layout are kept")

	// a second Init does not touch the CSRs again
	f[csr.MTVec] = 0
	require.NoError(t, d.Init())
	assert.Equal(t, uint64(0), f[csr.MTVec])
}

func TestInitSupervisor(t *testing.T) {
	f := mapFile{}
	d := NewDispatcher(Config{CSR: f, Mode: csr.Supervisor, Platform: testPlatform, Logger: test.NewLogger(), Metrics: metrics.NewRegistry()})
	require.NoError(t, d.Init())

	assert.Equal(t, csr.IntSEI, f[csr.SIE])
	assert.Equal(t, csr.StatusSIE, f[csr.SStatus])
	assert.Equal(t, testPlatform.Entry, f[csr.STVec])
	assert.Zero(t, f[csr.MTVec])
}

func TestInitRejectsBadPlatform(t *testing.T) {
	p := testPlatform
	p.Entry = 0x80001002
	d := NewDispatcher(Config{CSR: mapFile{}, Platform: p, Logger: test.NewLogger(), Metrics: metrics.NewRegistry()})
	assert.Error(t, d.Init())
	assert.False(t, d.Initialized())

	p = testPlatform
	p.StackSize = 64
	d = NewDispatcher(Config{CSR: mapFile{}, Platform: p, Logger: test.NewLogger(), Metrics: metrics.NewRegistry()})
	assert.Error(t, d.Init())
}

func TestDefaultHandlerHalts(t *testing.T) {
	out := &bytes.Buffer{}
	f := mapFile{csr.MCause: uint64(LoadFault), csr.MTVal: 0x11110000}
	d := newTestDispatcher(f, out)

	ctx := &Context{EPC: 0x80002000}
	d.Dispatch(ctx)

	assert.Equal(t, testPlatform.Halt, ctx.EPC)
	assert.Equal(t, "mcause: 5\nmtval: 11110000\n", out.String())
}

func TestFatalDump(t *testing.T) {
	out := &bytes.Buffer{}
	f := mapFile{csr.MCause: uint64(StoreFault), csr.MTVal: 0x11110000}

	var epc uint64
	var cause Cause
	d := NewDispatcher(Config{
		CSR:      f,
		Mode:     csr.Machine,
		Platform: testPlatform,
		Out:      out,
		Dump: func(ctx *Context, c Cause, tval uint64) {
			epc, cause = ctx.EPC, c
			out.WriteString("dump\n")
		},
		Logger:  test.NewLogger(),
		Metrics: metrics.NewRegistry(),
	})

	ctx := &Context{EPC: 0x80002000}
	d.Dispatch(ctx)

	assert.Equal(t, "mcause: 7\nmtval: 11110000\ndump\n", out.String())
	assert.Equal(t, uint64(0x80002000), epc, "dump sees the faulting pc")
	assert.Equal(t, StoreFault, cause)
	assert.Equal(t, testPlatform.Halt, ctx.EPC)
}

func TestStaticLayout(t *testing.T) {
	assert.Equal(t, testPlatform.StackBase, testPlatform.ContextAddr())
	assert.Equal(t, uint64(0x80104000), testPlatform.TrapStackTop())
	assert.LessOrEqual(t, testPlatform.ContextAddr()+ContextSize, testPlatform.TrapStackTop())

	// exactly one context fits
	p := testPlatform
	p.StackSize = ContextSize
	d := NewDispatcher(Config{CSR: mapFile{}, Platform: p, Logger: test.NewLogger(), Metrics: metrics.NewRegistry()})
	assert.NoError(t, d.Init())
}

func TestRegister(t *testing.T) {
	f := mapFile{csr.MCause: uint64(EcallMachine)}
	d := newTestDispatcher(f, nil)

	var got []Cause
	require.NoError(t, d.Register(HandlerFunc(func(ctx *Context, cause Cause, tval uint64) {
		got = append(got, cause)
		ctx.EPC += 4

		assert.ErrorIs(t, d.Register(nil), ErrInTrap)
	})))

	ctx := &Context{EPC: 0x100}
	d.Dispatch(ctx)
	assert.Equal(t, []Cause{EcallMachine}, got)
	assert.Equal(t, uint64(0x104), ctx.EPC)

	// back to the default
	require.NoError(t, d.Register(nil))
	d.Dispatch(ctx)
	assert.Equal(t, testPlatform.Halt, ctx.EPC)
}

func TestNestedTrapIsFatal(t *testing.T) {
	out := &bytes.Buffer{}
	f := mapFile{csr.MCause: uint64(IllegalInstruction)}
	d := newTestDispatcher(f, out)

	inner := &Context{EPC: 0x200}
	require.NoError(t, d.Register(HandlerFunc(func(ctx *Context, cause Cause, tval uint64) {
		d.Dispatch(inner)
		ctx.EPC += 4
	})))

	outer := &Context{EPC: 0x100}
	d.Dispatch(outer)
	assert.Equal(t, uint64(0x104), outer.EPC)
	assert.Equal(t, testPlatform.Halt, inner.EPC)
	assert.Contains(t, out.String(), "mcause: 2")
}

func TestCauseString(t *testing.T) {
	assert.True(t, MachineExternal.IsInterrupt())
	assert.Equal(t, uint64(11), MachineExternal.Code())
	assert.Equal(t, Cause(1<<63|11), MachineExternal)
	assert.True(t, MachineExternal.IsExternal())
	assert.False(t, LoadFault.IsInterrupt())
	assert.Equal(t, "load access fault", LoadFault.String())
	assert.Equal(t, "exception 24", Cause(24).String())
	assert.Equal(t, "interrupt 13", (InterruptBit | 13).String())
}
