package trap

import (
	"bytes"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rvcore/csr"
	"rvcore/ring"
)

type countingController struct{ n int }

func (c *countingController) Service() int {
	c.n++
	return 1
}

func newTestStandard(t *testing.T, f mapFile, c StandardConfig) (*Dispatcher, *Standard, *bytes.Buffer) {
	out := &bytes.Buffer{}
	d := newTestDispatcher(f, out)
	c.Metrics = metrics.NewRegistry()
	s := NewStandard(d, c)
	require.NoError(t, d.Register(s))
	return d, s, out
}

func TestStandardRecordsSyscalls(t *testing.T) {
	f := mapFile{csr.MCause: uint64(EcallMachine)}
	d, s, out := newTestStandard(t, f, StandardConfig{})

	for i := 0; i < 7; i++ {
		ctx := &Context{EPC: 0x80002000 + uint64(i)*8}
		ctx.X[RegA7] = uint64(10 + i)
		for j := 0; j < i; j++ {
			ctx.X[RegA0+j] = uint64(j + 1)
		}
		d.Dispatch(ctx)
		assert.Equal(t, 0x80002004+uint64(i)*8, ctx.EPC, "ecall is stepped over")
	}

	calls := s.Syscalls()
	require.Len(t, calls, 7)
	for i, sc := range calls {
		assert.Equal(t, uint64(10+i), sc.Num)
		for j := 0; j < 7; j++ {
			want := uint64(0)
			if j < i {
				want = uint64(j + 1)
			}
			assert.Equal(t, want, sc.Args[j], "call %d arg %d", i, j)
		}
	}
	assert.Empty(t, out.String())
}

func TestStandardOverflow(t *testing.T) {
	f := mapFile{csr.MCause: uint64(EcallUser)}
	d, s, _ := newTestStandard(t, f, StandardConfig{Capacity: 2, Policy: ring.Saturate})

	for i := uint64(0); i < 4; i++ {
		ctx := &Context{}
		ctx.X[RegA7] = i
		d.Dispatch(ctx)
	}
	calls := s.Syscalls()
	require.Len(t, calls, 2)
	assert.Equal(t, uint64(0), calls[0].Num, "saturate keeps the first records")
	assert.Equal(t, uint64(2), s.Dropped())
}

func TestStandardDiagnostic(t *testing.T) {
	f := mapFile{}
	d, s, out := newTestStandard(t, f, StandardConfig{Diagnostic: true})

	causes := []Cause{LoadFault, StoreFault, LoadMisaligned, StoreMisaligned}
	for i, c := range causes {
		f[csr.MCause] = uint64(c)
		f[csr.MTVal] = 0x11110000 + uint64(i)
		ctx := &Context{EPC: 0x80003000}
		d.Dispatch(ctx)
		assert.Equal(t, uint64(0x80003004), ctx.EPC)
	}

	faults := s.Faults()
	require.Len(t, faults, 4)
	for i, fault := range faults {
		assert.Equal(t, causes[i], fault.Cause)
		assert.Equal(t, 0x11110000+uint64(i), fault.TVal)
	}
	assert.Empty(t, out.String())
}

func TestStandardFaultIsFatal(t *testing.T) {
	f := mapFile{csr.MCause: uint64(LoadFault), csr.MTVal: 0x11110000}
	d, s, out := newTestStandard(t, f, StandardConfig{})

	ctx := &Context{EPC: 0x80003000}
	d.Dispatch(ctx)
	assert.Equal(t, testPlatform.Halt, ctx.EPC)
	assert.Equal(t, "mcause: 5\nmtval: 11110000\n", out.String())
	assert.Empty(t, s.Faults())
}

func TestStandardExternal(t *testing.T) {
	f := mapFile{csr.MCause: uint64(MachineExternal), csr.MIP: csr.IntMEI}
	ext := &countingController{}
	d, _, out := newTestStandard(t, f, StandardConfig{External: ext})

	ctx := &Context{EPC: 0x80004000}
	d.Dispatch(ctx)
	assert.Equal(t, 1, ext.n)
	assert.Equal(t, uint64(0x80004000), ctx.EPC, "interrupts resume where they left off")
	assert.Zero(t, f[csr.MIP]&csr.IntMEI)

	// timer interrupts are ignored
	f[csr.MCause] = uint64(MachineTimer)
	d.Dispatch(ctx)
	assert.Equal(t, 1, ext.n)
	assert.Empty(t, out.String())
}

func TestStandardExternalWithoutController(t *testing.T) {
	f := mapFile{csr.MCause: uint64(MachineExternal)}
	d, _, out := newTestStandard(t, f, StandardConfig{})

	ctx := &Context{EPC: 0x80004000}
	d.Dispatch(ctx)
	assert.Equal(t, uint64(0x80004000), ctx.EPC)
	assert.Empty(t, out.String())
}
