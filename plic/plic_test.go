package plic_test

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rvcore/mmio"
	"rvcore/plic"
	"rvcore/sim"
	"rvcore/test"
)

const base = 0x0c000000

func newTestPLIC(t *testing.T) (*plic.PLIC, *sim.PLIC) {
	dev := sim.NewPLIC()
	bus := &mmio.Bus{}
	require.NoError(t, bus.Map("plic", base, plic.Size, dev))
	w := bus.Window(base)
	t.Cleanup(func() { assert.NoError(t, w.Err()) })
	return plic.New(w, test.NewLogger()), dev
}

func TestClaimComplete(t *testing.T) {
	p, dev := newTestPLIC(t)
	const src = plic.Source(63)

	require.NoError(t, p.SetPriority(src, 5))
	require.NoError(t, p.SetThreshold(0, 1))
	require.NoError(t, p.Enable(0, src))
	assert.True(t, p.Enabled(0, src))
	assert.False(t, p.Enabled(1, src))

	assert.Equal(t, plic.None, p.Claim(0), "nothing asserted yet")

	dev.Raise(src)
	assert.True(t, p.Pending(src))
	assert.True(t, dev.Asserted(0))

	assert.Equal(t, src, p.Claim(0))
	assert.False(t, p.Pending(src))
	assert.Equal(t, plic.None, p.Claim(0), "a claimed source is not presented twice")

	// raised again while in service: held until complete
	dev.Raise(src)
	assert.Equal(t, plic.None, p.Claim(0))
	p.Complete(0, src)
	assert.Equal(t, src, p.Claim(0))
	p.Complete(0, src)
	assert.Equal(t, plic.None, p.Claim(0))
}

func TestThresholdMasks(t *testing.T) {
	p, dev := newTestPLIC(t)
	const src = plic.Source(10)

	require.NoError(t, p.SetPriority(src, 1))
	require.NoError(t, p.SetThreshold(0, 1))
	require.NoError(t, p.Enable(0, src))
	dev.Raise(src)

	assert.False(t, dev.Asserted(0))
	assert.Equal(t, plic.None, p.Claim(0), "priority must exceed the threshold")

	require.NoError(t, p.SetThreshold(0, 0))
	level, err := p.Threshold(0)
	require.NoError(t, err)
	assert.Zero(t, level)
	assert.Equal(t, src, p.Claim(0))
}

func TestClaimOrder(t *testing.T) {
	p, dev := newTestPLIC(t)

	for src, prio := range map[plic.Source]uint32{3: 2, 7: 6, 9: 6} {
		require.NoError(t, p.SetPriority(src, prio))
		require.NoError(t, p.Enable(0, src))
		dev.Raise(src)
	}

	prio, err := p.Priority(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), prio)

	// highest priority first, lowest id on ties
	assert.Equal(t, plic.Source(7), p.Claim(0))
	assert.Equal(t, plic.Source(9), p.Claim(0))
	assert.Equal(t, plic.Source(3), p.Claim(0))
	assert.Equal(t, plic.None, p.Claim(0))
}

func TestDisable(t *testing.T) {
	p, dev := newTestPLIC(t)
	require.NoError(t, p.SetPriority(40, 1))
	require.NoError(t, p.Enable(0, 40))
	require.NoError(t, p.Enable(0, 41))
	require.NoError(t, p.Disable(0, 40))

	assert.False(t, p.Enabled(0, 40))
	assert.True(t, p.Enabled(0, 41), "disable leaves the rest of the word alone")

	dev.Raise(40)
	assert.Equal(t, plic.None, p.Claim(0))
}

func TestInvalidArguments(t *testing.T) {
	p, _ := newTestPLIC(t)

	assert.ErrorIs(t, p.SetPriority(plic.None, 1), plic.ErrInvalidSource)
	assert.ErrorIs(t, p.SetPriority(plic.MaxSources, 1), plic.ErrInvalidSource)
	assert.ErrorIs(t, p.Enable(plic.MaxContexts, 1), plic.ErrInvalidContext)
	assert.ErrorIs(t, p.SetThreshold(plic.MaxContexts, 1), plic.ErrInvalidContext)
	_, err := p.Priority(plic.None)
	assert.ErrorIs(t, err, plic.ErrInvalidSource)

	assert.False(t, p.Enabled(0, plic.None))
	assert.False(t, p.Pending(plic.MaxSources))
	assert.Equal(t, plic.None, p.Claim(plic.MaxContexts))
}

func TestRouter(t *testing.T) {
	p, dev := newTestPLIC(t)
	reg := metrics.NewRegistry()
	r := plic.NewRouter(p, 0, reg)
	assert.Equal(t, plic.Context(0), r.Context())

	var got []plic.Source
	require.NoError(t, r.Handle(1, func(src plic.Source) { got = append(got, src) }))
	assert.ErrorIs(t, r.Handle(plic.None, func(plic.Source) {}), plic.ErrInvalidSource)

	for _, src := range []plic.Source{1, 2} {
		require.NoError(t, p.SetPriority(src, 1))
		require.NoError(t, p.Enable(0, src))
		dev.Raise(src)
	}

	assert.Equal(t, 2, r.Service())
	assert.Equal(t, []plic.Source{1}, got)
	assert.Equal(t, int64(2), metrics.GetOrRegisterCounter("plic.claim", reg).Count())
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("plic.spurious", reg).Count())

	// both were completed
	assert.False(t, dev.Asserted(0))
	dev.Raise(2)
	assert.Equal(t, 1, r.Service())

	require.NoError(t, r.Handle(1, nil))
	dev.Raise(1)
	assert.Equal(t, 1, r.Service())
	assert.Len(t, got, 1, "handler removed")
}
