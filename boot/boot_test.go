package boot

import (
	"bytes"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rvcore/blk"
	"rvcore/csr"
	"rvcore/power"
	"rvcore/sim"
	"rvcore/test"
	"rvcore/trap"
	"rvcore/virtio"
)

func newTestMachine(t *testing.T, o sim.BlkOptions) *sim.Machine {
	if o.Sectors == 0 {
		o.Sectors = 64
	}
	if o.QueueNumMax == 0 {
		o.QueueNumMax = 16
	}
	o.ID = "boot-disk"
	m, err := sim.New(sim.Config{Blk: o, Logger: test.NewLogger()})
	require.NoError(t, err)
	return m
}

func testConfig(m *sim.Machine, out *bytes.Buffer, interrupts bool) Config {
	return Config{
		CSR:       m.Hart,
		Mode:      csr.Machine,
		Platform:  m.Platform(),
		PLIC:      m.Region(sim.PLICBase),
		Virtio:    m.Region(sim.VirtioBase),
		Arena:     m.Arena(),
		Halter:    power.NewManager(m.Region(sim.PowerBase)),
		Out:       out,
		BlkSource: sim.VirtioSource,
		Blk: blk.Config{
			Interrupts: interrupts,
			Idle:       m.Hart.Idle,
		},
		Trap:    trap.StandardConfig{Diagnostic: true},
		Logger:  test.NewLogger(),
		Metrics: metrics.NewRegistry(),
	}
}

func roundTrip(t *testing.T, d *blk.Driver) {
	buf := make([]byte, blk.SectorSize)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	require.NoError(t, d.Write(0, buf))
	got := make([]byte, blk.SectorSize)
	require.NoError(t, d.Read(0, got))
	assert.Equal(t, buf, got)
}

func TestBootInterrupts(t *testing.T) {
	m := newTestMachine(t, sim.BlkOptions{})
	out := &bytes.Buffer{}
	c := testConfig(m, out, true)

	s, err := Boot(c)
	require.NoError(t, err)
	m.Hart.Attach(s.Dispatcher, m.Platform())

	assert.True(t, s.Dispatcher.Initialized())
	assert.Equal(t, m.Platform().EntryAddr(), m.Hart.Read(csr.MTVec))
	assert.True(t, s.PLIC.Enabled(0, sim.VirtioSource))
	prio, err := s.PLIC.Priority(sim.VirtioSource)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), prio)

	roundTrip(t, s.Blk)

	id, err := s.Blk.ID()
	require.NoError(t, err)
	assert.Equal(t, "boot-disk", id)

	assert.NotZero(t, m.Hart.Traps(), "completions arrived by interrupt")
	assert.Equal(t, int64(3), metrics.GetOrRegisterCounter("blk.interrupt", c.Metrics).Count())
	assert.Empty(t, out.String())
	assert.False(t, m.Power.Halted())
}

func TestBootPolled(t *testing.T) {
	m := newTestMachine(t, sim.BlkOptions{})
	c := testConfig(m, &bytes.Buffer{}, false)

	s, err := Boot(c)
	require.NoError(t, err)
	m.Hart.Attach(s.Dispatcher, m.Platform())

	roundTrip(t, s.Blk)
	assert.Zero(t, m.Hart.Traps())
	assert.Zero(t, metrics.GetOrRegisterCounter("blk.interrupt", c.Metrics).Count())
}

func TestBootFeatureRejectionHalts(t *testing.T) {
	m := newTestMachine(t, sim.BlkOptions{RejectFeatures: true})
	out := &bytes.Buffer{}

	s, err := Boot(testConfig(m, out, true))
	assert.Nil(t, s)
	assert.ErrorIs(t, err, virtio.ErrFeaturesRejected)
	assert.Contains(t, out.String(), "fatal: ")
	assert.True(t, m.Power.Halted())
	assert.Zero(t, m.Blk.QueueWrites())
	assert.NotZero(t, m.Blk.DeviceStatus()&virtio.StatusFailed)
}

func TestBootBadPlatformHalts(t *testing.T) {
	m := newTestMachine(t, sim.BlkOptions{})
	out := &bytes.Buffer{}
	c := testConfig(m, out, false)
	p := m.Platform()
	p.Entry |= 2
	c.Platform = p

	_, err := Boot(c)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "fatal: ")
	assert.True(t, m.Power.Halted())
	assert.Zero(t, m.Blk.DeviceStatus(), "the device was never touched")
}

func TestBootQueueTooSmallHalts(t *testing.T) {
	m := newTestMachine(t, sim.BlkOptions{QueueNumMax: 2})
	out := &bytes.Buffer{}

	s, err := Boot(testConfig(m, out, true))
	assert.Nil(t, s)
	assert.ErrorIs(t, err, blk.ErrQueueSmall)
	assert.Contains(t, out.String(), "fatal: ")
	assert.True(t, m.Power.Halted())
	assert.Zero(t, m.Blk.DeviceStatus()&virtio.StatusDriverOK)
}
